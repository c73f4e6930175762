package patient

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/smarthealth/platform/internal/shared/errors"
	"github.com/smarthealth/platform/internal/shared/types"
)

// Loader loads a clinical graph for a patient identity.
type Loader interface {
	Load(ctx context.Context, identity types.PatientIdentity) (*ClinicalGraph, error)
}

// Repository implements Loader using PostgreSQL
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new patient repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Load resolves the identity and loads the full clinical graph in one
// repeatable-read transaction, so the child lists reflect a single
// consistent snapshot. Returns NotFound only when the identity does not
// resolve; a patient with no history yields an empty-but-valid graph.
func (r *Repository) Load(ctx context.Context, identity types.PatientIdentity) (*ClinicalGraph, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin snapshot transaction")
	}
	defer tx.Rollback(ctx)

	p, err := r.findPatient(ctx, tx, identity)
	if err != nil {
		return nil, err
	}

	graph := &ClinicalGraph{Patient: *p}

	if graph.Appointments, err = r.loadAppointments(ctx, tx, p.ID); err != nil {
		return nil, err
	}
	if graph.Diagnoses, err = r.loadDiagnoses(ctx, tx, p.ID); err != nil {
		return nil, err
	}
	if graph.Prescriptions, err = r.loadPrescriptions(ctx, tx, p.ID); err != nil {
		return nil, err
	}
	if graph.MedicalRecords, err = r.loadMedicalRecords(ctx, tx, p.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to commit snapshot transaction")
	}

	return graph, nil
}

func (r *Repository) findPatient(ctx context.Context, tx pgx.Tx, identity types.PatientIdentity) (*Patient, error) {
	query := `
		SELECT id, document_type, document_number,
			first_name, first_surname, second_surname,
			birth_date, gender
		FROM patients
		WHERE document_type = $1 AND document_number = $2`

	p := &Patient{}
	var secondSurname, gender *string

	err := tx.QueryRow(ctx, query, identity.DocumentType, identity.DocumentNumber).Scan(
		&p.ID, &p.DocumentType, &p.DocumentNumber,
		&p.FirstName, &p.FirstSurname, &secondSurname,
		&p.BirthDate, &gender,
	)

	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("patient", identity.Masked())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve patient identity")
	}

	if secondSurname != nil {
		p.SecondSurname = *secondSurname
	}
	if gender != nil {
		p.Gender = *gender
	}

	return p, nil
}

func (r *Repository) loadAppointments(ctx context.Context, tx pgx.Tx, patientID types.ID) ([]Appointment, error) {
	query := `
		SELECT a.id, a.patient_id, COALESCE(a.doctor_id::text, ''),
			COALESCE(d.full_name, ''), a.appointment_date,
			COALESCE(a.reason, ''), COALESCE(a.status, '')
		FROM appointments a
		LEFT JOIN doctors d ON a.doctor_id = d.id
		WHERE a.patient_id = $1
		ORDER BY a.appointment_date DESC`

	rows, err := tx.Query(ctx, query, patientID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load appointments")
	}
	defer rows.Close()

	var appointments []Appointment
	for rows.Next() {
		var a Appointment
		if err := rows.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.DoctorName,
			&a.Date, &a.Reason, &a.Status); err != nil {
			return nil, errors.Wrap(err, "failed to scan appointment")
		}
		appointments = append(appointments, a)
	}
	return appointments, rows.Err()
}

func (r *Repository) loadDiagnoses(ctx context.Context, tx pgx.Tx, patientID types.ID) ([]Diagnosis, error) {
	query := `
		SELECT id, patient_id, COALESCE(record_id::text, ''),
			COALESCE(icd_code, ''), description, diagnosed_at
		FROM diagnoses
		WHERE patient_id = $1
		ORDER BY diagnosed_at DESC NULLS LAST`

	rows, err := tx.Query(ctx, query, patientID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load diagnoses")
	}
	defer rows.Close()

	var diagnoses []Diagnosis
	for rows.Next() {
		var d Diagnosis
		if err := rows.Scan(&d.ID, &d.PatientID, &d.RecordID,
			&d.ICDCode, &d.Description, &d.DiagnosedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan diagnosis")
		}
		diagnoses = append(diagnoses, d)
	}
	return diagnoses, rows.Err()
}

func (r *Repository) loadPrescriptions(ctx context.Context, tx pgx.Tx, patientID types.ID) ([]Prescription, error) {
	query := `
		SELECT id, patient_id, COALESCE(record_id::text, ''),
			medication_name, COALESCE(dosage, ''), COALESCE(frequency, ''),
			prescribed_at
		FROM prescriptions
		WHERE patient_id = $1
		ORDER BY prescribed_at DESC NULLS LAST`

	rows, err := tx.Query(ctx, query, patientID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load prescriptions")
	}
	defer rows.Close()

	var prescriptions []Prescription
	for rows.Next() {
		var p Prescription
		if err := rows.Scan(&p.ID, &p.PatientID, &p.RecordID,
			&p.MedicationName, &p.Dosage, &p.Frequency, &p.PrescribedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan prescription")
		}
		prescriptions = append(prescriptions, p)
	}
	return prescriptions, rows.Err()
}

func (r *Repository) loadMedicalRecords(ctx context.Context, tx pgx.Tx, patientID types.ID) ([]MedicalRecord, error) {
	query := `
		SELECT m.id, m.patient_id, COALESCE(m.doctor_id::text, ''),
			COALESCE(d.full_name, ''), m.summary, m.registered_at
		FROM medical_records m
		LEFT JOIN doctors d ON m.doctor_id = d.id
		WHERE m.patient_id = $1
		ORDER BY m.registered_at DESC`

	rows, err := tx.Query(ctx, query, patientID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load medical records")
	}
	defer rows.Close()

	var records []MedicalRecord
	for rows.Next() {
		var m MedicalRecord
		if err := rows.Scan(&m.ID, &m.PatientID, &m.DoctorID,
			&m.DoctorName, &m.Summary, &m.RegisteredAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan medical record")
		}
		records = append(records, m)
	}
	return records, rows.Err()
}
