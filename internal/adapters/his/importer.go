package his

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/denisenkom/go-mssqldb" // SQL Server driver
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/smarthealth/platform/internal/shared/config"
	"github.com/smarthealth/platform/internal/shared/metrics"
	"github.com/smarthealth/platform/internal/shared/types"
)

// Importer periodically pulls patient and clinical rows from the legacy
// hospital information system (SQL Server) and upserts them into the
// clinical schema. Imported rows arrive without embeddings; the
// embedding backfill job picks them up separately.
type Importer struct {
	db     *sql.DB
	pool   *pgxpool.Pool
	cfg    config.HISConfig
	logger *slog.Logger

	running  bool
	mu       sync.Mutex
	cancel   context.CancelFunc
	lastSync time.Time
	wg       sync.WaitGroup

	// Indirection over the sync queries so the polling logic is
	// testable without a SQL Server instance.
	patientSync func(ctx context.Context, since time.Time) error
	recordSync  func(ctx context.Context, since time.Time) error
}

// New creates a new HIS importer
func New(pool *pgxpool.Pool, cfg config.HISConfig, logger *slog.Logger) *Importer {
	i := &Importer{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
	}
	i.patientSync = i.syncPatients
	i.recordSync = i.syncRecords
	return i
}

// Start opens the SQL Server connection and starts the polling loop.
func (i *Importer) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.running {
		return fmt.Errorf("importer already running")
	}

	connStr := fmt.Sprintf("server=%s;port=%d;database=%s;user id=%s;password=%s",
		i.cfg.Host, i.cfg.Port, i.cfg.Database, i.cfg.User, i.cfg.Password)

	db, err := sql.Open("sqlserver", connStr)
	if err != nil {
		return fmt.Errorf("failed to open HIS database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping HIS database: %w", err)
	}

	i.db = db
	i.running = true
	i.lastSync = time.Now().Add(-i.cfg.PollInterval)

	pollCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel

	i.wg.Add(1)
	go i.pollLoop(pollCtx)

	i.logger.Info("HIS importer started",
		"host", i.cfg.Host,
		"poll_interval", i.cfg.PollInterval)

	return nil
}

// Stop stops the importer and closes the connection.
func (i *Importer) Stop(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.running {
		return nil
	}

	if i.cancel != nil {
		i.cancel()
	}

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if i.db != nil {
		i.db.Close()
	}

	i.running = false
	return nil
}

// Health checks HIS connectivity.
func (i *Importer) Health(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.running {
		return fmt.Errorf("importer not running")
	}
	return i.db.PingContext(ctx)
}

func (i *Importer) pollLoop(ctx context.Context) {
	defer i.wg.Done()

	ticker := time.NewTicker(i.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.syncOnce(ctx)
		}
	}
}

// syncOnce runs one polling pass. The sync window only advances after
// both syncs succeed, so rows from a failed window are retried on the
// next tick; the upserts keep retries idempotent.
func (i *Importer) syncOnce(ctx context.Context) {
	i.mu.Lock()
	since := i.lastSync
	i.mu.Unlock()

	start := time.Now()

	if err := i.patientSync(ctx, since); err != nil {
		i.logger.Error("HIS patient sync failed", "error", err)
		return
	}
	if err := i.recordSync(ctx, since); err != nil {
		i.logger.Error("HIS record sync failed", "error", err)
		return
	}

	i.mu.Lock()
	i.lastSync = start
	i.mu.Unlock()
}

// hisPatient is one row from the HIS patient table.
type hisPatient struct {
	DocumentTypeID int
	DocumentNumber string
	FirstName      string
	FirstSurname   string
	SecondSurname  sql.NullString
	BirthDate      sql.NullTime
	Gender         sql.NullString
}

// syncPatients imports patients modified since the last poll.
func (i *Importer) syncPatients(ctx context.Context, since time.Time) error {
	rows, err := i.db.QueryContext(ctx, `
		SELECT DocumentTypeID, DocumentNumber, FirstName, FirstSurname,
			SecondSurname, BirthDate, Gender
		FROM dbo.Patients
		WHERE LastModified > @since
		ORDER BY LastModified ASC
	`, sql.Named("since", since))
	if err != nil {
		return fmt.Errorf("failed to query HIS patients: %w", err)
	}
	defer rows.Close()

	imported := 0
	for rows.Next() {
		var p hisPatient
		if err := rows.Scan(
			&p.DocumentTypeID, &p.DocumentNumber, &p.FirstName, &p.FirstSurname,
			&p.SecondSurname, &p.BirthDate, &p.Gender,
		); err != nil {
			return fmt.Errorf("failed to scan HIS patient: %w", err)
		}

		if err := i.upsertPatient(ctx, p); err != nil {
			i.logger.Warn("failed to upsert imported patient",
				"document_number_len", len(p.DocumentNumber), "error", err)
			continue
		}
		imported++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if imported > 0 {
		metrics.RecordHISImport("patient", imported)
		i.logger.Info("imported HIS patients", "count", imported)
	}
	return nil
}

func (i *Importer) upsertPatient(ctx context.Context, p hisPatient) error {
	docType := types.DocumentTypeFromID(p.DocumentTypeID)

	var secondSurname, gender *string
	if p.SecondSurname.Valid {
		secondSurname = &p.SecondSurname.String
	}
	if p.Gender.Valid {
		gender = &p.Gender.String
	}
	var birthDate *time.Time
	if p.BirthDate.Valid {
		birthDate = &p.BirthDate.Time
	}

	_, err := i.pool.Exec(ctx, `
		INSERT INTO patients (
			id, document_type, document_number, first_name, first_surname,
			second_surname, birth_date, gender
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (document_type, document_number) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			first_surname = EXCLUDED.first_surname,
			second_surname = EXCLUDED.second_surname,
			birth_date = EXCLUDED.birth_date,
			gender = EXCLUDED.gender,
			updated_at = NOW()
	`, types.NewID(), docType.String(), p.DocumentNumber, p.FirstName, p.FirstSurname,
		secondSurname, birthDate, gender)
	return err
}

// syncRecords imports clinical notes modified since the last poll.
// Diagnoses and prescriptions ride along inside the same HIS view.
func (i *Importer) syncRecords(ctx context.Context, since time.Time) error {
	rows, err := i.db.QueryContext(ctx, `
		SELECT r.RecordID, p.DocumentTypeID, p.DocumentNumber,
			r.Summary, r.RegisteredAt, r.DoctorName,
			r.DiagnosisICD10, r.DiagnosisText,
			r.MedicationName, r.Dosage, r.Frequency
		FROM dbo.MedicalRecords r
		INNER JOIN dbo.Patients p ON r.PatientID = p.PatientID
		WHERE r.LastModified > @since
		ORDER BY r.LastModified ASC
	`, sql.Named("since", since))
	if err != nil {
		return fmt.Errorf("failed to query HIS records: %w", err)
	}
	defer rows.Close()

	records, diagnoses, prescriptions := 0, 0, 0
	for rows.Next() {
		var (
			recordID       string
			docTypeID      int
			docNumber      string
			summary        string
			registeredAt   time.Time
			doctorName     sql.NullString
			diagICD        sql.NullString
			diagText       sql.NullString
			medicationName sql.NullString
			dosage         sql.NullString
			frequency      sql.NullString
		)
		if err := rows.Scan(
			&recordID, &docTypeID, &docNumber,
			&summary, &registeredAt, &doctorName,
			&diagICD, &diagText,
			&medicationName, &dosage, &frequency,
		); err != nil {
			return fmt.Errorf("failed to scan HIS record: %w", err)
		}

		patientID, err := i.resolvePatient(ctx, docTypeID, docNumber)
		if err != nil {
			// Patient row arrives in a later sync pass; retry then.
			continue
		}

		recID := types.NewID()
		_, err = i.pool.Exec(ctx, `
			INSERT INTO medical_records (id, patient_id, summary, registered_at, source_system, external_ref)
			VALUES ($1, $2, $3, $4, 'his', $5)
			ON CONFLICT (external_ref) DO UPDATE SET
				summary = EXCLUDED.summary,
				registered_at = EXCLUDED.registered_at
		`, recID, patientID, summary, registeredAt, recordID)
		if err != nil {
			i.logger.Warn("failed to upsert imported record", "error", err)
			continue
		}
		records++

		if diagText.Valid {
			var icd *string
			if diagICD.Valid {
				icd = &diagICD.String
			}
			_, err = i.pool.Exec(ctx, `
				INSERT INTO diagnoses (id, patient_id, icd_code, description, diagnosed_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT DO NOTHING
			`, types.NewID(), patientID, icd, diagText.String, registeredAt)
			if err == nil {
				diagnoses++
			}
		}

		if medicationName.Valid {
			var d, f *string
			if dosage.Valid {
				d = &dosage.String
			}
			if frequency.Valid {
				f = &frequency.String
			}
			_, err = i.pool.Exec(ctx, `
				INSERT INTO prescriptions (id, patient_id, medication_name, dosage, frequency, prescribed_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT DO NOTHING
			`, types.NewID(), patientID, medicationName.String, d, f, registeredAt)
			if err == nil {
				prescriptions++
			}
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if records > 0 {
		metrics.RecordHISImport("medical_record", records)
	}
	if diagnoses > 0 {
		metrics.RecordHISImport("diagnosis", diagnoses)
	}
	if prescriptions > 0 {
		metrics.RecordHISImport("prescription", prescriptions)
	}
	if records+diagnoses+prescriptions > 0 {
		i.logger.Info("imported HIS clinical rows",
			"records", records, "diagnoses", diagnoses, "prescriptions", prescriptions)
	}
	return nil
}

func (i *Importer) resolvePatient(ctx context.Context, docTypeID int, docNumber string) (types.ID, error) {
	docType := types.DocumentTypeFromID(docTypeID)

	var id types.ID
	err := i.pool.QueryRow(ctx, `
		SELECT id FROM patients
		WHERE document_type = $1 AND document_number = $2
	`, docType.String(), docNumber).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("patient not yet imported: %w", err)
	}
	return id, nil
}
