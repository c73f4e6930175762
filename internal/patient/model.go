package patient

import (
	"strings"
	"time"

	"github.com/smarthealth/platform/internal/shared/types"
)

// Patient holds the demographic header of a clinical graph.
type Patient struct {
	ID             types.ID           `json:"patient_id"`
	DocumentType   types.DocumentType `json:"document_type"`
	DocumentNumber string             `json:"document_number"`
	FirstName      string             `json:"first_name"`
	FirstSurname   string             `json:"first_surname"`
	SecondSurname  string             `json:"second_surname,omitempty"`
	BirthDate      *time.Time         `json:"birth_date,omitempty"`
	Gender         string             `json:"gender,omitempty"`
}

// FullName joins the name parts, skipping empty ones.
func (p Patient) FullName() string {
	parts := []string{p.FirstName, p.FirstSurname}
	if p.SecondSurname != "" {
		parts = append(parts, p.SecondSurname)
	}
	return strings.Join(parts, " ")
}

// Age returns the patient's age in full years at the given date,
// or -1 when the birth date is unknown.
func (p Patient) Age(at time.Time) int {
	if p.BirthDate == nil {
		return -1
	}
	b := *p.BirthDate
	age := at.Year() - b.Year()
	if at.Month() < b.Month() || (at.Month() == b.Month() && at.Day() < b.Day()) {
		age--
	}
	if age < 0 {
		return -1
	}
	return age
}

// Appointment is a scheduled or past medical visit.
type Appointment struct {
	ID         types.ID  `json:"id"`
	PatientID  types.ID  `json:"patient_id"`
	DoctorID   types.ID  `json:"doctor_id,omitempty"`
	DoctorName string    `json:"doctor_name,omitempty"`
	Date       time.Time `json:"date"`
	Reason     string    `json:"reason,omitempty"`
	Status     string    `json:"status,omitempty"`
}

// Diagnosis is an ICD-coded clinical finding.
type Diagnosis struct {
	ID          types.ID   `json:"id"`
	PatientID   types.ID   `json:"patient_id"`
	RecordID    types.ID   `json:"record_id,omitempty"`
	ICDCode     string     `json:"icd_code,omitempty"`
	Description string     `json:"description"`
	DiagnosedAt *time.Time `json:"diagnosed_at,omitempty"`
}

// Prescription is a prescribed medication with dosage instructions.
type Prescription struct {
	ID             types.ID   `json:"id"`
	PatientID      types.ID   `json:"patient_id"`
	RecordID       types.ID   `json:"record_id,omitempty"`
	MedicationName string     `json:"medication_name"`
	Dosage         string     `json:"dosage,omitempty"`
	Frequency      string     `json:"frequency,omitempty"`
	PrescribedAt   *time.Time `json:"prescribed_at,omitempty"`
}

// MedicalRecord is a free-text clinical note summary.
type MedicalRecord struct {
	ID           types.ID  `json:"id"`
	PatientID    types.ID  `json:"patient_id"`
	DoctorID     types.ID  `json:"doctor_id,omitempty"`
	DoctorName   string    `json:"doctor_name,omitempty"`
	Summary      string    `json:"summary"`
	RegisteredAt time.Time `json:"registered_at"`
}

// ClinicalGraph is the read-only snapshot of a patient's structured
// history used by a single query. All child lists belong to the patient
// in the header; an empty graph is valid for a patient with no history.
type ClinicalGraph struct {
	Patient        Patient         `json:"patient"`
	Appointments   []Appointment   `json:"appointments"`
	Diagnoses      []Diagnosis     `json:"diagnoses"`
	Prescriptions  []Prescription  `json:"prescriptions"`
	MedicalRecords []MedicalRecord `json:"medical_records"`
}

// TotalRecords is the sum of all child list lengths, reported in query
// metadata as total_records_analyzed.
func (g *ClinicalGraph) TotalRecords() int {
	return len(g.Appointments) + len(g.Diagnoses) + len(g.Prescriptions) + len(g.MedicalRecords)
}

// IsEmpty reports whether the graph has no clinical history.
func (g *ClinicalGraph) IsEmpty() bool {
	return g.TotalRecords() == 0
}
