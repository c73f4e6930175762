package vector

import (
	"time"

	"github.com/smarthealth/platform/internal/shared/types"
)

// EntityType identifies which embedded table a similar chunk came from.
type EntityType string

const (
	EntityRecord        EntityType = "record"
	EntityAppointment   EntityType = "appointment"
	EntityDiagnosis     EntityType = "diagnosis"
	EntityMedication    EntityType = "medication"
	EntityPatientName   EntityType = "patient_name"
	EntityDoctorName    EntityType = "doctor_name"
	EntityPriorQuestion EntityType = "prior_question"
)

// AllEntityTypes lists every searchable entity type in stable order.
var AllEntityTypes = []EntityType{
	EntityRecord,
	EntityAppointment,
	EntityDiagnosis,
	EntityMedication,
	EntityPatientName,
	EntityDoctorName,
	EntityPriorQuestion,
}

// IsValid reports whether the entity type is searchable.
func (e EntityType) IsValid() bool {
	for _, t := range AllEntityTypes {
		if t == e {
			return true
		}
	}
	return false
}

// IsName reports whether the entity is a name lookup, which uses the
// stricter similarity threshold.
func (e EntityType) IsName() bool {
	return e == EntityPatientName || e == EntityDoctorName
}

// SimilarChunk is one vector-search hit. Similarity is cosine similarity
// in [0,1], higher means more similar; results are always ordered by
// descending similarity.
type SimilarChunk struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   types.ID   `json:"entity_id"`
	PatientID  *types.ID  `json:"patient_id,omitempty"`
	Similarity float64    `json:"similarity"`
	Date       *time.Time `json:"date,omitempty"`
	Text       string     `json:"text"`
}

// SearchOptions restricts a similarity search.
type SearchOptions struct {
	// EntityType limits the search to one table; empty searches all.
	EntityType EntityType
	// PatientID limits patient-scoped entities to one patient.
	PatientID *types.ID
	// MaxResults caps the result list; <= 0 uses the accessor default.
	MaxResults int
}
