package vector

import (
	"testing"
	"time"

	"github.com/smarthealth/platform/internal/shared/config"
)

func TestEntityTypeIsValid(t *testing.T) {
	for _, e := range AllEntityTypes {
		if !e.IsValid() {
			t.Errorf("expected %q to be valid", e)
		}
	}

	if EntityType("bogus").IsValid() {
		t.Error("expected bogus entity type to be invalid")
	}
}

func TestEntityTypeIsName(t *testing.T) {
	if !EntityPatientName.IsName() || !EntityDoctorName.IsName() {
		t.Error("expected name entities to report IsName")
	}
	if EntityRecord.IsName() || EntityPriorQuestion.IsName() {
		t.Error("expected clinical entities to not report IsName")
	}
}

func TestThresholdPerEntityType(t *testing.T) {
	idx := NewIndex(nil, config.VectorConfig{
		Threshold:     0.7,
		NameThreshold: 0.8,
		MaxResults:    15,
		SearchTimeout: 10 * time.Second,
	})

	if got := idx.Threshold(EntityRecord); got != 0.7 {
		t.Errorf("Threshold(record) = %v, want 0.7", got)
	}
	if got := idx.Threshold(EntityPatientName); got != 0.8 {
		t.Errorf("Threshold(patient_name) = %v, want 0.8", got)
	}
	if got := idx.Threshold(EntityDoctorName); got != 0.8 {
		t.Errorf("Threshold(doctor_name) = %v, want 0.8", got)
	}
}

func TestEntitySourcesComplete(t *testing.T) {
	for _, e := range AllEntityTypes {
		src, ok := entitySources[e]
		if !ok {
			t.Errorf("missing entity source for %q", e)
			continue
		}
		if src.table == "" || src.embeddingCol == "" || src.snippetExpr == "" {
			t.Errorf("incomplete entity source for %q: %+v", e, src)
		}
	}
}
