package query

import (
	"math"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/smarthealth/platform/internal/patient"
	"github.com/smarthealth/platform/internal/shared/types"
	"github.com/smarthealth/platform/internal/vector"
)

// SourceOrigin discriminates where a source entry came from.
type SourceOrigin string

const (
	OriginVectorSearch   SourceOrigin = "vector_search"
	OriginClinicalRecord SourceOrigin = "clinical_record"
)

const maxExcerptLen = 160

// SourceEntry is one unit of evidence behind an answer, traceable to its
// origin. Vector entries carry a similarity score; clinical entries do
// not.
type SourceEntry struct {
	Origin     SourceOrigin      `json:"origin"`
	EntityType vector.EntityType `json:"entity_type"`
	EntityID   types.ID          `json:"entity_id"`
	PatientID  *types.ID         `json:"patient_id,omitempty"`
	Similarity *float64          `json:"similarity,omitempty"`
	Date       *time.Time        `json:"date,omitempty"`
	Excerpt    string            `json:"excerpt,omitempty"`
}

// QueryMetadata reports counts and timings derived from a completed
// query. Purely derived; computed once and never mutated.
type QueryMetadata struct {
	TotalRecordsAnalyzed  int   `json:"total_records_analyzed"`
	VectorChunksRetrieved int   `json:"vector_chunks_retrieved"`
	ContextTokens         int   `json:"context_tokens"`
	SourcesUsed           int   `json:"sources_used"`
	QueryTimeMs           int64 `json:"query_time_ms"`
}

// BuildSources derives the provenance list for a query, restricted to
// what actually survived into the assembled context: the included
// chunks as vector_search entries ordered by descending similarity,
// followed by the included clinical-graph entries as clinical_record
// entries in stable domain order (appointments, diagnoses,
// prescriptions, records). Pure function; no I/O.
func BuildSources(chunks []vector.SimilarChunk, graph *patient.ClinicalGraph, included SectionCounts) []SourceEntry {
	entries := make([]SourceEntry, 0, len(chunks)+graph.TotalRecords())

	ordered := make([]vector.SimilarChunk, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Similarity > ordered[j].Similarity
	})
	// Truncation drops the lowest-similarity chunks first, so the
	// surviving ones are the top of the ordered list.
	if included.Chunks < len(ordered) {
		ordered = ordered[:included.Chunks]
	}

	for _, c := range ordered {
		similarity := c.Similarity
		entries = append(entries, SourceEntry{
			Origin:     OriginVectorSearch,
			EntityType: c.EntityType,
			EntityID:   c.EntityID,
			PatientID:  c.PatientID,
			Similarity: &similarity,
			Date:       c.Date,
			Excerpt:    excerpt(c.Text),
		})
	}

	patientID := graph.Patient.ID

	appointments := graph.Appointments
	if included.Appointments < len(appointments) {
		appointments = appointments[:included.Appointments]
	}
	for _, a := range appointments {
		date := a.Date
		entries = append(entries, SourceEntry{
			Origin:     OriginClinicalRecord,
			EntityType: vector.EntityAppointment,
			EntityID:   a.ID,
			PatientID:  &patientID,
			Date:       &date,
			Excerpt:    excerpt(a.Reason),
		})
	}

	diagnoses := graph.Diagnoses
	if included.Diagnoses < len(diagnoses) {
		diagnoses = diagnoses[:included.Diagnoses]
	}
	for _, d := range diagnoses {
		entries = append(entries, SourceEntry{
			Origin:     OriginClinicalRecord,
			EntityType: vector.EntityDiagnosis,
			EntityID:   d.ID,
			PatientID:  &patientID,
			Date:       d.DiagnosedAt,
			Excerpt:    excerpt(d.Description),
		})
	}

	prescriptions := graph.Prescriptions
	if included.Prescriptions < len(prescriptions) {
		prescriptions = prescriptions[:included.Prescriptions]
	}
	for _, p := range prescriptions {
		entries = append(entries, SourceEntry{
			Origin:     OriginClinicalRecord,
			EntityType: vector.EntityMedication,
			EntityID:   p.ID,
			PatientID:  &patientID,
			Date:       p.PrescribedAt,
			Excerpt:    excerpt(p.MedicationName),
		})
	}

	records := graph.MedicalRecords
	if included.Records < len(records) {
		records = records[:included.Records]
	}
	for _, r := range records {
		date := r.RegisteredAt
		entries = append(entries, SourceEntry{
			Origin:     OriginClinicalRecord,
			EntityType: vector.EntityRecord,
			EntityID:   r.ID,
			PatientID:  &patientID,
			Date:       &date,
			Excerpt:    excerpt(r.Summary),
		})
	}

	return entries
}

// BuildMetadata computes the query metrics record. Pure function;
// ContextTokens is passed through unchanged from the assembler so the
// two always agree.
func BuildMetadata(graph *patient.ClinicalGraph, chunks []vector.SimilarChunk, sources []SourceEntry, queryTime time.Duration, contextTokens int) QueryMetadata {
	return QueryMetadata{
		TotalRecordsAnalyzed:  graph.TotalRecords(),
		VectorChunksRetrieved: len(chunks),
		ContextTokens:         contextTokens,
		SourcesUsed:           len(sources),
		QueryTimeMs:           int64(math.Round(queryTime.Seconds() * 1000)),
	}
}

// excerpt truncates to at most maxExcerptLen bytes, backing up to a
// rune boundary so multibyte text is never cut mid-character.
func excerpt(text string) string {
	if len(text) <= maxExcerptLen {
		return text
	}
	cut := maxExcerptLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
