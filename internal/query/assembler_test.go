package query

import (
	"strings"
	"testing"
	"time"

	"github.com/smarthealth/platform/internal/patient"
	"github.com/smarthealth/platform/internal/shared/types"
	"github.com/smarthealth/platform/internal/vector"
)

func testGraph() *patient.ClinicalGraph {
	birth := time.Date(1985, 3, 12, 0, 0, 0, 0, time.UTC)
	diagnosed := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	prescribed := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)

	return &patient.ClinicalGraph{
		Patient: patient.Patient{
			ID:             types.NewID(),
			DocumentType:   types.DocTypeCitizenID,
			DocumentNumber: "1020304050",
			FirstName:      "Maria",
			FirstSurname:   "Gomez",
			BirthDate:      &birth,
			Gender:         "F",
		},
		Appointments: []patient.Appointment{
			{ID: types.NewID(), Date: time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC), Reason: "Diabetes follow-up", Status: "completed", DoctorName: "Rojas"},
			{ID: types.NewID(), Date: time.Date(2024, 11, 3, 10, 0, 0, 0, time.UTC), Reason: "General check", Status: "completed"},
			{ID: types.NewID(), Date: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC), Reason: "First consultation", Status: "completed"},
		},
		Diagnoses: []patient.Diagnosis{
			{ID: types.NewID(), ICDCode: "E11.9", Description: "Type 2 diabetes mellitus", DiagnosedAt: &diagnosed},
			{ID: types.NewID(), ICDCode: "I10", Description: "Essential hypertension", DiagnosedAt: &diagnosed},
		},
		Prescriptions: []patient.Prescription{
			{ID: types.NewID(), MedicationName: "Metformin", Dosage: "850mg", Frequency: "twice daily", PrescribedAt: &prescribed},
		},
	}
}

func testChunks() []vector.SimilarChunk {
	return []vector.SimilarChunk{
		{EntityType: vector.EntityRecord, EntityID: types.NewID(), Similarity: 0.95, Text: "Blood glucose elevated at last visit"},
		{EntityType: vector.EntityDiagnosis, EntityID: types.NewID(), Similarity: 0.88, Text: "Type 2 diabetes mellitus without complications"},
		{EntityType: vector.EntityMedication, EntityID: types.NewID(), Similarity: 0.81, Text: "Metformin 850mg twice daily"},
		{EntityType: vector.EntityRecord, EntityID: types.NewID(), Similarity: 0.72, Text: "Patient reports improved diet adherence"},
	}
}

func TestAssembleContextWithinBudget(t *testing.T) {
	graph := testGraph()
	chunks := testChunks()

	for _, maxTokens := range []int{50, 500, 4000} {
		got := AssembleContext(graph, chunks, AssemblerConfig{
			MaxTokens: maxTokens,
			Estimate:  WordCountEstimator,
		})

		if got.Tokens > maxTokens {
			t.Errorf("maxTokens=%d: estimated %d tokens, over budget", maxTokens, got.Tokens)
		}
		if got.Text == "" {
			t.Errorf("maxTokens=%d: empty context for resolved patient", maxTokens)
		}
		if got.Tokens != WordCountEstimator(got.Text) {
			t.Errorf("maxTokens=%d: reported tokens %d disagree with estimate of final text %d",
				maxTokens, got.Tokens, WordCountEstimator(got.Text))
		}
	}
}

func TestAssembleContextSectionsAndOrder(t *testing.T) {
	graph := testGraph()
	chunks := testChunks()

	got := AssembleContext(graph, chunks, AssemblerConfig{
		MaxTokens: 4000,
		Estimate:  WordCountEstimator,
	})

	sections := []string{
		"### PATIENT INFORMATION",
		"### RECENT APPOINTMENTS",
		"### DIAGNOSES",
		"### MEDICATIONS",
		"### RELATED INFORMATION",
	}
	last := -1
	for _, s := range sections {
		idx := strings.Index(got.Text, s)
		if idx < 0 {
			t.Fatalf("section %q missing from context:\n%s", s, got.Text)
		}
		if idx < last {
			t.Errorf("section %q out of order", s)
		}
		last = idx
	}

	if !strings.Contains(got.Text, "Maria Gomez") {
		t.Error("patient name missing from preamble")
	}
	if !strings.Contains(got.Text, "Metformin") {
		t.Error("prescription missing from context")
	}

	// Vector hits render by descending similarity.
	first := strings.Index(got.Text, "Blood glucose elevated")
	lastHit := strings.Index(got.Text, "improved diet adherence")
	if first < 0 || lastHit < 0 || first > lastHit {
		t.Error("vector hits not ordered by descending similarity")
	}
}

func TestAssembleContextTightBudgetKeepsPatientLine(t *testing.T) {
	graph := testGraph()
	chunks := testChunks()

	got := AssembleContext(graph, chunks, AssemblerConfig{
		MaxTokens: 3,
		Estimate:  WordCountEstimator,
	})

	if got.Text == "" {
		t.Fatal("context must never be empty for a resolved patient")
	}
	if !strings.HasPrefix(got.Text, "### PATIENT INFORMATION") {
		t.Errorf("identifying first line must survive any budget, got:\n%s", got.Text)
	}
}

func TestAssembleContextDropsLowestSimilarityFirst(t *testing.T) {
	graph := &patient.ClinicalGraph{Patient: testGraph().Patient}
	chunks := testChunks()

	full := AssembleContext(graph, chunks, AssemblerConfig{
		MaxTokens: 4000,
		Estimate:  WordCountEstimator,
	})

	// Pick a budget that forces exactly the weakest hit out.
	budget := WordCountEstimator(full.Text) - 1
	trimmed := AssembleContext(graph, chunks, AssemblerConfig{
		MaxTokens: budget,
		Estimate:  WordCountEstimator,
	})

	if strings.Contains(trimmed.Text, "improved diet adherence") {
		t.Error("lowest-similarity hit should be dropped first")
	}
	if !strings.Contains(trimmed.Text, "Blood glucose elevated") {
		t.Error("highest-similarity hit should survive")
	}
}

func TestAssembleContextDeterministic(t *testing.T) {
	graph := testGraph()
	chunks := testChunks()
	cfg := AssemblerConfig{MaxTokens: 60, Estimate: WordCountEstimator}

	first := AssembleContext(graph, chunks, cfg)
	for i := 0; i < 5; i++ {
		got := AssembleContext(graph, chunks, cfg)
		if got.Text != first.Text || got.Tokens != first.Tokens {
			t.Fatal("assembly is not deterministic for identical inputs")
		}
	}
}

func TestAssembleContextSectionCaps(t *testing.T) {
	graph := &patient.ClinicalGraph{Patient: testGraph().Patient}
	for i := 0; i < 25; i++ {
		graph.Diagnoses = append(graph.Diagnoses, patient.Diagnosis{
			ID:          types.NewID(),
			Description: "Diagnosis entry",
		})
	}

	got := AssembleContext(graph, nil, AssemblerConfig{
		MaxTokens: 100000,
		Estimate:  WordCountEstimator,
	})

	count := strings.Count(got.Text, "- Diagnosis entry")
	if count != maxDiagnosisEntries {
		t.Errorf("expected %d diagnosis lines after cap, got %d", maxDiagnosisEntries, count)
	}
}

func TestWordCountEstimator(t *testing.T) {
	if got := WordCountEstimator(""); got != 0 {
		t.Errorf("empty text: got %d tokens", got)
	}
	if got := WordCountEstimator("one two three"); got != 3 {
		t.Errorf("expected 3, got %d", got)
	}
}
