package query

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/smarthealth/platform/internal/patient"
	"github.com/smarthealth/platform/internal/vector"
)

// Per-section entry caps carried over from the legacy system. Applied
// before token truncation; the token budget is the hard bound.
const (
	maxAppointmentEntries  = 10
	maxDiagnosisEntries    = 15
	maxPrescriptionEntries = 15
	maxRecordEntries       = 10
)

// SectionCounts reports how many entries of each kind survived the
// section caps and token truncation into the final context text.
type SectionCounts struct {
	Appointments  int
	Diagnoses     int
	Prescriptions int
	Records       int
	Chunks        int
}

// AssembledContext is the text block sent to the model plus its token
// count under the estimator that produced it. Included records what the
// text actually contains, so source attribution can match it.
type AssembledContext struct {
	Text     string
	Tokens   int
	Included SectionCounts
}

// AssemblerConfig bundles the assembly inputs that are not per-query.
type AssemblerConfig struct {
	MaxTokens int
	Estimate  TokenEstimator
}

// AssembleContext merges the structured clinical graph and the vector
// hits into one bounded text block. Pure function of its inputs: the
// same graph, chunks and budget always produce the same text.
//
// Sections render in a stable order: preamble, appointments, diagnoses,
// prescriptions, record summaries, then vector hits by descending
// similarity. When the estimate exceeds MaxTokens, content is dropped
// deterministically: vector hits lowest-similarity-first, then
// structured entries least-recent-first per section (records,
// prescriptions, diagnoses, appointments), and finally preamble lines
// from the bottom. The preamble's first line survives any budget, so
// the output is never empty for a resolved patient.
func AssembleContext(graph *patient.ClinicalGraph, chunks []vector.SimilarChunk, cfg AssemblerConfig) AssembledContext {
	estimate := cfg.Estimate
	if estimate == nil {
		estimate = WordCountEstimator
	}

	preamble := preambleLines(graph.Patient)
	appointments := appointmentLines(graph.Appointments)
	diagnoses := diagnosisLines(graph.Diagnoses)
	prescriptions := prescriptionLines(graph.Prescriptions)
	records := recordLines(graph.MedicalRecords)
	hits := chunkLines(chunks)

	render := func() string {
		var sb strings.Builder
		writeSection(&sb, "", preamble)
		writeSection(&sb, "### RECENT APPOINTMENTS", appointments)
		writeSection(&sb, "### DIAGNOSES", diagnoses)
		writeSection(&sb, "### MEDICATIONS", prescriptions)
		writeSection(&sb, "### MEDICAL RECORD SUMMARIES", records)
		writeSection(&sb, "### RELATED INFORMATION", hits)
		return strings.TrimRight(sb.String(), "\n")
	}

	text := render()
	tokens := estimate(text)

	// Drop content until the budget holds. Each dropper removes exactly
	// one entry and reports whether it removed anything.
	droppers := []func() bool{
		func() bool { return dropLast(&hits) },
		func() bool { return dropLast(&records) },
		func() bool { return dropLast(&prescriptions) },
		func() bool { return dropLast(&diagnoses) },
		func() bool { return dropLast(&appointments) },
	}

	for tokens > cfg.MaxTokens {
		dropped := false
		for _, drop := range droppers {
			if drop() {
				dropped = true
				break
			}
		}
		if !dropped {
			// Only the preamble remains; trim it from the bottom but
			// keep the identifying first line regardless of budget.
			if len(preamble) <= 1 {
				break
			}
			preamble = preamble[:len(preamble)-1]
		}
		text = render()
		tokens = estimate(text)
	}

	// One line per entry in every section, so the surviving line
	// counts are the surviving entry counts.
	return AssembledContext{
		Text:   text,
		Tokens: tokens,
		Included: SectionCounts{
			Appointments:  len(appointments),
			Diagnoses:     len(diagnoses),
			Prescriptions: len(prescriptions),
			Records:       len(records),
			Chunks:        len(hits),
		},
	}
}

func dropLast(lines *[]string) bool {
	if len(*lines) == 0 {
		return false
	}
	*lines = (*lines)[:len(*lines)-1]
	return true
}

func writeSection(sb *strings.Builder, header string, lines []string) {
	if len(lines) == 0 {
		return
	}
	if header != "" {
		sb.WriteString(header)
		sb.WriteString("\n")
	}
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
}

func preambleLines(p patient.Patient) []string {
	lines := []string{
		"### PATIENT INFORMATION",
		fmt.Sprintf("Name: %s", p.FullName()),
		fmt.Sprintf("Document: %s %s", p.DocumentType, p.DocumentNumber),
	}
	if age := p.Age(time.Now()); age >= 0 {
		lines = append(lines, fmt.Sprintf("Age: %d", age))
	}
	if p.Gender != "" {
		lines = append(lines, fmt.Sprintf("Gender: %s", p.Gender))
	}
	return lines
}

func appointmentLines(appointments []patient.Appointment) []string {
	if len(appointments) > maxAppointmentEntries {
		appointments = appointments[:maxAppointmentEntries]
	}
	lines := make([]string, 0, len(appointments))
	for _, a := range appointments {
		line := fmt.Sprintf("- %s", a.Date.Format("2006-01-02"))
		if a.Status != "" {
			line += " | " + a.Status
		}
		if a.Reason != "" {
			line += " | " + a.Reason
		}
		if a.DoctorName != "" {
			line += " | Dr. " + a.DoctorName
		}
		lines = append(lines, line)
	}
	return lines
}

func diagnosisLines(diagnoses []patient.Diagnosis) []string {
	if len(diagnoses) > maxDiagnosisEntries {
		diagnoses = diagnoses[:maxDiagnosisEntries]
	}
	lines := make([]string, 0, len(diagnoses))
	for _, d := range diagnoses {
		line := "- " + d.Description
		if d.ICDCode != "" {
			line += fmt.Sprintf(" (ICD-10: %s)", d.ICDCode)
		}
		lines = append(lines, line)
	}
	return lines
}

func prescriptionLines(prescriptions []patient.Prescription) []string {
	if len(prescriptions) > maxPrescriptionEntries {
		prescriptions = prescriptions[:maxPrescriptionEntries]
	}
	lines := make([]string, 0, len(prescriptions))
	for _, p := range prescriptions {
		line := "- " + p.MedicationName
		details := strings.TrimSpace(p.Dosage + " " + p.Frequency)
		if details != "" {
			line += fmt.Sprintf(" (%s)", details)
		}
		lines = append(lines, line)
	}
	return lines
}

func recordLines(records []patient.MedicalRecord) []string {
	if len(records) > maxRecordEntries {
		records = records[:maxRecordEntries]
	}
	lines := make([]string, 0, len(records))
	for _, r := range records {
		line := fmt.Sprintf("- %s: %s", r.RegisteredAt.Format("2006-01-02"), r.Summary)
		if r.DoctorName != "" {
			line += fmt.Sprintf(" (Dr. %s)", r.DoctorName)
		}
		lines = append(lines, line)
	}
	return lines
}

func chunkLines(chunks []vector.SimilarChunk) []string {
	ordered := make([]vector.SimilarChunk, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Similarity > ordered[j].Similarity
	})

	lines := make([]string, 0, len(ordered))
	for _, c := range ordered {
		lines = append(lines, fmt.Sprintf("- [%s, similarity %.2f] %s", c.EntityType, c.Similarity, c.Text))
	}
	return lines
}
