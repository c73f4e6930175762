package vector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/smarthealth/platform/internal/shared/config"
	"github.com/smarthealth/platform/internal/shared/errors"
	"github.com/smarthealth/platform/internal/shared/types"
)

// Searcher runs nearest-neighbor lookups over the embedded entity tables.
type Searcher interface {
	Search(ctx context.Context, queryEmbedding []float32, opts SearchOptions) ([]SimilarChunk, error)
}

// entitySource describes how one embedded table maps into the search.
type entitySource struct {
	table        string
	embeddingCol string
	patientCol   string // empty for non-patient-scoped entities
	dateCol      string // empty when the entity has no associated date
	snippetExpr  string
}

var entitySources = map[EntityType]entitySource{
	EntityRecord: {
		table: "medical_records", embeddingCol: "embedding",
		patientCol: "patient_id", dateCol: "registered_at",
		snippetExpr: "summary",
	},
	EntityAppointment: {
		table: "appointments", embeddingCol: "embedding",
		patientCol: "patient_id", dateCol: "appointment_date",
		snippetExpr: "COALESCE(reason, '')",
	},
	EntityDiagnosis: {
		table: "diagnoses", embeddingCol: "embedding",
		patientCol: "patient_id", dateCol: "diagnosed_at",
		snippetExpr: "COALESCE(icd_code || ': ', '') || description",
	},
	EntityMedication: {
		table: "prescriptions", embeddingCol: "embedding",
		patientCol: "patient_id", dateCol: "prescribed_at",
		snippetExpr: "medication_name || COALESCE(' ' || dosage, '')",
	},
	EntityPatientName: {
		table: "patients", embeddingCol: "name_embedding",
		patientCol: "id",
		snippetExpr: "first_name || ' ' || first_surname || COALESCE(' ' || second_surname, '')",
	},
	EntityDoctorName: {
		table: "doctors", embeddingCol: "name_embedding",
		snippetExpr: "full_name",
	},
	EntityPriorQuestion: {
		table: "prior_questions", embeddingCol: "embedding",
		patientCol: "patient_id", dateCol: "asked_at",
		snippetExpr: "question",
	},
}

// Index implements Searcher against the pgvector-backed clinical tables.
type Index struct {
	pool *pgxpool.Pool
	cfg  config.VectorConfig
}

// NewIndex creates a new vector index accessor
func NewIndex(pool *pgxpool.Pool, cfg config.VectorConfig) *Index {
	return &Index{pool: pool, cfg: cfg}
}

// Threshold returns the configured similarity threshold for an entity
// type. Name entities carry a stricter default than clinical content.
func (i *Index) Threshold(entity EntityType) float64 {
	if entity.IsName() {
		return i.cfg.NameThreshold
	}
	return i.cfg.Threshold
}

// Search computes cosine similarity between the query embedding and every
// stored embedding in the targeted tables, returning rows at or above the
// per-entity-type threshold, ordered by similarity descending and capped
// at MaxResults. Rows without an embedding are excluded. An index with no
// embedded rows yields an empty list, not an error.
func (i *Index) Search(ctx context.Context, queryEmbedding []float32, opts SearchOptions) ([]SimilarChunk, error) {
	if len(queryEmbedding) == 0 {
		return nil, errors.BadRequest("query embedding is empty")
	}
	if opts.EntityType != "" && !opts.EntityType.IsValid() {
		return nil, errors.BadRequest(fmt.Sprintf("unknown entity type %q", opts.EntityType))
	}

	targets := AllEntityTypes
	if opts.EntityType != "" {
		targets = []EntityType{opts.EntityType}
	}

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = i.cfg.MaxResults
	}

	args := []any{pgvector.NewVector(queryEmbedding)}
	var subqueries []string

	for _, entity := range targets {
		src := entitySources[entity]

		patientExpr := "NULL"
		if src.patientCol != "" {
			patientExpr = src.patientCol + "::text"
		}
		dateExpr := "NULL::timestamptz"
		if src.dateCol != "" {
			dateExpr = src.dateCol
		}

		args = append(args, i.Threshold(entity))
		thresholdArg := len(args)

		patientFilter := ""
		if opts.PatientID != nil && src.patientCol != "" {
			args = append(args, string(*opts.PatientID))
			patientFilter = fmt.Sprintf(" AND %s = $%d::uuid", src.patientCol, len(args))
		}

		subqueries = append(subqueries, fmt.Sprintf(`
			SELECT '%s' AS entity_type, id::text AS entity_id,
				%s AS patient_id, %s AS entity_date, %s AS snippet,
				1 - (%s <=> $1) AS similarity
			FROM %s
			WHERE %s IS NOT NULL
				AND 1 - (%s <=> $1) >= $%d%s`,
			entity, patientExpr, dateExpr, src.snippetExpr,
			src.embeddingCol, src.table,
			src.embeddingCol, src.embeddingCol, thresholdArg, patientFilter))
	}

	args = append(args, maxResults)
	query := fmt.Sprintf(`
		SELECT entity_type, entity_id, patient_id, entity_date, snippet, similarity
		FROM (%s) hits
		ORDER BY similarity DESC
		LIMIT $%d`,
		strings.Join(subqueries, "\n\t\t\tUNION ALL\n"), len(args))

	rows, err := i.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.VectorBackend(err)
	}
	defer rows.Close()

	var chunks []SimilarChunk
	for rows.Next() {
		var (
			chunk     SimilarChunk
			patientID *string
			date      *time.Time
		)
		if err := rows.Scan(&chunk.EntityType, &chunk.EntityID, &patientID,
			&date, &chunk.Text, &chunk.Similarity); err != nil {
			return nil, errors.VectorBackend(err)
		}
		if patientID != nil {
			id := types.ID(*patientID)
			chunk.PatientID = &id
		}
		chunk.Date = date
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.VectorBackend(err)
	}

	return chunks, nil
}
