package audit

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/smarthealth/platform/internal/shared/errors"
	"github.com/smarthealth/platform/internal/shared/types"
)

// Repository provides append-only query audit log operations
type Repository struct {
	pool     *pgxpool.Pool
	mu       sync.Mutex
	lastHash string
}

// NewRepository creates a new audit repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Initialize loads the last hash from the database
func (r *Repository) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var hash string
	err := r.pool.QueryRow(ctx, `
		SELECT hash FROM audit.query_log
		ORDER BY entry_no DESC
		LIMIT 1
	`).Scan(&hash)

	if err != nil && !strings.Contains(err.Error(), "no rows") {
		return errors.Wrap(err, "failed to get last audit hash")
	}

	r.lastHash = hash
	return nil
}

// Append appends a new audit record (thread-safe). A duplicate
// (session_id, sequence) key is reported as a sequence conflict and the
// existing record is left untouched.
func (r *Repository) Append(ctx context.Context, rec *QueryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	// Truncate to microseconds for PostgreSQL compatibility
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)

	rec.PrevHash = r.lastHash
	rec.Hash = rec.calculateHash()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin audit transaction")
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO audit.query_log (
			session_id, sequence, user_id, patient_id,
			question, response, hash, prev_hash, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		) RETURNING entry_no`

	err = tx.QueryRow(ctx, query,
		rec.SessionID, rec.Sequence, rec.UserID, rec.PatientID,
		rec.Question, rec.Response, rec.Hash, rec.PrevHash, rec.CreatedAt,
	).Scan(&rec.EntryNo)

	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errors.SequenceConflict(rec.SessionID, rec.Sequence)
		}
		return errors.Wrap(err, "failed to append audit record")
	}

	// Queue the question for the embedding backfill job; once embedded
	// it becomes searchable as a prior-question entity.
	_, err = tx.Exec(ctx, `
		INSERT INTO prior_questions (id, patient_id, session_id, question, asked_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), rec.PatientID, rec.SessionID, rec.Question, rec.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to record prior question")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit audit record")
	}

	r.lastHash = rec.Hash
	return nil
}

// List lists audit records with filters (read-only)
func (r *Repository) List(ctx context.Context, filter ListRecordsFilter) ([]QueryRecord, int, error) {
	var conditions []string
	var args []interface{}
	argNum := 1

	if filter.SessionID != "" {
		conditions = append(conditions, fmt.Sprintf("session_id = $%d", argNum))
		args = append(args, filter.SessionID)
		argNum++
	}

	if filter.UserID != nil {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argNum))
		args = append(args, *filter.UserID)
		argNum++
	}

	if filter.PatientID != nil {
		conditions = append(conditions, fmt.Sprintf("patient_id = $%d", argNum))
		args = append(args, *filter.PatientID)
		argNum++
	}

	if filter.StartTime != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argNum))
		args = append(args, *filter.StartTime)
		argNum++
	}

	if filter.EndTime != nil {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", argNum))
		args = append(args, *filter.EndTime)
		argNum++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM audit.query_log %s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count audit records")
	}

	limit := 50
	if filter.Limit > 0 && filter.Limit <= 100 {
		limit = filter.Limit
	}

	query := fmt.Sprintf(`
		SELECT entry_no, session_id, sequence, user_id, patient_id,
			question, response, hash, prev_hash, created_at
		FROM audit.query_log
		%s
		ORDER BY entry_no DESC
		LIMIT $%d OFFSET $%d`, whereClause, argNum, argNum+1)

	args = append(args, limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list audit records")
	}
	defer rows.Close()

	var records []QueryRecord
	for rows.Next() {
		var rec QueryRecord
		err := rows.Scan(
			&rec.EntryNo, &rec.SessionID, &rec.Sequence, &rec.UserID, &rec.PatientID,
			&rec.Question, &rec.Response, &rec.Hash, &rec.PrevHash, &rec.CreatedAt,
		)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan audit record")
		}
		records = append(records, rec)
	}

	return records, total, nil
}

// GetSession returns a session's records in sequence order (read-only)
func (r *Repository) GetSession(ctx context.Context, sessionID string) ([]QueryRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT entry_no, session_id, sequence, user_id, patient_id,
			question, response, hash, prev_hash, created_at
		FROM audit.query_log
		WHERE session_id = $1
		ORDER BY sequence ASC
	`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load session records")
	}
	defer rows.Close()

	var records []QueryRecord
	for rows.Next() {
		var rec QueryRecord
		err := rows.Scan(
			&rec.EntryNo, &rec.SessionID, &rec.Sequence, &rec.UserID, &rec.PatientID,
			&rec.Question, &rec.Response, &rec.Hash, &rec.PrevHash, &rec.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan audit record")
		}
		records = append(records, rec)
	}

	return records, nil
}

// LastSequence returns the highest persisted sequence for a session,
// 0 if the session has no records. Used to seed the in-process tracker
// after a restart.
func (r *Repository) LastSequence(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM audit.query_log
		WHERE session_id = $1
	`, sessionID).Scan(&seq)
	if err != nil {
		return 0, errors.Wrap(err, "failed to load last session sequence")
	}
	return seq, nil
}

// VerifyResult contains detailed verification results
type VerifyResult struct {
	Valid          bool                `json:"valid"`
	Checked        int                 `json:"checked"`
	ContentValid   int                 `json:"content_valid"`
	ContentInvalid int                 `json:"content_invalid"`
	LinkageValid   int                 `json:"linkage_valid"`
	LinkageInvalid int                 `json:"linkage_invalid"`
	Violations     []string            `json:"violations,omitempty"`
	Entries        []VerifyEntryResult `json:"entries,omitempty"`
}

// VerifyEntryResult contains verification result for a single record
type VerifyEntryResult struct {
	EntryNo       int64  `json:"entry_no"`
	SessionID     string `json:"session_id"`
	Sequence      int64  `json:"sequence"`
	Hash          string `json:"hash"`
	ComputedHash  string `json:"computed_hash,omitempty"`
	PrevHash      string `json:"prev_hash"`
	Valid         bool   `json:"valid"`
	ContentValid  bool   `json:"content_valid"`
	LinkageValid  bool   `json:"linkage_valid"`
	ViolationType string `json:"violation_type,omitempty"` // "content", "linkage", "both"
}

// VerifyChain verifies the integrity of the audit chain.
// Performs two checks:
// 1. Content verification: recalculates each record's hash and compares to the stored hash
// 2. Linkage verification: verifies each record's prev_hash matches the previous record's hash
func (r *Repository) VerifyChain(ctx context.Context, limit int, includeDetails bool) (*VerifyResult, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `
		SELECT entry_no, session_id, sequence, user_id, patient_id,
			question, response, hash, prev_hash, created_at
		FROM audit.query_log
		ORDER BY entry_no DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query audit records")
	}
	defer rows.Close()

	result := &VerifyResult{
		Valid:   true,
		Entries: make([]VerifyEntryResult, 0),
	}

	var records []QueryRecord
	for rows.Next() {
		var rec QueryRecord
		err := rows.Scan(
			&rec.EntryNo, &rec.SessionID, &rec.Sequence, &rec.UserID, &rec.PatientID,
			&rec.Question, &rec.Response, &rec.Hash, &rec.PrevHash, &rec.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan audit record")
		}
		records = append(records, rec)
	}

	// Records are in DESC order, so prevStoredHash holds the prev_hash
	// the chronologically later record claims to link to.
	var prevStoredHash string

	for i, rec := range records {
		verifyEntry := VerifyEntryResult{
			EntryNo:      rec.EntryNo,
			SessionID:    rec.SessionID,
			Sequence:     rec.Sequence,
			Hash:         rec.Hash,
			PrevHash:     rec.PrevHash,
			ContentValid: true,
			LinkageValid: true,
			Valid:        true,
		}

		computedHash := rec.ComputeHash()
		verifyEntry.ComputedHash = computedHash

		if computedHash != rec.Hash {
			verifyEntry.ContentValid = false
			verifyEntry.Valid = false
			result.ContentInvalid++
			result.Valid = false
			result.Violations = append(result.Violations,
				fmt.Sprintf("CONTENT TAMPERED: record %d (session %s seq %d) - stored hash doesn't match content", rec.EntryNo, rec.SessionID, rec.Sequence))
			verifyEntry.ViolationType = "content"
		} else {
			result.ContentValid++
		}

		if i > 0 && prevStoredHash != "" && rec.Hash != prevStoredHash {
			verifyEntry.LinkageValid = false
			verifyEntry.Valid = false
			result.LinkageInvalid++
			result.Valid = false
			result.Violations = append(result.Violations,
				fmt.Sprintf("CHAIN BROKEN: record %d (session %s seq %d) - hash doesn't match next record's prev_hash", rec.EntryNo, rec.SessionID, rec.Sequence))
			if verifyEntry.ViolationType == "content" {
				verifyEntry.ViolationType = "both"
			} else {
				verifyEntry.ViolationType = "linkage"
			}
		} else if i > 0 {
			result.LinkageValid++
		}

		if includeDetails {
			result.Entries = append(result.Entries, verifyEntry)
		}

		prevStoredHash = rec.PrevHash
		result.Checked++
	}

	return result, nil
}

// GetByPatient gets all audit records for a specific patient
func (r *Repository) GetByPatient(ctx context.Context, patientID types.ID, limit int) ([]QueryRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	records, _, err := r.List(ctx, ListRecordsFilter{
		PatientID: &patientID,
		Limit:     limit,
	})
	return records, err
}
