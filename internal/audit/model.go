package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/smarthealth/platform/internal/shared/types"
)

// canonicalJSON produces deterministic JSON output with sorted map keys.
// This is critical for hash verification - Go maps have random iteration order,
// and PostgreSQL JSONB may reorder keys, so we must sort them for consistent hashing.
func canonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}

	return canonicalMarshal(parsed)
}

func canonicalMarshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, _ := json.Marshal(k)
			buf.Write(keyBytes)
			buf.WriteByte(':')
			valBytes, err := canonicalMarshal(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(valBytes)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil

	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			itemBytes, err := canonicalMarshal(item)
			if err != nil {
				return nil, err
			}
			buf.Write(itemBytes)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil

	default:
		return json.Marshal(val)
	}
}

// QueryRecord is one immutable audit record for a completed query.
// (SessionID, Sequence) is the audit key; EntryNo orders the hash chain
// across the whole log and is assigned by the database.
type QueryRecord struct {
	EntryNo   int64           `json:"entry_no"`
	SessionID string          `json:"session_id"`
	Sequence  int64           `json:"sequence"`
	UserID    types.ID        `json:"user_id"`
	PatientID *types.ID       `json:"patient_id,omitempty"`
	Question  string          `json:"question"`
	Response  json.RawMessage `json:"response"`
	Hash      string          `json:"hash"`
	PrevHash  string          `json:"prev_hash,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// calculateHash calculates the SHA-256 hash of the record using canonical JSON
// for deterministic output regardless of map key ordering.
func (r *QueryRecord) calculateHash() string {
	// Always hash the UTC timestamp so verification is timezone-independent.
	data := map[string]any{
		"session_id": r.SessionID,
		"sequence":   r.Sequence,
		"user_id":    r.UserID,
		"question":   r.Question,
		"response":   json.RawMessage(r.Response),
		"prev_hash":  r.PrevHash,
		"created_at": r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.PatientID != nil {
		data["patient_id"] = r.PatientID
	}

	jsonData, _ := canonicalJSON(data)
	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:])
}

// VerifyHash verifies the record's content hash
func (r *QueryRecord) VerifyHash() bool {
	return r.Hash == r.calculateHash()
}

// ComputeHash computes and returns the correct hash for this record
func (r *QueryRecord) ComputeHash() string {
	return r.calculateHash()
}

// ListRecordsFilter defines filters for listing audit records
type ListRecordsFilter struct {
	SessionID string     `json:"session_id,omitempty"`
	UserID    *types.ID  `json:"user_id,omitempty"`
	PatientID *types.ID  `json:"patient_id,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}
