package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/smarthealth/platform/internal/shared/types"
)

func testRecord(sessionID string, seq int64, prevHash string) *QueryRecord {
	patientID := types.NewID()
	rec := &QueryRecord{
		SessionID: sessionID,
		Sequence:  seq,
		UserID:    types.NewID(),
		PatientID: &patientID,
		Question:  "what medications is the patient taking?",
		Response:  json.RawMessage(`{"answer":{"text":"Metformin 850mg"},"metadata":{"sources_used":3}}`),
		PrevHash:  prevHash,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	rec.Hash = rec.calculateHash()
	return rec
}

func TestHashDeterministic(t *testing.T) {
	rec := testRecord("0f8fad5b-d9cb-469f-a165-70867728950e", 1, "")

	first := rec.ComputeHash()
	for i := 0; i < 10; i++ {
		if got := rec.ComputeHash(); got != first {
			t.Fatalf("hash not deterministic: %s != %s", got, first)
		}
	}
}

func TestVerifyHash(t *testing.T) {
	rec := testRecord("0f8fad5b-d9cb-469f-a165-70867728950e", 1, "")

	if !rec.VerifyHash() {
		t.Error("freshly hashed record should verify")
	}

	rec.Question = "tampered question"
	if rec.VerifyHash() {
		t.Error("tampered record should fail verification")
	}
}

func TestHashChangesWithPrevHash(t *testing.T) {
	a := testRecord("0f8fad5b-d9cb-469f-a165-70867728950e", 1, "")
	b := testRecord("0f8fad5b-d9cb-469f-a165-70867728950e", 2, a.Hash)

	if a.Hash == b.Hash {
		t.Error("chained records should have distinct hashes")
	}
	if b.PrevHash != a.Hash {
		t.Errorf("expected prev_hash %s, got %s", a.Hash, b.PrevHash)
	}
}

func TestHashCoversResponse(t *testing.T) {
	rec := testRecord("0f8fad5b-d9cb-469f-a165-70867728950e", 1, "")
	before := rec.Hash

	rec.Response = json.RawMessage(`{"answer":{"text":"something else"}}`)
	if rec.calculateHash() == before {
		t.Error("changing the response payload should change the hash")
	}
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	out, err := canonicalJSON(map[string]any{
		"zebra": 1,
		"alpha": map[string]any{"nested_z": true, "nested_a": false},
		"mid":   []any{"x", map[string]any{"b": 2, "a": 1}},
	})
	if err != nil {
		t.Fatalf("canonicalJSON: %v", err)
	}

	want := `{"alpha":{"nested_a":false,"nested_z":true},"mid":["x",{"a":1,"b":2}],"zebra":1}`
	if string(out) != want {
		t.Errorf("canonical form mismatch:\n got: %s\nwant: %s", out, want)
	}
}

func TestCanonicalJSONStableAcrossRuns(t *testing.T) {
	input := map[string]any{"c": 3, "a": 1, "b": 2, "d": map[string]any{"y": 2, "x": 1}}

	first, err := canonicalJSON(input)
	if err != nil {
		t.Fatalf("canonicalJSON: %v", err)
	}
	for i := 0; i < 20; i++ {
		out, err := canonicalJSON(input)
		if err != nil {
			t.Fatalf("canonicalJSON: %v", err)
		}
		if string(out) != string(first) {
			t.Fatalf("canonical output varies across runs: %s != %s", out, first)
		}
	}
}
