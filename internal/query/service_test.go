package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smarthealth/platform/internal/audit"
	"github.com/smarthealth/platform/internal/patient"
	"github.com/smarthealth/platform/internal/shared/auth"
	"github.com/smarthealth/platform/internal/shared/config"
	"github.com/smarthealth/platform/internal/shared/errors"
	"github.com/smarthealth/platform/internal/shared/types"
	"github.com/smarthealth/platform/internal/vector"
)

type fakeLoader struct {
	graph *patient.ClinicalGraph
	err   error
}

func (f *fakeLoader) Load(ctx context.Context, identity types.PatientIdentity) (*patient.ClinicalGraph, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.graph, nil
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) EmbedQuestion(ctx context.Context, question string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return make([]float32, 8), nil
}

type fakeSearcher struct {
	chunks []vector.SimilarChunk
	err    error
}

func (f *fakeSearcher) Search(ctx context.Context, embedding []float32, opts vector.SearchOptions) ([]vector.SimilarChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.chunks, nil
}

type fakeGenerator struct {
	answer string
	err    error
	called bool
}

func (f *fakeGenerator) Generate(ctx context.Context, contextText, question string) (string, error) {
	f.called = true
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func (f *fakeGenerator) GenerateStream(ctx context.Context, contextText, question string, onToken func(string) error) (string, error) {
	f.called = true
	if f.err != nil {
		return "", f.err
	}
	for _, word := range strings.SplitAfter(f.answer, " ") {
		if err := onToken(word); err != nil {
			return "", err
		}
	}
	return f.answer, nil
}

func (f *fakeGenerator) Model() string { return "test-model" }

type fakeAuditLog struct {
	mu       sync.Mutex
	records  []*audit.QueryRecord
	err      error
	lastSeq  int64
	seqErr   error
	seqCalls int
}

func (f *fakeAuditLog) Append(ctx context.Context, rec *audit.QueryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeAuditLog) LastSequence(ctx context.Context, sessionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seqCalls++
	return f.lastSeq, f.seqErr
}

func (f *fakeAuditLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type serviceFixture struct {
	loader    *fakeLoader
	embedder  *fakeEmbedder
	searcher  *fakeSearcher
	generator *fakeGenerator
	auditLog  *fakeAuditLog
	svc       *Service
}

func newServiceFixture() *serviceFixture {
	f := &serviceFixture{
		loader:    &fakeLoader{graph: testGraph()},
		embedder:  &fakeEmbedder{},
		searcher:  &fakeSearcher{chunks: testChunks()},
		generator: &fakeGenerator{answer: "The patient takes **Metformin 850mg** twice daily."},
		auditLog:  &fakeAuditLog{},
	}

	f.svc = NewService(
		f.loader, f.embedder, f.searcher, f.generator,
		NewSessionTracker(), f.auditLog, nil,
		WordCountEstimator,
		config.VectorConfig{Threshold: 0.7, NameThreshold: 0.8, MaxResults: 15, SearchTimeout: time.Second},
		config.LLMConfig{Model: "test-model", MaxContextTokens: 4000, Timeout: time.Second},
		slog.New(slog.NewTextHandler(testWriter{}, nil)),
	)
	return f
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func testUser() *auth.User {
	return &auth.User{ID: types.NewID(), UserType: "doctor", Roles: []string{"doctor"}}
}

func testRequest() Request {
	return Request{
		SessionID:      "0f8fad5b-d9cb-469f-a165-70867728950e",
		DocumentType:   "CC",
		DocumentNumber: "1020304050",
		Question:       "what medications is the patient taking?",
	}
}

func TestQueryHappyPath(t *testing.T) {
	f := newServiceFixture()

	resp, err := f.svc.Query(context.Background(), testUser(), testRequest())
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	if resp.Answer.Text == "" {
		t.Error("empty answer text")
	}
	if resp.Answer.ModelUsed != "test-model" {
		t.Errorf("model_used: got %s", resp.Answer.ModelUsed)
	}
	if resp.Sequence != 1 {
		t.Errorf("first query sequence: got %d, want 1", resp.Sequence)
	}
	if resp.Metadata.TotalRecordsAnalyzed != 6 {
		t.Errorf("total_records_analyzed: got %d, want 6", resp.Metadata.TotalRecordsAnalyzed)
	}
	if resp.Metadata.VectorChunksRetrieved != 4 {
		t.Errorf("vector_chunks_retrieved: got %d, want 4", resp.Metadata.VectorChunksRetrieved)
	}
	if resp.Metadata.SourcesUsed != 10 {
		t.Errorf("sources_used: got %d, want 10", resp.Metadata.SourcesUsed)
	}
	// Top chunk similarity is 0.95, at the clamp boundary.
	if resp.Answer.Confidence != 0.95 {
		t.Errorf("confidence: got %f, want 0.95", resp.Answer.Confidence)
	}
	if f.auditLog.count() != 1 {
		t.Errorf("audit records: got %d, want 1", f.auditLog.count())
	}
}

func TestQuerySequenceIncrementsPerQuery(t *testing.T) {
	f := newServiceFixture()
	user := testUser()
	req := testRequest()

	for want := int64(1); want <= 3; want++ {
		resp, err := f.svc.Query(context.Background(), user, req)
		if err != nil {
			t.Fatalf("Query %d: %v", want, err)
		}
		if resp.Sequence != want {
			t.Errorf("sequence: got %d, want %d", resp.Sequence, want)
		}
	}
}

func TestQuerySequenceResumesFromAuditLog(t *testing.T) {
	f := newServiceFixture()
	f.auditLog.lastSeq = 5

	resp, err := f.svc.Query(context.Background(), testUser(), testRequest())
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Sequence != 6 {
		t.Errorf("sequence after recovery: got %d, want 6", resp.Sequence)
	}

	// Recovery queries the audit log once; subsequent queries use the
	// in-process tracker.
	resp, err = f.svc.Query(context.Background(), testUser(), testRequest())
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Sequence != 7 {
		t.Errorf("sequence: got %d, want 7", resp.Sequence)
	}
	if f.auditLog.seqCalls != 1 {
		t.Errorf("LastSequence calls: got %d, want 1", f.auditLog.seqCalls)
	}
}

func TestQuerySequenceRecoveryFailureIsNonFatal(t *testing.T) {
	f := newServiceFixture()
	f.auditLog.seqErr = fmt.Errorf("connection reset")

	resp, err := f.svc.Query(context.Background(), testUser(), testRequest())
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Sequence != 1 {
		t.Errorf("sequence: got %d, want 1", resp.Sequence)
	}
}

func TestQueryDegradesWhenEmbeddingFails(t *testing.T) {
	f := newServiceFixture()
	f.embedder.err = errors.EmbeddingUnavailable(fmt.Errorf("connection refused"))

	resp, err := f.svc.Query(context.Background(), testUser(), testRequest())
	if err != nil {
		t.Fatalf("embedding failure must not fail the query: %v", err)
	}

	if resp.Metadata.VectorChunksRetrieved != 0 {
		t.Errorf("vector_chunks_retrieved: got %d, want 0", resp.Metadata.VectorChunksRetrieved)
	}
	if resp.Answer.Text == "" {
		t.Error("answer missing in degraded mode")
	}
	if resp.Answer.Confidence != 0.5 {
		t.Errorf("degraded confidence: got %f, want 0.5", resp.Answer.Confidence)
	}
	// Sources fall back to the clinical graph alone.
	if resp.Metadata.SourcesUsed != 6 {
		t.Errorf("sources_used: got %d, want 6", resp.Metadata.SourcesUsed)
	}
}

func TestQueryDegradesWhenVectorBackendFails(t *testing.T) {
	f := newServiceFixture()
	f.searcher.err = errors.VectorBackend(fmt.Errorf("pgvector down"))

	resp, err := f.svc.Query(context.Background(), testUser(), testRequest())
	if err != nil {
		t.Fatalf("vector failure must not fail the query: %v", err)
	}
	if resp.Metadata.VectorChunksRetrieved != 0 {
		t.Errorf("vector_chunks_retrieved: got %d, want 0", resp.Metadata.VectorChunksRetrieved)
	}
	if f.auditLog.count() != 1 {
		t.Errorf("degraded query must still be audited, got %d records", f.auditLog.count())
	}
}

func TestQueryPatientNotFound(t *testing.T) {
	f := newServiceFixture()
	f.loader.graph = nil
	f.loader.err = errors.NotFound("patient", "CC *******050")

	_, err := f.svc.Query(context.Background(), testUser(), testRequest())
	if err == nil {
		t.Fatal("expected not found error")
	}
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if f.generator.called {
		t.Error("generator must not run for an unresolved patient")
	}
	if f.auditLog.count() != 0 {
		t.Error("failed query must not be audited")
	}
}

func TestQueryGenerationFailureIsFatal(t *testing.T) {
	f := newServiceFixture()
	f.generator.err = errors.GenerationTimeout()

	_, err := f.svc.Query(context.Background(), testUser(), testRequest())
	if err == nil {
		t.Fatal("expected generation error")
	}
	if !errors.Is(err, errors.ErrGenerationTimeout) {
		t.Errorf("expected ErrGenerationTimeout, got %v", err)
	}
	if f.auditLog.count() != 0 {
		t.Error("failed query must not be audited")
	}
}

func TestQueryInvalidDocumentNumber(t *testing.T) {
	f := newServiceFixture()
	req := testRequest()
	req.DocumentNumber = "!!"

	_, err := f.svc.Query(context.Background(), testUser(), req)
	if err == nil {
		t.Fatal("expected bad request error")
	}
	if !errors.Is(err, errors.ErrBadRequest) {
		t.Errorf("expected ErrBadRequest, got %v", err)
	}
}

func TestQueryAuditConflictFailsRequest(t *testing.T) {
	f := newServiceFixture()
	f.auditLog.err = errors.SequenceConflict("0f8fad5b-d9cb-469f-a165-70867728950e", 1)

	_, err := f.svc.Query(context.Background(), testUser(), testRequest())
	if err == nil {
		t.Fatal("expected sequence conflict error")
	}
	if !errors.Is(err, errors.ErrSequenceConflict) {
		t.Errorf("expected ErrSequenceConflict, got %v", err)
	}
}

func TestQueryStreamEventOrder(t *testing.T) {
	f := newServiceFixture()

	var events []Event
	for e := range f.svc.QueryStream(context.Background(), testUser(), testRequest()) {
		events = append(events, e)
	}

	if len(events) == 0 {
		t.Fatal("no events emitted")
	}

	last := events[len(events)-1]
	if last.Type != EventComplete {
		t.Fatalf("terminal event: got %s, want complete", last.Type)
	}
	if last.Result == nil {
		t.Fatal("complete event missing result")
	}
	if last.Result.Sequence != 1 {
		t.Errorf("result sequence: got %d, want 1", last.Result.Sequence)
	}

	// stream_start precedes the first token; tokens reassemble the answer.
	streamStart := -1
	firstToken := -1
	var tokens strings.Builder
	for i, e := range events {
		switch e.Type {
		case EventStreamStart:
			streamStart = i
		case EventToken:
			if firstToken < 0 {
				firstToken = i
			}
			tokens.WriteString(e.Token)
		case EventError:
			t.Fatalf("unexpected error event at %d: %+v", i, e.Error)
		}
	}
	if streamStart < 0 || firstToken < 0 || streamStart > firstToken {
		t.Error("stream_start must precede the first token")
	}
	if tokens.String() != f.generator.answer {
		t.Errorf("streamed tokens mismatch:\n got: %q\nwant: %q", tokens.String(), f.generator.answer)
	}
	if f.auditLog.count() != 1 {
		t.Errorf("completed stream must be audited, got %d records", f.auditLog.count())
	}
}

func TestQueryStreamErrorTerminates(t *testing.T) {
	f := newServiceFixture()
	f.generator.err = errors.GenerationTimeout()

	var events []Event
	for e := range f.svc.QueryStream(context.Background(), testUser(), testRequest()) {
		events = append(events, e)
	}

	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("terminal event: got %s, want error", last.Type)
	}
	if last.Error == nil || last.Error.Code != "LLM_TIMEOUT" {
		t.Errorf("error payload: got %+v", last.Error)
	}
	for _, e := range events[:len(events)-1] {
		if e.Type == EventComplete || e.Type == EventError {
			t.Error("terminal event must appear exactly once, at the end")
		}
	}
	if f.auditLog.count() != 0 {
		t.Error("failed stream must not be audited")
	}
}

// blockingGenerator emits one token and then waits for cancellation,
// modelling a model stream that outlives the client.
type blockingGenerator struct{ fakeGenerator }

func (g *blockingGenerator) GenerateStream(ctx context.Context, contextText, question string, onToken func(string) error) (string, error) {
	if err := onToken("partial "); err != nil {
		return "", err
	}
	<-ctx.Done()
	return "", ctx.Err()
}

func TestQueryStreamCancellation(t *testing.T) {
	f := newServiceFixture()
	gen := &blockingGenerator{}
	f.svc.generator = gen
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := f.svc.QueryStream(ctx, testUser(), testRequest())

	var sawComplete bool
	for e := range ch {
		if e.Type == EventToken {
			cancel()
		}
		if e.Type == EventComplete || e.Type == EventError {
			sawComplete = true
		}
	}

	if sawComplete {
		t.Error("cancelled stream must not emit a terminal event")
	}
	if f.auditLog.count() != 0 {
		t.Error("cancelled stream must not be audited")
	}
}

func TestScopeToPatient(t *testing.T) {
	mine := types.NewID()
	other := types.NewID()

	chunks := []vector.SimilarChunk{
		{EntityType: vector.EntityRecord, PatientID: &mine, Similarity: 0.9},
		{EntityType: vector.EntityRecord, PatientID: &other, Similarity: 0.8},
		{EntityType: vector.EntityDoctorName, PatientID: nil, Similarity: 0.7},
	}

	scoped := scopeToPatient(chunks, mine)
	if len(scoped) != 2 {
		t.Fatalf("expected 2 chunks after scoping, got %d", len(scoped))
	}
	for _, c := range scoped {
		if c.PatientID != nil && *c.PatientID != mine {
			t.Error("foreign patient chunk survived scoping")
		}
	}
}

func TestConfidenceEstimate(t *testing.T) {
	tests := []struct {
		similarity float64
		chunks     int
		want       float64
	}{
		{0, 0, 0.5},
		{0.85, 4, 0.85},
		{0.1, 2, 0.3},
		{0.99, 3, 0.95},
	}
	for _, tt := range tests {
		if got := ConfidenceEstimate(tt.similarity, tt.chunks); got != tt.want {
			t.Errorf("ConfidenceEstimate(%f, %d) = %f, want %f", tt.similarity, tt.chunks, got, tt.want)
		}
	}
}
