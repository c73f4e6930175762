package query

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/smarthealth/platform/internal/audit"
	"github.com/smarthealth/platform/internal/patient"
	"github.com/smarthealth/platform/internal/shared/auth"
	"github.com/smarthealth/platform/internal/shared/config"
	"github.com/smarthealth/platform/internal/shared/errors"
	"github.com/smarthealth/platform/internal/shared/events"
	"github.com/smarthealth/platform/internal/shared/metrics"
	"github.com/smarthealth/platform/internal/shared/types"
	"github.com/smarthealth/platform/internal/vector"
)

// Request is one clinical question about one patient.
type Request struct {
	SessionID      string `json:"session_id" validate:"required,uuid"`
	DocumentType   string `json:"document_type,omitempty"`
	DocumentTypeID int    `json:"document_type_id,omitempty"` // legacy numeric id
	DocumentNumber string `json:"document_number" validate:"required"`
	Question       string `json:"question" validate:"required,min=3"`
}

// Identity resolves the request's document fields into a patient
// identity, accepting either the code or the legacy numeric id.
func (r Request) Identity() (types.PatientIdentity, error) {
	docType := types.DocumentType(r.DocumentType)
	if r.DocumentType == "" {
		docType = types.DocumentTypeFromID(r.DocumentTypeID)
	}
	return types.NewPatientIdentity(docType, r.DocumentNumber)
}

// PatientInfo is the patient header echoed in responses.
type PatientInfo struct {
	PatientID      types.ID `json:"patient_id"`
	FullName       string   `json:"full_name"`
	DocumentType   string   `json:"document_type"`
	DocumentNumber string   `json:"document_number"`
}

// Answer is the generated answer with its confidence estimate.
type Answer struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	ModelUsed  string  `json:"model_used"`
}

// Response is the full structured result of one query.
type Response struct {
	SessionID   string        `json:"session_id"`
	Sequence    int64         `json:"sequence"`
	Timestamp   time.Time     `json:"timestamp"`
	PatientInfo PatientInfo   `json:"patient_info"`
	Answer      Answer        `json:"answer"`
	Sources     []SourceEntry `json:"sources"`
	Metadata    QueryMetadata `json:"metadata"`
}

// AuditLog persists one record per completed query and can report the
// highest persisted sequence for a session.
type AuditLog interface {
	Append(ctx context.Context, rec *audit.QueryRecord) error
	LastSequence(ctx context.Context, sessionID string) (int64, error)
}

// Service runs the retrieval-augmented query pipeline. All components
// except the session tracker are free of shared mutable state; each
// request is handled independently.
type Service struct {
	loader    patient.Loader
	embedder  vector.Embedder
	searcher  vector.Searcher
	generator Generator
	tracker   *SessionTracker
	auditLog  AuditLog
	bus       *events.Bus // optional fan-out, may be nil
	estimate  TokenEstimator
	vectorCfg config.VectorConfig
	llmCfg    config.LLMConfig
	logger    *slog.Logger
}

// NewService creates a new query service
func NewService(
	loader patient.Loader,
	embedder vector.Embedder,
	searcher vector.Searcher,
	generator Generator,
	tracker *SessionTracker,
	auditLog AuditLog,
	bus *events.Bus,
	estimate TokenEstimator,
	vectorCfg config.VectorConfig,
	llmCfg config.LLMConfig,
	logger *slog.Logger,
) *Service {
	return &Service{
		loader:    loader,
		embedder:  embedder,
		searcher:  searcher,
		generator: generator,
		tracker:   tracker,
		auditLog:  auditLog,
		bus:       bus,
		estimate:  estimate,
		vectorCfg: vectorCfg,
		llmCfg:    llmCfg,
		logger:    logger,
	}
}

// retrieval is the awaited output of the concurrent read phase.
type retrieval struct {
	graph  *patient.ClinicalGraph
	chunks []vector.SimilarChunk
}

// Query runs the pipeline in batch mode.
func (s *Service) Query(ctx context.Context, user *auth.User, req Request) (*Response, error) {
	start := time.Now()

	resp, err := s.run(ctx, user, req, nil, nil)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RecordQuery("batch", outcome, time.Since(start))

	return resp, err
}

// QueryStream runs the pipeline in streaming mode, returning a finite,
// non-restartable event sequence. The channel is closed after the
// terminal event (complete or error, never both). Cancelling ctx stops
// the upstream model stream promptly; a cancelled stream emits no
// completion event and leaves no audit record.
func (s *Service) QueryStream(ctx context.Context, user *auth.User, req Request) <-chan Event {
	out := make(chan Event, 16)

	go func() {
		defer close(out)
		start := time.Now()

		emit := func(e Event) bool {
			if ctx.Err() != nil {
				return false
			}
			select {
			case out <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}

		onToken := func(token string) error {
			if !emit(tokenEvent(token)) {
				return ctx.Err()
			}
			metrics.RecordStreamedTokens(1)
			return nil
		}

		resp, err := s.run(ctx, user, req, func(e Event) { emit(e) }, onToken)
		if err != nil {
			metrics.RecordQuery("stream", "error", time.Since(start))
			if ctx.Err() != nil {
				return // client gone, nobody to tell
			}
			code, message := errorCode(err)
			emit(errorEvent(code, message))
			return
		}

		metrics.RecordQuery("stream", "ok", time.Since(start))
		emit(completeEvent(resp))
	}()

	return out
}

// run executes the shared pipeline. emit is nil in batch mode; onToken
// is nil for batch generation.
func (s *Service) run(ctx context.Context, user *auth.User, req Request, emit func(Event), onToken func(string) error) (*Response, error) {
	start := time.Now()
	notify := func(status, message string) {
		if emit != nil {
			emit(statusEvent(status, message))
		}
	}

	identity, err := req.Identity()
	if err != nil {
		return nil, errors.BadRequest(err.Error())
	}

	notify(StatusSearchingPatient, "Looking up patient records...")

	ret, err := s.retrieve(ctx, identity, req.Question, notify)
	if err != nil {
		return nil, err
	}

	notify(StatusBuildingContext, "Preparing clinical context...")

	assembled := AssembleContext(ret.graph, ret.chunks, AssemblerConfig{
		MaxTokens: s.llmCfg.MaxContextTokens,
		Estimate:  s.estimate,
	})
	metrics.RecordContextTokens(assembled.Tokens)

	notify(StatusGenerating, "Generating answer...")
	if emit != nil {
		emit(newEvent(EventStreamStart))
	}

	var answerText string
	if onToken != nil {
		answerText, err = s.generator.GenerateStream(ctx, assembled.Text, req.Question, onToken)
	} else {
		answerText, err = s.generator.Generate(ctx, assembled.Text, req.Question)
	}
	if err != nil {
		return nil, err
	}

	topSimilarity := 0.0
	if len(ret.chunks) > 0 {
		topSimilarity = ret.chunks[0].Similarity
	}

	sources := BuildSources(ret.chunks, ret.graph, assembled.Included)
	metadata := BuildMetadata(ret.graph, ret.chunks, sources, time.Since(start), assembled.Tokens)

	resp := &Response{
		SessionID: req.SessionID,
		Timestamp: time.Now().UTC(),
		PatientInfo: PatientInfo{
			PatientID:      ret.graph.Patient.ID,
			FullName:       ret.graph.Patient.FullName(),
			DocumentType:   identity.DocumentType.String(),
			DocumentNumber: identity.DocumentNumber,
		},
		Answer: Answer{
			Text:       answerText,
			Confidence: ConfidenceEstimate(topSimilarity, len(ret.chunks)),
			ModelUsed:  s.generator.Model(),
		},
		Sources:  sources,
		Metadata: metadata,
	}

	// The sequence is issued once generation succeeded, immediately
	// before the audit write, so the audit log stays gap-free.
	resp.Sequence = s.nextSequence(ctx, req.SessionID)

	if err := s.writeAudit(ctx, user, req, resp); err != nil {
		return nil, err
	}

	return resp, nil
}

// retrieve runs the clinical graph load and the vector search
// concurrently and awaits both. Embedding and vector failures degrade to
// an empty chunk list; only an unresolved patient identity fails the
// request.
func (s *Service) retrieve(ctx context.Context, identity types.PatientIdentity, question string, notify func(status, message string)) (*retrieval, error) {
	type graphResult struct {
		graph *patient.ClinicalGraph
		err   error
	}

	graphCh := make(chan graphResult, 1)
	chunksCh := make(chan []vector.SimilarChunk, 1)

	go func() {
		g, err := s.loader.Load(ctx, identity)
		graphCh <- graphResult{graph: g, err: err}
	}()

	go func() {
		chunksCh <- s.searchChunks(ctx, question)
	}()

	gr := <-graphCh
	if gr.err != nil {
		// Drain the search result so the goroutine never blocks.
		go func() { <-chunksCh }()
		return nil, gr.err
	}

	notify(StatusVectorSearch, "Searching related clinical information...")
	chunks := <-chunksCh

	// The vector search is not patient-filtered up front because the
	// patient id is only known once the graph load resolves; scope the
	// hits here instead.
	chunks = scopeToPatient(chunks, gr.graph.Patient.ID)

	return &retrieval{graph: gr.graph, chunks: chunks}, nil
}

// searchChunks embeds the question and searches the vector index,
// absorbing failures into an empty result per the degradation policy.
func (s *Service) searchChunks(ctx context.Context, question string) []vector.SimilarChunk {
	searchCtx, cancel := context.WithTimeout(ctx, s.vectorCfg.SearchTimeout)
	defer cancel()

	start := time.Now()

	embedding, err := s.embedder.EmbedQuestion(searchCtx, question)
	if err != nil {
		s.logger.Warn("question embedding failed, continuing with structured data only", "error", err)
		metrics.RecordDegradedQuery("embedding_unavailable")
		return nil
	}

	chunks, err := s.searcher.Search(searchCtx, embedding, vector.SearchOptions{
		MaxResults: s.vectorCfg.MaxResults,
	})
	if err != nil {
		s.logger.Warn("vector search failed, continuing with structured data only", "error", err)
		metrics.RecordDegradedQuery("vector_backend")
		return nil
	}

	metrics.RecordVectorSearch(time.Since(start), len(chunks))
	return chunks
}

// scopeToPatient keeps chunks owned by the patient plus chunks from
// non-patient-scoped entities (doctor names).
func scopeToPatient(chunks []vector.SimilarChunk, patientID types.ID) []vector.SimilarChunk {
	scoped := make([]vector.SimilarChunk, 0, len(chunks))
	for _, c := range chunks {
		if c.PatientID == nil || *c.PatientID == patientID {
			scoped = append(scoped, c)
		}
	}
	return scoped
}

// nextSequence issues the next per-session sequence number. The first
// time a session is seen by this process the tracker is seeded from the
// audit log, so sequences continue across restarts. If recovery fails
// the audit table's (session_id, sequence) key still rejects reuse.
func (s *Service) nextSequence(ctx context.Context, sessionID string) int64 {
	if s.tracker.Current(sessionID) == 0 {
		last, err := s.auditLog.LastSequence(ctx, sessionID)
		if err != nil {
			s.logger.Warn("failed to recover session sequence",
				"session_id", sessionID, "error", err)
		} else {
			s.tracker.Seed(sessionID, last)
		}
	}
	return s.tracker.NextSequence(sessionID)
}

func (s *Service) writeAudit(ctx context.Context, user *auth.User, req Request, resp *Response) error {
	responseJSON, err := json.Marshal(resp)
	if err != nil {
		return errors.Wrap(err, "failed to serialize response for audit")
	}

	patientID := resp.PatientInfo.PatientID
	rec := &audit.QueryRecord{
		SessionID: req.SessionID,
		Sequence:  resp.Sequence,
		UserID:    user.ID,
		PatientID: &patientID,
		Question:  req.Question,
		Response:  responseJSON,
		CreatedAt: resp.Timestamp,
	}

	if err := s.auditLog.Append(ctx, rec); err != nil {
		// A sequence conflict is an invariant violation: fail rather
		// than overwrite audit history.
		return err
	}
	metrics.RecordAuditEntry()

	if s.bus != nil {
		event := events.NewEvent("smarthealth.query.completed", "query", map[string]any{
			"session_id": req.SessionID,
			"sequence":   resp.Sequence,
			"patient_id": resp.PatientInfo.PatientID,
			"tokens":     resp.Metadata.ContextTokens,
		}).WithActor(user.ID, user.UserType)
		if err := s.bus.Publish(ctx, event); err != nil {
			s.logger.Warn("audit event fan-out failed", "error", err)
		}
	}

	return nil
}

// errorCode maps a pipeline error to a streaming error payload.
func errorCode(err error) (code, message string) {
	if appErr, ok := errors.As(err); ok {
		return appErr.Code, appErr.Message
	}
	return "PROCESSING_ERROR", "error processing the request"
}
