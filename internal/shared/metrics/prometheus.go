package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Business metrics
	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinical_queries_total",
			Help: "Total number of clinical queries processed",
		},
		[]string{"mode", "outcome"},
	)

	queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clinical_query_duration_seconds",
			Help:    "End-to-end clinical query duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"mode"},
	)

	vectorSearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vector_search_duration_seconds",
			Help:    "Vector similarity search duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	vectorChunksRetrieved = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vector_chunks_retrieved",
			Help:    "Number of similar chunks returned per search",
			Buckets: []float64{0, 1, 2, 5, 10, 15, 25, 50},
		},
	)

	contextTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "context_tokens",
			Help:    "Token count of assembled contexts",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 4000, 8000},
		},
	)

	llmTokensStreamed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llm_tokens_streamed_total",
			Help: "Total number of tokens streamed from the model backend",
		},
	)

	degradedQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "degraded_queries_total",
			Help: "Queries that proceeded without a retrieval component",
		},
		[]string{"reason"},
	)

	auditEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_entries_total",
			Help: "Total number of audit entries created",
		},
	)

	hisRecordsImported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "his_records_imported_total",
			Help: "Clinical records imported from the legacy HIS",
		},
		[]string{"kind"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush passes through so SSE responses are not buffered by the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// normalizePath normalizes URL paths for metrics to avoid cardinality explosion
func normalizePath(path string) string {
	if len(path) > 100 {
		return "/api/..."
	}
	return path
}

// --- Business metric helpers ---

// RecordQuery records a completed clinical query
func RecordQuery(mode, outcome string, duration time.Duration) {
	queriesTotal.WithLabelValues(mode, outcome).Inc()
	queryDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordVectorSearch records a vector search
func RecordVectorSearch(duration time.Duration, chunks int) {
	vectorSearchDuration.Observe(duration.Seconds())
	vectorChunksRetrieved.Observe(float64(chunks))
}

// RecordContextTokens records the token count of an assembled context
func RecordContextTokens(tokens int) {
	contextTokens.Observe(float64(tokens))
}

// RecordStreamedTokens records tokens streamed from the model
func RecordStreamedTokens(n int) {
	llmTokensStreamed.Add(float64(n))
}

// RecordDegradedQuery records a query that lost a retrieval component
func RecordDegradedQuery(reason string) {
	degradedQueries.WithLabelValues(reason).Inc()
}

// RecordAuditEntry records an audit entry creation
func RecordAuditEntry() {
	auditEntriesTotal.Inc()
}

// RecordHISImport records records imported from the legacy HIS
func RecordHISImport(kind string, n int) {
	hisRecordsImported.WithLabelValues(kind).Add(float64(n))
}
