package query

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/smarthealth/platform/internal/shared/auth"
	"github.com/smarthealth/platform/internal/shared/errors"
)

// Handler provides HTTP handlers for the query module
type Handler struct {
	svc      *Service
	validate *validator.Validate
}

// NewHandler creates a new query handler
func NewHandler(svc *Service) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Routes registers the query routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/query", h.Query)
	r.Post("/query/stream", h.QueryStream)
	r.Get("/query/stream", h.QueryStream)

	return r
}

// Query answers a clinical question in one response.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	req, err := h.decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	resp, err := h.svc.Query(r.Context(), user, req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// QueryStream answers a clinical question as a server-sent event stream.
// GET with query parameters is supported for EventSource clients, which
// cannot send a request body.
func (h *Handler) QueryStream(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	var req Request
	var err error
	if r.Method == http.MethodGet {
		req, err = h.requestFromQuery(r)
	} else {
		req, err = h.decodeRequest(r)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.Internal(fmt.Errorf("streaming not supported by connection")))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, newEvent(EventConnected))
	flusher.Flush()

	for event := range h.svc.QueryStream(r.Context(), user, req) {
		writeSSE(w, event)
		flusher.Flush()
	}
}

func (h *Handler) decodeRequest(r *http.Request) (Request, error) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return Request{}, errors.BadRequest("invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return Request{}, validationError(err)
	}
	return req, nil
}

func (h *Handler) requestFromQuery(r *http.Request) (Request, error) {
	q := r.URL.Query()
	req := Request{
		SessionID:      q.Get("session_id"),
		DocumentType:   q.Get("document_type"),
		DocumentNumber: q.Get("document_number"),
		Question:       q.Get("question"),
	}
	if raw := q.Get("document_type_id"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			return Request{}, errors.BadRequest("invalid document_type_id")
		}
		req.DocumentTypeID = id
	}
	if err := h.validate.Struct(req); err != nil {
		return Request{}, validationError(err)
	}
	return req, nil
}

func validationError(err error) error {
	details := make(map[string]string)
	if fieldErrors, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range fieldErrors {
			details[fe.Field()] = fmt.Sprintf("failed %q validation", fe.Tag())
		}
	}
	return errors.Validation("validation failed", details)
}

// writeSSE writes one event in server-sent event framing.
func writeSSE(w http.ResponseWriter, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	if appErr, ok := err.(*errors.AppError); ok {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
