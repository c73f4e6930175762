package audit

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/smarthealth/platform/internal/shared/auth"
	"github.com/smarthealth/platform/internal/shared/errors"
	"github.com/smarthealth/platform/internal/shared/types"
)

// Handler provides HTTP handlers for the audit module
type Handler struct {
	repo    *Repository
	devMode bool
}

// NewHandler creates a new audit handler
func NewHandler(repo *Repository) *Handler {
	env := os.Getenv("ENV")
	devMode := env == "" || env == "development" || env == "dev"

	return &Handler{
		repo:    repo,
		devMode: devMode,
	}
}

// Routes registers the audit routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	// Admin-only endpoints
	r.Get("/", h.ListRecords)
	r.Get("/verify", h.VerifyChain)
	r.Get("/sessions/{sessionID}", h.GetSession)
	r.Get("/patients/{patientID}", h.GetByPatient)

	return r
}

// requireAdmin enforces admin access outside dev mode.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if h.devMode {
		return true
	}
	user := auth.GetUser(r.Context())
	if user == nil || !user.IsAdmin() {
		writeError(w, errors.Forbidden("admin access required"))
		return false
	}
	return true
}

// ListRecords lists audit records with filters
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	filter := ListRecordsFilter{}

	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		if _, err := uuid.Parse(sessionID); err != nil {
			writeError(w, errors.BadRequest("invalid session ID"))
			return
		}
		filter.SessionID = sessionID
	}

	if userID := r.URL.Query().Get("user_id"); userID != "" {
		id, err := types.ParseID(userID)
		if err == nil {
			filter.UserID = &id
		}
	}

	if patientID := r.URL.Query().Get("patient_id"); patientID != "" {
		id, err := types.ParseID(patientID)
		if err == nil {
			filter.PatientID = &id
		}
	}

	if startTime := r.URL.Query().Get("start_time"); startTime != "" {
		t, err := time.Parse(time.RFC3339, startTime)
		if err == nil {
			filter.StartTime = &t
		}
	}

	if endTime := r.URL.Query().Get("end_time"); endTime != "" {
		t, err := time.Parse(time.RFC3339, endTime)
		if err == nil {
			filter.EndTime = &t
		}
	}

	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			filter.Limit = l
		}
	}

	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			filter.Offset = o
		}
	}

	records, total, err := h.repo.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  records,
		"total": total,
	})
}

// GetSession returns one session's query history in sequence order
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if _, err := uuid.Parse(sessionID); err != nil {
		writeError(w, errors.BadRequest("invalid session ID"))
		return
	}

	records, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  records,
		"total": len(records),
	})
}

// GetByPatient returns audit records for a specific patient
func (h *Handler) GetByPatient(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	patientID, err := types.ParseID(chi.URLParam(r, "patientID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid patient ID"))
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := h.repo.GetByPatient(r.Context(), patientID, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  records,
		"total": len(records),
	})
}

// VerifyChain verifies the integrity of the audit chain
func (h *Handler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	includeDetails := r.URL.Query().Get("details") == "true"

	result, err := h.repo.VerifyChain(r.Context(), limit, includeDetails)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// --- Helpers ---

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
