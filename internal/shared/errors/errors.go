package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common error types
var (
	ErrNotFound          = errors.New("resource not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrBadRequest        = errors.New("bad request")
	ErrValidation        = errors.New("validation error")
	ErrInternal          = errors.New("internal error")
	ErrEmbedding         = errors.New("embedding unavailable")
	ErrVectorBackend     = errors.New("vector backend error")
	ErrGenerationTimeout = errors.New("generation timeout")
	ErrGenerationBackend = errors.New("generation backend error")
	ErrSequenceConflict  = errors.New("session sequence conflict")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Code:       "NOT_FOUND",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Message:    message,
		Code:       "UNAUTHORIZED",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a forbidden error
func Forbidden(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Message:    message,
		Code:       "FORBIDDEN",
		HTTPStatus: http.StatusForbidden,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Message:    message,
		Code:       "BAD_REQUEST",
		HTTPStatus: http.StatusBadRequest,
	}
}

// Validation creates a validation error with field details
func Validation(message string, details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Message:    message,
		Code:       "VALIDATION_ERROR",
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// EmbeddingUnavailable signals that the question could not be embedded.
// The pipeline degrades to structured-only retrieval where possible.
func EmbeddingUnavailable(err error) *AppError {
	return &AppError{
		Err:        ErrEmbedding,
		Message:    fmt.Sprintf("embedding service unavailable: %v", err),
		Code:       "EMBEDDING_UNAVAILABLE",
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// VectorBackend signals that the vector store could not be queried.
// Non-fatal for a query: callers proceed with zero similar chunks.
func VectorBackend(err error) *AppError {
	return &AppError{
		Err:        ErrVectorBackend,
		Message:    fmt.Sprintf("vector search failed: %v", err),
		Code:       "VECTOR_BACKEND_ERROR",
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// GenerationTimeout signals that the language model exceeded its deadline.
// Fatal for the request; never retried.
func GenerationTimeout() *AppError {
	return &AppError{
		Err:        ErrGenerationTimeout,
		Message:    "the model took too long to respond",
		Code:       "LLM_TIMEOUT",
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// GenerationBackend signals a language model backend failure.
// Fatal for the request; never retried.
func GenerationBackend(err error) *AppError {
	return &AppError{
		Err:        ErrGenerationBackend,
		Message:    fmt.Sprintf("answer generation failed: %v", err),
		Code:       "LLM_ERROR",
		HTTPStatus: http.StatusBadGateway,
	}
}

// SequenceConflict signals a duplicate (session, sequence) audit key.
// Must not occur under correct locking; treated as an invariant violation.
func SequenceConflict(sessionID string, sequence int64) *AppError {
	return &AppError{
		Err:        ErrSequenceConflict,
		Message:    "session sequence conflict",
		Code:       "SEQUENCE_CONFLICT",
		HTTPStatus: http.StatusInternalServerError,
		Details: map[string]string{
			"session_id": sessionID,
			"sequence":   fmt.Sprintf("%d", sequence),
		},
	}
}

// Internal creates an internal error
func Internal(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "internal server error",
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) *AppError {
	if appErr, ok := err.(*AppError); ok {
		appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return appErr
	}
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Is reports whether err wraps the given sentinel.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first AppError in err's chain, if any.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
