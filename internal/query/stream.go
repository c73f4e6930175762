package query

import "time"

// EventType identifies a streaming event. A stream emits, in order:
// connected, status*, stream_start, token*, then exactly one of
// complete or error.
type EventType string

const (
	EventConnected   EventType = "connected"
	EventStatus      EventType = "status"
	EventStreamStart EventType = "stream_start"
	EventToken       EventType = "token"
	EventComplete    EventType = "complete"
	EventError       EventType = "error"
)

// Stream status phases surfaced to clients while a query progresses.
const (
	StatusSearchingPatient = "searching_patient"
	StatusVectorSearch     = "vector_search"
	StatusBuildingContext  = "building_context"
	StatusGenerating       = "generating"
)

// Event is one element of the incremental-delivery sequence.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Status events
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`

	// Token events
	Token string `json:"token,omitempty"`

	// Completion
	Result *Response `json:"result,omitempty"`

	// Error events
	Error *EventErrorPayload `json:"error,omitempty"`
}

// EventErrorPayload carries a terminal stream error.
type EventErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newEvent(t EventType) Event {
	return Event{Type: t, Timestamp: time.Now().UTC()}
}

func statusEvent(status, message string) Event {
	e := newEvent(EventStatus)
	e.Status = status
	e.Message = message
	return e
}

func tokenEvent(token string) Event {
	e := newEvent(EventToken)
	e.Token = token
	return e
}

func completeEvent(result *Response) Event {
	e := newEvent(EventComplete)
	e.Result = result
	return e
}

func errorEvent(code, message string) Event {
	e := newEvent(EventError)
	e.Error = &EventErrorPayload{Code: code, Message: message}
	return e
}
