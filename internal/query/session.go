package query

import "sync"

// SessionTracker assigns per-session monotonic sequence numbers for
// audit and conversation ordering. Sequences start at 1 and increment by
// exactly one per query; concurrent callers for the same session receive
// distinct, gap-free numbers. In-process state: sequences live as long
// as the process, with the audit table's (session_id, sequence) primary
// key as the backstop across restarts.
type SessionTracker struct {
	mu        sync.Mutex
	sequences map[string]int64
}

// NewSessionTracker creates a new session tracker
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{sequences: make(map[string]int64)}
}

// NextSequence returns the next sequence number for the session.
func (t *SessionTracker) NextSequence(sessionID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sequences[sessionID]++
	return t.sequences[sessionID]
}

// Seed records the last issued sequence for a session this process has
// not seen yet, typically recovered from the audit log after a restart.
// Sessions with in-process state are left untouched.
func (t *SessionTracker) Seed(sessionID string, last int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sequences[sessionID]; !ok && last > 0 {
		t.sequences[sessionID] = last
	}
}

// Current returns the last issued sequence for the session, 0 if none.
func (t *SessionTracker) Current(sessionID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.sequences[sessionID]
}
