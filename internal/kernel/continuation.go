package kernel

import (
	"sync"
	"time"
)

// ContinuationRequest is an agent-scheduled follow-up prompt that re-enters
// the queue after the current turn completes.
type ContinuationRequest struct {
	Prompt  string
	Delay   time.Duration
	Reason  string
	Context map[string]any
}

// ContinuationRegistry holds pending follow-ups per session, in memory. A
// cancelled tombstone forbids new entries and drains the list; it is cleared
// at the start of each run.
type ContinuationRegistry struct {
	mu        sync.Mutex
	pending   map[string][]ContinuationRequest
	cancelled map[string]struct{}
}

// NewContinuationRegistry creates an empty registry.
func NewContinuationRegistry() *ContinuationRegistry {
	return &ContinuationRegistry{
		pending:   make(map[string][]ContinuationRequest),
		cancelled: make(map[string]struct{}),
	}
}

// Schedule appends a follow-up for the session. Rejected while the session is
// tombstoned.
func (r *ContinuationRegistry) Schedule(sessionKey string, req ContinuationRequest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dead := r.cancelled[sessionKey]; dead {
		return false
	}
	r.pending[sessionKey] = append(r.pending[sessionKey], req)
	return true
}

// Consume atomically returns and clears the session's pending follow-ups, in
// schedule order. A tombstoned session yields nothing; stray entries are
// dropped.
func (r *ContinuationRegistry) Consume(sessionKey string) []ContinuationRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dead := r.cancelled[sessionKey]; dead {
		delete(r.pending, sessionKey)
		return nil
	}
	out := r.pending[sessionKey]
	delete(r.pending, sessionKey)
	return out
}

// CancelSession sets the tombstone and drains any queued follow-ups.
func (r *ContinuationRegistry) CancelSession(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancelled[sessionKey] = struct{}{}
	delete(r.pending, sessionKey)
}

// ResumeSession clears the tombstone. Called at the start of each run.
func (r *ContinuationRegistry) ResumeSession(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.cancelled, sessionKey)
}

// PendingCount returns the number of queued follow-ups for the session.
func (r *ContinuationRegistry) PendingCount(sessionKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[sessionKey])
}
