// Package approval implements the pending-decision registry gating tool
// execution in safe mode.
package approval

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotFound is returned when deciding an unknown approval id.
	ErrNotFound = errors.New("approval not found")
	// ErrWrongSession is returned when the decision names a different session
	// than the one that created the approval.
	ErrWrongSession = errors.New("approval belongs to another session")
)

// Approval states.
const (
	StatePending  = "pending"
	StateApproved = "approved"
	StateDenied   = "denied"
	StateExpired  = "expired"
)

// Decision is delivered to the waiter when an approval reaches a terminal
// state.
type Decision struct {
	Approved bool
	TimedOut bool
}

type entry struct {
	sessionID string
	state     string
	createdAt time.Time
	expiresAt time.Time
	timer     *time.Timer
	done      chan Decision
}

// Hub is a process-wide keyed registry of pending approvals. Terminal states
// are absorbing: exactly one decision is delivered per approval.
type Hub struct {
	mu      sync.Mutex
	pending map[string]*entry
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{pending: make(map[string]*entry)}
}

// Create registers a new pending approval for a session and returns its id
// and a channel that yields exactly one Decision. After timeout the entry
// expires and the waiter receives a timed-out deny.
func (h *Hub) Create(sessionID string, timeout time.Duration) (string, <-chan Decision) {
	id := uuid.NewString()
	now := time.Now()
	e := &entry{
		sessionID: sessionID,
		state:     StatePending,
		createdAt: now,
		expiresAt: now.Add(timeout),
		done:      make(chan Decision, 1),
	}
	e.timer = time.AfterFunc(timeout, func() { h.expire(id) })

	h.mu.Lock()
	h.pending[id] = e
	h.mu.Unlock()

	log.Debug().Str("approval", id).Str("session", sessionID).Dur("timeout", timeout).Msg("approval created")
	return id, e.done
}

// Decide resolves a pending approval. Idempotent with respect to terminal
// states: a second decision on the same id returns ErrNotFound.
func (h *Hub) Decide(id, sessionID string, approve bool) error {
	h.mu.Lock()
	e, ok := h.pending[id]
	if !ok {
		h.mu.Unlock()
		return ErrNotFound
	}
	if e.sessionID != sessionID {
		h.mu.Unlock()
		return ErrWrongSession
	}
	delete(h.pending, id)
	if approve {
		e.state = StateApproved
	} else {
		e.state = StateDenied
	}
	h.mu.Unlock()

	e.timer.Stop()
	e.done <- Decision{Approved: approve}
	return nil
}

// expire transitions an entry to expired and wakes the waiter with a
// timed-out deny. No-op if the entry already reached a terminal state.
func (h *Hub) expire(id string) {
	h.mu.Lock()
	e, ok := h.pending[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.pending, id)
	e.state = StateExpired
	h.mu.Unlock()

	log.Debug().Str("approval", id).Msg("approval expired")
	e.done <- Decision{Approved: false, TimedOut: true}
}

// PendingCount returns the number of live approvals, for diagnostics.
func (h *Hub) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// PendingIDs returns the ids of live approvals, for diagnostics.
func (h *Hub) PendingIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.pending))
	for id := range h.pending {
		ids = append(ids, id)
	}
	return ids
}
