// Package session provides the per-agent ordered event log for reflection
// sessions. Each agent owns its own Store; the producer and critic never share
// one. Logs are append-only and keyed by session id, so concurrent sessions
// can never interleave into each other's history.
package session

import (
	"fmt"
	"sync"

	"reflector/pkg/proto"
)

// Event is one entry in a session log. Exactly one field is set; the log is
// the conversation transcript used to reconstruct model context, so insertion
// order is significant.
type Event struct {
	Task    *proto.GenerationTask
	Request *proto.ReviewRequest
	Verdict *proto.ReviewVerdict
}

// Log is the ordered, append-only event history of one session. Appends
// enforce the protocol ordering: a verdict answers the pending request, and a
// new request may only follow the latest verdict (or the initial task). A Log
// is owned by a single agent goroutine per session; the mutex guards the
// occasional cross-goroutine read (stats, tests).
type Log struct {
	mu        sync.Mutex
	sessionID string
	events    []Event
	pending   bool // an unanswered ReviewRequest exists
	terminal  bool // approved: no further events accepted or expected
	aborted   bool // fatal protocol or capability failure
}

// SessionID returns the id this log belongs to.
func (l *Log) SessionID() string {
	return l.sessionID
}

// AppendTask records the GenerationTask that opened the session. Only valid
// as the first event.
func (l *Log) AppendTask(task *proto.GenerationTask) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.events) != 0 {
		return fmt.Errorf("session %s: task must be the first event, log has %d", l.sessionID, len(l.events))
	}
	l.events = append(l.events, Event{Task: task})
	return nil
}

// AppendRequest records an outbound ReviewRequest and marks it pending. At
// most one request may be unanswered at any time.
func (l *Log) AppendRequest(req *proto.ReviewRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.terminal {
		return fmt.Errorf("session %s: terminal, no further requests", l.sessionID)
	}
	if l.pending {
		return fmt.Errorf("session %s: a review request is already pending", l.sessionID)
	}
	l.events = append(l.events, Event{Request: req})
	l.pending = true
	return nil
}

// AppendVerdict records the answer to the pending ReviewRequest.
func (l *Log) AppendVerdict(verdict *proto.ReviewVerdict) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.pending {
		return fmt.Errorf("session %s: verdict without a pending review request", l.sessionID)
	}
	l.events = append(l.events, Event{Verdict: verdict})
	l.pending = false
	return nil
}

// Events returns a copy of the event history in insertion order.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Len returns the number of recorded events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// LatestRequest returns the most recent ReviewRequest in the log, or nil.
func (l *Log) LatestRequest() *proto.ReviewRequest {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Request != nil {
			return l.events[i].Request
		}
	}
	return nil
}

// LatestVerdict returns the most recent ReviewVerdict in the log, or nil.
func (l *Log) LatestVerdict() *proto.ReviewVerdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Verdict != nil {
			return l.events[i].Verdict
		}
	}
	return nil
}

// Pending reports whether an unanswered ReviewRequest exists.
func (l *Log) Pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// MarkTerminal marks the session finished after an approving verdict. Returns
// false if the session was already terminal, so exactly one caller wins. Late
// messages for a terminal session are ignored by handlers, not rejected.
func (l *Log) MarkTerminal() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.terminal {
		return false
	}
	l.terminal = true
	return true
}

// Terminal reports whether the session has finished.
func (l *Log) Terminal() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.terminal
}

// MarkAborted records a fatal session failure. No FinalResult is ever emitted
// for an aborted session.
func (l *Log) MarkAborted() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.aborted = true
}

// Aborted reports whether the session failed fatally.
func (l *Log) Aborted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aborted
}

// Store maps session ids to their logs. One Store per agent, never shared.
type Store struct {
	mu   sync.RWMutex
	logs map[string]*Log
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{logs: make(map[string]*Log)}
}

// Create allocates the log for a new session id. Session ids are unique for
// the lifetime of the process; creating the same id twice is an error.
func (s *Store) Create(sessionID string) (*Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.logs[sessionID]; exists {
		return nil, fmt.Errorf("session %s already exists", sessionID)
	}
	log := &Log{sessionID: sessionID}
	s.logs[sessionID] = log
	return log, nil
}

// GetOrCreate returns the log for sessionID, allocating it on first use. The
// critic uses this: its first event for a session is the inbound request.
func (s *Store) GetOrCreate(sessionID string) *Log {
	s.mu.Lock()
	defer s.mu.Unlock()

	if log, exists := s.logs[sessionID]; exists {
		return log
	}
	log := &Log{sessionID: sessionID}
	s.logs[sessionID] = log
	return log
}

// Get returns the log for sessionID if it exists.
func (s *Store) Get(sessionID string) (*Log, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, exists := s.logs[sessionID]
	return log, exists
}

// Len returns the number of sessions in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}
