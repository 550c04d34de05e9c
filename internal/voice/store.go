package voice

import (
	"sort"
	"sync"
	"time"

	"github.com/alicia-home/alicia/internal/metrics"
	"github.com/alicia-home/alicia/internal/protocol"
)

// Session is the store's record of one voice interaction. The driver
// goroutine is the only writer after creation; cancellation races are
// serialized by the store mutex, and whoever reaches a terminal state first
// wins.
type Session struct {
	id            string
	state         SessionState
	transcript    string
	responseText  string
	commandIDs    []string
	failureReason string
	createdAt     time.Time
	updatedAt     time.Time
	deadline      time.Time
	resolvedAt    time.Time
}

func (s *Session) snapshot() protocol.SessionStatus {
	return protocol.SessionStatus{
		SessionID:     s.id,
		State:         string(s.state),
		Transcript:    s.transcript,
		ResponseText:  s.responseText,
		CommandIDs:    append([]string(nil), s.commandIDs...),
		FailureReason: s.failureReason,
		CreatedAt:     s.createdAt,
		UpdatedAt:     s.updatedAt,
		Deadline:      s.deadline,
	}
}

// Store holds every live session plus terminal sessions inside their TTL
// window, bounded by the concurrent-session limit.
type Store struct {
	limit int
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewStore(limit int, ttl time.Duration) *Store {
	return &Store{
		limit:    limit,
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Create admits a new idle session. It fails with ErrBusy when the number
// of non-terminal sessions has reached the limit.
func (st *Store) Create(sessionID string, deadline time.Time) (protocol.SessionStatus, error) {
	now := st.now().UTC()
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.sessions[sessionID]; ok {
		return protocol.SessionStatus{}, ErrSessionExists
	}
	if st.activeLocked() >= st.limit {
		return protocol.SessionStatus{}, ErrBusy
	}

	s := &Session{
		id:        sessionID,
		state:     SessionIdle,
		createdAt: now,
		updatedAt: now,
		deadline:  deadline,
	}
	st.sessions[sessionID] = s
	metrics.SessionsActive.Inc()
	return s.snapshot(), nil
}

// Advance moves a session to a new state, applying mut under the same lock.
// Terminal sessions reject further transitions with ErrTerminal.
func (st *Store) Advance(sessionID string, to SessionState, mut func(*Session)) (protocol.SessionStatus, error) {
	now := st.now().UTC()
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[sessionID]
	if !ok {
		return protocol.SessionStatus{}, ErrSessionNotFound
	}
	if s.state.Terminal() {
		return s.snapshot(), ErrTerminal
	}
	if err := ValidateTransition(s.state, to); err != nil {
		return s.snapshot(), err
	}

	s.state = to
	if mut != nil {
		mut(s)
	}
	s.updatedAt = now
	if to.Terminal() {
		s.resolvedAt = now
		metrics.SessionsActive.Dec()
		metrics.SessionsTotal.WithLabelValues(string(to)).Inc()
	}
	return s.snapshot(), nil
}

// AttachCommand records a dispatched command id on the session.
func (st *Store) AttachCommand(sessionID, commandID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return
	}
	s.commandIDs = append(s.commandIDs, commandID)
	s.updatedAt = st.now().UTC()
}

func (st *Store) Get(sessionID string) (protocol.SessionStatus, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return protocol.SessionStatus{}, ErrSessionNotFound
	}
	return s.snapshot(), nil
}

// List returns sessions matching the filter, oldest first.
func (st *Store) List(f protocol.SessionFilter) []protocol.SessionStatus {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]protocol.SessionStatus, 0, len(st.sessions))
	for _, s := range st.sessions {
		if f.State != "" && string(s.state) != f.State {
			continue
		}
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Active counts sessions not yet in a terminal state.
func (st *Store) Active() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.activeLocked()
}

func (st *Store) activeLocked() int {
	n := 0
	for _, s := range st.sessions {
		if !s.state.Terminal() {
			n++
		}
	}
	return n
}

// Sweep forgets terminal sessions older than the TTL and returns how many
// were removed.
func (st *Store) Sweep() int {
	now := st.now().UTC()
	st.mu.Lock()
	defer st.mu.Unlock()
	removed := 0
	for id, s := range st.sessions {
		if s.state.Terminal() && now.Sub(s.resolvedAt) > st.ttl {
			delete(st.sessions, id)
			removed++
		}
	}
	return removed
}
