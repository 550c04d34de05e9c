package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicia-home/alicia/internal/metrics"
	"github.com/alicia-home/alicia/internal/protocol"
)

// Outcome classifies how a tracked request concluded.
type Outcome int

const (
	OutcomeResponse Outcome = iota + 1
	OutcomeError
	OutcomeTimeout
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResponse:
		return "response"
	case OutcomeError:
		return "error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is delivered to a continuation exactly once. Envelope is nil for
// timeouts and cancellations.
type Result struct {
	Outcome  Outcome
	Envelope *protocol.Envelope
}

// Continuation receives the result of a tracked request.
type Continuation func(Result)

type waiter struct {
	deadline time.Time
	fn       Continuation
}

// Tracker matches response envelopes to in-flight requests by correlation
// id and times out waiters that never hear back. Each waiter resolves
// exactly once: first of response, error, timeout, or cancel wins.
type Tracker struct {
	mu      sync.Mutex
	waiters map[string]waiter

	sweepEvery time.Duration
	now        func() time.Time
	log        *slog.Logger

	timeouts atomic.Uint64
	late     atomic.Uint64
}

// NewTracker builds a tracker sweeping for expired waiters every
// sweepEvery (500ms when zero).
func NewTracker(sweepEvery time.Duration, log *slog.Logger) *Tracker {
	if sweepEvery <= 0 {
		sweepEvery = 500 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		waiters:    make(map[string]waiter),
		sweepEvery: sweepEvery,
		now:        time.Now,
		log:        log,
	}
}

// Register installs a continuation for a correlation id. The continuation
// fires with OutcomeTimeout if nothing resolves it by deadline.
func (t *Tracker) Register(correlationID string, deadline time.Time, fn Continuation) {
	t.mu.Lock()
	t.waiters[correlationID] = waiter{deadline: deadline, fn: fn}
	t.mu.Unlock()
}

// Resolve hands an inbound response or error envelope to its waiter.
// Returns false when no waiter is registered, which covers duplicate
// responses and responses that arrive after timeout.
func (t *Tracker) Resolve(env *protocol.Envelope) bool {
	if env.CorrelationID == "" {
		return false
	}
	t.mu.Lock()
	w, ok := t.waiters[env.CorrelationID]
	if ok {
		delete(t.waiters, env.CorrelationID)
	}
	t.mu.Unlock()
	if !ok {
		t.late.Add(1)
		metrics.CorrelationLate.Inc()
		t.log.Debug("bus: unmatched response", "correlation_id", env.CorrelationID, "source", env.Source)
		return false
	}

	outcome := OutcomeResponse
	if env.Type == protocol.TypeError {
		outcome = OutcomeError
	}
	w.fn(Result{Outcome: outcome, Envelope: env})
	return true
}

// Cancel withdraws a waiter, firing it with OutcomeCancelled. Returns
// false when the id was already resolved.
func (t *Tracker) Cancel(correlationID string) bool {
	t.mu.Lock()
	w, ok := t.waiters[correlationID]
	if ok {
		delete(t.waiters, correlationID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	w.fn(Result{Outcome: OutcomeCancelled})
	return true
}

// CancelAll fires every pending waiter with OutcomeCancelled and returns
// how many were pending. Used on shutdown.
func (t *Tracker) CancelAll() int {
	t.mu.Lock()
	pending := t.waiters
	t.waiters = make(map[string]waiter)
	t.mu.Unlock()
	for _, w := range pending {
		w.fn(Result{Outcome: OutcomeCancelled})
	}
	return len(pending)
}

// Run sweeps for expired waiters until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(t.now())
		}
	}
}

func (t *Tracker) sweep(now time.Time) int {
	t.mu.Lock()
	var expired []waiter
	for id, w := range t.waiters {
		if !w.deadline.After(now) {
			expired = append(expired, w)
			delete(t.waiters, id)
		}
	}
	t.mu.Unlock()

	for _, w := range expired {
		t.timeouts.Add(1)
		metrics.CorrelationTimeouts.Inc()
		w.fn(Result{Outcome: OutcomeTimeout})
	}
	return len(expired)
}

// Pending reports how many requests are awaiting a response.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// Timeouts reports how many waiters expired without a response.
func (t *Tracker) Timeouts() uint64 {
	return t.timeouts.Load()
}

// Late reports how many responses arrived with no waiter.
func (t *Tracker) Late() uint64 {
	return t.late.Load()
}
