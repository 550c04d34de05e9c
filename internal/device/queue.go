package device

import (
	"time"
)

// commandLeg is one command on one device: the unit the dispatcher moves
// through the state machine. All fields are guarded by the Dispatcher mutex.
type commandLeg struct {
	commandID    string
	deviceID     string
	capability   string
	parameters   map[string]any
	allowOffline bool
	maxAttempts  int

	state        CommandState
	attempts     int
	enqueuedAt   time.Time
	dispatchedAt time.Time
	resolvedAt   time.Time
	notBefore    time.Time // retry backoff gate
	expiresAt    time.Time // allow_offline expiry; zero means none
	lastError    string
}

func (l *commandLeg) transition(to CommandState) error {
	if err := ValidateTransition(l.state, to); err != nil {
		return err
	}
	l.state = to
	return nil
}

// commandRecord aggregates the legs of one submitted command.
type commandRecord struct {
	commandID  string
	capability string
	source     string
	createdAt  time.Time
	resolvedAt time.Time

	order             []string // device ids in submission order
	legs              map[string]*commandLeg
	terminalPublished bool
}

func (rec *commandRecord) terminal() bool {
	for _, leg := range rec.legs {
		if !leg.state.Terminal() {
			return false
		}
	}
	return true
}

// aggregateState folds leg states into the command-level state: completed
// only when every leg completed, failed when any leg failed or timed out,
// cancelled otherwise.
func (rec *commandRecord) aggregateState() CommandState {
	if !rec.terminal() {
		for _, leg := range rec.legs {
			if leg.state == CommandDispatched || leg.state == CommandAcknowledged {
				return CommandDispatched
			}
		}
		return CommandQueued
	}
	allCompleted := true
	anyFailed := false
	for _, leg := range rec.legs {
		switch leg.state {
		case CommandCompleted:
		case CommandFailed, CommandTimedOut:
			allCompleted = false
			anyFailed = true
		default:
			allCompleted = false
		}
	}
	switch {
	case allCompleted:
		return CommandCompleted
	case anyFailed:
		return CommandFailed
	default:
		return CommandCancelled
	}
}

// deviceQueue is the FIFO of pending legs for one device. Head at index 0;
// retries go back to the front so per-device order holds. Guarded by the
// Dispatcher mutex; wake is the worker's doorbell.
type deviceQueue struct {
	items []*commandLeg
	wake  chan struct{}
}

func newDeviceQueue() *deviceQueue {
	return &deviceQueue{wake: make(chan struct{}, 1)}
}

func (q *deviceQueue) push(leg *commandLeg) {
	q.items = append(q.items, leg)
}

func (q *deviceQueue) pushFront(leg *commandLeg) {
	q.items = append([]*commandLeg{leg}, q.items...)
}

// dropTerminalHead discards legs resolved while still queued (cancelled,
// expired) so the worker never dispatches them.
func (q *deviceQueue) dropTerminalHead() {
	for len(q.items) > 0 && q.items[0].state.Terminal() {
		q.items = q.items[1:]
	}
}

func (q *deviceQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
