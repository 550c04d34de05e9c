package device

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alicia-home/alicia/internal/config"
	"github.com/alicia-home/alicia/internal/id"
	"github.com/alicia-home/alicia/internal/metrics"
	"github.com/alicia-home/alicia/internal/protocol"
	"github.com/alicia-home/alicia/internal/retry"
)

// commandRetention bounds how long terminal commands stay queryable via
// command.get after resolving.
const commandRetention = 5 * time.Minute

// Publisher is the slice of the service wrapper the dispatcher publishes
// through.
type Publisher interface {
	PublishEnvelope(ctx context.Context, env *protocol.Envelope, topic string, qos byte, retained bool) error
}

// Dispatcher owns the per-device command queues: validation on submit, one
// worker goroutine per device, ack tracking with retry backoff, offline
// re-queueing, and command lifecycle events on
// alicia/commands/<id>/status.
type Dispatcher struct {
	log    *slog.Logger
	reg    *Registry
	pub    Publisher
	source string

	ackTimeout  time.Duration
	maxAttempts int
	offlineTTL  time.Duration
	redispatch  retry.Strategy
	now         func() time.Time

	mu       sync.Mutex
	ctx      context.Context
	queues   map[string]*deviceQueue
	workers  map[string]bool
	inflight map[string]*inflightLeg
	commands map[string]*commandRecord

	lateAcks uint64
	wg       sync.WaitGroup
}

type inflightLeg struct {
	leg     *commandLeg
	ack     chan protocol.DeviceAck
	offline chan struct{}
}

func NewDispatcher(reg *Registry, pub Publisher, cfg *config.Config, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:         log,
		reg:         reg,
		pub:         pub,
		source:      protocol.ServiceDeviceManager,
		ackTimeout:  cfg.CommandAckTimeout(),
		maxAttempts: cfg.CommandMaxAttempts,
		offlineTTL:  cfg.Devices.OfflineQueueTTL(),
		redispatch:  retry.CommandDispatch,
		now:         time.Now,
		queues:      make(map[string]*deviceQueue),
		workers:     make(map[string]bool),
		inflight:    make(map[string]*inflightLeg),
		commands:    make(map[string]*commandRecord),
	}
}

// Run starts the device workers and the expiry/retention sweeper, blocking
// until ctx is cancelled and every worker has drained.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	d.ctx = ctx
	for deviceID := range d.queues {
		d.startWorkerLocked(deviceID)
	}
	d.mu.Unlock()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return nil
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

// Submit validates a command against the registry and, only if every device
// and parameter checks out, assigns a command id and enqueues one leg per
// device. Nothing is enqueued on any validation failure.
func (d *Dispatcher) Submit(ctx context.Context, req protocol.CommandRequest) (*protocol.CommandReceipt, error) {
	deviceIDs := dedupe(req.DeviceIDs)
	if len(deviceIDs) == 0 {
		return nil, &ValidationError{Fields: []protocol.FieldError{
			{Parameter: "device_ids", Reason: "required"},
		}}
	}
	if req.Capability == "" {
		return nil, &ValidationError{Fields: []protocol.FieldError{
			{Parameter: "capability", Reason: "required"},
		}}
	}

	// Phase one: every device must exist, be reachable (or allow_offline),
	// support the capability, and accept the parameters.
	var fields []protocol.FieldError
	offlineTargets := make(map[string]bool, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		rec, err := d.reg.Get(deviceID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
		}
		if rec.Status == StatusOffline {
			if !req.AllowOffline {
				return nil, fmt.Errorf("%w: %s", ErrDeviceOffline, deviceID)
			}
			offlineTargets[deviceID] = true
		}
		schema, err := d.reg.Capability(deviceID, req.Capability)
		if err != nil {
			return nil, fmt.Errorf("%w: %s does not support %q", ErrUnknownCapability, deviceID, req.Capability)
		}
		fields = appendFields(fields, validateParameters(schema, req.Parameters))
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	// Phase two: commit. From here the command is accepted.
	now := d.now().UTC()
	commandID := id.NewCommand()
	rec := &commandRecord{
		commandID:  commandID,
		capability: req.Capability,
		source:     req.Source,
		createdAt:  now,
		order:      deviceIDs,
		legs:       make(map[string]*commandLeg, len(deviceIDs)),
	}
	legs := make([]*commandLeg, 0, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		leg := &commandLeg{
			commandID:    commandID,
			deviceID:     deviceID,
			capability:   req.Capability,
			parameters:   req.Parameters,
			allowOffline: req.AllowOffline,
			maxAttempts:  d.maxAttempts,
			state:        CommandQueued,
			enqueuedAt:   now,
		}
		if offlineTargets[deviceID] && d.offlineTTL > 0 {
			leg.expiresAt = now.Add(d.offlineTTL)
		}
		rec.legs[deviceID] = leg
		legs = append(legs, leg)
	}

	d.mu.Lock()
	d.commands[commandID] = rec
	d.mu.Unlock()

	// Queued events go out before the legs reach the workers so the status
	// stream never shows dispatched ahead of queued.
	for _, leg := range legs {
		d.publishLegStatus(ctx, leg)
	}

	d.mu.Lock()
	for _, leg := range legs {
		d.queueLocked(leg.deviceID).push(leg)
	}
	d.mu.Unlock()
	for _, leg := range legs {
		d.wake(leg.deviceID)
	}
	d.log.Info("dispatcher: command accepted",
		"command_id", commandID,
		"capability", req.Capability,
		"devices", len(deviceIDs),
		"source", req.Source)

	return &protocol.CommandReceipt{
		CommandID: commandID,
		DeviceIDs: deviceIDs,
		State:     string(CommandQueued),
	}, nil
}

// Get returns the aggregate view of a command.
func (d *Dispatcher) Get(commandID string) (*protocol.CommandStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.commands[commandID]
	if !ok {
		return nil, ErrCommandNotFound
	}
	st := d.aggregateLocked(rec)
	return &st, nil
}

// Cancel resolves every still-queued leg of a command as cancelled.
// Dispatched legs keep running; devices own them once sent.
func (d *Dispatcher) Cancel(ctx context.Context, commandID, reason string) (*protocol.CommandStatus, error) {
	if reason == "" {
		reason = "cancelled"
	}
	d.mu.Lock()
	rec, ok := d.commands[commandID]
	if !ok {
		d.mu.Unlock()
		return nil, ErrCommandNotFound
	}
	var cancelled []*commandLeg
	now := d.now().UTC()
	for _, deviceID := range rec.order {
		leg := rec.legs[deviceID]
		if leg.state != CommandQueued {
			continue
		}
		d.moveLocked(leg, CommandCancelled)
		leg.resolvedAt = now
		leg.lastError = reason
		cancelled = append(cancelled, leg)
	}
	d.mu.Unlock()

	for _, leg := range cancelled {
		d.legResolved(ctx, leg)
	}
	d.finishIfTerminal(ctx, commandID)

	d.mu.Lock()
	st := d.aggregateLocked(rec)
	d.mu.Unlock()
	return &st, nil
}

// HandleAck routes a device ack to the worker awaiting it. Acks for nothing
// in flight (late after retry, duplicates) are counted and dropped.
func (d *Dispatcher) HandleAck(deviceID string, ack protocol.DeviceAck) {
	d.mu.Lock()
	inf := d.inflight[deviceID]
	if inf == nil || inf.leg.commandID != ack.CommandID {
		d.lateAcks++
		d.mu.Unlock()
		d.log.Debug("dispatcher: dropped unexpected ack",
			"device_id", deviceID, "command_id", ack.CommandID)
		return
	}
	select {
	case inf.ack <- ack:
	default:
	}
	d.mu.Unlock()
}

// NotifyOnline wakes the device's worker; queued legs dispatch immediately.
func (d *Dispatcher) NotifyOnline(deviceID string) {
	d.mu.Lock()
	q := d.queues[deviceID]
	d.mu.Unlock()
	if q != nil {
		q.signal()
	}
}

// NotifyOffline interrupts an in-flight dispatch so the leg re-queues
// instead of burning its ack timer against a dead device.
func (d *Dispatcher) NotifyOffline(deviceID string) {
	d.mu.Lock()
	inf := d.inflight[deviceID]
	if inf != nil {
		select {
		case inf.offline <- struct{}{}:
		default:
		}
	}
	d.mu.Unlock()
}

// DropDevice cancels everything queued for an unregistered device and
// interrupts any in-flight dispatch to it. Legs a worker re-queues after
// this runs are caught by the sweep.
func (d *Dispatcher) DropDevice(ctx context.Context, deviceID string) {
	now := d.now().UTC()
	var dropped []*commandLeg

	d.mu.Lock()
	for _, rec := range d.commands {
		leg := rec.legs[deviceID]
		if leg == nil || leg.state != CommandQueued {
			continue
		}
		d.moveLocked(leg, CommandCancelled)
		leg.resolvedAt = now
		leg.lastError = "device_unregistered"
		dropped = append(dropped, leg)
	}
	if q := d.queues[deviceID]; q != nil {
		q.items = nil
	}
	if inf := d.inflight[deviceID]; inf != nil {
		select {
		case inf.offline <- struct{}{}:
		default:
		}
	}
	d.mu.Unlock()

	for _, leg := range dropped {
		d.legResolved(ctx, leg)
		d.finishIfTerminal(ctx, leg.commandID)
	}
}

// LateAcks reports acks that matched nothing in flight.
func (d *Dispatcher) LateAcks() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lateAcks
}

// moveLocked advances a leg's lifecycle state under d.mu.
func (d *Dispatcher) moveLocked(leg *commandLeg, to CommandState) {
	if err := leg.transition(to); err != nil {
		d.log.Error("dispatcher: leg transition",
			"command_id", leg.commandID, "device_id", leg.deviceID, "error", err)
	}
}

func (d *Dispatcher) queueLocked(deviceID string) *deviceQueue {
	q, ok := d.queues[deviceID]
	if !ok {
		q = newDeviceQueue()
		d.queues[deviceID] = q
		if d.ctx != nil {
			d.startWorkerLocked(deviceID)
		}
	}
	return q
}

func (d *Dispatcher) startWorkerLocked(deviceID string) {
	if d.workers[deviceID] {
		return
	}
	d.workers[deviceID] = true
	d.wg.Add(1)
	go d.worker(d.ctx, deviceID)
}

func (d *Dispatcher) wake(deviceID string) {
	d.mu.Lock()
	q := d.queues[deviceID]
	d.mu.Unlock()
	if q != nil {
		q.signal()
	}
}

// worker drains one device's queue in order, one leg in flight at a time.
func (d *Dispatcher) worker(ctx context.Context, deviceID string) {
	defer d.wg.Done()
	for {
		inf, wait, stop := d.takeNext(deviceID)
		if stop {
			return
		}
		if inf == nil {
			d.mu.Lock()
			q := d.queues[deviceID]
			d.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			case <-time.After(wait):
			}
			continue
		}
		d.runLeg(ctx, deviceID, inf)
	}
}

// takeNext pops the head leg if the device can receive it now. Otherwise it
// returns how long the worker should doze before looking again, or stop when
// the device is gone and its queue is drained.
func (d *Dispatcher) takeNext(deviceID string) (inf *inflightLeg, wait time.Duration, stop bool) {
	now := d.now().UTC()
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[deviceID]
	q.dropTerminalHead()

	status, err := d.reg.Status(deviceID)
	if err != nil && len(q.items) == 0 {
		delete(d.queues, deviceID)
		delete(d.workers, deviceID)
		return nil, 0, true
	}
	if len(q.items) == 0 {
		return nil, time.Minute, false
	}
	if err != nil || status == StatusOffline || status == StatusFaulted {
		// Parked until a state change wakes us; poll as a backstop.
		return nil, 500 * time.Millisecond, false
	}

	head := q.items[0]
	if head.notBefore.After(now) {
		return nil, head.notBefore.Sub(now), false
	}

	q.items = q.items[1:]
	d.moveLocked(head, CommandDispatched)
	head.dispatchedAt = now
	head.attempts++
	inf = &inflightLeg{
		leg:     head,
		ack:     make(chan protocol.DeviceAck, 1),
		offline: make(chan struct{}, 1),
	}
	d.inflight[deviceID] = inf
	return inf, 0, false
}

func (d *Dispatcher) runLeg(ctx context.Context, deviceID string, inf *inflightLeg) {
	leg := inf.leg
	d.publishLegStatus(ctx, leg)

	cmd := protocol.DeviceCommand{
		CommandID:  leg.commandID,
		Capability: leg.capability,
		Parameters: leg.parameters,
		Attempt:    leg.attempts,
	}
	env, err := protocol.NewEnvelope(d.source, protocol.TypeCommand, cmd)
	if err == nil {
		env.Destination = deviceID
		err = d.pub.PublishEnvelope(ctx, env, protocol.DeviceCommandTopic(deviceID), 1, false)
	}
	if err != nil {
		d.log.Warn("dispatcher: publish command",
			"command_id", leg.commandID, "device_id", deviceID, "error", err)
	}

	timer := time.NewTimer(d.ackTimeout)
	defer timer.Stop()

	select {
	case ack := <-inf.ack:
		d.resolveAck(ctx, deviceID, leg, ack)
	case <-inf.offline:
		d.requeue(ctx, deviceID, leg, "device_offline", 0)
	case <-timer.C:
		if d.requeue(ctx, deviceID, leg, "ack_timeout", d.redispatch.Delay(leg.attempts)) {
			metrics.CommandRetries.Inc()
		}
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.inflight, deviceID)
		d.mu.Unlock()
		return
	}
}

func (d *Dispatcher) resolveAck(ctx context.Context, deviceID string, leg *commandLeg, ack protocol.DeviceAck) {
	d.mu.Lock()
	delete(d.inflight, deviceID)
	d.moveLocked(leg, CommandAcknowledged)
	d.mu.Unlock()
	d.publishLegStatus(ctx, leg)

	d.mu.Lock()
	now := d.now().UTC()
	if ack.Success {
		d.moveLocked(leg, CommandCompleted)
	} else {
		d.moveLocked(leg, CommandFailed)
		leg.lastError = ack.Error
		if leg.lastError == "" {
			leg.lastError = "device reported failure"
		}
	}
	leg.resolvedAt = now
	d.mu.Unlock()

	d.legResolved(ctx, leg)
	d.finishIfTerminal(ctx, leg.commandID)
}

// requeue puts an in-flight leg back at the head of its queue, reporting
// whether it did, or times the leg out when its attempts are spent.
func (d *Dispatcher) requeue(ctx context.Context, deviceID string, leg *commandLeg, reason string, delay time.Duration) bool {
	d.mu.Lock()
	delete(d.inflight, deviceID)
	if leg.attempts < leg.maxAttempts {
		d.moveLocked(leg, CommandQueued)
		leg.lastError = reason
		leg.notBefore = d.now().UTC().Add(delay)
		d.queues[deviceID].pushFront(leg)
		d.mu.Unlock()
		d.publishLegStatus(ctx, leg)
		d.wake(deviceID)
		d.log.Debug("dispatcher: requeued command",
			"command_id", leg.commandID, "device_id", deviceID,
			"reason", reason, "attempt", leg.attempts, "retry_in", delay)
		return true
	}
	d.moveLocked(leg, CommandTimedOut)
	leg.lastError = fmt.Sprintf("no ack after %d attempts", leg.attempts)
	leg.resolvedAt = d.now().UTC()
	d.mu.Unlock()

	d.legResolved(ctx, leg)
	d.finishIfTerminal(ctx, leg.commandID)
	return false
}

// sweep cancels expired allow_offline legs, cancels legs queued for devices
// that no longer exist, and forgets old terminal commands.
func (d *Dispatcher) sweep(ctx context.Context) {
	now := d.now().UTC()
	var expired []*commandLeg

	d.mu.Lock()
	for _, rec := range d.commands {
		for _, leg := range rec.legs {
			if leg.state != CommandQueued {
				continue
			}
			if !leg.expiresAt.IsZero() && now.After(leg.expiresAt) {
				d.moveLocked(leg, CommandCancelled)
				leg.resolvedAt = now
				leg.lastError = "offline_expired"
				expired = append(expired, leg)
				continue
			}
			if _, err := d.reg.Status(leg.deviceID); err != nil {
				d.moveLocked(leg, CommandCancelled)
				leg.resolvedAt = now
				leg.lastError = "device_unregistered"
				expired = append(expired, leg)
			}
		}
	}
	var forget []string
	for commandID, rec := range d.commands {
		if rec.terminalPublished && !rec.resolvedAt.IsZero() && now.Sub(rec.resolvedAt) > commandRetention {
			forget = append(forget, commandID)
		}
	}
	for _, commandID := range forget {
		delete(d.commands, commandID)
	}
	d.mu.Unlock()

	for _, leg := range expired {
		d.legResolved(ctx, leg)
		d.finishIfTerminal(ctx, leg.commandID)
	}
}

// legResolved publishes the terminal per-device event and settles metrics.
func (d *Dispatcher) legResolved(ctx context.Context, leg *commandLeg) {
	d.publishLegStatus(ctx, leg)
	metrics.CommandsTotal.WithLabelValues(string(leg.state)).Inc()
	if !leg.resolvedAt.IsZero() {
		metrics.CommandDuration.Observe(leg.resolvedAt.Sub(leg.enqueuedAt).Seconds())
	}
}

// finishIfTerminal publishes the aggregate terminal event exactly once per
// command.
func (d *Dispatcher) finishIfTerminal(ctx context.Context, commandID string) {
	d.mu.Lock()
	rec, ok := d.commands[commandID]
	if !ok || rec.terminalPublished || !rec.terminal() {
		d.mu.Unlock()
		return
	}
	rec.terminalPublished = true
	rec.resolvedAt = d.now().UTC()
	st := d.aggregateLocked(rec)
	d.mu.Unlock()

	d.publishStatus(ctx, commandID, st)
	d.log.Info("dispatcher: command resolved",
		"command_id", commandID, "state", st.State, "devices", len(st.Outcomes))
}

func (d *Dispatcher) aggregateLocked(rec *commandRecord) protocol.CommandStatus {
	st := protocol.CommandStatus{
		CommandID: rec.commandID,
		State:     string(rec.aggregateState()),
		Terminal:  rec.terminal(),
	}
	for _, deviceID := range rec.order {
		leg := rec.legs[deviceID]
		st.Outcomes = append(st.Outcomes, protocol.CommandOutcome{
			DeviceID: deviceID,
			State:    string(leg.state),
			Attempts: leg.attempts,
			Error:    leg.lastError,
		})
	}
	return st
}

func (d *Dispatcher) publishLegStatus(ctx context.Context, leg *commandLeg) {
	d.mu.Lock()
	st := protocol.CommandStatus{
		CommandID: leg.commandID,
		DeviceID:  leg.deviceID,
		State:     string(leg.state),
		Attempts:  leg.attempts,
		Error:     leg.lastError,
	}
	d.mu.Unlock()
	d.publishStatus(ctx, leg.commandID, st)
}

func (d *Dispatcher) publishStatus(ctx context.Context, commandID string, st protocol.CommandStatus) {
	env, err := protocol.NewEnvelope(d.source, protocol.TypeEvent, st)
	if err != nil {
		d.log.Error("dispatcher: build status event", "error", err)
		return
	}
	if err := d.pub.PublishEnvelope(ctx, env, protocol.CommandStatusTopic(commandID), 1, false); err != nil {
		d.log.Warn("dispatcher: publish status event", "command_id", commandID, "error", err)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, deviceID := range ids {
		if deviceID == "" || seen[deviceID] {
			continue
		}
		seen[deviceID] = true
		out = append(out, deviceID)
	}
	return out
}

// appendFields merges field errors, dropping exact duplicates produced by
// multi-device submissions sharing a schema.
func appendFields(dst, src []protocol.FieldError) []protocol.FieldError {
	for _, f := range src {
		dup := false
		for _, existing := range dst {
			if existing == f {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, f)
		}
	}
	return dst
}

// Pending reports queued plus in-flight legs, for health gauges.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.inflight)
	for _, q := range d.queues {
		n += len(q.items)
	}
	return n
}

// Devices returns every device id with a queue, for tests and debugging.
func (d *Dispatcher) Devices() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.queues))
	for deviceID := range d.queues {
		out = append(out, deviceID)
	}
	sort.Strings(out)
	return out
}
