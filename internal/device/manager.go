package device

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/alicia-home/alicia/internal/bus"
	"github.com/alicia-home/alicia/internal/config"
	"github.com/alicia-home/alicia/internal/protocol"
	"github.com/alicia-home/alicia/internal/service"
)

const offlineSweepInterval = 10 * time.Second

// Host is the slice of the service runtime the manager plugs into: bus
// subscriptions, RPC ops, publishing, and the HTTP router.
type Host interface {
	Name() string
	RegisterHandler(filter string, qos byte, h bus.EnvelopeHandler) error
	RegisterOp(op string, h service.OpHandler)
	PublishEvent(ctx context.Context, topic string, payload any) error
	PublishEnvelope(ctx context.Context, env *protocol.Envelope, topic string, qos byte, retained bool) error
	PublishRaw(topic string, qos byte, retained bool, payload []byte) error
	MountRoutes(fn func(chi.Router))
	Logger() *slog.Logger
	Config() *config.Config
	RecordError(source string, err error)
}

// Manager is the device command plane: the registry, the dispatcher, and
// their bus and HTTP surfaces, hosted by the device_manager service.
type Manager struct {
	host Host
	log  *slog.Logger
	cfg  *config.Config
	reg  *Registry
	disp *Dispatcher
}

func NewManager(host Host) (*Manager, error) {
	m := &Manager{
		host: host,
		log:  host.Logger(),
		cfg:  host.Config(),
		reg:  NewRegistry(),
	}
	m.disp = NewDispatcher(m.reg, host, m.cfg, m.log)

	subs := []struct {
		filter string
		qos    byte
		h      bus.EnvelopeHandler
	}{
		{protocol.TopicDeviceRegister, 1, m.handleRegister},
		{protocol.TopicDeviceUnregister, 1, m.handleUnregister},
		{protocol.FilterDeviceState, 1, m.handleState},
		{protocol.FilterDeviceHeartbeat, 0, m.handleHeartbeat},
		{protocol.FilterDeviceAck, 1, m.handleAck},
	}
	for _, sub := range subs {
		if err := host.RegisterHandler(sub.filter, sub.qos, sub.h); err != nil {
			return nil, err
		}
	}

	host.RegisterOp(protocol.OpDeviceRegister, m.opRegister)
	host.RegisterOp(protocol.OpDeviceUnregister, m.opUnregister)
	host.RegisterOp(protocol.OpDeviceGet, m.opGet)
	host.RegisterOp(protocol.OpDeviceList, m.opList)
	host.RegisterOp(protocol.OpDeviceTouch, m.opTouch)
	host.RegisterOp(protocol.OpCommandSubmit, m.opCommandSubmit)
	host.RegisterOp(protocol.OpCommandGet, m.opCommandGet)
	host.RegisterOp(protocol.OpCommandCancel, m.opCommandCancel)

	host.MountRoutes(m.routes)
	return m, nil
}

// Registry exposes the device registry to sibling components.
func (m *Manager) Registry() *Registry { return m.reg }

// Run drives the dispatcher and the offline sweep until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.disp.Run(ctx) })
	g.Go(func() error {
		ticker := time.NewTicker(offlineSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				m.sweepOffline(ctx)
			}
		}
	})
	return g.Wait()
}

// sweepOffline flips devices whose heartbeats went quiet to offline and
// tells the fleet.
func (m *Manager) sweepOffline(ctx context.Context) {
	for _, change := range m.reg.SweepOffline(m.cfg.OfflineThreshold()) {
		m.log.Info("device: marked offline",
			"device_id", change.DeviceID, "reason", "heartbeat_timeout")
		m.disp.NotifyOffline(change.DeviceID)
		m.publishStatusChanged(ctx, change.DeviceID, change.From, StatusOffline, "heartbeat_timeout")
		if rec, err := m.reg.Get(change.DeviceID); err == nil {
			m.publishState(ctx, rec)
		}
	}
}

// ---- bus handlers ----

func (m *Manager) handleRegister(ctx context.Context, topic string, env *protocol.Envelope) {
	ann, err := protocol.DecodeAs[protocol.DeviceAnnouncement](env)
	if err != nil {
		m.host.RecordError("device_register", err)
		m.log.Warn("device: malformed announcement", "error", err)
		return
	}
	if fields := announcementFields(ann); len(fields) > 0 {
		m.log.Warn("device: dropped announcement", "device_id", ann.DeviceID, "fields", len(fields))
		return
	}
	rec, err := m.reg.Register(*ann)
	if err != nil {
		m.host.RecordError("device_register", err)
		m.log.Warn("device: registration rejected", "device_id", ann.DeviceID, "error", err)
		return
	}
	m.announceRegistered(ctx, rec)
}

func (m *Manager) handleUnregister(ctx context.Context, topic string, env *protocol.Envelope) {
	ref, err := protocol.DecodeAs[protocol.DeviceRef](env)
	if err != nil || ref.DeviceID == "" {
		m.log.Warn("device: malformed unregister", "error", err)
		return
	}
	if !m.removeDevice(ctx, ref.DeviceID, "unregister") {
		m.log.Debug("device: unregister for unknown device", "device_id", ref.DeviceID)
	}
}

// handleState applies retained state documents. On a fresh subscription the
// broker replays every retained document, which rebuilds the registry after
// a restart.
func (m *Manager) handleState(ctx context.Context, topic string, env *protocol.Envelope) {
	st, err := protocol.DecodeAs[protocol.DeviceState](env)
	if err != nil {
		m.log.Warn("device: malformed state document", "topic", topic, "error", err)
		return
	}
	if st.DeviceID == "" {
		st.DeviceID = protocol.DeviceIDFromTopic(topic)
	}
	if st.DeviceID == "" {
		return
	}
	rec, from, changed := m.reg.UpsertFromState(*st)
	if !changed {
		return
	}
	m.log.Info("device: status changed",
		"device_id", rec.DeviceID, "from", from, "to", rec.Status, "reason", "state_document")
	m.publishStatusChanged(ctx, rec.DeviceID, from, rec.Status, "state_document")
	switch rec.Status {
	case StatusOnline:
		m.disp.NotifyOnline(rec.DeviceID)
	case StatusOffline, StatusFaulted:
		m.disp.NotifyOffline(rec.DeviceID)
	}
}

// handleHeartbeat refreshes last_seen and revives offline devices. A
// heartbeat proves liveness only, so faulted devices stay faulted until
// they publish a clean state document.
func (m *Manager) handleHeartbeat(ctx context.Context, topic string, env *protocol.Envelope) {
	deviceID := protocol.DeviceIDFromTopic(topic)
	if deviceID == "" {
		hb, err := protocol.DecodeAs[protocol.DeviceHeartbeat](env)
		if err != nil {
			return
		}
		deviceID = hb.DeviceID
	}
	if err := m.reg.Touch(deviceID); err != nil {
		m.log.Debug("device: heartbeat from unknown device", "device_id", deviceID)
		return
	}
	status, err := m.reg.Status(deviceID)
	if err != nil || (status != StatusOffline && status != StatusRegistered) {
		return
	}
	from, ok, err := m.reg.SetStatus(deviceID, StatusOnline)
	if err != nil || !ok {
		return
	}
	m.log.Info("device: status changed",
		"device_id", deviceID, "from", from, "to", StatusOnline, "reason", "heartbeat")
	m.publishStatusChanged(ctx, deviceID, from, StatusOnline, "heartbeat")
	if rec, err := m.reg.Get(deviceID); err == nil {
		m.publishState(ctx, rec)
	}
	m.disp.NotifyOnline(deviceID)
}

func (m *Manager) handleAck(ctx context.Context, topic string, env *protocol.Envelope) {
	ack, err := protocol.DecodeAs[protocol.DeviceAck](env)
	if err != nil {
		m.log.Warn("device: malformed ack", "topic", topic, "error", err)
		return
	}
	deviceID := protocol.DeviceIDFromTopic(topic)
	if deviceID == "" {
		deviceID = ack.DeviceID
	}
	if deviceID == "" || ack.CommandID == "" {
		return
	}
	// An ack is also a liveness signal.
	_ = m.reg.Touch(deviceID)
	m.disp.HandleAck(deviceID, *ack)
}

// ---- RPC ops ----

func (m *Manager) opRegister(ctx context.Context, req *protocol.Envelope, args json.RawMessage) (any, *protocol.ErrorPayload) {
	ann, perr := decodeArgs[protocol.DeviceAnnouncement](args)
	if perr != nil {
		return nil, perr
	}
	if fields := announcementFields(ann); len(fields) > 0 {
		return nil, protocol.NewError(protocol.CodeValidationFailed, "invalid announcement", fields...)
	}
	rec, err := m.reg.Register(*ann)
	if err != nil {
		return nil, mapError(err)
	}
	m.announceRegistered(ctx, rec)
	return rec, nil
}

func (m *Manager) opUnregister(ctx context.Context, req *protocol.Envelope, args json.RawMessage) (any, *protocol.ErrorPayload) {
	ref, perr := decodeArgs[protocol.DeviceRef](args)
	if perr != nil {
		return nil, perr
	}
	if ref.DeviceID == "" {
		return nil, protocol.NewError(protocol.CodeValidationFailed, "invalid reference",
			protocol.FieldError{Parameter: "device_id", Reason: "required"})
	}
	if !m.removeDevice(ctx, ref.DeviceID, "unregister") {
		return nil, protocol.NewError(protocol.CodeDeviceNotFound, "unknown device: "+ref.DeviceID)
	}
	return protocol.DeviceRef{DeviceID: ref.DeviceID}, nil
}

func (m *Manager) opGet(ctx context.Context, req *protocol.Envelope, args json.RawMessage) (any, *protocol.ErrorPayload) {
	ref, perr := decodeArgs[protocol.DeviceRef](args)
	if perr != nil {
		return nil, perr
	}
	rec, err := m.reg.Get(ref.DeviceID)
	if err != nil {
		return nil, mapError(err)
	}
	return rec, nil
}

func (m *Manager) opList(ctx context.Context, req *protocol.Envelope, args json.RawMessage) (any, *protocol.ErrorPayload) {
	f, perr := decodeArgs[protocol.DeviceFilter](args)
	if perr != nil {
		return nil, perr
	}
	list := m.reg.List(*f)
	return protocol.DeviceListResult{Devices: list, Count: len(list)}, nil
}

func (m *Manager) opTouch(ctx context.Context, req *protocol.Envelope, args json.RawMessage) (any, *protocol.ErrorPayload) {
	ref, perr := decodeArgs[protocol.DeviceRef](args)
	if perr != nil {
		return nil, perr
	}
	if err := m.reg.Touch(ref.DeviceID); err != nil {
		return nil, mapError(err)
	}
	rec, err := m.reg.Get(ref.DeviceID)
	if err != nil {
		return nil, mapError(err)
	}
	return rec, nil
}

func (m *Manager) opCommandSubmit(ctx context.Context, req *protocol.Envelope, args json.RawMessage) (any, *protocol.ErrorPayload) {
	cr, perr := decodeArgs[protocol.CommandRequest](args)
	if perr != nil {
		return nil, perr
	}
	if cr.Source == "" {
		cr.Source = req.Source
	}
	receipt, err := m.disp.Submit(ctx, *cr)
	if err != nil {
		return nil, mapError(err)
	}
	return receipt, nil
}

func (m *Manager) opCommandGet(ctx context.Context, req *protocol.Envelope, args json.RawMessage) (any, *protocol.ErrorPayload) {
	ref, perr := decodeArgs[protocol.CommandRef](args)
	if perr != nil {
		return nil, perr
	}
	st, err := m.disp.Get(ref.CommandID)
	if err != nil {
		return nil, mapError(err)
	}
	return st, nil
}

func (m *Manager) opCommandCancel(ctx context.Context, req *protocol.Envelope, args json.RawMessage) (any, *protocol.ErrorPayload) {
	ref, perr := decodeArgs[protocol.CommandRef](args)
	if perr != nil {
		return nil, perr
	}
	st, err := m.disp.Cancel(ctx, ref.CommandID, ref.Reason)
	if err != nil {
		return nil, mapError(err)
	}
	return st, nil
}

// ---- shared flows ----

func (m *Manager) announceRegistered(ctx context.Context, rec protocol.DeviceRecord) {
	m.publishState(ctx, rec)
	if err := m.host.PublishEvent(ctx, protocol.TopicDeviceRegistered, rec); err != nil {
		m.log.Warn("device: publish registered event", "device_id", rec.DeviceID, "error", err)
	}
	m.log.Info("device: registered",
		"device_id", rec.DeviceID, "device_type", rec.DeviceType, "room", rec.Room,
		"capabilities", len(rec.Capabilities))
}

// removeDevice drops a device from the registry, cancels its queued
// commands, and clears its retained state document.
func (m *Manager) removeDevice(ctx context.Context, deviceID, reason string) bool {
	from, _ := m.reg.Status(deviceID)
	if !m.reg.Unregister(deviceID) {
		return false
	}
	m.disp.DropDevice(ctx, deviceID)
	if err := m.host.PublishRaw(protocol.DeviceStateTopic(deviceID), 1, true, nil); err != nil {
		m.log.Warn("device: clear retained state", "device_id", deviceID, "error", err)
	}
	m.publishStatusChanged(ctx, deviceID, from, "unregistered", reason)
	m.log.Info("device: unregistered", "device_id", deviceID)
	return true
}

// publishState emits the retained per-device status document the registry
// is rebuilt from.
func (m *Manager) publishState(ctx context.Context, rec protocol.DeviceRecord) {
	st := protocol.DeviceState{
		DeviceID:     rec.DeviceID,
		Status:       rec.Status,
		DeviceType:   rec.DeviceType,
		Room:         rec.Room,
		Capabilities: rec.Capabilities,
		Metadata:     rec.Metadata,
		UpdatedAt:    time.Now().UTC(),
	}
	env, err := protocol.NewEnvelope(m.host.Name(), protocol.TypeEvent, st)
	if err != nil {
		m.log.Error("device: build state document", "error", err)
		return
	}
	if err := m.host.PublishEnvelope(ctx, env, protocol.DeviceStateTopic(rec.DeviceID), 1, true); err != nil {
		m.log.Warn("device: publish state document", "device_id", rec.DeviceID, "error", err)
	}
}

func (m *Manager) publishStatusChanged(ctx context.Context, deviceID, from, to, reason string) {
	ev := protocol.DeviceStatusChanged{DeviceID: deviceID, From: from, To: to, Reason: reason}
	if err := m.host.PublishEvent(ctx, protocol.TopicDeviceStatusChanged, ev); err != nil {
		m.log.Warn("device: publish status change", "device_id", deviceID, "error", err)
	}
}

func announcementFields(ann *protocol.DeviceAnnouncement) []protocol.FieldError {
	var fields []protocol.FieldError
	if ann.DeviceID == "" {
		fields = append(fields, protocol.FieldError{Parameter: "device_id", Reason: "required"})
	}
	if ann.DeviceType == "" {
		fields = append(fields, protocol.FieldError{Parameter: "device_type", Reason: "required"})
	}
	return fields
}

func decodeArgs[T any](raw json.RawMessage) (*T, *protocol.ErrorPayload) {
	var v T
	if len(raw) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, protocol.NewError(protocol.CodeValidationFailed, "malformed arguments: "+err.Error())
	}
	return &v, nil
}

func mapError(err error) *protocol.ErrorPayload {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Payload()
	}
	var pe *protocol.ErrorPayload
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return protocol.NewError(protocol.CodeDeviceNotFound, err.Error())
	case errors.Is(err, ErrCommandNotFound):
		return protocol.NewError(protocol.CodeNotFound, err.Error())
	case errors.Is(err, ErrDeviceOffline):
		return protocol.NewError(protocol.CodeDeviceOffline, err.Error())
	case errors.Is(err, ErrTypeConflict):
		return protocol.NewError(protocol.CodeDeviceTypeConflict, err.Error())
	case errors.Is(err, ErrUnknownCapability):
		return protocol.NewError(protocol.CodeUnknownCapability, err.Error())
	default:
		return protocol.NewError(protocol.CodeInternal, err.Error())
	}
}
