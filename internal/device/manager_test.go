package device

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alicia-home/alicia/internal/bus"
	"github.com/alicia-home/alicia/internal/config"
	"github.com/alicia-home/alicia/internal/protocol"
	"github.com/alicia-home/alicia/internal/service"
)

type hostPublish struct {
	kind     string // event, envelope, raw
	topic    string
	qos      byte
	retained bool
	env      *protocol.Envelope
	payload  any
	raw      []byte
}

// fakeHost records everything the manager registers and publishes, standing
// in for the service runtime.
type fakeHost struct {
	mu       sync.Mutex
	cfg      *config.Config
	handlers map[string]bus.EnvelopeHandler
	ops      map[string]service.OpHandler
	mounts   []func(chi.Router)
	events   []hostPublish
	errs     []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		cfg:      config.DefaultConfig(),
		handlers: make(map[string]bus.EnvelopeHandler),
		ops:      make(map[string]service.OpHandler),
	}
}

func (h *fakeHost) Name() string { return "device_manager" }

func (h *fakeHost) RegisterHandler(filter string, qos byte, fn bus.EnvelopeHandler) error {
	h.handlers[filter] = fn
	return nil
}

func (h *fakeHost) RegisterOp(op string, fn service.OpHandler) { h.ops[op] = fn }

func (h *fakeHost) PublishEvent(ctx context.Context, topic string, payload any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, hostPublish{kind: "event", topic: topic, payload: payload})
	return nil
}

func (h *fakeHost) PublishEnvelope(ctx context.Context, env *protocol.Envelope, topic string, qos byte, retained bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, hostPublish{kind: "envelope", topic: topic, qos: qos, retained: retained, env: env})
	return nil
}

func (h *fakeHost) PublishRaw(topic string, qos byte, retained bool, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, hostPublish{kind: "raw", topic: topic, qos: qos, retained: retained, raw: payload})
	return nil
}

func (h *fakeHost) MountRoutes(fn func(chi.Router)) { h.mounts = append(h.mounts, fn) }

func (h *fakeHost) Logger() *slog.Logger { return discardLogger() }

func (h *fakeHost) Config() *config.Config { return h.cfg }

func (h *fakeHost) RecordError(source string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, source)
}

func (h *fakeHost) on(topic string) []hostPublish {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []hostPublish
	for _, p := range h.events {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// statusChanges decodes every DeviceStatusChanged event published so far.
func (h *fakeHost) statusChanges() []protocol.DeviceStatusChanged {
	var out []protocol.DeviceStatusChanged
	for _, p := range h.on(protocol.TopicDeviceStatusChanged) {
		if ev, ok := p.payload.(protocol.DeviceStatusChanged); ok {
			out = append(out, ev)
		}
	}
	return out
}

func (h *fakeHost) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = nil
	h.errs = nil
}

func newTestManager(t *testing.T) (*Manager, *fakeHost) {
	t.Helper()
	host := newFakeHost()
	m, err := NewManager(host)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, host
}

// deliver feeds an envelope into the handler registered for filter, as the
// bus router would.
func deliver(t *testing.T, host *fakeHost, filter, topic string, payload any) {
	t.Helper()
	fn := host.handlers[filter]
	if fn == nil {
		t.Fatalf("no handler registered for %s", filter)
	}
	env, err := protocol.NewEnvelope("test", protocol.TypeEvent, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	fn(context.Background(), topic, env)
}

func TestManagerRegisterFlow(t *testing.T) {
	m, host := newTestManager(t)

	deliver(t, host, protocol.TopicDeviceRegister, protocol.TopicDeviceRegister,
		lightAnnouncement("light.kitchen_1", "kitchen"))

	rec, err := m.Registry().Get("light.kitchen_1")
	if err != nil {
		t.Fatalf("device missing after register: %v", err)
	}
	if rec.Status != StatusRegistered || rec.Room != "kitchen" {
		t.Errorf("rec = %+v", rec)
	}

	states := host.on(protocol.DeviceStateTopic("light.kitchen_1"))
	if len(states) != 1 {
		t.Fatalf("state documents = %d, want 1", len(states))
	}
	if st := states[0]; st.kind != "envelope" || st.qos != 1 || !st.retained {
		t.Errorf("state doc published kind=%s qos=%d retained=%v", st.kind, st.qos, st.retained)
	}
	doc, err := protocol.DecodeAs[protocol.DeviceState](states[0].env)
	if err != nil {
		t.Fatalf("decode state doc: %v", err)
	}
	if doc.DeviceID != "light.kitchen_1" || doc.Status != StatusRegistered || len(doc.Capabilities) != 2 {
		t.Errorf("state doc = %+v", doc)
	}

	if got := host.on(protocol.TopicDeviceRegistered); len(got) != 1 {
		t.Errorf("registered events = %d, want 1", len(got))
	}
}

func TestManagerRegisterRejects(t *testing.T) {
	m, host := newTestManager(t)

	// Payload that cannot decode as an announcement.
	deliver(t, host, protocol.TopicDeviceRegister, protocol.TopicDeviceRegister, []int{1, 2, 3})
	if len(host.errs) != 1 || host.errs[0] != "device_register" {
		t.Errorf("recorded errors = %v, want one device_register", host.errs)
	}

	// Announcement missing required fields is dropped without an error
	// record; the sender is a broken device, not a broken bus.
	host.reset()
	deliver(t, host, protocol.TopicDeviceRegister, protocol.TopicDeviceRegister,
		protocol.DeviceAnnouncement{DeviceID: "light.kitchen_1"})
	if len(host.errs) != 0 || len(host.events) != 0 {
		t.Errorf("incomplete announcement: errs=%v events=%d", host.errs, len(host.events))
	}
	if _, err := m.Registry().Get("light.kitchen_1"); !errors.Is(err, ErrNotFound) {
		t.Error("incomplete announcement reached the registry")
	}

	// Same id, different type.
	deliver(t, host, protocol.TopicDeviceRegister, protocol.TopicDeviceRegister,
		lightAnnouncement("light.kitchen_1", "kitchen"))
	host.reset()
	conflict := lightAnnouncement("light.kitchen_1", "kitchen")
	conflict.DeviceType = "thermostat"
	deliver(t, host, protocol.TopicDeviceRegister, protocol.TopicDeviceRegister, conflict)
	if len(host.errs) != 1 {
		t.Errorf("type conflict recorded errors = %v, want 1", host.errs)
	}
}

func TestManagerStateRebuild(t *testing.T) {
	m, host := newTestManager(t)

	doc := protocol.DeviceState{
		DeviceID:   "light.kitchen_1",
		Status:     StatusOnline,
		DeviceType: "light",
		Room:       "kitchen",
		Capabilities: []protocol.Capability{
			{Name: "set_power", Parameters: []protocol.Parameter{{Name: "on", Type: protocol.ParamBool, Required: true}}},
		},
	}
	deliver(t, host, protocol.FilterDeviceState, protocol.DeviceStateTopic("light.kitchen_1"), doc)

	rec, err := m.Registry().Get("light.kitchen_1")
	if err != nil {
		t.Fatalf("device missing after state replay: %v", err)
	}
	if rec.Status != StatusOnline || rec.DeviceType != "light" {
		t.Errorf("rec = %+v", rec)
	}
	changes := host.statusChanges()
	if len(changes) != 1 || changes[0].From != StatusRegistered || changes[0].To != StatusOnline ||
		changes[0].Reason != "state_document" {
		t.Errorf("status changes = %+v", changes)
	}

	// Replaying the identical document is a no-op.
	host.reset()
	deliver(t, host, protocol.FilterDeviceState, protocol.DeviceStateTopic("light.kitchen_1"), doc)
	if got := host.statusChanges(); len(got) != 0 {
		t.Errorf("duplicate state doc produced %+v", got)
	}

	// A fault flips the device and parks its queue.
	doc.Status = StatusFaulted
	deliver(t, host, protocol.FilterDeviceState, protocol.DeviceStateTopic("light.kitchen_1"), doc)
	changes = host.statusChanges()
	if len(changes) != 1 || changes[0].From != StatusOnline || changes[0].To != StatusFaulted {
		t.Errorf("fault change = %+v", changes)
	}
}

func TestManagerHeartbeat(t *testing.T) {
	m, host := newTestManager(t)
	if _, err := m.Registry().Register(lightAnnouncement("light.kitchen_1", "kitchen")); err != nil {
		t.Fatal(err)
	}
	host.reset()

	hbTopic := protocol.DeviceHeartbeatTopic("light.kitchen_1")
	deliver(t, host, protocol.FilterDeviceHeartbeat, hbTopic, protocol.DeviceHeartbeat{})

	status, _ := m.Registry().Status("light.kitchen_1")
	if status != StatusOnline {
		t.Errorf("status after heartbeat = %q, want online", status)
	}
	changes := host.statusChanges()
	if len(changes) != 1 || changes[0].Reason != "heartbeat" || changes[0].To != StatusOnline {
		t.Errorf("status changes = %+v", changes)
	}
	if docs := host.on(protocol.DeviceStateTopic("light.kitchen_1")); len(docs) != 1 {
		t.Errorf("state doc republishes = %d, want 1", len(docs))
	}

	// Faulted devices stay faulted: liveness is not health.
	if _, _, err := m.Registry().SetStatus("light.kitchen_1", StatusFaulted); err != nil {
		t.Fatal(err)
	}
	host.reset()
	deliver(t, host, protocol.FilterDeviceHeartbeat, hbTopic, protocol.DeviceHeartbeat{})
	if status, _ := m.Registry().Status("light.kitchen_1"); status != StatusFaulted {
		t.Errorf("status after faulted heartbeat = %q, want faulted", status)
	}
	if got := host.statusChanges(); len(got) != 0 {
		t.Errorf("faulted heartbeat produced %+v", got)
	}

	// Heartbeats from devices never registered are dropped.
	deliver(t, host, protocol.FilterDeviceHeartbeat,
		protocol.DeviceHeartbeatTopic("light.ghost"), protocol.DeviceHeartbeat{})
	if _, err := m.Registry().Get("light.ghost"); !errors.Is(err, ErrNotFound) {
		t.Error("unknown heartbeat created a device")
	}
}

func TestManagerAckRouting(t *testing.T) {
	m, host := newTestManager(t)
	deliver(t, host, protocol.FilterDeviceAck, protocol.DeviceAckTopic("light.kitchen_1"),
		protocol.DeviceAck{CommandID: "cmd_ghost", Success: true})
	if got := m.disp.LateAcks(); got != 1 {
		t.Errorf("LateAcks = %d, want 1 (ack reached the dispatcher)", got)
	}
}

func TestManagerUnregister(t *testing.T) {
	m, host := newTestManager(t)
	deliver(t, host, protocol.TopicDeviceRegister, protocol.TopicDeviceRegister,
		lightAnnouncement("light.kitchen_1", "kitchen"))

	// A queued command dies with the device.
	receipt, err := m.disp.Submit(context.Background(), protocol.CommandRequest{
		DeviceIDs:    []string{"light.kitchen_1"},
		Capability:   "set_brightness",
		Parameters:   map[string]any{"level": 10},
		AllowOffline: true,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	host.reset()

	deliver(t, host, protocol.TopicDeviceUnregister, protocol.TopicDeviceUnregister,
		protocol.DeviceRef{DeviceID: "light.kitchen_1"})

	if _, err := m.Registry().Get("light.kitchen_1"); !errors.Is(err, ErrNotFound) {
		t.Error("device still registered after unregister")
	}

	// Retained state document cleared with an empty payload.
	var cleared bool
	for _, p := range host.on(protocol.DeviceStateTopic("light.kitchen_1")) {
		if p.kind == "raw" && p.retained && len(p.raw) == 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("retained state document not cleared")
	}

	changes := host.statusChanges()
	if len(changes) != 1 || changes[0].To != "unregistered" || changes[0].Reason != "unregister" {
		t.Errorf("status changes = %+v", changes)
	}

	st, err := m.disp.Get(receipt.CommandID)
	if err != nil {
		t.Fatalf("Get command: %v", err)
	}
	if st.State != string(CommandCancelled) || st.Outcomes[0].Error != "device_unregistered" {
		t.Errorf("command after unregister = %+v", st)
	}

	// Unknown device: logged, nothing published.
	host.reset()
	deliver(t, host, protocol.TopicDeviceUnregister, protocol.TopicDeviceUnregister,
		protocol.DeviceRef{DeviceID: "light.ghost"})
	if len(host.events) != 0 {
		t.Errorf("unregister of unknown device published %d events", len(host.events))
	}
}

func TestManagerOfflineSweep(t *testing.T) {
	clock := newTestClock()
	m, host := newTestManager(t)
	m.reg.now = clock.Now

	if _, err := m.reg.Register(lightAnnouncement("light.kitchen_1", "kitchen")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.reg.SetStatus("light.kitchen_1", StatusOnline); err != nil {
		t.Fatal(err)
	}
	host.reset()

	clock.Advance(m.cfg.OfflineThreshold() + time.Second)
	m.sweepOffline(context.Background())

	if status, _ := m.reg.Status("light.kitchen_1"); status != StatusOffline {
		t.Errorf("status after sweep = %q, want offline", status)
	}
	changes := host.statusChanges()
	if len(changes) != 1 || changes[0].From != StatusOnline || changes[0].To != StatusOffline ||
		changes[0].Reason != "heartbeat_timeout" {
		t.Errorf("status changes = %+v", changes)
	}
	if docs := host.on(protocol.DeviceStateTopic("light.kitchen_1")); len(docs) != 1 {
		t.Errorf("state doc republishes = %d, want 1", len(docs))
	}
}

func callOp(t *testing.T, host *fakeHost, op string, args any) (any, *protocol.ErrorPayload) {
	t.Helper()
	fn := host.ops[op]
	if fn == nil {
		t.Fatalf("no op registered for %s", op)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return fn(context.Background(), &protocol.Envelope{Source: "test"}, raw)
}

func TestManagerOps(t *testing.T) {
	m, host := newTestManager(t)

	t.Run("device.register", func(t *testing.T) {
		res, perr := callOp(t, host, protocol.OpDeviceRegister, lightAnnouncement("light.kitchen_1", "kitchen"))
		if perr != nil {
			t.Fatalf("op error: %+v", perr)
		}
		rec, ok := res.(protocol.DeviceRecord)
		if !ok || rec.DeviceID != "light.kitchen_1" {
			t.Errorf("result = %#v", res)
		}
	})

	t.Run("device.register invalid", func(t *testing.T) {
		_, perr := callOp(t, host, protocol.OpDeviceRegister, protocol.DeviceAnnouncement{DeviceID: "x"})
		if perr == nil || perr.Code != protocol.CodeValidationFailed {
			t.Errorf("perr = %+v, want validation_failed", perr)
		}
	})

	t.Run("device.get", func(t *testing.T) {
		res, perr := callOp(t, host, protocol.OpDeviceGet, protocol.DeviceRef{DeviceID: "light.kitchen_1"})
		if perr != nil {
			t.Fatalf("op error: %+v", perr)
		}
		if rec := res.(protocol.DeviceRecord); rec.Room != "kitchen" {
			t.Errorf("rec = %+v", rec)
		}
		_, perr = callOp(t, host, protocol.OpDeviceGet, protocol.DeviceRef{DeviceID: "light.ghost"})
		if perr == nil || perr.Code != protocol.CodeDeviceNotFound {
			t.Errorf("perr = %+v, want device_not_found", perr)
		}
	})

	t.Run("device.list", func(t *testing.T) {
		res, perr := callOp(t, host, protocol.OpDeviceList, protocol.DeviceFilter{Room: "kitchen"})
		if perr != nil {
			t.Fatalf("op error: %+v", perr)
		}
		list := res.(protocol.DeviceListResult)
		if list.Count != 1 || len(list.Devices) != 1 {
			t.Errorf("list = %+v", list)
		}
		res, _ = callOp(t, host, protocol.OpDeviceList, protocol.DeviceFilter{Room: "attic"})
		if list := res.(protocol.DeviceListResult); list.Count != 0 {
			t.Errorf("attic list = %+v", list)
		}
	})

	t.Run("device.touch", func(t *testing.T) {
		if _, perr := callOp(t, host, protocol.OpDeviceTouch, protocol.DeviceRef{DeviceID: "light.kitchen_1"}); perr != nil {
			t.Errorf("touch: %+v", perr)
		}
		if _, perr := callOp(t, host, protocol.OpDeviceTouch, protocol.DeviceRef{DeviceID: "light.ghost"}); perr == nil ||
			perr.Code != protocol.CodeDeviceNotFound {
			t.Errorf("touch unknown = %+v", perr)
		}
	})

	t.Run("command.submit offline", func(t *testing.T) {
		if _, _, err := m.reg.SetStatus("light.kitchen_1", StatusOffline); err != nil {
			t.Fatal(err)
		}
		_, perr := callOp(t, host, protocol.OpCommandSubmit, protocol.CommandRequest{
			DeviceIDs:  []string{"light.kitchen_1"},
			Capability: "set_brightness",
			Parameters: map[string]any{"level": 50},
		})
		if perr == nil || perr.Code != protocol.CodeDeviceOffline {
			t.Errorf("perr = %+v, want device_offline", perr)
		}
	})

	t.Run("command.submit validation", func(t *testing.T) {
		_, perr := callOp(t, host, protocol.OpCommandSubmit, protocol.CommandRequest{
			DeviceIDs:    []string{"light.kitchen_1"},
			Capability:   "set_brightness",
			Parameters:   map[string]any{"level": 150},
			AllowOffline: true,
		})
		if perr == nil || perr.Code != protocol.CodeValidationFailed || len(perr.Fields) != 1 {
			t.Fatalf("perr = %+v, want validation_failed with one field", perr)
		}
		if f := perr.Fields[0]; f.Parameter != "level" || f.Reason != "out_of_range" {
			t.Errorf("field = %+v", f)
		}
	})

	t.Run("command lifecycle", func(t *testing.T) {
		res, perr := callOp(t, host, protocol.OpCommandSubmit, protocol.CommandRequest{
			DeviceIDs:    []string{"light.kitchen_1"},
			Capability:   "set_brightness",
			Parameters:   map[string]any{"level": 50},
			AllowOffline: true,
		})
		if perr != nil {
			t.Fatalf("submit: %+v", perr)
		}
		receipt := res.(*protocol.CommandReceipt)
		if receipt.State != string(CommandQueued) {
			t.Errorf("receipt = %+v", receipt)
		}

		res, perr = callOp(t, host, protocol.OpCommandGet, protocol.CommandRef{CommandID: receipt.CommandID})
		if perr != nil {
			t.Fatalf("get: %+v", perr)
		}
		if st := res.(*protocol.CommandStatus); st.State != string(CommandQueued) {
			t.Errorf("status = %+v", st)
		}

		res, perr = callOp(t, host, protocol.OpCommandCancel, protocol.CommandRef{CommandID: receipt.CommandID, Reason: "test"})
		if perr != nil {
			t.Fatalf("cancel: %+v", perr)
		}
		st := res.(*protocol.CommandStatus)
		if st.State != string(CommandCancelled) || st.Outcomes[0].Error != "test" {
			t.Errorf("cancelled = %+v", st)
		}
	})

	t.Run("command.get unknown", func(t *testing.T) {
		_, perr := callOp(t, host, protocol.OpCommandGet, protocol.CommandRef{CommandID: "cmd_ghost"})
		if perr == nil || perr.Code != protocol.CodeNotFound {
			t.Errorf("perr = %+v, want not_found", perr)
		}
	})

	t.Run("malformed args", func(t *testing.T) {
		fn := host.ops[protocol.OpDeviceGet]
		_, perr := fn(context.Background(), &protocol.Envelope{Source: "test"}, json.RawMessage(`{"device_id":42}`))
		if perr == nil || perr.Code != protocol.CodeValidationFailed {
			t.Errorf("perr = %+v, want validation_failed", perr)
		}
	})

	t.Run("device.unregister", func(t *testing.T) {
		if _, perr := callOp(t, host, protocol.OpDeviceUnregister, protocol.DeviceRef{DeviceID: "light.kitchen_1"}); perr != nil {
			t.Errorf("unregister: %+v", perr)
		}
		_, perr := callOp(t, host, protocol.OpDeviceUnregister, protocol.DeviceRef{DeviceID: "light.kitchen_1"})
		if perr == nil || perr.Code != protocol.CodeDeviceNotFound {
			t.Errorf("second unregister = %+v, want device_not_found", perr)
		}
	})
}

func newHTTPServer(t *testing.T, host *fakeHost) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	for _, mount := range host.mounts {
		mount(r)
	}
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON[T any](t *testing.T, srv *httptest.Server, path string, wantStatus int) T {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", path, resp.StatusCode, wantStatus)
	}
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return v
}

func postJSON[T any](t *testing.T, srv *httptest.Server, path, body string, wantStatus int) T {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("POST %s status = %d, want %d", path, resp.StatusCode, wantStatus)
	}
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return v
}

func TestManagerHTTP(t *testing.T) {
	m, host := newTestManager(t)
	srv := newHTTPServer(t, host)

	if _, err := m.reg.Register(lightAnnouncement("light.kitchen_1", "kitchen")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.reg.Register(lightAnnouncement("light.bedroom_1", "bedroom")); err != nil {
		t.Fatal(err)
	}

	list := getJSON[protocol.DeviceListResult](t, srv, "/devices", http.StatusOK)
	if list.Count != 2 {
		t.Errorf("list all = %+v", list)
	}
	list = getJSON[protocol.DeviceListResult](t, srv, "/devices?room=kitchen", http.StatusOK)
	if list.Count != 1 || list.Devices[0].DeviceID != "light.kitchen_1" {
		t.Errorf("kitchen list = %+v", list)
	}

	rec := getJSON[protocol.DeviceRecord](t, srv, "/devices/light.kitchen_1", http.StatusOK)
	if rec.DeviceType != "light" {
		t.Errorf("rec = %+v", rec)
	}
	perr := getJSON[protocol.ErrorPayload](t, srv, "/devices/light.ghost", http.StatusNotFound)
	if perr.Code != protocol.CodeDeviceNotFound {
		t.Errorf("perr = %+v", perr)
	}

	// Submit paths: accepted, malformed, offline, validation.
	receipt := postJSON[protocol.CommandReceipt](t, srv, "/commands",
		`{"device_ids":["light.kitchen_1"],"capability":"set_brightness","parameters":{"level":30},"allow_offline":true}`,
		http.StatusAccepted)
	if receipt.CommandID == "" || receipt.State != string(CommandQueued) {
		t.Errorf("receipt = %+v", receipt)
	}

	perr = postJSON[protocol.ErrorPayload](t, srv, "/commands", `{broken`, http.StatusBadRequest)
	if perr.Code != protocol.CodeValidationFailed {
		t.Errorf("malformed body = %+v", perr)
	}

	perr = postJSON[protocol.ErrorPayload](t, srv, "/commands",
		`{"device_ids":["light.kitchen_1"],"capability":"set_brightness","parameters":{"level":30}}`,
		http.StatusConflict)
	if perr.Code != protocol.CodeDeviceOffline {
		t.Errorf("offline submit = %+v", perr)
	}

	perr = postJSON[protocol.ErrorPayload](t, srv, "/commands",
		`{"device_ids":["light.kitchen_1"],"capability":"warp_drive","allow_offline":true}`,
		http.StatusUnprocessableEntity)
	if perr.Code != protocol.CodeUnknownCapability {
		t.Errorf("unknown capability = %+v", perr)
	}

	st := getJSON[protocol.CommandStatus](t, srv, "/commands/"+receipt.CommandID, http.StatusOK)
	if st.State != string(CommandQueued) {
		t.Errorf("status = %+v", st)
	}

	st = postJSON[protocol.CommandStatus](t, srv, "/commands/"+receipt.CommandID+"/cancel", "", http.StatusOK)
	if st.State != string(CommandCancelled) || st.Outcomes[0].Error != "http_cancel" {
		t.Errorf("cancelled = %+v", st)
	}

	perr = getJSON[protocol.ErrorPayload](t, srv, "/commands/cmd_ghost", http.StatusNotFound)
	if perr.Code != protocol.CodeNotFound {
		t.Errorf("unknown command = %+v", perr)
	}
}
