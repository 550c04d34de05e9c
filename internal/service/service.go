// Package service is the wrapper every Alicia process runs inside: it owns
// the bus connection, the topic router, request correlation, lifecycle
// state, heartbeats, and the per-service HTTP surface. Collaborators get a
// narrow publish/request handle; the wrapper keeps exclusive ownership of
// the MQTT client.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/alicia-home/alicia/internal/bus"
	"github.com/alicia-home/alicia/internal/config"
	"github.com/alicia-home/alicia/internal/id"
	"github.com/alicia-home/alicia/internal/metrics"
	"github.com/alicia-home/alicia/internal/protocol"
	"github.com/alicia-home/alicia/pkg/otel"
)

var (
	ErrTimeout   = errors.New("service: request timed out")
	ErrCancelled = errors.New("service: request cancelled")
)

// BusConn is the slice of bus.Client the wrapper uses; tests swap in a fake.
type BusConn interface {
	Connect(ctx context.Context) error
	Run(ctx context.Context) error
	Subscribe(ctx context.Context, filter string, qos byte) error
	Unsubscribe(ctx context.Context, filter string) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	SetHandler(h bus.MessageHandler)
	Connected() bool
	BufferedPublishes() int
	DroppedPublishes() uint64
}

// newBusConn builds the MQTT connection. Tests swap it for a fake.
var newBusConn = func(o bus.Options) BusConn { return bus.NewClient(o) }

// OpHandler serves one RPC operation from this service's request inbox.
// A non-nil ErrorPayload becomes an error envelope back to the caller.
type OpHandler func(ctx context.Context, req *protocol.Envelope, args json.RawMessage) (any, *protocol.ErrorPayload)

// Options configures a Service.
type Options struct {
	Name    string
	Version string
	Config  *config.Config
	Logger  *slog.Logger
	// Routes mounts service-specific HTTP routes onto the shared router.
	Routes func(chi.Router)
}

// Service wires one process onto the bus.
type Service struct {
	name       string
	instanceID string
	version    string
	cfg        *config.Config
	log        *slog.Logger
	tracer     trace.Tracer

	conn    BusConn
	router  *bus.Router
	tracker *bus.Tracker
	health  *Health
	dedup   *dedupWindow

	mu       sync.Mutex
	subs     map[string]byte
	ops      map[string]OpHandler
	onReady  []func(context.Context) error
	onStop   []func(context.Context) error
	routes   []func(chi.Router)
	httpAddr string

	started      atomic.Bool
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	stopOnce     sync.Once
}

// New prepares a service process without touching the network.
func New(opts Options) (*Service, error) {
	if opts.Name == "" {
		return nil, errors.New("service: name is required")
	}
	if opts.Config == nil {
		return nil, errors.New("service: config is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("service", opts.Name)

	s := &Service{
		name:       opts.Name,
		instanceID: id.ClientID(opts.Name),
		version:    opts.Version,
		cfg:        opts.Config,
		log:        log,
		tracer:     otel.Tracer("alicia/" + opts.Name),
		router:     bus.NewRouter(log),
		tracker:    bus.NewTracker(500*time.Millisecond, log),
		health:     NewHealth(),
		dedup:      newDedupWindow(time.Minute, 4096),
		subs:       make(map[string]byte),
		ops:        make(map[string]OpHandler),
		shutdownCh: make(chan struct{}),
	}
	if opts.Routes != nil {
		s.routes = append(s.routes, opts.Routes)
	}

	tlsCfg, err := opts.Config.MQTT.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", opts.Name, err)
	}
	username, password := opts.Config.MQTT.Credentials()
	lwt, err := s.lastWillPayload()
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", opts.Name, err)
	}

	s.conn = newBusConn(bus.Options{
		BrokerURL:             opts.Config.MQTT.BrokerURL(),
		ClientID:              s.instanceID,
		Username:              username,
		Password:              password,
		TLS:                   tlsCfg,
		ConnectTimeout:        opts.Config.MQTT.ConnectTimeout(),
		ReconnectInitialDelay: time.Second,
		ReconnectMaxDelay:     opts.Config.MQTT.ReconnectMaxBackoff(),
		PublishBuffer:         opts.Config.MQTT.PublishBuffer,
		WillTopic:             protocol.HealthTopic(opts.Name),
		WillPayload:           lwt,
		WillQoS:               0,
		WillRetained:          true,
		OnConnectionUp:        func(resumed bool) { s.noteConnectionChange(true, nil) },
		OnConnectionDown:      func(err error) { s.noteConnectionChange(false, err) },
		Logger:                log,
	})
	s.conn.SetHandler(s.inbound)
	s.router.Handle(protocol.RequestTopic(s.name), s.handleRequest)
	return s, nil
}

// lastWillPayload is the retained heartbeat the broker publishes if this
// process vanishes without a clean disconnect. State "offline" tells the
// health monitor to mark the service down immediately instead of waiting
// for missed heartbeats.
func (s *Service) lastWillPayload() ([]byte, error) {
	snap := protocol.HealthSnapshot{
		Service:    s.name,
		InstanceID: s.instanceID,
		Version:    s.version,
		State:      "offline",
	}
	env, err := protocol.NewEnvelope(s.name, protocol.TypeHeartbeat, snap)
	if err != nil {
		return nil, err
	}
	return env.Encode()
}

func (s *Service) Name() string       { return s.name }
func (s *Service) InstanceID() string { return s.instanceID }
func (s *Service) Health() *Health    { return s.health }
func (s *Service) Config() *config.Config {
	return s.cfg
}

// Logger returns the service-scoped logger.
func (s *Service) Logger() *slog.Logger { return s.log }

// RegisterHandler subscribes a topic filter and routes matching envelopes
// to h. Call before Run for subscriptions that gate readiness; later
// registrations subscribe immediately.
func (s *Service) RegisterHandler(filter string, qos byte, h bus.EnvelopeHandler) error {
	if err := s.router.Handle(filter, h); err != nil {
		return err
	}
	s.mu.Lock()
	s.subs[filter] = qos
	s.mu.Unlock()

	if s.started.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout())
		defer cancel()
		return s.conn.Subscribe(ctx, filter, qos)
	}
	return nil
}

// RegisterOp serves an RPC operation on this service's request inbox.
func (s *Service) RegisterOp(op string, h OpHandler) {
	s.mu.Lock()
	s.ops[op] = h
	s.mu.Unlock()
}

// OnReady registers a hook that must succeed before the service reports
// ready.
func (s *Service) OnReady(fn func(context.Context) error) {
	s.mu.Lock()
	s.onReady = append(s.onReady, fn)
	s.mu.Unlock()
}

// OnStop registers a hook run during graceful shutdown, bounded by
// shutdown_grace.
func (s *Service) OnStop(fn func(context.Context) error) {
	s.mu.Lock()
	s.onStop = append(s.onStop, fn)
	s.mu.Unlock()
}

// MountRoutes adds HTTP routes to the service listener. Call before Run.
func (s *Service) MountRoutes(fn func(chi.Router)) {
	s.mu.Lock()
	s.routes = append(s.routes, fn)
	s.mu.Unlock()
}

// Shutdown asks the running service to stop. Safe to call more than once
// and from any goroutine.
func (s *Service) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// Run starts the service and blocks until shutdown. It returns nil after a
// clean stop and the startup or fatal task error otherwise.
func (s *Service) Run(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.conn.Run(gctx) })
	g.Go(func() error { s.tracker.Run(gctx); return nil })
	g.Go(func() error { return s.heartbeatLoop(gctx) })
	g.Go(func() error { return s.watchHealth(gctx) })
	g.Go(func() error { return s.serveHTTP(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.shutdownCh:
			s.log.Info("service: shutdown requested")
			cancel()
		}
		return nil
	})

	err := g.Wait()
	s.stop()
	return err
}

func (s *Service) start(ctx context.Context) error {
	if err := s.health.SetState(StateInitializing); err != nil {
		return err
	}
	s.log.Info("service: starting",
		"instance", s.instanceID,
		"version", s.version,
		"broker", s.cfg.MQTT.BrokerURL())

	startCtx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout())
	defer cancel()

	if err := s.conn.Connect(startCtx); err != nil {
		return s.failStartup(fmt.Errorf("connect: %w", err))
	}

	// Response inbox first so no correlated reply can slip past, then the
	// request inbox when ops are served, then the declared filters.
	if err := s.conn.Subscribe(startCtx, protocol.ResponseTopic(s.name), 1); err != nil {
		return s.failStartup(fmt.Errorf("subscribe responses: %w", err))
	}
	s.mu.Lock()
	hasOps := len(s.ops) > 0
	declared := make(map[string]byte, len(s.subs))
	for f, q := range s.subs {
		declared[f] = q
	}
	readyHooks := append([]func(context.Context) error(nil), s.onReady...)
	s.mu.Unlock()

	if hasOps {
		if err := s.conn.Subscribe(startCtx, protocol.RequestTopic(s.name), 1); err != nil {
			return s.failStartup(fmt.Errorf("subscribe requests: %w", err))
		}
	}
	for filter, qos := range declared {
		if err := s.conn.Subscribe(startCtx, filter, qos); err != nil {
			return s.failStartup(fmt.Errorf("subscribe %s: %w", filter, err))
		}
	}

	for _, fn := range readyHooks {
		if err := fn(startCtx); err != nil {
			return s.failStartup(fmt.Errorf("on_ready hook: %w", err))
		}
	}

	s.started.Store(true)
	if err := s.health.SetState(StateReady); err != nil {
		return err
	}
	s.log.Info("service: ready")
	return nil
}

func (s *Service) failStartup(err error) error {
	s.health.RecordError("startup", err)
	_ = s.health.SetState(StateFailed)
	s.log.Error("service: startup failed", "error", err)
	return fmt.Errorf("service %s: %w", s.name, err)
}

func (s *Service) stop() {
	s.stopOnce.Do(func() {
		_ = s.health.SetState(StateStopping)
		s.log.Info("service: stopping")

		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace())
		defer cancel()

		s.mu.Lock()
		stopHooks := append([]func(context.Context) error(nil), s.onStop...)
		s.mu.Unlock()
		for _, fn := range stopHooks {
			if err := fn(stopCtx); err != nil {
				s.log.Warn("service: on_stop hook failed", "error", err)
			}
		}

		if n := s.tracker.CancelAll(); n > 0 {
			s.log.Warn("service: cancelled in-flight requests", "count", n)
		}

		_ = s.health.SetState(StateStopped)
		s.log.Info("service: stopped")
	})
}

// inbound runs on the MQTT I/O callback: decode, validate, dedup, resolve
// correlations, then hand off to a handler goroutine. It must never block.
func (s *Service) inbound(topic string, payload []byte) {
	if len(payload) == 0 {
		// Retained-document clear; nothing to route.
		return
	}
	env, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		metrics.EnvelopesRejected.WithLabelValues("malformed").Inc()
		s.log.Debug("service: dropped malformed envelope", "topic", topic, "error", err)
		return
	}
	if env.Expired(time.Now().UTC()) {
		metrics.EnvelopesRejected.WithLabelValues("expired").Inc()
		s.log.Debug("service: dropped expired envelope", "topic", topic, "message_id", env.MessageID)
		return
	}
	if s.dedup.Seen(env.MessageID) {
		metrics.EnvelopesRejected.WithLabelValues("duplicate").Inc()
		return
	}

	metrics.MessagesProcessed.WithLabelValues(string(env.Type)).Inc()
	s.health.IncProcessed(topic)

	if env.Type == protocol.TypeResponse || env.Type == protocol.TypeError {
		if s.tracker.Resolve(env) {
			return
		}
		if env.Type == protocol.TypeResponse {
			// Late or duplicate response; the tracker counted it.
			return
		}
	}
	go s.dispatch(topic, env)
}

func (s *Service) dispatch(topic string, env *protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.Inc()
			s.health.RecordError(topic, fmt.Errorf("handler panic: %v", r))
			s.log.Error("service: handler panic",
				"topic", topic,
				"message_id", env.MessageID,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	ctx := context.Background()
	if env.HasTraceContext() {
		ctx = otel.ContextWithTraceParent(ctx, env.TraceParent())
	}
	ctx, span := s.tracer.Start(ctx, "bus.receive", trace.WithAttributes(
		otel.Topic(topic),
		otel.MessageType(string(env.Type)),
		otel.Source(env.Source),
	))
	defer span.End()

	s.router.Dispatch(ctx, topic, env)
}

// handleRequest serves the alicia/<service>/request inbox: decode the op,
// run its handler, reply on the caller's response topic.
func (s *Service) handleRequest(ctx context.Context, topic string, env *protocol.Envelope) {
	if env.Type != protocol.TypeRequest {
		return
	}
	rpc, err := protocol.DecodeAs[protocol.RPCRequest](env)
	if err != nil || rpc.Op == "" {
		s.replyError(ctx, env, protocol.NewError(protocol.CodeValidationFailed, "payload is not an rpc request"))
		return
	}
	s.mu.Lock()
	h, ok := s.ops[rpc.Op]
	s.mu.Unlock()
	if !ok {
		s.replyError(ctx, env, protocol.NewError(protocol.CodeUnknownOp, fmt.Sprintf("unknown op %q", rpc.Op)))
		return
	}

	result, perr := h(ctx, env, rpc.Args)
	if perr != nil {
		if perr.Code == protocol.CodeInternal {
			s.health.RecordError(rpc.Op, perr)
		}
		s.replyError(ctx, env, perr)
		return
	}
	s.reply(ctx, env, result)
}

func (s *Service) reply(ctx context.Context, req *protocol.Envelope, payload any) {
	env, err := protocol.Reply(req, s.name, payload)
	if err != nil {
		s.log.Error("service: build reply", "error", err)
		return
	}
	if err := s.PublishEnvelope(ctx, env, protocol.ResponseTopic(req.Source), 1, false); err != nil {
		s.log.Warn("service: publish reply", "destination", req.Source, "error", err)
	}
}

func (s *Service) replyError(ctx context.Context, req *protocol.Envelope, perr *protocol.ErrorPayload) {
	env, err := protocol.ReplyError(req, s.name, perr)
	if err != nil {
		s.log.Error("service: build error reply", "error", err)
		return
	}
	if err := s.PublishEnvelope(ctx, env, protocol.ResponseTopic(req.Source), 1, false); err != nil {
		s.log.Warn("service: publish error reply", "destination", req.Source, "error", err)
	}
}

// Request sends a one-shot request and blocks until the correlated
// response, an error reply, the timeout, or ctx cancellation. Exactly one
// outcome is returned.
func (s *Service) Request(ctx context.Context, destination string, payload any, timeout time.Duration) (*protocol.Envelope, error) {
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout()
	}
	env, err := protocol.NewRequest(s.name, destination, payload)
	if err != nil {
		return nil, err
	}
	s.stampTrace(ctx, env)
	env.TTLMs = protocol.TTL(timeout.Milliseconds())
	data, err := env.Encode()
	if err != nil {
		return nil, err
	}

	resultCh := make(chan bus.Result, 1)
	s.tracker.Register(env.CorrelationID, time.Now().Add(timeout), func(r bus.Result) {
		resultCh <- r
	})

	start := time.Now()
	defer func() {
		metrics.RequestDuration.WithLabelValues(destination).Observe(time.Since(start).Seconds())
	}()

	if err := s.conn.Publish(protocol.RequestTopic(destination), 1, false, data); err != nil {
		s.tracker.Cancel(env.CorrelationID)
		return nil, err
	}

	select {
	case r := <-resultCh:
		switch r.Outcome {
		case bus.OutcomeResponse:
			return r.Envelope, nil
		case bus.OutcomeError:
			perr, derr := protocol.DecodeAs[protocol.ErrorPayload](r.Envelope)
			if derr != nil {
				return nil, fmt.Errorf("request to %s: undecodable error reply: %w", destination, derr)
			}
			return nil, perr
		case bus.OutcomeTimeout:
			return nil, fmt.Errorf("request to %s: %w", destination, ErrTimeout)
		default:
			return nil, fmt.Errorf("request to %s: %w", destination, ErrCancelled)
		}
	case <-ctx.Done():
		s.tracker.Cancel(env.CorrelationID)
		return nil, ctx.Err()
	}
}

// PublishEvent broadcasts an event envelope on topic at QoS 0.
func (s *Service) PublishEvent(ctx context.Context, topic string, payload any) error {
	env, err := protocol.NewEvent(s.name, payload)
	if err != nil {
		return err
	}
	return s.PublishEnvelope(ctx, env, topic, 0, false)
}

// PublishEnvelope stamps trace context, encodes, and publishes env on
// topic with explicit QoS and retain flag.
func (s *Service) PublishEnvelope(ctx context.Context, env *protocol.Envelope, topic string, qos byte, retained bool) error {
	s.stampTrace(ctx, env)
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return s.conn.Publish(topic, qos, retained, data)
}

// PublishRaw publishes bytes without the envelope framing. Its main use is
// clearing a retained document by publishing an empty retained payload.
func (s *Service) PublishRaw(topic string, qos byte, retained bool, payload []byte) error {
	return s.conn.Publish(topic, qos, retained, payload)
}

// PublishCommand submits a device command through the command plane and
// returns the accepted command id.
func (s *Service) PublishCommand(ctx context.Context, deviceIDs []string, capability string, params map[string]any) (string, error) {
	rpc, err := protocol.NewRPCRequest(protocol.OpCommandSubmit, protocol.CommandRequest{
		DeviceIDs:  deviceIDs,
		Capability: capability,
		Parameters: params,
		Source:     s.name,
	})
	if err != nil {
		return "", err
	}
	resp, err := s.Request(ctx, protocol.ServiceDeviceManager, rpc, 0)
	if err != nil {
		return "", err
	}
	receipt, err := protocol.DecodeAs[protocol.CommandReceipt](resp)
	if err != nil {
		return "", err
	}
	return receipt.CommandID, nil
}

// ReportMetric records a named gauge exposed via heartbeats and /health.
func (s *Service) ReportMetric(name string, value float64) {
	s.health.ReportMetric(name, value)
}

// RecordError counts an error toward the degradation window.
func (s *Service) RecordError(source string, err error) {
	s.health.RecordError(source, err)
}

func (s *Service) stampTrace(ctx context.Context, env *protocol.Envelope) {
	if env.HasTraceContext() {
		return
	}
	if traceID, spanID, flags, ok := otel.SpanFields(ctx); ok {
		env.TraceID, env.SpanID, env.TraceFlags = traceID, spanID, flags
	}
}

func (s *Service) heartbeatLoop(ctx context.Context) error {
	s.publishHeartbeat("")
	ticker := time.NewTicker(s.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Best-effort farewell so the fleet sees a clean stop rather
			// than waiting out missed heartbeats.
			s.publishHeartbeat(string(StateStopping))
			return nil
		case <-ticker.C:
			s.publishHeartbeat("")
		}
	}
}

func (s *Service) publishHeartbeat(stateOverride string) {
	snap := s.health.Snapshot(s.name, s.instanceID, s.version)
	if stateOverride != "" {
		snap.State = stateOverride
	}
	snap.Metrics["publishes_buffered"] = float64(s.conn.BufferedPublishes())
	snap.Metrics["publishes_dropped"] = float64(s.conn.DroppedPublishes())

	env, err := protocol.NewEnvelope(s.name, protocol.TypeHeartbeat, snap)
	if err != nil {
		s.log.Error("service: build heartbeat", "error", err)
		return
	}
	data, err := env.Encode()
	if err != nil {
		s.log.Error("service: encode heartbeat", "error", err)
		return
	}
	if err := s.conn.Publish(protocol.HealthTopic(s.name), 0, true, data); err != nil {
		s.log.Warn("service: publish heartbeat", "error", err)
		return
	}
	metrics.HeartbeatsSent.Inc()
}

func (s *Service) watchHealth(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.evaluateHealth()
		}
	}
}

func (s *Service) noteConnectionChange(up bool, cause error) {
	s.health.SetMQTTConnected(up)
	if !s.started.Load() {
		return
	}
	if up {
		s.log.Info("service: bus connection restored")
	} else {
		s.log.Warn("service: bus connection lost", "error", cause)
	}
	s.evaluateHealth()
}

// evaluateHealth flips ready<->degraded from MQTT connectivity and the
// trailing error rate.
func (s *Service) evaluateHealth() {
	errCount := s.health.ErrorsWithin(degradedErrorWindow)
	healthy := s.health.MQTTConnected() && errCount <= degradedErrorThreshold

	switch s.health.State() {
	case StateReady:
		if !healthy {
			if err := s.health.SetState(StateDegraded); err == nil {
				s.log.Warn("service: degraded",
					"mqtt_connected", s.health.MQTTConnected(),
					"errors_60s", errCount)
			}
		}
	case StateDegraded:
		if healthy {
			if err := s.health.SetState(StateReady); err == nil {
				s.log.Info("service: recovered to ready")
			}
		}
	}
}
