package voice

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alicia-home/alicia/internal/bus"
	"github.com/alicia-home/alicia/internal/circuitbreaker"
	"github.com/alicia-home/alicia/internal/config"
	"github.com/alicia-home/alicia/internal/id"
	"github.com/alicia-home/alicia/internal/metrics"
	"github.com/alicia-home/alicia/internal/protocol"
	"github.com/alicia-home/alicia/internal/service"
)

// apologyText is the spoken fallback when the pipeline fails after the user
// was heard, or when a synchronous device action did not complete.
const apologyText = "I had trouble with that."

const (
	breakerFailures = 3
	breakerCooldown = 15 * time.Second
	sweepInterval   = 10 * time.Second
)

// Host is the slice of the service runtime the orchestrator plugs into:
// bus subscriptions, RPC in both directions, and the HTTP router.
type Host interface {
	Name() string
	RegisterHandler(filter string, qos byte, h bus.EnvelopeHandler) error
	RegisterOp(op string, h service.OpHandler)
	Request(ctx context.Context, destination string, payload any, timeout time.Duration) (*protocol.Envelope, error)
	PublishEvent(ctx context.Context, topic string, payload any) error
	PublishEnvelope(ctx context.Context, env *protocol.Envelope, topic string, qos byte, retained bool) error
	MountRoutes(fn func(chi.Router))
	Logger() *slog.Logger
	Config() *config.Config
	RecordError(source string, err error)
}

// Orchestrator drives voice sessions through STT, AI, optional device
// dispatch, and TTS. Each session gets one driver goroutine; the store
// serializes its transitions, and collaborator calls flow through
// per-collaborator circuit breakers.
type Orchestrator struct {
	host  Host
	log   *slog.Logger
	cfg   *config.Config
	store *Store

	stt *circuitbreaker.CircuitBreaker
	ai  *circuitbreaker.CircuitBreaker
	tts *circuitbreaker.CircuitBreaker

	mu         sync.Mutex
	ctx        context.Context
	cancels    map[string]context.CancelFunc
	waiters    map[string]chan protocol.CommandStatus
	awaited    map[string]bool
	lateEvents uint64

	wg sync.WaitGroup
}

func NewOrchestrator(host Host) (*Orchestrator, error) {
	cfg := host.Config()
	o := &Orchestrator{
		host:    host,
		log:     host.Logger(),
		cfg:     cfg,
		store:   NewStore(cfg.MaxConcurrentSessions, cfg.Voice.SessionTTL()),
		stt:     circuitbreaker.New(breakerFailures, breakerCooldown),
		ai:      circuitbreaker.New(breakerFailures, breakerCooldown),
		tts:     circuitbreaker.New(breakerFailures, breakerCooldown),
		cancels: make(map[string]context.CancelFunc),
		waiters: make(map[string]chan protocol.CommandStatus),
		awaited: make(map[string]bool),
	}

	subs := []struct {
		filter string
		qos    byte
		h      bus.EnvelopeHandler
	}{
		{protocol.TopicVoiceCommand, 1, o.handleVoiceCommand},
		{protocol.TopicVoiceCancel, 1, o.handleCancel},
		{protocol.FilterCommandStatus, 1, o.handleCommandStatus},
	}
	for _, sub := range subs {
		if err := host.RegisterHandler(sub.filter, sub.qos, sub.h); err != nil {
			return nil, err
		}
	}

	host.RegisterOp(protocol.OpSessionGet, o.opGet)
	host.RegisterOp(protocol.OpSessionList, o.opList)
	host.RegisterOp(protocol.OpSessionCancel, o.opCancel)

	host.MountRoutes(o.routes)
	return o, nil
}

// LateEvents reports session-scoped events that arrived after their wait
// was over.
func (o *Orchestrator) LateEvents() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lateEvents
}

// Run serves sessions until ctx ends, then waits for every driver to
// finish.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.ctx = ctx
	o.mu.Unlock()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.wg.Wait()
			return nil
		case <-ticker.C:
			if n := o.store.Sweep(); n > 0 {
				o.log.Debug("voice: swept terminal sessions", "count", n)
			}
		}
	}
}

func (o *Orchestrator) runContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ctx
}

// ---- bus handlers ----

func (o *Orchestrator) handleVoiceCommand(ctx context.Context, topic string, env *protocol.Envelope) {
	cmd, err := protocol.DecodeAs[protocol.VoiceCommand](env)
	if err != nil {
		o.host.RecordError("voice_command", err)
		o.log.Warn("voice: malformed command", "error", err)
		return
	}
	if cmd.AudioB64 == "" && cmd.AudioRef == "" {
		o.log.Warn("voice: command without audio", "session_id", cmd.SessionID)
		return
	}
	o.startSession(ctx, *cmd)
}

func (o *Orchestrator) handleCancel(ctx context.Context, topic string, env *protocol.Envelope) {
	vc, err := protocol.DecodeAs[protocol.VoiceCancel](env)
	if err != nil || vc.SessionID == "" {
		o.log.Warn("voice: malformed cancel", "error", err)
		return
	}
	if _, err := o.cancelSession(ctx, vc.SessionID, vc.Reason); errors.Is(err, ErrSessionNotFound) {
		o.noteLateEvent("cancel", vc.SessionID)
	}
}

// handleCommandStatus resolves synchronous-intent waits from the command
// plane's status stream.
func (o *Orchestrator) handleCommandStatus(ctx context.Context, topic string, env *protocol.Envelope) {
	st, err := protocol.DecodeAs[protocol.CommandStatus](env)
	if err != nil {
		return
	}
	if st.CommandID == "" {
		st.CommandID = protocol.CommandIDFromTopic(topic)
	}
	if st.CommandID == "" || !st.Terminal {
		return
	}

	o.mu.Lock()
	if ch, ok := o.waiters[st.CommandID]; ok {
		delete(o.waiters, st.CommandID)
		delete(o.awaited, st.CommandID)
		o.mu.Unlock()
		ch <- *st
		return
	}
	if o.awaited[st.CommandID] {
		delete(o.awaited, st.CommandID)
		o.mu.Unlock()
		o.noteLateEvent("command_status", st.CommandID)
		return
	}
	o.mu.Unlock()
}

func (o *Orchestrator) noteLateEvent(kind, id string) {
	o.mu.Lock()
	o.lateEvents++
	o.mu.Unlock()
	metrics.LateSessionEvents.Inc()
	o.log.Debug("voice: dropped late event", "kind", kind, "id", id)
}

// ---- session lifecycle ----

// startSession admits the command, publishes the idle snapshot, and hands
// the session to its driver goroutine.
func (o *Orchestrator) startSession(ctx context.Context, cmd protocol.VoiceCommand) {
	runCtx := o.runContext()
	if runCtx == nil || runCtx.Err() != nil {
		o.log.Warn("voice: command while not running", "session_id", cmd.SessionID)
		return
	}

	sessionID := cmd.SessionID
	if sessionID == "" {
		sessionID = id.NewSession()
	}
	deadline := time.Now().UTC().Add(o.cfg.SessionTimeout())

	st, err := o.store.Create(sessionID, deadline)
	if err != nil {
		switch {
		case errors.Is(err, ErrBusy):
			metrics.SessionsRejected.Inc()
			o.log.Warn("voice: session rejected", "session_id", sessionID, "reason", "service_busy")
		case errors.Is(err, ErrSessionExists):
			o.log.Warn("voice: duplicate session id", "session_id", sessionID)
		default:
			o.log.Error("voice: create session", "session_id", sessionID, "error", err)
		}
		return
	}
	o.publishSession(ctx, st)
	o.log.Info("voice: session started", "session_id", sessionID, "deadline", deadline)

	sctx, cancel := context.WithDeadline(runCtx, deadline)
	o.mu.Lock()
	o.cancels[sessionID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.drive(sctx, sessionID, cmd)
}

// drive walks one session through the pipeline. Every stage call observes
// the session context, so cancellation and the deadline interrupt at any
// suspension point.
func (o *Orchestrator) drive(ctx context.Context, sessionID string, cmd protocol.VoiceCommand) {
	defer o.wg.Done()
	defer o.releaseSession(sessionID)

	if !o.advance(ctx, sessionID, SessionSTTPending, nil) {
		return
	}
	start := time.Now()
	tr, err := o.transcribe(ctx, sessionID, cmd)
	metrics.SessionStageDuration.WithLabelValues("stt").Observe(time.Since(start).Seconds())
	if err != nil {
		o.stageFailed(ctx, sessionID, "stt", err)
		return
	}
	if tr.Transcript == "" || (tr.Confidence > 0 && tr.Confidence < o.cfg.Voice.STTMinConfidence) {
		// Nothing intelligible was said; failing silently beats apologizing
		// to an empty room.
		o.fail(ctx, sessionID, "stt_empty", false)
		return
	}

	if !o.advance(ctx, sessionID, SessionAIPending, func(s *Session) { s.transcript = tr.Transcript }) {
		return
	}
	start = time.Now()
	gen, err := o.generate(ctx, sessionID, tr.Transcript, cmd.Language)
	metrics.SessionStageDuration.WithLabelValues("ai").Observe(time.Since(start).Seconds())
	if err != nil {
		o.stageFailed(ctx, sessionID, "ai", err)
		return
	}
	responseText := gen.ResponseText
	fellBack := false

	if len(gen.Intents) > 0 {
		if !o.advance(ctx, sessionID, SessionDispatchPending, func(s *Session) { s.responseText = responseText }) {
			return
		}
		start = time.Now()
		responseText, fellBack, err = o.dispatchIntents(ctx, sessionID, gen.Intents, responseText)
		metrics.SessionStageDuration.WithLabelValues("dispatch").Observe(time.Since(start).Seconds())
		if err != nil {
			o.stageFailed(ctx, sessionID, "dispatch", err)
			return
		}
	}

	if !o.advance(ctx, sessionID, SessionTTSPending, func(s *Session) { s.responseText = responseText }) {
		return
	}
	start = time.Now()
	syn, err := o.synthesize(ctx, sessionID, responseText)
	metrics.SessionStageDuration.WithLabelValues("tts").Observe(time.Since(start).Seconds())
	if err != nil {
		// No apology: the apology would need the very collaborator that
		// just failed.
		o.stageFailed(ctx, sessionID, "tts", err)
		return
	}

	o.publishResponse(ctx, sessionID, protocol.VoiceResponse{
		SessionID:   sessionID,
		Text:        responseText,
		AudioB64:    syn.AudioB64,
		AudioRef:    syn.AudioRef,
		ContentType: syn.ContentType,
		Fallback:    fellBack,
	})
	if o.advance(ctx, sessionID, SessionComplete, nil) {
		o.log.Info("voice: session complete", "session_id", sessionID)
	}
}

func (o *Orchestrator) releaseSession(sessionID string) {
	o.mu.Lock()
	cancel := o.cancels[sessionID]
	delete(o.cancels, sessionID)
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// advance applies a pipeline transition and publishes the new snapshot.
// A false return means the session is already terminal (cancel won the
// race) and the driver must stop.
func (o *Orchestrator) advance(ctx context.Context, sessionID string, to SessionState, mut func(*Session)) bool {
	st, err := o.store.Advance(sessionID, to, mut)
	if err != nil {
		if !errors.Is(err, ErrTerminal) {
			o.log.Error("voice: session advance", "session_id", sessionID, "to", to, "error", err)
		}
		return false
	}
	o.publishSession(ctx, st)
	return true
}

// stageFailed classifies a stage error: deadline and cancellation become
// cancelled, everything else fails the session with a reason like
// stt_timeout or ai_unavailable.
func (o *Orchestrator) stageFailed(ctx context.Context, sessionID, stage string, err error) {
	switch {
	case ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded):
		o.finish(ctx, sessionID, SessionCancelled, "deadline_exceeded")
	case ctx.Err() == context.Canceled || errors.Is(err, context.Canceled):
		o.finish(ctx, sessionID, SessionCancelled, "cancelled")
	default:
		o.fail(ctx, sessionID, stage+"_"+failureSuffix(err), stage != "tts")
	}
}

func failureSuffix(err error) string {
	switch {
	case errors.Is(err, service.ErrTimeout):
		return "timeout"
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return "unavailable"
	default:
		return "error"
	}
}

func (o *Orchestrator) fail(ctx context.Context, sessionID, reason string, apologize bool) {
	if !o.finish(ctx, sessionID, SessionFailed, reason) {
		return
	}
	if apologize {
		o.apologize(sessionID)
	}
}

// finish resolves a session. False means another path already did.
func (o *Orchestrator) finish(ctx context.Context, sessionID string, to SessionState, reason string) bool {
	st, err := o.store.Advance(sessionID, to, func(s *Session) { s.failureReason = reason })
	if err != nil {
		if !errors.Is(err, ErrTerminal) {
			o.log.Error("voice: session finish", "session_id", sessionID, "to", to, "error", err)
		}
		return false
	}
	o.publishSession(ctx, st)
	o.log.Info("voice: session resolved", "session_id", sessionID, "state", to, "reason", reason)
	return true
}

// apologize speaks the failure to the user, if TTS is worth trying.
func (o *Orchestrator) apologize(sessionID string) {
	if !o.tts.Ready() {
		o.log.Warn("voice: apology skipped, tts unavailable", "session_id", sessionID)
		return
	}
	runCtx := o.runContext()
	if runCtx == nil {
		return
	}
	ctx, cancel := context.WithTimeout(runCtx, o.cfg.Voice.TTSTimeout())
	defer cancel()

	syn, err := o.synthesize(ctx, sessionID, apologyText)
	if err != nil {
		o.log.Warn("voice: apology failed", "session_id", sessionID, "error", err)
		return
	}
	o.publishResponse(ctx, sessionID, protocol.VoiceResponse{
		SessionID:   sessionID,
		Text:        apologyText,
		AudioB64:    syn.AudioB64,
		AudioRef:    syn.AudioRef,
		ContentType: syn.ContentType,
		Fallback:    true,
	})
}

// cancelSession resolves a session as cancelled and interrupts its driver.
// Cancelling a terminal session returns its current snapshot.
func (o *Orchestrator) cancelSession(ctx context.Context, sessionID, reason string) (protocol.SessionStatus, error) {
	if reason == "" {
		reason = "cancelled"
	}
	st, err := o.store.Advance(sessionID, SessionCancelled, func(s *Session) { s.failureReason = reason })
	switch {
	case err == nil:
		o.publishSession(ctx, st)
		o.log.Info("voice: session cancelled", "session_id", sessionID, "reason", reason)
		o.mu.Lock()
		cancel := o.cancels[sessionID]
		o.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return st, nil
	case errors.Is(err, ErrTerminal):
		return st, nil
	default:
		return st, err
	}
}

// ---- collaborator stages ----

// stageBudget clamps a stage budget to what is left of the session
// deadline.
func stageBudget(ctx context.Context, stage time.Duration) (time.Duration, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return stage, nil
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, context.DeadlineExceeded
	}
	if remaining < stage {
		return remaining, nil
	}
	return stage, nil
}

func (o *Orchestrator) transcribe(ctx context.Context, sessionID string, cmd protocol.VoiceCommand) (*protocol.TranscribeResult, error) {
	var res *protocol.TranscribeResult
	err := o.stt.Execute(func() error {
		budget, err := stageBudget(ctx, o.cfg.Voice.STTTimeout())
		if err != nil {
			return err
		}
		rpc, err := protocol.NewRPCRequest(protocol.OpTranscribe, protocol.TranscribeRequest{
			SessionID:   sessionID,
			AudioB64:    cmd.AudioB64,
			AudioRef:    cmd.AudioRef,
			ContentType: cmd.ContentType,
			Language:    cmd.Language,
		})
		if err != nil {
			return err
		}
		resp, err := o.host.Request(ctx, protocol.ServiceSTT, rpc, budget)
		if err != nil {
			return err
		}
		res, err = protocol.DecodeAs[protocol.TranscribeResult](resp)
		return err
	})
	return res, err
}

func (o *Orchestrator) generate(ctx context.Context, sessionID, transcript, language string) (*protocol.GenerateResult, error) {
	var res *protocol.GenerateResult
	err := o.ai.Execute(func() error {
		budget, err := stageBudget(ctx, o.cfg.Voice.AITimeout())
		if err != nil {
			return err
		}
		rpc, err := protocol.NewRPCRequest(protocol.OpGenerate, protocol.GenerateRequest{
			SessionID:  sessionID,
			Transcript: transcript,
			Language:   language,
		})
		if err != nil {
			return err
		}
		resp, err := o.host.Request(ctx, protocol.ServiceAI, rpc, budget)
		if err != nil {
			return err
		}
		res, err = protocol.DecodeAs[protocol.GenerateResult](resp)
		return err
	})
	return res, err
}

func (o *Orchestrator) synthesize(ctx context.Context, sessionID, text string) (*protocol.SynthesizeResult, error) {
	var res *protocol.SynthesizeResult
	err := o.tts.Execute(func() error {
		budget, err := stageBudget(ctx, o.cfg.Voice.TTSTimeout())
		if err != nil {
			return err
		}
		rpc, err := protocol.NewRPCRequest(protocol.OpSynthesize, protocol.SynthesizeRequest{
			SessionID: sessionID,
			Text:      text,
		})
		if err != nil {
			return err
		}
		resp, err := o.host.Request(ctx, protocol.ServiceTTS, rpc, budget)
		if err != nil {
			return err
		}
		res, err = protocol.DecodeAs[protocol.SynthesizeResult](resp)
		return err
	})
	return res, err
}

// ---- device intents ----

// dispatchIntents submits every intent to the command plane. Individual
// intent failures never fail the session; a failed synchronous intent
// swaps the spoken response for the apology. The returned error is only
// ever a context error.
func (o *Orchestrator) dispatchIntents(ctx context.Context, sessionID string, intents []protocol.Intent, responseText string) (string, bool, error) {
	fallback := false
	for _, intent := range intents {
		if ctx.Err() != nil {
			return responseText, fallback, ctx.Err()
		}
		deviceIDs, err := o.resolveIntent(ctx, intent)
		if err != nil {
			if ctx.Err() != nil {
				return responseText, fallback, ctx.Err()
			}
			o.log.Warn("voice: intent resolution failed",
				"session_id", sessionID, "capability", intent.Capability, "error", err)
			if intent.Synchronous {
				fallback = true
			}
			continue
		}
		if len(deviceIDs) == 0 {
			o.log.Warn("voice: intent matched no devices",
				"session_id", sessionID, "capability", intent.Capability,
				"device_type", intent.DeviceType, "room", intent.Room)
			if intent.Synchronous {
				fallback = true
			}
			continue
		}

		receipt, err := o.submitCommand(ctx, intent, deviceIDs)
		if err != nil {
			if ctx.Err() != nil {
				return responseText, fallback, ctx.Err()
			}
			o.log.Warn("voice: intent dispatch failed",
				"session_id", sessionID, "capability", intent.Capability, "error", err)
			if intent.Synchronous {
				fallback = true
			}
			continue
		}
		o.store.AttachCommand(sessionID, receipt.CommandID)
		o.log.Info("voice: intent dispatched",
			"session_id", sessionID, "command_id", receipt.CommandID,
			"capability", intent.Capability, "devices", len(deviceIDs))

		if intent.Synchronous {
			st, ok := o.waitCommand(ctx, receipt.CommandID, o.cfg.CommandAckTimeout())
			if ctx.Err() != nil {
				return responseText, fallback, ctx.Err()
			}
			if !ok || st.State != "completed" {
				fallback = true
			}
		}
	}
	if fallback {
		return apologyText, true, nil
	}
	return responseText, false, nil
}

// resolveIntent turns an intent into concrete device ids. Selector intents
// resolve through the registry's capability index and only target online
// devices; a concrete device_id is taken as-is.
func (o *Orchestrator) resolveIntent(ctx context.Context, intent protocol.Intent) ([]string, error) {
	if intent.DeviceID != "" {
		return []string{intent.DeviceID}, nil
	}
	rpc, err := protocol.NewRPCRequest(protocol.OpDeviceList, protocol.DeviceFilter{
		DeviceType: intent.DeviceType,
		Room:       intent.Room,
		Capability: intent.Capability,
		Status:     "online",
	})
	if err != nil {
		return nil, err
	}
	resp, err := o.host.Request(ctx, protocol.ServiceDeviceManager, rpc, 0)
	if err != nil {
		return nil, err
	}
	list, err := protocol.DecodeAs[protocol.DeviceListResult](resp)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list.Devices))
	for _, rec := range list.Devices {
		ids = append(ids, rec.DeviceID)
	}
	return ids, nil
}

func (o *Orchestrator) submitCommand(ctx context.Context, intent protocol.Intent, deviceIDs []string) (*protocol.CommandReceipt, error) {
	rpc, err := protocol.NewRPCRequest(protocol.OpCommandSubmit, protocol.CommandRequest{
		DeviceIDs:  deviceIDs,
		Capability: intent.Capability,
		Parameters: intent.Parameters,
		Source:     o.host.Name(),
	})
	if err != nil {
		return nil, err
	}
	resp, err := o.host.Request(ctx, protocol.ServiceDeviceManager, rpc, 0)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeAs[protocol.CommandReceipt](resp)
}

// waitCommand blocks until the command's terminal status event, the wait
// budget, or ctx. The status may have raced past before the waiter was
// registered, so the current state is fetched once before blocking.
func (o *Orchestrator) waitCommand(ctx context.Context, commandID string, wait time.Duration) (protocol.CommandStatus, bool) {
	ch := make(chan protocol.CommandStatus, 1)
	o.mu.Lock()
	o.waiters[commandID] = ch
	o.awaited[commandID] = true
	o.mu.Unlock()

	if st, err := o.commandStatus(ctx, commandID); err == nil && st.Terminal {
		o.mu.Lock()
		delete(o.waiters, commandID)
		delete(o.awaited, commandID)
		o.mu.Unlock()
		return *st, true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case st := <-ch:
		o.mu.Lock()
		delete(o.awaited, commandID)
		o.mu.Unlock()
		return st, true
	case <-timer.C:
	case <-ctx.Done():
	}
	// Leave the awaited mark so the status is counted when it finally
	// lands.
	o.mu.Lock()
	delete(o.waiters, commandID)
	o.mu.Unlock()
	return protocol.CommandStatus{}, false
}

func (o *Orchestrator) commandStatus(ctx context.Context, commandID string) (*protocol.CommandStatus, error) {
	rpc, err := protocol.NewRPCRequest(protocol.OpCommandGet, protocol.CommandRef{CommandID: commandID})
	if err != nil {
		return nil, err
	}
	resp, err := o.host.Request(ctx, protocol.ServiceDeviceManager, rpc, 0)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeAs[protocol.CommandStatus](resp)
}

// ---- events ----

func (o *Orchestrator) publishSession(ctx context.Context, st protocol.SessionStatus) {
	if err := o.host.PublishEvent(ctx, protocol.TopicVoiceSession, st); err != nil {
		o.log.Warn("voice: publish session event", "session_id", st.SessionID, "error", err)
	}
}

func (o *Orchestrator) publishResponse(ctx context.Context, sessionID string, vr protocol.VoiceResponse) {
	env, err := protocol.NewEnvelope(o.host.Name(), protocol.TypeEvent, vr)
	if err != nil {
		o.log.Error("voice: build response", "session_id", sessionID, "error", err)
		return
	}
	if err := o.host.PublishEnvelope(ctx, env, protocol.TopicVoiceResponse, 1, false); err != nil {
		o.log.Warn("voice: publish response", "session_id", sessionID, "error", err)
	}
}

// ---- RPC ops ----

func (o *Orchestrator) opGet(ctx context.Context, req *protocol.Envelope, args json.RawMessage) (any, *protocol.ErrorPayload) {
	ref, perr := decodeArgs[protocol.SessionRef](args)
	if perr != nil {
		return nil, perr
	}
	st, err := o.store.Get(ref.SessionID)
	if err != nil {
		return nil, mapError(err)
	}
	return st, nil
}

func (o *Orchestrator) opList(ctx context.Context, req *protocol.Envelope, args json.RawMessage) (any, *protocol.ErrorPayload) {
	f, perr := decodeArgs[protocol.SessionFilter](args)
	if perr != nil {
		return nil, perr
	}
	list := o.store.List(*f)
	return protocol.SessionListResult{Sessions: list, Count: len(list)}, nil
}

func (o *Orchestrator) opCancel(ctx context.Context, req *protocol.Envelope, args json.RawMessage) (any, *protocol.ErrorPayload) {
	ref, perr := decodeArgs[protocol.SessionRef](args)
	if perr != nil {
		return nil, perr
	}
	st, err := o.cancelSession(ctx, ref.SessionID, ref.Reason)
	if err != nil {
		return nil, mapError(err)
	}
	return st, nil
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
	var pe *protocol.ErrorPayload
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return protocol.NewError(protocol.CodeNotFound, err.Error())
	case errors.Is(err, ErrBusy):
		return protocol.NewError(protocol.CodeServiceBusy, err.Error())
	case errors.Is(err, ErrSessionExists):
		return protocol.NewError(protocol.CodeValidationFailed, err.Error())
	default:
		return protocol.NewError(protocol.CodeInternal, err.Error())
	}
}
