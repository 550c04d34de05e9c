package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alicia-home/alicia/internal/device"
	"github.com/alicia-home/alicia/internal/health"
	"github.com/alicia-home/alicia/internal/protocol"
	"github.com/alicia-home/alicia/internal/service"
	"github.com/alicia-home/alicia/internal/voice"
	"github.com/alicia-home/alicia/pkg/otel"
)

// runner is the long-running half of a service component.
type runner interface {
	Run(ctx context.Context) error
}

// voiceRouterCmd starts the voice pipeline orchestrator.
func voiceRouterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "voice-router",
		Short: "Run the voice pipeline orchestrator",
		Long: `Run the voice-router service.

It owns voice sessions end to end: audio arrives on alicia/voice/command,
is carried through the STT, AI and TTS collaborators, and the spoken
response leaves on alicia/voice/response. Recognized device intents are
handed to the device-manager on the way.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd.Context(), protocol.ServiceVoiceRouter, func(svc *service.Service) (runner, error) {
				return voice.NewOrchestrator(svc)
			})
		},
	}
}

// deviceManagerCmd starts the device command plane.
func deviceManagerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "device-manager",
		Short: "Run the device registry and command dispatcher",
		Long: `Run the device-manager service.

It tracks every registered device, indexes their capabilities, and drives
per-device command queues with ack timeouts, retries and offline
buffering. Commands are accepted over the bus (device.command.submit) and
over its HTTP surface.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd.Context(), protocol.ServiceDeviceManager, func(svc *service.Service) (runner, error) {
				return device.NewManager(svc)
			})
		},
	}
}

// healthMonitorCmd starts the fleet health aggregator.
func healthMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health-monitor",
		Short: "Run the fleet health aggregator",
		Long: `Run the health-monitor service.

It listens to every service heartbeat on alicia/health/+, maintains the
fleet view, republishes it retained on alicia/health/fleet, and streams
online/offline transitions to operator websockets on /events.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd.Context(), protocol.ServiceHealthMonitor, func(svc *service.Service) (runner, error) {
				return health.NewMonitor(svc)
			})
		},
	}
}

// runService connects one service to the bus and blocks until a signal, a
// remote shutdown, or a fatal error stops it.
func runService(ctx context.Context, name string, bind func(*service.Service) (runner, error)) error {
	cfg.ServiceName = name
	if err := cfg.Validate(); err != nil {
		return err
	}

	tel, err := otel.Init(otel.Config{
		ServiceName:  name,
		Environment:  cfg.Telemetry.Environment,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		Level:        cfg.SlogLevel(),
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(flushCtx); err != nil {
			tel.Logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	svc, err := service.New(service.Options{
		Name:    name,
		Version: version,
		Config:  cfg,
		Logger:  tel.Logger,
	})
	if err != nil {
		return err
	}
	component, err := bind(svc)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			tel.Logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-runCtx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// A clean service stop (POST /shutdown) must end the component too.
		defer cancel()
		return svc.Run(gctx)
	})
	g.Go(func() error { return component.Run(gctx) })
	return g.Wait()
}
