package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alicia-home/alicia/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "alicia",
		Short: "Alicia - smart home voice assistant services",
		Long: `Alicia is a self-hosted smart home voice assistant built as a fleet of
MQTT microservices. Each service subcommand runs one member of the fleet;
all of them share the same configuration.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(flagConfig)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			// Flags are the last word in the precedence chain.
			if flagBroker != "" {
				cfg.MQTT.Broker = flagBroker
			}
			if flagHTTPPort != 0 {
				cfg.HTTP.Port = flagHTTPPort
			}
			if flagLogLevel != "" {
				cfg.LogLevel = flagLogLevel
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default $ALICIA_CONFIG, then ~/.config/alicia/config.json)")
	rootCmd.PersistentFlags().StringVar(&flagBroker, "broker", "", "MQTT broker host override")
	rootCmd.PersistentFlags().IntVar(&flagHTTPPort, "http-port", 0, "HTTP listener port override")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(
		voiceRouterCmd(),
		deviceManagerCmd(),
		healthMonitorCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// configCmd shows the effective configuration
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Effective configuration:")
			fmt.Println()

			fmt.Println("MQTT:")
			fmt.Printf("  Broker:   %s\n", cfg.MQTT.BrokerURL())
			fmt.Printf("  TLS:      %s\n", cfg.MQTT.TLS)
			fmt.Printf("  Auth:     %s\n", cfg.MQTT.Auth)
			fmt.Printf("  Username: %s\n", maskSecret(cfg.MQTT.Username))
			fmt.Printf("  Password: %s\n", maskSecret(cfg.MQTT.Password))
			fmt.Println()

			fmt.Println("HTTP:")
			fmt.Printf("  Listen:         %s:%d\n", cfg.HTTP.Host, cfg.HTTP.Port)
			fmt.Printf("  Shutdown token: %s\n", maskSecret(cfg.HTTP.ShutdownToken))
			fmt.Println()

			fmt.Println("Timing:")
			fmt.Printf("  Heartbeat interval:  %s\n", cfg.HeartbeatInterval())
			fmt.Printf("  Request timeout:     %s\n", cfg.RequestTimeout())
			fmt.Printf("  Session timeout:     %s\n", cfg.SessionTimeout())
			fmt.Printf("  Command ack timeout: %s\n", cfg.CommandAckTimeout())
			fmt.Printf("  Offline threshold:   %s\n", cfg.OfflineThreshold())
			fmt.Println()

			fmt.Println("Voice pipeline:")
			fmt.Printf("  STT timeout:    %s\n", cfg.Voice.STTTimeout())
			fmt.Printf("  AI timeout:     %s\n", cfg.Voice.AITimeout())
			fmt.Printf("  TTS timeout:    %s\n", cfg.Voice.TTSTimeout())
			fmt.Printf("  Min confidence: %.2f\n", cfg.Voice.STTMinConfidence)
			fmt.Printf("  Max sessions:   %d\n", cfg.MaxConcurrentSessions)
			fmt.Println()

			fmt.Println("Health monitor:")
			fmt.Printf("  Fleet snapshot: %s\n", orNotSet(cfg.Health.SnapshotPath))
			fmt.Println()

			fmt.Println("Telemetry:")
			fmt.Printf("  OTLP endpoint: %s\n", orNotSet(cfg.Telemetry.OTLPEndpoint))
			fmt.Printf("  Environment:   %s\n", cfg.Telemetry.Environment)
			fmt.Println()

			fmt.Println("Environment variables:")
			fmt.Println("  ALICIA_MQTT_BROKER, ALICIA_MQTT_PORT, ALICIA_MQTT_TLS, ALICIA_MQTT_AUTH")
			fmt.Println("  ALICIA_MQTT_USERNAME, ALICIA_MQTT_PASSWORD, ALICIA_MQTT_JWT")
			fmt.Println("  ALICIA_HTTP_HOST, ALICIA_HTTP_PORT, ALICIA_SHUTDOWN_TOKEN")
			fmt.Println("  ALICIA_LOG_LEVEL, ALICIA_OTLP_ENDPOINT, ALICIA_ENVIRONMENT")
			fmt.Println("  ALICIA_FLEET_SNAPSHOT_PATH, ALICIA_MAX_CONCURRENT_SESSIONS")

			return nil
		},
	}
}

// versionCmd shows version information
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Alicia %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Build Date: %s\n", buildDate)
		},
	}
}
