// Package config loads the typed configuration shared by every Alicia
// service. Precedence: built-in defaults < JSON config file < ALICIA_*
// environment variables < command-line flags (applied by the commands).
package config

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// TLS modes for the broker connection.
const (
	TLSNone   = "none"
	TLSServer = "server"
	TLSMutual = "mutual"
)

// Auth modes for the broker connection.
const (
	AuthNone     = "none"
	AuthUserPass = "user_pass"
	AuthJWT      = "jwt"
)

// Config holds all configuration for an Alicia service process.
type Config struct {
	// ServiceName identifies this process on the bus; the run commands set
	// it and it must not be shared between two live processes of different
	// kinds.
	ServiceName string `json:"service_name"`

	MQTT MQTTConfig `json:"mqtt"`

	HeartbeatIntervalMs   int    `json:"heartbeat_interval_ms"`
	StartupTimeoutMs      int    `json:"startup_timeout_ms"`
	ShutdownGraceMs       int    `json:"shutdown_grace_ms"`
	RequestTimeoutMs      int    `json:"request_timeout_ms"`
	SessionTimeoutMs      int    `json:"session_timeout_ms"`
	CommandAckTimeoutMs   int    `json:"command_ack_timeout_ms"`
	CommandMaxAttempts    int    `json:"command_max_attempts"`
	MaxConcurrentSessions int    `json:"max_concurrent_sessions"`
	OfflineThresholdMs    int    `json:"offline_threshold_ms"`
	LogLevel              string `json:"log_level"`

	HTTP      HTTPConfig      `json:"http"`
	Voice     VoiceConfig     `json:"voice"`
	Devices   DeviceConfig    `json:"devices"`
	Health    HealthConfig    `json:"health"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// MQTTConfig holds broker connection configuration.
type MQTTConfig struct {
	Broker string `json:"broker"`
	Port   int    `json:"port"`
	TLS    string `json:"tls"`  // none, server, mutual
	Auth   string `json:"auth"` // none, user_pass, jwt

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// JWT is presented as the MQTT password when auth is "jwt".
	JWT string `json:"jwt,omitempty"`

	CAFile   string `json:"ca_file,omitempty"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`

	ConnectTimeoutMs      int `json:"connect_timeout_ms"`
	ReconnectMaxBackoffMs int `json:"reconnect_max_backoff_ms"`
	PublishBuffer         int `json:"publish_buffer"`
}

// HTTPConfig holds the per-service HTTP listener configuration.
type HTTPConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// ShutdownToken authenticates POST /shutdown; empty disables the
	// endpoint.
	ShutdownToken string `json:"shutdown_token,omitempty"`
}

// VoiceConfig holds pipeline stage budgets for the voice router.
type VoiceConfig struct {
	STTTimeoutMs     int     `json:"stt_timeout_ms"`
	AITimeoutMs      int     `json:"ai_timeout_ms"`
	TTSTimeoutMs     int     `json:"tts_timeout_ms"`
	STTMinConfidence float64 `json:"stt_min_confidence"`
	// SessionTTLMs bounds how long terminal sessions stay queryable.
	SessionTTLMs int `json:"session_ttl_ms"`
}

// DeviceConfig holds command plane tuning for the device manager.
type DeviceConfig struct {
	// OfflineQueueTTLMs bounds how long an allow_offline command waits for
	// its device before being cancelled.
	OfflineQueueTTLMs int `json:"offline_queue_ttl_ms"`
}

// HealthConfig tunes the health-monitor service.
type HealthConfig struct {
	// SnapshotPath is where the monitor caches its fleet view between
	// restarts; empty disables the cache.
	SnapshotPath string `json:"snapshot_path,omitempty"`
}

// TelemetryConfig holds OTLP export configuration. An empty endpoint keeps
// traces on stdout and skips log export.
type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
	OTLPInsecure bool   `json:"otlp_insecure,omitempty"`
	// Environment tags every span and log record (deployment.environment.name).
	Environment string `json:"environment,omitempty"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker:                "localhost",
			Port:                  1883,
			TLS:                   TLSNone,
			Auth:                  AuthNone,
			ConnectTimeoutMs:      10000,
			ReconnectMaxBackoffMs: 60000,
			PublishBuffer:         1024,
		},
		HeartbeatIntervalMs:   30000,
		StartupTimeoutMs:      30000,
		ShutdownGraceMs:       10000,
		RequestTimeoutMs:      10000,
		SessionTimeoutMs:      15000,
		CommandAckTimeoutMs:   5000,
		CommandMaxAttempts:    3,
		MaxConcurrentSessions: 64,
		OfflineThresholdMs:    120000,
		LogLevel:              "info",
		HTTP: HTTPConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Voice: VoiceConfig{
			STTTimeoutMs:     10000,
			AITimeoutMs:      10000,
			TTSTimeoutMs:     8000,
			STTMinConfidence: 0.5,
			SessionTTLMs:     300000,
		},
		Devices: DeviceConfig{
			OfflineQueueTTLMs: 300000,
		},
		Health: HealthConfig{
			SnapshotPath: filepath.Join(os.TempDir(), "alicia-fleet.msgpack"),
		},
		Telemetry: TelemetryConfig{
			Environment: "production",
		},
	}
}

// envString loads a string environment variable into the target pointer if set
func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// envInt loads an integer environment variable into the target pointer if set and valid
func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*target = i
		}
	}
}

// envFloat loads a float64 environment variable into the target pointer if set and valid
func envFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// envBool loads a boolean environment variable into the target pointer if set and valid
func envBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// Load builds a Config from defaults, the config file at path (the default
// search path when empty), and ALICIA_* environment variables, in that
// order. Callers apply flags and then Validate.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = getConfigPath()
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	envString("ALICIA_SERVICE_NAME", &cfg.ServiceName)

	envString("ALICIA_MQTT_BROKER", &cfg.MQTT.Broker)
	envInt("ALICIA_MQTT_PORT", &cfg.MQTT.Port)
	envString("ALICIA_MQTT_TLS", &cfg.MQTT.TLS)
	envString("ALICIA_MQTT_AUTH", &cfg.MQTT.Auth)
	envString("ALICIA_MQTT_USERNAME", &cfg.MQTT.Username)
	envString("ALICIA_MQTT_PASSWORD", &cfg.MQTT.Password)
	envString("ALICIA_MQTT_JWT", &cfg.MQTT.JWT)
	envString("ALICIA_MQTT_CA_FILE", &cfg.MQTT.CAFile)
	envString("ALICIA_MQTT_CERT_FILE", &cfg.MQTT.CertFile)
	envString("ALICIA_MQTT_KEY_FILE", &cfg.MQTT.KeyFile)
	envInt("ALICIA_MQTT_CONNECT_TIMEOUT_MS", &cfg.MQTT.ConnectTimeoutMs)
	envInt("ALICIA_MQTT_RECONNECT_MAX_BACKOFF_MS", &cfg.MQTT.ReconnectMaxBackoffMs)
	envInt("ALICIA_MQTT_PUBLISH_BUFFER", &cfg.MQTT.PublishBuffer)

	envInt("ALICIA_HEARTBEAT_INTERVAL_MS", &cfg.HeartbeatIntervalMs)
	envInt("ALICIA_STARTUP_TIMEOUT_MS", &cfg.StartupTimeoutMs)
	envInt("ALICIA_SHUTDOWN_GRACE_MS", &cfg.ShutdownGraceMs)
	envInt("ALICIA_REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMs)
	envInt("ALICIA_SESSION_TIMEOUT_MS", &cfg.SessionTimeoutMs)
	envInt("ALICIA_COMMAND_ACK_TIMEOUT_MS", &cfg.CommandAckTimeoutMs)
	envInt("ALICIA_COMMAND_MAX_ATTEMPTS", &cfg.CommandMaxAttempts)
	envInt("ALICIA_MAX_CONCURRENT_SESSIONS", &cfg.MaxConcurrentSessions)
	envInt("ALICIA_OFFLINE_THRESHOLD_MS", &cfg.OfflineThresholdMs)
	envString("ALICIA_LOG_LEVEL", &cfg.LogLevel)

	envString("ALICIA_HTTP_HOST", &cfg.HTTP.Host)
	envInt("ALICIA_HTTP_PORT", &cfg.HTTP.Port)
	envString("ALICIA_SHUTDOWN_TOKEN", &cfg.HTTP.ShutdownToken)

	envInt("ALICIA_STT_TIMEOUT_MS", &cfg.Voice.STTTimeoutMs)
	envInt("ALICIA_AI_TIMEOUT_MS", &cfg.Voice.AITimeoutMs)
	envInt("ALICIA_TTS_TIMEOUT_MS", &cfg.Voice.TTSTimeoutMs)
	envFloat("ALICIA_STT_MIN_CONFIDENCE", &cfg.Voice.STTMinConfidence)
	envInt("ALICIA_SESSION_TTL_MS", &cfg.Voice.SessionTTLMs)

	envInt("ALICIA_OFFLINE_QUEUE_TTL_MS", &cfg.Devices.OfflineQueueTTLMs)

	envString("ALICIA_FLEET_SNAPSHOT_PATH", &cfg.Health.SnapshotPath)

	envString("ALICIA_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	envBool("ALICIA_OTLP_INSECURE", &cfg.Telemetry.OTLPInsecure)
	envString("ALICIA_ENVIRONMENT", &cfg.Telemetry.Environment)

	return cfg, nil
}

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	var errs []string

	if c.ServiceName == "" {
		errs = append(errs, "service_name is required")
	}

	if c.MQTT.Broker == "" {
		errs = append(errs, "mqtt broker is required")
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		errs = append(errs, "mqtt port must be between 1 and 65535")
	}
	switch c.MQTT.TLS {
	case TLSNone, TLSServer:
	case TLSMutual:
		if c.MQTT.CertFile == "" || c.MQTT.KeyFile == "" {
			errs = append(errs, "mqtt mutual TLS requires cert_file and key_file")
		}
	default:
		errs = append(errs, "mqtt tls must be 'none', 'server', or 'mutual'")
	}
	switch c.MQTT.Auth {
	case AuthNone:
	case AuthUserPass:
		if c.MQTT.Username == "" {
			errs = append(errs, "mqtt user_pass auth requires username")
		}
	case AuthJWT:
		if c.MQTT.JWT == "" {
			errs = append(errs, "mqtt jwt auth requires a token")
		}
	default:
		errs = append(errs, "mqtt auth must be 'none', 'user_pass', or 'jwt'")
	}

	if c.HeartbeatIntervalMs < 1000 {
		errs = append(errs, "heartbeat_interval_ms must be at least 1000")
	}
	if c.StartupTimeoutMs < 1 {
		errs = append(errs, "startup_timeout_ms must be positive")
	}
	if c.ShutdownGraceMs < 1 {
		errs = append(errs, "shutdown_grace_ms must be positive")
	}
	if c.RequestTimeoutMs < 1 {
		errs = append(errs, "request_timeout_ms must be positive")
	}
	if c.SessionTimeoutMs < 1 {
		errs = append(errs, "session_timeout_ms must be positive")
	}
	if c.CommandAckTimeoutMs < 1 {
		errs = append(errs, "command_ack_timeout_ms must be positive")
	}
	if c.CommandMaxAttempts < 1 {
		errs = append(errs, "command_max_attempts must be at least 1")
	}
	if c.MaxConcurrentSessions < 1 {
		errs = append(errs, "max_concurrent_sessions must be at least 1")
	}
	if c.OfflineThresholdMs < 1 {
		errs = append(errs, "offline_threshold_ms must be positive")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "log_level must be one of debug, info, warn, error")
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		errs = append(errs, "http port must be between 1 and 65535")
	}

	if c.Voice.STTTimeoutMs < 1 || c.Voice.AITimeoutMs < 1 || c.Voice.TTSTimeoutMs < 1 {
		errs = append(errs, "voice stage timeouts must be positive")
	}
	if c.Voice.STTMinConfidence < 0 || c.Voice.STTMinConfidence > 1 {
		errs = append(errs, "stt_min_confidence must be between 0 and 1")
	}
	if c.Voice.SessionTTLMs < 1 {
		errs = append(errs, "session_ttl_ms must be positive")
	}
	if c.Devices.OfflineQueueTTLMs < 1 {
		errs = append(errs, "offline_queue_ttl_ms must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// BrokerURL builds the paho broker URL, ssl scheme when TLS is on.
func (m MQTTConfig) BrokerURL() string {
	scheme := "tcp"
	if m.TLS != "" && m.TLS != TLSNone {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, m.Broker, m.Port)
}

// Credentials returns the username/password pair for the configured auth
// mode. For jwt auth the token rides in the password field.
func (m MQTTConfig) Credentials() (username, password string) {
	switch m.Auth {
	case AuthUserPass:
		return m.Username, m.Password
	case AuthJWT:
		return m.Username, m.JWT
	default:
		return "", ""
	}
}

// TLSConfig builds the tls.Config for the configured mode, nil for "none".
func (m MQTTConfig) TLSConfig() (*tls.Config, error) {
	if m.TLS == "" || m.TLS == TLSNone {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if m.CAFile != "" {
		pem, err := os.ReadFile(m.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", m.CAFile)
		}
		cfg.RootCAs = pool
	}
	if m.TLS == TLSMutual {
		cert, err := tls.LoadX509KeyPair(m.CertFile, m.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (m MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(m.ConnectTimeoutMs) * time.Millisecond
}

func (m MQTTConfig) ReconnectMaxBackoff() time.Duration {
	return time.Duration(m.ReconnectMaxBackoffMs) * time.Millisecond
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

func (c *Config) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutMs) * time.Millisecond
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMs) * time.Millisecond
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMs) * time.Millisecond
}

func (c *Config) CommandAckTimeout() time.Duration {
	return time.Duration(c.CommandAckTimeoutMs) * time.Millisecond
}

func (c *Config) OfflineThreshold() time.Duration {
	return time.Duration(c.OfflineThresholdMs) * time.Millisecond
}

func (v VoiceConfig) STTTimeout() time.Duration {
	return time.Duration(v.STTTimeoutMs) * time.Millisecond
}

func (v VoiceConfig) AITimeout() time.Duration {
	return time.Duration(v.AITimeoutMs) * time.Millisecond
}

func (v VoiceConfig) TTSTimeout() time.Duration {
	return time.Duration(v.TTSTimeoutMs) * time.Millisecond
}

func (v VoiceConfig) SessionTTL() time.Duration {
	return time.Duration(v.SessionTTLMs) * time.Millisecond
}

func (d DeviceConfig) OfflineQueueTTL() time.Duration {
	return time.Duration(d.OfflineQueueTTLMs) * time.Millisecond
}

// SlogLevel maps the configured log_level onto slog levels.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getConfigPath returns the path to the config file
func getConfigPath() string {
	if path := os.Getenv("ALICIA_CONFIG"); path != "" {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}

	// Check ~/.config/alicia/config.json first
	configDir := filepath.Join(homeDir, ".config", "alicia")
	configPath := filepath.Join(configDir, "config.json")
	if _, err := os.Stat(configPath); err == nil {
		return configPath
	}

	// Check ~/.alicia/config.json
	altPath := filepath.Join(homeDir, ".alicia", "config.json")
	if _, err := os.Stat(altPath); err == nil {
		return altPath
	}

	return configPath
}
