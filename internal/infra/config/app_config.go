// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// AppConfig is the full configuration tree. YAML provides the file layer;
// environment variables override individual fields.
type AppConfig struct {
	Environment Environment     `yaml:"environment" env:"VAYU_ENV"`
	Server      ServerConfig    `yaml:"server"`
	Admin       AdminConfig     `yaml:"admin"`
	Redis       RedisConfig     `yaml:"redis"`
	Database    DatabaseConfig  `yaml:"database"`
	Vortex      VortexConfig    `yaml:"vortex"`
	Gateway     GatewayConfig   `yaml:"gateway"`
	Log         LogConfig       `yaml:"log"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener carrying REST and both WS
// transports.
type ServerConfig struct {
	Addr       string `yaml:"addr" env:"VAYU_SERVER_ADDR"`
	CORSOrigin string `yaml:"corsOrigin" env:"VAYU_CORS_ORIGIN"`
}

// AdminConfig guards the control plane.
type AdminConfig struct {
	Token string `yaml:"token" env:"VAYU_ADMIN_TOKEN"`
}

// RedisConfig locates the shared KV. An empty addr runs the gateway on the
// in-process store.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"VAYU_REDIS_ADDR"`
	Password string `yaml:"password" env:"VAYU_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"VAYU_REDIS_DB"`
}

// DatabaseConfig locates the relational store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"VAYU_DATABASE_DSN"`
}

// VortexConfig carries upstream broker credentials and endpoints. Credentials
// may be absent at boot; streaming then waits for the OAuth callback.
type VortexConfig struct {
	ApplicationID string `yaml:"applicationId" env:"VORTEX_APPLICATION_ID"`
	APIKey        string `yaml:"apiKey" env:"VORTEX_API_KEY"`
	BaseURL       string `yaml:"baseUrl" env:"VORTEX_BASE_URL"`
	WSURL         string `yaml:"wsUrl" env:"VORTEX_WS_URL"`
}

// Configured reports whether OAuth can run.
func (c VortexConfig) Configured() bool {
	return strings.TrimSpace(c.ApplicationID) != "" && strings.TrimSpace(c.APIKey) != ""
}

// GatewayConfig tunes fan-out and client policy defaults.
type GatewayConfig struct {
	ProtocolVersion    string `yaml:"protocolVersion" env:"VAYU_PROTOCOL_VERSION"`
	WriteBufferLimit   int64  `yaml:"writeBufferLimitBytes" env:"VAYU_WRITE_BUFFER_LIMIT_BYTES"`
	SessionSendDepth   int    `yaml:"sessionSendDepth" env:"VAYU_SESSION_SEND_DEPTH"`
	BatchWindowMS      int    `yaml:"batchWindowMs" env:"VAYU_BATCH_WINDOW_MS"`
	SubscribeRPS       int    `yaml:"subscribeRps" env:"WS_SUBSCRIBE_RPS"`
	UnsubscribeRPS     int    `yaml:"unsubscribeRps" env:"WS_UNSUBSCRIBE_RPS"`
	ModeRPS            int    `yaml:"modeRps" env:"WS_MODE_RPS"`
	DefaultHTTPRPM     int    `yaml:"defaultHttpRpm" env:"VAYU_DEFAULT_HTTP_RPM"`
	DefaultConnLimit   int    `yaml:"defaultConnectionLimit" env:"VAYU_DEFAULT_CONNECTION_LIMIT"`
	MuxFlushIntervalMS int    `yaml:"muxFlushIntervalMs" env:"VAYU_MUX_FLUSH_INTERVAL_MS"`
}

// BatchWindow returns the snapshot coalescing window.
func (c GatewayConfig) BatchWindow() time.Duration {
	if c.BatchWindowMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.BatchWindowMS) * time.Millisecond
}

// MuxFlushInterval returns the multiplexer worker tick.
func (c GatewayConfig) MuxFlushInterval() time.Duration {
	if c.MuxFlushIntervalMS <= 0 || c.MuxFlushIntervalMS > 500 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.MuxFlushIntervalMS) * time.Millisecond
}

// LogConfig controls the zerolog sink.
type LogConfig struct {
	Level  string `yaml:"level" env:"VAYU_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"VAYU_LOG_PRETTY"`
}

// TelemetryConfig controls the OTLP meter provider.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled" env:"OTEL_ENABLED"`
	OTLPEndpoint string `yaml:"otlpEndpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `yaml:"otlpInsecure" env:"OTEL_EXPORTER_OTLP_INSECURE"`
	ServiceName  string `yaml:"serviceName" env:"OTEL_SERVICE_NAME"`
}

// Default returns the baseline configuration before file and env layers.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Server:      ServerConfig{Addr: ":8080"},
		Vortex: VortexConfig{
			BaseURL: "https://vortex-api.rupeezy.in/v2",
			WSURL:   "wss://wire.rupeezy.in/ws",
		},
		Gateway: GatewayConfig{
			ProtocolVersion:    "1",
			WriteBufferLimit:   16 << 20,
			SessionSendDepth:   1024,
			BatchWindowMS:      100,
			SubscribeRPS:       10,
			UnsubscribeRPS:     10,
			ModeRPS:            10,
			DefaultHTTPRPM:     600,
			DefaultConnLimit:   10,
			MuxFlushIntervalMS: 500,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadOrDefault loads the YAML file when present, then applies env
// overrides. The boolean reports whether a file was read.
func LoadOrDefault(ctx context.Context, path string) (AppConfig, bool, error) {
	cfg := Default()
	loaded := false

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return AppConfig{}, false, fmt.Errorf("parse config %s: %w", path, err)
			}
			loaded = true
		case errors.Is(err, fs.ErrNotExist):
			// Fall through to defaults + env.
		default:
			return AppConfig{}, false, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return AppConfig{}, false, fmt.Errorf("parse environment overrides: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return AppConfig{}, false, err
	}
	_ = ctx
	return cfg, loaded, nil
}

func (c *AppConfig) normalize() {
	switch Environment(strings.ToLower(string(c.Environment))) {
	case EnvDev, EnvStaging, EnvProd:
		c.Environment = Environment(strings.ToLower(string(c.Environment)))
	default:
		c.Environment = EnvDev
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = ":8080"
	}
	if c.Gateway.WriteBufferLimit <= 0 {
		c.Gateway.WriteBufferLimit = 16 << 20
	}
	if c.Gateway.SessionSendDepth <= 0 {
		c.Gateway.SessionSendDepth = 1024
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "vayu-gateway"
	}
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("config: database.dsn is required")
	}
	if strings.TrimSpace(c.Admin.Token) == "" {
		return errors.New("config: admin.token is required")
	}
	if c.Gateway.DefaultConnLimit < 0 {
		return errors.New("config: gateway.defaultConnectionLimit must be >= 0")
	}
	return nil
}
