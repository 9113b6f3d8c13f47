// Package config loads service settings from environment variables, applying
// defaults and validating the result.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// OTELConfig holds OpenTelemetry exporter settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// ChatConfig tunes the websocket transport and protocol handler.
type ChatConfig struct {
	MaxMessageLen     int           // runes per message
	RateRPS           float64       // messages per second per connection
	RateBurst         int           // burst per connection
	SendQueue         int           // outbound frames buffered per connection
	PingInterval      time.Duration // must be shorter than PongWait
	PongWait          time.Duration
	WriteWait         time.Duration
	MaxFrameBytes     int64
	StoreTimeout      time.Duration
	IdleTimeout       time.Duration // 0 disables the idle sweeper
	IdleSweepInterval time.Duration
}

// Config holds all configuration values for the service.
type Config struct {
	Port        string
	GinMode     string // debug|release|test
	Environment string

	LogLevel  string
	LogPretty bool

	// DBDSN selects the Postgres store; empty keeps history in memory.
	DBDSN string

	AdminToken       string
	AdminTokenMinLen int

	CORSAllowedOrigins []string
	DebugRoutes        bool

	AMQPURL      string
	AMQPExchange string

	OTEL OTELConfig
	Chat ChatConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		Port:        getenv("PORT", "8083"),
		GinMode:     strings.ToLower(getenv("GIN_MODE", "release")),
		Environment: getenv("APP_ENV", "development"),

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		DBDSN: getenv("DB_DSN", ""),

		AdminToken:       getenv("ADMIN_TOKEN", ""),
		AdminTokenMinLen: getint("ADMIN_TOKEN_MIN_LEN", 16),

		CORSAllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		DebugRoutes:        getbool("DEBUG_ROUTES", false),

		AMQPURL:      getenv("AMQP_URL", ""),
		AMQPExchange: getenv("AMQP_EXCHANGE", "storefront.events"),

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "storefront-chat"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},

		Chat: ChatConfig{
			MaxMessageLen:     getint("CHAT_MAX_MESSAGE_LEN", 2000),
			RateRPS:           getfloat("CHAT_RATE_RPS", 5),
			RateBurst:         getint("CHAT_RATE_BURST", 10),
			SendQueue:         getint("CHAT_SEND_QUEUE", 256),
			PingInterval:      getdur("CHAT_PING_INTERVAL", 54*time.Second),
			PongWait:          getdur("CHAT_PONG_WAIT", 60*time.Second),
			WriteWait:         getdur("CHAT_WRITE_WAIT", 10*time.Second),
			MaxFrameBytes:     int64(getint("CHAT_MAX_FRAME_BYTES", 16<<10)),
			StoreTimeout:      getdur("CHAT_STORE_TIMEOUT", 5*time.Second),
			IdleTimeout:       getdur("CHAT_IDLE_TIMEOUT", 0),
			IdleSweepInterval: getdur("CHAT_IDLE_SWEEP_INTERVAL", 5*time.Minute),
		},
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.AdminTokenMinLen < 1 {
		return cfg, errors.New("ADMIN_TOKEN_MIN_LEN must be >= 1")
	}
	if cfg.AdminToken != "" && len(cfg.AdminToken) < cfg.AdminTokenMinLen {
		return cfg, errors.New("ADMIN_TOKEN is shorter than ADMIN_TOKEN_MIN_LEN")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	if err := cfg.Chat.validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// ClientConfig configures the terminal chat client.
type ClientConfig struct {
	URL            string
	Token          string
	ReconnectDelay time.Duration
	LogLevel       string
}

// LoadClient reads client settings from the environment.
func LoadClient() ClientConfig {
	return ClientConfig{
		URL:            getenv("CHAT_URL", "ws://localhost:8083/ws/chat"),
		Token:          getenv("ADMIN_TOKEN", ""),
		ReconnectDelay: getdur("CHAT_RECONNECT_DELAY", 3*time.Second),
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "warn")),
	}
}

func (c ChatConfig) validate() error {
	if c.MaxMessageLen < 1 {
		return errors.New("CHAT_MAX_MESSAGE_LEN must be >= 1")
	}
	if c.RateRPS <= 0 {
		return errors.New("CHAT_RATE_RPS must be > 0")
	}
	if c.RateBurst < 1 {
		return errors.New("CHAT_RATE_BURST must be >= 1")
	}
	if c.SendQueue < 1 {
		return errors.New("CHAT_SEND_QUEUE must be >= 1")
	}
	if c.PingInterval <= 0 || c.PongWait <= 0 || c.WriteWait <= 0 || c.StoreTimeout <= 0 {
		return errors.New("chat timeouts must be positive durations")
	}
	if c.PingInterval >= c.PongWait {
		return errors.New("CHAT_PING_INTERVAL must be shorter than CHAT_PONG_WAIT")
	}
	if c.MaxFrameBytes <= 0 {
		return errors.New("CHAT_MAX_FRAME_BYTES must be > 0")
	}
	if c.IdleTimeout < 0 {
		return errors.New("CHAT_IDLE_TIMEOUT must be >= 0")
	}
	if c.IdleTimeout > 0 && c.IdleSweepInterval <= 0 {
		return errors.New("CHAT_IDLE_SWEEP_INTERVAL must be > 0 when CHAT_IDLE_TIMEOUT is set")
	}
	return nil
}

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
