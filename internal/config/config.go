// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, database paths, HTTP rate limiting, observability, the relay
// broker endpoints, and the agent settings. Sync tuning (rate limits, dedup
// windows, backoff, fallback) can additionally be overlaid from a YAML file.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/go-party-sync/internal/eventmgr"
	"github.com/tbourn/go-party-sync/internal/relay/zmqrelay"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "partysyncd")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RelayConfig holds the broker bind addresses (server) and the endpoints
// clients connect to.
type RelayConfig struct {
	Enabled bool // RELAY_ENABLED
	Broker  zmqrelay.BrokerConfig
	Client  zmqrelay.Config
}

// AgentConfig configures cmd/partysync-agent.
type AgentConfig struct {
	ServerURL    string        // AGENT_SERVER_URL
	ActorID      string        // AGENT_ACTOR_ID
	QueueBackend string        // AGENT_QUEUE_BACKEND: bolt|sqlite
	QueuePath    string        // AGENT_QUEUE_PATH
	HTTPTimeout  time.Duration // AGENT_HTTP_TIMEOUT
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Event log
	DBPath          string        // SQLite path
	EventRetention  time.Duration // how long polled events stay available
	PruneInterval   time.Duration // how often the log is pruned
	MaxPayloadBytes int           // upper bound for one event payload

	// HTTP rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig

	// Relay transport
	Relay RelayConfig

	// Agent
	Agent AgentConfig

	// Sync holds the event-manager tuning; SyncConfigFile overlays it.
	SyncConfigFile string
	Sync           eventmgr.Config
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	bdef, cdef := zmqrelay.DefaultBrokerConfig, zmqrelay.DefaultClientConfig
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Event log
		DBPath:          getenv("DB_PATH", "partysync.db"),
		EventRetention:  getdur("EVENT_RETENTION", 24*time.Hour),
		PruneInterval:   getdur("PRUNE_INTERVAL", 10*time.Minute),
		MaxPayloadBytes: getint("MAX_PAYLOAD_BYTES", 64<<10),

		// HTTP rate limiting
		RateRPS:   getfloat("RATE_RPS", 20.0),
		RateBurst: getint("RATE_BURST", 40),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "partysyncd"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},

		// Relay transport (ZeroMQ)
		Relay: RelayConfig{
			Enabled: getbool("RELAY_ENABLED", true),
			Broker: zmqrelay.BrokerConfig{
				PublishBind:   getenv("RELAY_PUBLISH_BIND", bdef.PublishBind),
				SubscribeBind: getenv("RELAY_SUBSCRIBE_BIND", bdef.SubscribeBind),
				PingBind:      getenv("RELAY_PING_BIND", bdef.PingBind),
				Heartbeat:     getdur("RELAY_HEARTBEAT", bdef.Heartbeat),
			},
			Client: zmqrelay.Config{
				PublishEndpoint:   getenv("RELAY_PUBLISH_ENDPOINT", cdef.PublishEndpoint),
				SubscribeEndpoint: getenv("RELAY_SUBSCRIBE_ENDPOINT", cdef.SubscribeEndpoint),
				PingEndpoint:      getenv("RELAY_PING_ENDPOINT", cdef.PingEndpoint),
				IdleTimeout:       getdur("RELAY_IDLE_TIMEOUT", cdef.IdleTimeout),
				PingTimeout:       getdur("RELAY_PING_TIMEOUT", cdef.PingTimeout),
				PollInterval:      cdef.PollInterval,
			},
		},

		// Agent
		Agent: AgentConfig{
			ServerURL:    getenv("AGENT_SERVER_URL", "http://localhost:8080"),
			ActorID:      getenv("AGENT_ACTOR_ID", ""),
			QueueBackend: strings.ToLower(getenv("AGENT_QUEUE_BACKEND", "bolt")),
			QueuePath:    getenv("AGENT_QUEUE_PATH", "partysync-queue.db"),
			HTTPTimeout:  getdur("AGENT_HTTP_TIMEOUT", 10*time.Second),
		},

		SyncConfigFile: getenv("SYNC_CONFIG_FILE", ""),
		Sync:           eventmgr.DefaultConfig(),
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.EventRetention <= 0 || cfg.PruneInterval <= 0 {
		return cfg, errors.New("EVENT_RETENTION and PRUNE_INTERVAL must be > 0")
	}
	if cfg.MaxPayloadBytes <= 0 {
		return cfg, errors.New("MAX_PAYLOAD_BYTES must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	switch cfg.Agent.QueueBackend {
	case "bolt", "sqlite":
	default:
		return cfg, errors.New("AGENT_QUEUE_BACKEND must be one of: bolt, sqlite")
	}

	if cfg.SyncConfigFile != "" {
		sync, err := LoadSyncFile(cfg.SyncConfigFile, cfg.Sync)
		if err != nil {
			return cfg, err
		}
		cfg.Sync = sync
	}

	return cfg, nil
}

// ---- helpers ----

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
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
