package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/tbourn/go-party-sync/internal/eventmgr"
)

// --- MustLoad ---

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose") // invalid -> Load() error
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

func TestMustLoad_Success_NoPanic(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("MustLoad should not panic on valid defaults, got: %v", r)
		}
	}()
	cfg := MustLoad()
	if cfg.APIBasePath != "/api/v1" || cfg.OTEL.ServiceName != "partysyncd" {
		t.Fatalf("unexpected defaults from MustLoad: %+v", cfg)
	}
}

// --- Load success + normalization + parsing ---

func TestLoad_Success_DefaultsAndOverrides(t *testing.T) {
	t.Setenv("PORT", "8088")
	t.Setenv("READ_TIMEOUT", "2s")
	t.Setenv("READ_HEADER_TIMEOUT", "1s")
	t.Setenv("WRITE_TIMEOUT", "3s")
	t.Setenv("IDLE_TIMEOUT", "4s")
	t.Setenv("MAX_HEADER_BYTES", "8192")
	t.Setenv("GIN_MODE", "weird") // will normalize to "release"

	t.Setenv("LOG_LEVEL", "warning") // will normalize to "warn"
	t.Setenv("LOG_PRETTY", "yes")
	t.Setenv("SWAGGER_ENABLED", "on")
	t.Setenv("API_BASE_PATH", "api/v1/")

	t.Setenv("DB_PATH", "events.sqlite")
	t.Setenv("EVENT_RETENTION", "2h")
	t.Setenv("PRUNE_INTERVAL", "1m")
	t.Setenv("MAX_PAYLOAD_BYTES", "1024")

	t.Setenv("RATE_RPS", "x")      // -> default 20
	t.Setenv("RATE_BURST", "nope") // -> default 40

	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.com , , http://b ")
	t.Setenv("ENABLE_HSTS", "TRUE")
	t.Setenv("HSTS_MAX_AGE", "24h")
	t.Setenv("IDEMPOTENCY_TTL", "48h")

	t.Setenv("OTEL_ENABLED", "1")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "0")
	t.Setenv("OTEL_SERVICE_NAME", "svc")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.75")

	t.Setenv("RELAY_ENABLED", "off")
	t.Setenv("RELAY_PUBLISH_BIND", "tcp://*:6001")
	t.Setenv("RELAY_SUBSCRIBE_ENDPOINT", "tcp://relay:6002")
	t.Setenv("RELAY_HEARTBEAT", "2s")

	t.Setenv("AGENT_SERVER_URL", "http://api:8080")
	t.Setenv("AGENT_ACTOR_ID", "dj-1")
	t.Setenv("AGENT_QUEUE_BACKEND", "SQLite")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != "8088" ||
		cfg.ReadTimeout != 2*time.Second ||
		cfg.ReadHeaderTimeout != 1*time.Second ||
		cfg.WriteTimeout != 3*time.Second ||
		cfg.IdleTimeout != 4*time.Second ||
		cfg.MaxHeaderBytes != 8192 ||
		cfg.GinMode != "release" {
		t.Fatalf("server fields unexpected: %+v", cfg)
	}
	if cfg.LogLevel != "warn" || !cfg.LogPretty || !cfg.SwaggerEnabled || cfg.APIBasePath != "/api/v1" {
		t.Fatalf("logging/docs unexpected: %+v", cfg)
	}
	if cfg.DBPath != "events.sqlite" || cfg.EventRetention != 2*time.Hour || cfg.PruneInterval != time.Minute || cfg.MaxPayloadBytes != 1024 {
		t.Fatalf("event log fields unexpected: %+v", cfg)
	}
	if cfg.RateRPS != 20.0 || cfg.RateBurst != 40 {
		t.Fatalf("rate limiting unexpected: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"https://a.com", "http://b"}) {
		t.Fatalf("cors origins unexpected: %#v", cfg.CORS.AllowedOrigins)
	}
	if !cfg.Security.EnableHSTS || cfg.Security.HSTSMaxAge != 24*time.Hour {
		t.Fatalf("security unexpected: %+v", cfg.Security)
	}
	if cfg.IdempotencyTTL != 48*time.Hour {
		t.Fatalf("idempotency ttl unexpected: %v", cfg.IdempotencyTTL)
	}
	if !cfg.OTEL.Enabled || cfg.OTEL.Endpoint != "otel:4317" || cfg.OTEL.Insecure || cfg.OTEL.ServiceName != "svc" || cfg.OTEL.SampleRatio != 0.75 {
		t.Fatalf("otel unexpected: %+v", cfg.OTEL)
	}
	if cfg.Relay.Enabled || cfg.Relay.Broker.PublishBind != "tcp://*:6001" ||
		cfg.Relay.Client.SubscribeEndpoint != "tcp://relay:6002" || cfg.Relay.Broker.Heartbeat != 2*time.Second {
		t.Fatalf("relay unexpected: %+v", cfg.Relay)
	}
	if cfg.Relay.Broker.SubscribeBind == "" || cfg.Relay.Client.PublishEndpoint == "" {
		t.Fatalf("relay defaults missing: %+v", cfg.Relay)
	}
	if cfg.Agent.ServerURL != "http://api:8080" || cfg.Agent.ActorID != "dj-1" || cfg.Agent.QueueBackend != "sqlite" {
		t.Fatalf("agent unexpected: %+v", cfg.Agent)
	}
}

// --- Load validations (each case triggers exactly one validation error) ---

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name, key, val, want string
	}{
		{"invalid LOG_LEVEL", "LOG_LEVEL", "verbose", "LOG_LEVEL"},
		{"empty PORT via spaces", "PORT", "   ", "PORT must not be empty"},
		{"non-positive timeouts", "READ_TIMEOUT", "0s", "timeouts must be positive"},
		{"max header bytes <= 0", "MAX_HEADER_BYTES", "0", "MAX_HEADER_BYTES"},
		{"empty DB_PATH", "DB_PATH", "   ", "DB_PATH must not be empty"},
		{"zero retention", "EVENT_RETENTION", "0s", "EVENT_RETENTION"},
		{"payload limit <= 0", "MAX_PAYLOAD_BYTES", "-5", "MAX_PAYLOAD_BYTES"},
		{"rate rps negative", "RATE_RPS", "-1", "RATE_RPS"},
		{"rate burst < 1", "RATE_BURST", "0", "RATE_BURST"},
		{"hsts max age negative", "HSTS_MAX_AGE", "-1s", "HSTS_MAX_AGE"},
		{"idempotency ttl non-positive", "IDEMPOTENCY_TTL", "0s", "IDEMPOTENCY_TTL"},
		{"otel sample ratio out of range", "OTEL_TRACES_SAMPLER_ARG", "1.5", "OTEL_TRACES_SAMPLER_ARG"},
		{"unknown queue backend", "AGENT_QUEUE_BACKEND", "redis", "AGENT_QUEUE_BACKEND"},
		{"missing sync file", "SYNC_CONFIG_FILE", "/does/not/exist.yaml", "read sync config"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil || !containsErr(err, tc.want) {
				t.Fatalf("expected error containing %q, got: %v", tc.want, err)
			}
		})
	}
}

// --- sync overlay ---

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "sync.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoad_SyncFileOverlay(t *testing.T) {
	p := writeFile(t, `
rate_limit:
  actor:
    per_second: 3
dedup:
  window: 10m
reconnect:
  max_attempts: 20
  base_delay: 250ms
fallback:
  queue_max_size: 50
broadcast:
  debounce: 0s
`)
	t.Setenv("SYNC_CONFIG_FILE", p)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	s := cfg.Sync
	if s.RateLimit.Actor.PerSecond != 3 || s.Dedup.Window != 10*time.Minute ||
		s.Reconnect.MaxAttempts != 20 || s.Reconnect.BaseDelay != 250*time.Millisecond ||
		s.Fallback.QueueMaxSize != 50 || s.Broadcast.Debounce != 0 {
		t.Fatalf("overlay not applied: %+v", s)
	}
	// untouched keys keep their defaults
	def := defaultSync()
	if s.RateLimit.Actor.PerMinute != def.RateLimit.Actor.PerMinute || s.Dedup.Capacity != def.Dedup.Capacity {
		t.Fatalf("defaults lost: %+v", s)
	}
}

func TestLoadSyncFile_Errors(t *testing.T) {
	base := defaultSync()

	p := writeFile(t, "dedup:\n  windw: 1m\n")
	if _, err := LoadSyncFile(p, base); err == nil || !containsErr(err, "parse sync config") {
		t.Fatalf("expected unknown field error, got %v", err)
	}

	p = writeFile(t, "reconnect:\n  jitter: 2\n")
	if _, err := LoadSyncFile(p, base); err == nil || !containsErr(err, "jitter") {
		t.Fatalf("expected jitter validation error, got %v", err)
	}

	p = writeFile(t, "")
	got, err := LoadSyncFile(p, base)
	if err != nil {
		t.Fatalf("empty file should be accepted: %v", err)
	}
	if got.Dedup.Window != base.Dedup.Window {
		t.Fatalf("empty file changed config: %+v", got)
	}
}

// --- helpers ---

func TestHelpers_getenv(t *testing.T) {
	t.Setenv("X_EMPTY", "")
	if getenv("X_EMPTY", "d") != "d" {
		t.Fatalf("getenv should fall back to default on empty var")
	}
	t.Setenv("X_SET", "val")
	if getenv("X_SET", "d") != "val" {
		t.Fatalf("getenv should read set value")
	}
}

func TestHelpers_getfloat_getint_getdur(t *testing.T) {
	t.Setenv("F_VALID", "3.14")
	if getfloat("F_VALID", 0) != 3.14 {
		t.Fatalf("getfloat parse failed")
	}
	t.Setenv("F_BAD", "nope")
	if getfloat("F_BAD", 1.23) != 1.23 {
		t.Fatalf("getfloat default on bad parse failed")
	}
	t.Setenv("I_VALID", "42")
	if getint("I_VALID", 0) != 42 {
		t.Fatalf("getint parse failed")
	}
	t.Setenv("I_BAD", "x")
	if getint("I_BAD", 7) != 7 {
		t.Fatalf("getint default on bad parse failed")
	}
	t.Setenv("D_VALID", "150ms")
	if getdur("D_VALID", time.Second) != 150*time.Millisecond {
		t.Fatalf("getdur parse failed")
	}
	t.Setenv("D_BAD", "zzz")
	if getdur("D_BAD", 2*time.Second) != 2*time.Second {
		t.Fatalf("getdur default on bad parse failed")
	}
}

func TestHelpers_getbool(t *testing.T) {
	for i, v := range []string{"1", "true", "TRUE", " yes ", "Y", "on", "On"} {
		k := "B_T_" + string(rune('a'+i))
		t.Setenv(k, v)
		if !getbool(k, false) {
			t.Fatalf("getbool(%q) = false; want true", v)
		}
	}
	for i, v := range []string{"0", "false", "FALSE", " no ", "N", "off", "Off"} {
		k := "B_F_" + string(rune('a'+i))
		t.Setenv(k, v)
		if getbool(k, true) {
			t.Fatalf("getbool(%q) = true; want false", v)
		}
	}
	t.Setenv("B_EMPTY", "")
	if !getbool("B_EMPTY", true) || getbool("B_EMPTY", false) {
		t.Fatalf("getbool default behavior unexpected")
	}
}

func TestHelpers_splitCSV_and_normalizeBasePath(t *testing.T) {
	if out := splitCSV(""); out != nil {
		t.Fatalf("splitCSV empty should return nil")
	}
	want := []string{"a", "b", "c"}
	if got := splitCSV(" a, ,b ,  c  ,"); !reflect.DeepEqual(got, want) {
		t.Fatalf("splitCSV mismatch: got %#v want %#v", got, want)
	}
	if normalizeBasePath("") != "/" {
		t.Fatalf("normalizeBasePath empty -> '/' failed")
	}
	if normalizeBasePath("v1") != "/v1" {
		t.Fatalf("normalizeBasePath missing leading slash failed")
	}
	if normalizeBasePath("/v1/") != "/v1" {
		t.Fatalf("normalizeBasePath trailing slash trim failed")
	}
	if normalizeBasePath(" / ") != "/" {
		t.Fatalf("normalizeBasePath whitespace failed")
	}
}

func TestMain(m *testing.M) {
	os.Unsetenv("PORT")
	os.Unsetenv("SYNC_CONFIG_FILE")
	os.Exit(m.Run())
}

func containsErr(err error, want string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), want)
}

func defaultSync() eventmgr.Config { return eventmgr.DefaultConfig() }
