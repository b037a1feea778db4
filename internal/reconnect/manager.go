// Package reconnect watches the relay connection and restores it with
// exponential backoff, then triggers state recovery for the scope.
package reconnect

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-party-sync/internal/clock"
	"github.com/tbourn/go-party-sync/internal/connection"
	"github.com/tbourn/go-party-sync/internal/metrics"
)

// Conn is the subset of *connection.Client the manager drives.
type Conn interface {
	ScopeID() string
	State() connection.State
	Connect(ctx context.Context) error
	Disconnect()
	MarkFailed()
	Ping(ctx context.Context) error
}

// Recoverer reloads authoritative scope state after a reconnection.
type Recoverer interface {
	Recover(ctx context.Context, scopeID string) error
}

// RecovererFunc adapts a function to Recoverer.
type RecovererFunc func(ctx context.Context, scopeID string) error

func (f RecovererFunc) Recover(ctx context.Context, scopeID string) error { return f(ctx, scopeID) }

// Config tunes backoff and probing.
type Config struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
	MaxAttempts int           `yaml:"max_attempts"`

	CheckInterval       time.Duration `yaml:"check_interval"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	PingTimeout         time.Duration `yaml:"ping_timeout"`
	// StaleAfter fails a connected relay whose last successful connect or
	// ping is older than this. Zero means three health check intervals.
	StaleAfter          time.Duration `yaml:"stale_after"`
	// SettleDelay pauses between disconnect and connect; zero skips it.
	SettleDelay         time.Duration `yaml:"settle_delay"`
	AttemptTimeout      time.Duration `yaml:"attempt_timeout"`
	RecoveryTimeout     time.Duration `yaml:"recovery_timeout"`
}

// DefaultConfig is the production tuning.
var DefaultConfig = Config{
	BaseDelay:           time.Second,
	MaxDelay:            30 * time.Second,
	Multiplier:          2,
	Jitter:              0.1,
	MaxAttempts:         10,
	CheckInterval:       time.Second,
	HealthCheckInterval: 30 * time.Second,
	PingTimeout:         5 * time.Second,
	SettleDelay:         250 * time.Millisecond,
	AttemptTimeout:      10 * time.Second,
	RecoveryTimeout:     15 * time.Second,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = d.Jitter
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 3 * c.HealthCheckInterval
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	return c
}

// Health is the connection health record.
type Health struct {
	IsHealthy                bool
	ConsecutiveFailures      int
	Attempts                 int
	LastSuccessfulConnection time.Time
	LastSuccess              time.Time
	LastHealthCheck          time.Time
	Reconnecting             bool
	Exhausted                bool
	NextAttemptIn            time.Duration
}

// Hook observes a health transition.
type Hook func(Health)

// Manager is safe for concurrent use. Hooks run on the manager goroutine.
type Manager struct {
	conn      Conn
	cfg       Config
	recoverer Recoverer
	clock     clock.Clock
	log       zerolog.Logger
	rand      func() float64

	mu          sync.Mutex
	health      Health
	scheduled   bool
	nextAt      time.Time
	onFailure   []Hook
	onReconnect []Hook
	onExhausted []Hook

	force  chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRecoverer sets the post-reconnect state recovery.
func WithRecoverer(r Recoverer) Option { return func(m *Manager) { m.recoverer = r } }

// WithClock overrides the clock used for health timestamps.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = clock.OrReal(c) } }

// WithLogger overrides the component logger.
func WithLogger(lg zerolog.Logger) Option { return func(m *Manager) { m.log = lg } }

// WithRand replaces the jitter source; f must return values in [0, 1).
func WithRand(f func() float64) Option { return func(m *Manager) { m.rand = f } }

// New builds a manager for conn.
func New(conn Conn, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		conn:  conn,
		cfg:   cfg.withDefaults(),
		clock: clock.Real{},
		log:   log.With().Str("component", "reconnect").Str("scope_id", conn.ScopeID()).Logger(),
		rand:  rand.Float64,
		force: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnFailure registers h for every recorded failure.
func (m *Manager) OnFailure(h Hook) { m.addHook(&m.onFailure, h) }

// OnReconnected registers h for every successful reconnection.
func (m *Manager) OnReconnected(h Hook) { m.addHook(&m.onReconnect, h) }

// OnExhausted registers h for when MaxAttempts consecutive attempts failed.
func (m *Manager) OnExhausted(h Hook) { m.addHook(&m.onExhausted, h) }

func (m *Manager) addHook(list *[]Hook, h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*list = append(*list, h)
}

// NextDelay returns the backoff before attempt n (0-based):
// min(base * multiplier^n, max) with +/- jitter, never above max.
func (m *Manager) NextDelay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := float64(m.cfg.BaseDelay) * math.Pow(m.cfg.Multiplier, float64(n))
	if limit := float64(m.cfg.MaxDelay); d > limit {
		d = limit
	}
	if m.cfg.Jitter > 0 {
		d += d * m.cfg.Jitter * (m.rand()*2 - 1)
	}
	if limit := float64(m.cfg.MaxDelay); d > limit {
		d = limit
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Health returns a snapshot of the health record.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.health
	if m.scheduled {
		h.NextAttemptIn = m.nextAt.Sub(m.clock.Now())
		if h.NextAttemptIn < 0 {
			h.NextAttemptIn = 0
		}
	}
	return h
}

// MarkConnected records a successful connection made outside the manager,
// such as the initial connect.
func (m *Manager) MarkConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health.IsHealthy = true
	m.health.ConsecutiveFailures = 0
	m.health.Attempts = 0
	m.health.Exhausted = false
	m.health.LastSuccessfulConnection = m.clock.Now()
	m.health.LastSuccess = m.health.LastSuccessfulConnection
}

// ForceReconnect clears exhaustion and attempts a reconnection at once.
func (m *Manager) ForceReconnect() {
	m.mu.Lock()
	m.health.Exhausted = false
	m.health.Attempts = 0
	m.scheduled = true
	m.nextAt = m.clock.Now()
	m.mu.Unlock()
	select {
	case m.force <- struct{}{}:
	default:
	}
}

// Start launches the monitor goroutine. It returns immediately.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop halts monitoring and waits for an in-flight attempt to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	check := time.NewTicker(m.cfg.CheckInterval)
	defer check.Stop()
	probe := time.NewTicker(m.cfg.HealthCheckInterval)
	defer probe.Stop()

	var timer *time.Timer
	var retry <-chan time.Time
	schedule := func(d time.Duration) {
		if timer != nil {
			timer.Stop()
		}
		timer = time.NewTimer(d)
		retry = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-check.C:
			if d, ok := m.observe(); ok {
				schedule(d)
			}
		case <-probe.C:
			m.probe(ctx)
			if d, ok := m.observe(); ok {
				schedule(d)
			}
		case <-m.force:
			retry = nil
			if d, ok := m.attempt(ctx); ok {
				schedule(d)
			}
		case <-retry:
			retry = nil
			if d, ok := m.attempt(ctx); ok {
				schedule(d)
			}
		}
	}
}

// observe turns a dropped connection into a scheduled attempt.
func (m *Manager) observe() (time.Duration, bool) {
	state := m.conn.State()
	switch state {
	case connection.StateConnected:
		m.mu.Lock()
		if !m.health.IsHealthy && !m.scheduled {
			m.health.IsHealthy = true
			m.health.LastSuccessfulConnection = m.clock.Now()
			m.health.LastSuccess = m.health.LastSuccessfulConnection
		}
		m.mu.Unlock()
		return 0, false
	case connection.StateDisconnected, connection.StateFailed:
	default:
		return 0, false
	}

	m.mu.Lock()
	if m.scheduled || m.health.Exhausted || m.health.Reconnecting {
		m.mu.Unlock()
		return 0, false
	}
	m.mu.Unlock()
	m.log.Warn().Str("state", string(state)).Msg("relay connection lost")
	return m.fail()
}

// fail records one failure and returns the next delay, unless attempts are
// exhausted.
func (m *Manager) fail() (time.Duration, bool) {
	m.mu.Lock()
	m.health.IsHealthy = false
	m.health.ConsecutiveFailures++
	exhausted := m.health.Attempts >= m.cfg.MaxAttempts
	var d time.Duration
	if exhausted {
		m.health.Exhausted = true
		m.scheduled = false
	} else {
		d = m.NextDelay(m.health.Attempts)
		m.scheduled = true
		m.nextAt = m.clock.Now().Add(d)
	}
	snap := m.health
	failure := append([]Hook(nil), m.onFailure...)
	exhaustedHooks := append([]Hook(nil), m.onExhausted...)
	m.mu.Unlock()

	for _, h := range failure {
		h(snap)
	}
	if exhausted {
		m.log.Error().Int("attempts", snap.Attempts).Msg("reconnection attempts exhausted")
		for _, h := range exhaustedHooks {
			h(snap)
		}
		return 0, false
	}
	metrics.ReconnectDelay.Observe(d.Seconds())
	m.log.Info().Dur("delay", d).Int("attempt", snap.Attempts+1).Msg("reconnection scheduled")
	return d, true
}

// attempt runs one reconnection: disconnect, settle, connect, recover.
func (m *Manager) attempt(ctx context.Context) (time.Duration, bool) {
	m.mu.Lock()
	m.scheduled = false
	m.health.Reconnecting = true
	m.health.Attempts++
	n := m.health.Attempts
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.health.Reconnecting = false
		m.mu.Unlock()
	}()

	m.conn.Disconnect()
	if m.cfg.SettleDelay > 0 {
		select {
		case <-ctx.Done():
			return 0, false
		case <-time.After(m.cfg.SettleDelay):
		}
	}

	actx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
	err := m.conn.Connect(actx)
	cancel()
	if ctx.Err() != nil {
		return 0, false
	}
	if err != nil {
		metrics.ReconnectAttempts.WithLabelValues("failure").Inc()
		m.log.Warn().Err(err).Int("attempt", n).Msg("reconnection attempt failed")
		return m.fail()
	}
	metrics.ReconnectAttempts.WithLabelValues("success").Inc()

	m.mu.Lock()
	m.health.IsHealthy = true
	m.health.ConsecutiveFailures = 0
	m.health.Attempts = 0
	m.health.Exhausted = false
	m.health.LastSuccessfulConnection = m.clock.Now()
	m.health.LastSuccess = m.health.LastSuccessfulConnection
	snap := m.health
	hooks := append([]Hook(nil), m.onReconnect...)
	m.mu.Unlock()

	m.log.Info().Int("attempts", n).Msg("relay reconnected")
	m.recover(ctx)
	for _, h := range hooks {
		h(snap)
	}
	return 0, false
}

func (m *Manager) recover(ctx context.Context) {
	if m.recoverer == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, m.cfg.RecoveryTimeout)
	defer cancel()
	if err := m.recoverer.Recover(rctx, m.conn.ScopeID()); err != nil {
		m.log.Error().Err(err).Msg("state recovery failed")
	}
}

// probe checks liveness while connected: the last success must be recent
// and the relay must answer a ping. Either failure marks the connection
// failed so the next observation schedules a reconnect.
func (m *Manager) probe(ctx context.Context) {
	m.mu.Lock()
	now := m.clock.Now()
	m.health.LastHealthCheck = now
	last := m.health.LastSuccess
	m.mu.Unlock()

	if m.conn.State() != connection.StateConnected {
		return
	}
	if !last.IsZero() && now.Sub(last) > m.cfg.StaleAfter {
		m.log.Warn().Time("last_success", last).Msg("relay connection stale")
		m.conn.MarkFailed()
		return
	}
	pctx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	err := m.conn.Ping(pctx)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warn().Err(err).Msg("relay health check failed")
			m.conn.MarkFailed()
		}
		return
	}
	m.mu.Lock()
	m.health.LastSuccess = m.clock.Now()
	m.mu.Unlock()
}
