// Package eventmgr is the per-scope entry point of the sync layer. A Manager
// wires the rate limiter, dedup engine, connection client, reconnection and
// fallback managers, and state broadcaster for one scope, fans delivered
// events out to any number of subscribers, and stamps outbound events.
package eventmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-party-sync/internal/broadcast"
	"github.com/tbourn/go-party-sync/internal/clock"
	"github.com/tbourn/go-party-sync/internal/connection"
	"github.com/tbourn/go-party-sync/internal/dedup"
	"github.com/tbourn/go-party-sync/internal/domain"
	"github.com/tbourn/go-party-sync/internal/fallback"
	"github.com/tbourn/go-party-sync/internal/ratelimit"
	"github.com/tbourn/go-party-sync/internal/reconnect"
	"github.com/tbourn/go-party-sync/internal/relay"
)

var (
	ErrEmptyScope         = errors.New("scope id is required")
	ErrAlreadyInitialized = errors.New("event manager already initialized")
	ErrNotInitialized     = errors.New("event manager not initialized")
	ErrClosed             = errors.New("event manager cleaned up")
	ErrScopeMismatch      = errors.New("event scope does not match manager scope")
)

// Handler receives delivered events.
type Handler func(ctx context.Context, evt domain.Event) error

// HandlerID identifies one subscription for removal.
type HandlerID uint64

// Deps are the collaborators outside the core. Only Relay is required.
type Deps struct {
	Relay     relay.Relay
	Poller    fallback.Poller
	Pusher    fallback.Pusher
	Store     fallback.Store
	Recoverer reconnect.Recoverer
}

// Config bundles the tuning of every owned component.
type Config struct {
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Dedup     dedup.Config     `yaml:"dedup"`
	Reconnect reconnect.Config `yaml:"reconnect"`
	Fallback  fallback.Config  `yaml:"fallback"`
	Broadcast broadcast.Config `yaml:"broadcast"`
}

// DefaultConfig returns the production tuning of every component.
func DefaultConfig() Config {
	return Config{
		RateLimit: ratelimit.DefaultConfig,
		Dedup:     dedup.DefaultConfig,
		Reconnect: reconnect.DefaultConfig,
		Fallback:  fallback.DefaultConfig,
		Broadcast: broadcast.DefaultConfig,
	}
}

// Status is the connection summary for UIs.
type Status struct {
	ScopeID   string
	State     connection.State
	Connected bool
	Mode      fallback.Mode
	Health    reconnect.Health
}

// Statistics aggregates every component's counters.
type Statistics struct {
	ScopeID          string
	Connection       connection.Stats
	RateLimit        ratelimit.Stats
	Dedup            dedup.Stats
	Fallback         fallback.Stats
	Health           reconnect.Health
	Broadcasts       map[broadcast.Category]uint64
	PendingBroadcast int
	Subscribers      int
	SubscriberErrors uint64
	Published        uint64
	Queued           uint64
}

type subscriber struct {
	id HandlerID
	fn Handler
}

// Manager is safe for concurrent use. The zero value is not usable; call New.
type Manager struct {
	deps  Deps
	cfg   Config
	clock clock.Clock
	log   zerolog.Logger

	hmu      sync.RWMutex
	handlers map[domain.Action][]subscriber
	nextID   HandlerID

	mu          sync.Mutex
	scopeID     string
	initialized bool
	closed      bool
	paused      bool
	runCtx      context.Context
	cancel      context.CancelFunc

	limiter   *ratelimit.Limiter
	engine    *dedup.Engine
	conn      *connection.Client
	reconnect *reconnect.Manager
	fallback  *fallback.Manager
	bcast     *broadcast.Broadcaster

	smu       sync.Mutex
	subErrors uint64
	published uint64
	queued    uint64
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock of every owned component.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = clock.OrReal(c) } }

// WithLogger overrides the base logger.
func WithLogger(lg zerolog.Logger) Option { return func(m *Manager) { m.log = lg } }

// New validates deps. Components are built by Initialize.
func New(deps Deps, cfg Config, opts ...Option) (*Manager, error) {
	if deps.Relay == nil {
		return nil, errors.New("eventmgr: relay is required")
	}
	m := &Manager{
		deps:     deps,
		cfg:      cfg,
		clock:    clock.Real{},
		log:      log.Logger,
		handlers: make(map[domain.Action][]subscriber),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Initialize builds and starts the pipeline for scopeID and opens the relay
// connection. If the initial connect fails the error is returned, but the
// reconnection manager keeps retrying in the background; callers that give
// up must call Cleanup.
func (m *Manager) Initialize(ctx context.Context, scopeID string) error {
	scopeID = domain.NormalizeScopeID(scopeID)
	if scopeID == "" {
		return ErrEmptyScope
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.initialized {
		m.mu.Unlock()
		return fmt.Errorf("%w for scope %s", ErrAlreadyInitialized, m.scopeID)
	}

	lg := m.log.With().Str("scope_id", scopeID).Logger()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	limiter := ratelimit.New(m.cfg.RateLimit,
		ratelimit.WithClock(m.clock),
		ratelimit.WithLogger(lg.With().Str("component", "ratelimit").Logger()))
	engine, err := dedup.New(m.cfg.Dedup,
		dedup.WithClock(m.clock),
		dedup.WithLogger(lg.With().Str("component", "dedup").Logger()))
	if err != nil {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("initialize %s: %w", scopeID, err)
	}
	for _, a := range domain.Actions {
		engine.Register(a, m.dispatch)
	}

	conn := connection.New(m.deps.Relay, scopeID, limiter, engine,
		connection.WithClock(m.clock),
		connection.WithContext(runCtx),
		connection.WithLogger(lg.With().Str("component", "connection").Logger()))

	fb := fallback.New(scopeID, engine, m.deps.Poller, m.deps.Pusher, m.deps.Store, m.cfg.Fallback,
		fallback.WithClock(m.clock),
		fallback.WithLogger(lg.With().Str("component", "fallback").Logger()))

	ropts := []reconnect.Option{
		reconnect.WithClock(m.clock),
		reconnect.WithLogger(lg.With().Str("component", "reconnect").Logger()),
	}
	if m.deps.Recoverer != nil {
		ropts = append(ropts, reconnect.WithRecoverer(m.deps.Recoverer))
	}
	rc := reconnect.New(conn, m.cfg.Reconnect, ropts...)
	rc.OnFailure(func(reconnect.Health) { fb.Activate() })
	rc.OnExhausted(func(h reconnect.Health) {
		lg.Error().Int("attempts", h.Attempts).Msg("relay unreachable, staying on fallback")
	})
	rc.OnReconnected(func(reconnect.Health) {
		n, err := fb.Restore(runCtx, conn.Send)
		if err != nil {
			lg.Warn().Err(err).Int("flushed", n).Msg("queue flush after reconnect incomplete")
			return
		}
		if n > 0 {
			lg.Info().Int("flushed", n).Msg("queued events flushed after reconnect")
		}
	})

	bc := broadcast.New(broadcast.PublisherFunc(func(ctx context.Context, evt domain.Event) error {
		_, err := m.BroadcastEvent(ctx, evt)
		return err
	}), m.cfg.Broadcast, broadcast.WithLogger(lg.With().Str("component", "broadcast").Logger()))

	m.scopeID = scopeID
	m.runCtx, m.cancel = runCtx, cancel
	m.limiter, m.engine, m.conn = limiter, engine, conn
	m.reconnect, m.fallback, m.bcast = rc, fb, bc
	m.initialized = true
	m.mu.Unlock()

	limiter.Start(runCtx)
	engine.Start(runCtx)
	fb.Start(runCtx)

	err = conn.Connect(ctx)
	if err == nil {
		rc.MarkConnected()
	}
	rc.Start(runCtx)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", scopeID, err)
	}
	lg.Info().Str("channel", conn.Channel()).Msg("event manager initialized")
	return nil
}

// AddEventHandler subscribes fn to action. Handlers may be added before
// Initialize.
func (m *Manager) AddEventHandler(action domain.Action, fn Handler) HandlerID {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	m.nextID++
	m.handlers[action] = append(m.handlers[action], subscriber{id: m.nextID, fn: fn})
	return m.nextID
}

// RemoveEventHandler unsubscribes id. It reports whether id was found.
func (m *Manager) RemoveEventHandler(action domain.Action, id HandlerID) bool {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	subs := m.handlers[action]
	for i, s := range subs {
		if s.id == id {
			m.handlers[action] = append(subs[:i:i], subs[i+1:]...)
			if len(m.handlers[action]) == 0 {
				delete(m.handlers, action)
			}
			return true
		}
	}
	return false
}

// dispatch is the single engine handler for every action.
func (m *Manager) dispatch(ctx context.Context, evt domain.Event) error {
	m.hmu.RLock()
	subs := append([]subscriber(nil), m.handlers[evt.Action]...)
	m.hmu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := callSubscriber(ctx, s.fn, evt); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		m.smu.Lock()
		m.subErrors += uint64(len(errs))
		m.smu.Unlock()
	}
	return errors.Join(errs...)
}

func callSubscriber(ctx context.Context, fn Handler, evt domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic on %s: %v", evt.Action, r)
		}
	}()
	return fn(ctx, evt)
}

// stamp fills id, scope, timestamp, and version on a partial event.
func (m *Manager) stamp(scopeID string, partial domain.Event) (domain.Event, error) {
	e := partial
	if e.ScopeID == "" {
		e.ScopeID = scopeID
	} else if e.ScopeID = domain.NormalizeScopeID(e.ScopeID); e.ScopeID != scopeID {
		return e, fmt.Errorf("%w: %s", ErrScopeMismatch, e.ScopeID)
	}
	if e.ID == "" {
		e.ID = domain.NewID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = m.clock.Now().UnixMilli()
	}
	if e.Version == 0 {
		e.Version = domain.NewVersion()
	}
	if len(e.Payload) == 0 {
		e.Payload = domain.MustPayload(nil)
	}
	if err := e.Validate(); err != nil {
		return e, err
	}
	return e, nil
}

// BroadcastEvent stamps partial and sends it through the relay, or hands it
// to the fallback queue while the relay is unavailable. It returns the
// stamped event. fallback.ErrDegraded is returned while delivery is
// suspended.
func (m *Manager) BroadcastEvent(ctx context.Context, partial domain.Event) (domain.Event, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return partial, ErrClosed
	}
	if !m.initialized {
		m.mu.Unlock()
		return partial, ErrNotInitialized
	}
	scopeID, conn, fb := m.scopeID, m.conn, m.fallback
	m.mu.Unlock()

	evt, err := m.stamp(scopeID, partial)
	if err != nil {
		return evt, err
	}

	if conn.IsConnected() {
		sendErr := conn.Send(ctx, evt)
		if sendErr == nil {
			m.smu.Lock()
			m.published++
			m.smu.Unlock()
			return evt, nil
		}
		m.log.Warn().Err(sendErr).Str("event_id", evt.ID).Msg("relay send failed, falling back")
	}
	if err := fb.Enqueue(ctx, evt, ""); err != nil {
		return evt, err
	}
	m.smu.Lock()
	m.queued++
	m.smu.Unlock()
	return evt, nil
}

// BroadcastEvents sends every partial in order and joins the errors.
func (m *Manager) BroadcastEvents(ctx context.Context, partials []domain.Event) ([]domain.Event, error) {
	out := make([]domain.Event, 0, len(partials))
	var errs []error
	for _, p := range partials {
		evt, err := m.BroadcastEvent(ctx, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", evt.ID, err))
			continue
		}
		out = append(out, evt)
	}
	return out, errors.Join(errs...)
}

// Broadcaster returns the state broadcaster, or nil before Initialize.
func (m *Manager) Broadcaster() *broadcast.Broadcaster {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bcast
}

// ScopeID returns the initialized scope.
func (m *Manager) ScopeID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scopeID
}

// GetConnectionStatus returns the connection summary.
func (m *Manager) GetConnectionStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return Status{State: connection.StateInitializing, Mode: fallback.ModeRelay}
	}
	return Status{
		ScopeID:   m.scopeID,
		State:     m.conn.State(),
		Connected: m.conn.IsConnected(),
		Mode:      m.fallback.Mode(),
		Health:    m.reconnect.Health(),
	}
}

// GetStatistics aggregates counters from every owned component.
func (m *Manager) GetStatistics() Statistics {
	m.hmu.RLock()
	subs := 0
	for _, s := range m.handlers {
		subs += len(s)
	}
	m.hmu.RUnlock()

	m.smu.Lock()
	st := Statistics{
		Subscribers:      subs,
		SubscriberErrors: m.subErrors,
		Published:        m.published,
		Queued:           m.queued,
	}
	m.smu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return st
	}
	st.ScopeID = m.scopeID
	st.Connection = m.conn.Stats()
	st.RateLimit = m.limiter.Stats()
	st.Dedup = m.engine.Stats()
	st.Fallback = m.fallback.Stats()
	st.Health = m.reconnect.Health()
	st.Broadcasts = m.bcast.Sent()
	st.PendingBroadcast = m.bcast.PendingCount()
	return st
}

// Reconnect resumes monitoring if Disconnect paused it, forces an immediate
// reconnection attempt, and lifts degraded mode.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if !m.initialized {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	rc, fb := m.reconnect, m.fallback
	if m.paused {
		m.paused = false
		rc.Start(m.runCtx)
	}
	m.mu.Unlock()
	fb.ForceRetry()
	rc.ForceReconnect()
	return nil
}

// Disconnect closes the relay connection and pauses automatic reconnection
// until Reconnect is called.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.initialized || m.closed {
		m.mu.Unlock()
		return
	}
	rc, conn := m.reconnect, m.conn
	wasPaused := m.paused
	m.paused = true
	m.mu.Unlock()
	if !wasPaused {
		rc.Stop()
	}
	conn.Disconnect()
}

// Cleanup tears down every component. The manager cannot be reused.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	initialized := m.initialized
	m.mu.Unlock()
	if !initialized {
		return
	}

	m.bcast.Destroy()
	m.reconnect.Stop()
	m.fallback.Destroy()
	m.conn.Destroy()
	m.engine.Destroy()
	m.limiter.Destroy()
	m.cancel()
	m.log.Info().Str("scope_id", m.scopeID).Msg("event manager cleaned up")
}
