// Package fallback keeps events flowing while the relay is unreachable.
//
// The manager escalates through polling (inbound events fetched over HTTP),
// queue (outbound events persisted locally and pushed over HTTP), and finally
// degraded (delivery stopped, one high-severity notification raised). Any
// mode returns to relay when the connection is restored, at which point the
// persisted queue is flushed through the relay.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-party-sync/internal/clock"
	"github.com/tbourn/go-party-sync/internal/domain"
	"github.com/tbourn/go-party-sync/internal/metrics"
)

// ErrDegraded is returned to broadcasters while delivery is suspended.
var ErrDegraded = errors.New("event delivery degraded")

// Mode is the active delivery path.
type Mode string

const (
	ModeRelay    Mode = "relay"
	ModePolling  Mode = "polling"
	ModeQueue    Mode = "queue"
	ModeDegraded Mode = "degraded"
)

// Poller fetches events published after since (unix millis).
type Poller interface {
	Poll(ctx context.Context, scopeID string, since int64) ([]domain.Event, error)
}

// Pusher delivers one outbound event without the relay.
type Pusher interface {
	Push(ctx context.Context, evt domain.Event) error
}

// Sink routes polled events into the same dedup engine as relay traffic.
type Sink interface {
	Process(ctx context.Context, evt domain.Event) bool
}

// SendFunc delivers one event, typically through the relay.
type SendFunc func(ctx context.Context, evt domain.Event) error

// Store is the durable outbound queue.
type Store interface {
	Enqueue(ctx context.Context, e domain.QueueEntry) (uint64, error)
	Peek(ctx context.Context, scopeID string, limit int) ([]domain.QueueEntry, error)
	Remove(ctx context.Context, scopeID string, seqs ...uint64) error
	IncrementRetry(ctx context.Context, scopeID string, seq uint64) error
	Len(ctx context.Context, scopeID string) (int, error)
	Prune(ctx context.Context, scopeID string, maxSize int, olderThan time.Time) (int, error)
}

// Config tunes fallback behaviour.
type Config struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	PollOverlap     time.Duration `yaml:"poll_overlap"`
	MaxPollFailures int           `yaml:"max_poll_failures"`
	QueueTimeout    time.Duration `yaml:"queue_timeout"`
	QueueMaxSize    int           `yaml:"queue_max_size"`
	QueueMaxAge     time.Duration `yaml:"queue_max_age"`
	FlushBatch      int           `yaml:"flush_batch"`
	MaxRetries      int           `yaml:"max_retries"`
}

// DefaultConfig is the production tuning.
var DefaultConfig = Config{
	PollInterval:    5 * time.Second,
	PollTimeout:     10 * time.Second,
	PollOverlap:     30 * time.Second,
	MaxPollFailures: 3,
	QueueTimeout:    2 * time.Minute,
	QueueMaxSize:    1000,
	QueueMaxAge:     24 * time.Hour,
	FlushBatch:      50,
	MaxRetries:      5,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.PollOverlap < 0 {
		c.PollOverlap = 0
	}
	if c.MaxPollFailures <= 0 {
		c.MaxPollFailures = d.MaxPollFailures
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = d.QueueTimeout
	}
	if c.QueueMaxSize <= 0 {
		c.QueueMaxSize = d.QueueMaxSize
	}
	if c.QueueMaxAge <= 0 {
		c.QueueMaxAge = d.QueueMaxAge
	}
	if c.FlushBatch <= 0 {
		c.FlushBatch = d.FlushBatch
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	return c
}

// Stats is a snapshot of fallback activity.
type Stats struct {
	Mode                    Mode
	Polls                   uint64
	PollFailures            uint64
	ConsecutivePollFailures int
	PolledEvents            uint64
	Queued                  uint64
	Flushed                 uint64
	Dropped                 uint64
	QueueLength             int
	LastProgress            time.Time
	ModeEnteredAt           time.Time
}

// ModeListener observes mode transitions. It runs outside the manager lock.
type ModeListener func(from, to Mode)

// Manager is safe for concurrent use.
type Manager struct {
	scopeID string
	cfg     Config
	sink    Sink
	poller  Poller
	pusher  Pusher
	store   Store
	clock   clock.Clock
	log     zerolog.Logger

	mu        sync.Mutex
	mode      Mode
	since     int64
	stats     Stats
	listeners []ModeListener
	destroyed bool

	tickMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = clock.OrReal(c) } }

// WithLogger overrides the component logger.
func WithLogger(lg zerolog.Logger) Option { return func(m *Manager) { m.log = lg } }

// New builds a manager in relay mode. poller and pusher may be nil, which
// disables the corresponding path.
func New(scopeID string, sink Sink, poller Poller, pusher Pusher, store Store, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		scopeID: scopeID,
		cfg:     cfg.withDefaults(),
		sink:    sink,
		poller:  poller,
		pusher:  pusher,
		store:   store,
		clock:   clock.Real{},
		log:     log.With().Str("component", "fallback").Str("scope_id", scopeID).Logger(),
		mode:    ModeRelay,
	}
	for _, o := range opts {
		o(m)
	}
	m.stats.ModeEnteredAt = m.clock.Now()
	return m
}

// OnModeChange registers l for every later transition.
func (m *Manager) OnModeChange(l ModeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// setMode must be called with m.mu held; call the returned func after
// unlocking.
func (m *Manager) setMode(to Mode) func() {
	from := m.mode
	if from == to {
		return func() {}
	}
	now := m.clock.Now()
	m.mode = to
	m.stats.ModeEnteredAt = now
	m.stats.LastProgress = now
	m.stats.ConsecutivePollFailures = 0
	metrics.FallbackTransitions.WithLabelValues(string(to)).Inc()
	m.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("fallback mode changed")
	ls := append([]ModeListener(nil), m.listeners...)
	return func() {
		for _, l := range ls {
			l(from, to)
		}
	}
}

// Start launches the polling and flushing loop. It returns immediately.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(m.cfg.PollInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Tick(ctx)
			}
		}
	}()
}

// Activate enters polling mode if the manager is still on the relay path.
func (m *Manager) Activate() {
	m.mu.Lock()
	if m.destroyed || m.mode != ModeRelay {
		m.mu.Unlock()
		return
	}
	m.since = m.clock.Now().Add(-m.cfg.PollOverlap).UnixMilli()
	notify := m.setMode(ModePolling)
	m.mu.Unlock()
	notify()
}

// ForceRetry leaves degraded mode and resumes polling.
func (m *Manager) ForceRetry() {
	m.mu.Lock()
	if m.destroyed || m.mode != ModeDegraded {
		m.mu.Unlock()
		return
	}
	notify := m.setMode(ModePolling)
	m.mu.Unlock()
	notify()
}

// Restore returns to relay mode and flushes the persisted queue through
// send. It reports the number of events flushed.
func (m *Manager) Restore(ctx context.Context, send SendFunc) (int, error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return 0, nil
	}
	notify := m.setMode(ModeRelay)
	m.mu.Unlock()
	notify()

	if m.store == nil || send == nil {
		return 0, nil
	}
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	return m.drain(ctx, send)
}

// Enqueue accepts an outbound event the relay could not carry. In polling
// mode it is pushed at once when possible; otherwise it is persisted.
func (m *Manager) Enqueue(ctx context.Context, evt domain.Event, p domain.Priority) error {
	m.mu.Lock()
	mode, destroyed := m.mode, m.destroyed
	m.mu.Unlock()
	if destroyed {
		return fmt.Errorf("fallback destroyed: %w", ErrDegraded)
	}
	if mode == ModeDegraded {
		return ErrDegraded
	}

	if mode == ModePolling && m.pusher != nil {
		pctx, cancel := context.WithTimeout(ctx, m.cfg.PollTimeout)
		err := m.pusher.Push(pctx, evt)
		cancel()
		if err == nil {
			m.progress(func(s *Stats) { s.Flushed++ })
			return nil
		}
		m.log.Debug().Err(err).Str("event_id", evt.ID).Msg("push failed, queueing")
	}

	if m.store == nil {
		return fmt.Errorf("no fallback queue: %w", ErrDegraded)
	}
	if p == "" {
		p = domain.DefaultPriority(evt.Action)
	}
	if _, err := m.store.Enqueue(ctx, domain.QueueEntry{
		Event:      evt,
		EnqueuedAt: m.clock.Now(),
		Priority:   p,
	}); err != nil {
		return fmt.Errorf("enqueue %s: %w", evt.ID, err)
	}
	m.mu.Lock()
	m.stats.Queued++
	m.mu.Unlock()
	m.refreshQueueLength(ctx)
	return nil
}

// Tick runs one polling/flushing step for the current mode.
func (m *Manager) Tick(ctx context.Context) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	m.mu.Lock()
	mode, destroyed := m.mode, m.destroyed
	m.mu.Unlock()
	if destroyed {
		return
	}

	switch mode {
	case ModePolling:
		m.poll(ctx)
		m.flushViaPush(ctx)
	case ModeQueue:
		m.poll(ctx)
		m.flushViaPush(ctx)
		m.checkQueueTimeout()
	}
}

func (m *Manager) poll(ctx context.Context) {
	if m.poller == nil {
		return
	}
	m.mu.Lock()
	since := m.since
	m.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, m.cfg.PollTimeout)
	events, err := m.poller.Poll(pctx, m.scopeID, since)
	cancel()

	m.mu.Lock()
	m.stats.Polls++
	if err != nil {
		m.stats.PollFailures++
		m.stats.ConsecutivePollFailures++
		failures := m.stats.ConsecutivePollFailures
		notify := func() {}
		if m.mode == ModePolling && failures > m.cfg.MaxPollFailures {
			notify = m.setMode(ModeQueue)
		}
		m.mu.Unlock()
		m.log.Warn().Err(err).Int("consecutive_failures", failures).Msg("poll failed")
		notify()
		return
	}
	m.stats.ConsecutivePollFailures = 0
	m.stats.LastProgress = m.clock.Now()
	notify := func() {}
	if m.mode == ModeQueue {
		notify = m.setMode(ModePolling)
	}
	m.mu.Unlock()
	notify()

	delivered := 0
	for _, e := range events {
		if e.ScopeID != m.scopeID {
			continue
		}
		if m.sink.Process(ctx, e) {
			delivered++
		}
		if e.Timestamp > since {
			since = e.Timestamp
		}
	}
	m.mu.Lock()
	if since > m.since {
		m.since = since
	}
	m.stats.PolledEvents += uint64(delivered)
	m.mu.Unlock()
}

func (m *Manager) flushViaPush(ctx context.Context) {
	if m.store == nil || m.pusher == nil {
		return
	}
	push := func(ctx context.Context, evt domain.Event) error {
		pctx, cancel := context.WithTimeout(ctx, m.cfg.PollTimeout)
		defer cancel()
		return m.pusher.Push(pctx, evt)
	}
	if _, err := m.drain(ctx, push); err != nil {
		m.log.Debug().Err(err).Msg("queue flush incomplete")
	}
}

// drain sends queued entries in consumption order until the queue is empty
// or a send fails. Caller holds tickMu.
func (m *Manager) drain(ctx context.Context, send SendFunc) (int, error) {
	now := m.clock.Now()
	if n, err := m.store.Prune(ctx, m.scopeID, m.cfg.QueueMaxSize, now.Add(-m.cfg.QueueMaxAge)); err != nil {
		return 0, fmt.Errorf("prune queue: %w", err)
	} else if n > 0 {
		m.progress(func(s *Stats) { s.Dropped += uint64(n) })
		m.log.Warn().Int("dropped", n).Msg("fallback queue retention dropped entries")
	}

	flushed := 0
	defer m.refreshQueueLength(ctx)
	for {
		batch, err := m.store.Peek(ctx, m.scopeID, m.cfg.FlushBatch)
		if err != nil {
			return flushed, fmt.Errorf("peek queue: %w", err)
		}
		if len(batch) == 0 {
			return flushed, nil
		}
		for _, e := range batch {
			if err := send(ctx, e.Event); err != nil {
				if e.RetryCount+1 >= m.cfg.MaxRetries {
					if rerr := m.store.Remove(ctx, m.scopeID, e.Seq); rerr != nil {
						m.log.Error().Err(rerr).Str("event_id", e.Event.ID).Msg("remove exhausted queued event")
						return flushed, errors.Join(err, fmt.Errorf("remove queued %s: %w", e.Event.ID, rerr))
					}
					m.mu.Lock()
					m.stats.Dropped++
					m.mu.Unlock()
					m.log.Error().Err(err).Str("event_id", e.Event.ID).Int("retries", e.RetryCount+1).Msg("dropping queued event after max retries")
				} else if ierr := m.store.IncrementRetry(ctx, m.scopeID, e.Seq); ierr != nil {
					m.log.Error().Err(ierr).Str("event_id", e.Event.ID).Msg("record queued event retry")
					return flushed, errors.Join(err, fmt.Errorf("retry queued %s: %w", e.Event.ID, ierr))
				}
				return flushed, err
			}
			if err := m.store.Remove(ctx, m.scopeID, e.Seq); err != nil {
				m.log.Error().Err(err).Str("event_id", e.Event.ID).Msg("remove flushed event; it may be sent again")
				return flushed, fmt.Errorf("remove queued %s: %w", e.Event.ID, err)
			}
			flushed++
			m.progress(func(s *Stats) { s.Flushed++ })
		}
	}
}

func (m *Manager) progress(f func(*Stats)) {
	m.mu.Lock()
	f(&m.stats)
	m.stats.LastProgress = m.clock.Now()
	m.mu.Unlock()
}

func (m *Manager) refreshQueueLength(ctx context.Context) {
	if m.store == nil {
		return
	}
	n, err := m.store.Len(ctx, m.scopeID)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.stats.QueueLength = n
	m.mu.Unlock()
	metrics.FallbackQueueLength.Set(float64(n))
}

// checkQueueTimeout enters degraded mode when queue mode made no progress
// within the queue timeout.
func (m *Manager) checkQueueTimeout() {
	m.mu.Lock()
	if m.mode != ModeQueue || m.clock.Now().Sub(m.stats.LastProgress) < m.cfg.QueueTimeout {
		m.mu.Unlock()
		return
	}
	notify := m.setMode(ModeDegraded)
	m.mu.Unlock()
	notify()
	m.announceDegraded()
}

func (m *Manager) announceDegraded() {
	now := m.clock.Now()
	evt := domain.Event{
		ID:        domain.NewID(),
		Action:    domain.ActionSystemNotification,
		ScopeID:   m.scopeID,
		Timestamp: now.UnixMilli(),
		Version:   domain.NewVersion(),
		Payload: domain.MustPayload(domain.NotificationPayload{
			Severity: domain.SeverityHigh,
			Code:     "sync-degraded",
			Message:  "Live updates are unavailable. Changes will resume when the connection recovers.",
		}),
		Source: "fallback",
	}
	m.log.Error().Msg("event delivery degraded")
	m.sink.Process(context.Background(), evt)
}

// Stats returns a snapshot.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Mode = m.mode
	return s
}

// Destroy stops the loop. Later Enqueue calls fail with ErrDegraded.
func (m *Manager) Destroy() {
	m.mu.Lock()
	m.destroyed = true
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}
