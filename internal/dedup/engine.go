// Package dedup delivers inbound events to handlers at most once and, for
// ordering-sensitive actions, in (timestamp, version, id) order within each
// (scope, action) pair.
//
// An event newer than the last one delivered on its queue goes out at once.
// Older arrivals are withheld for up to the ordering window and then released
// in sorted order, so a straggler never stalls its queue.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-party-sync/internal/clock"
	"github.com/tbourn/go-party-sync/internal/domain"
	"github.com/tbourn/go-party-sync/internal/metrics"
)

// ErrHandlerPanic wraps a recovered handler panic.
var ErrHandlerPanic = errors.New("event handler panicked")

// Handler consumes a delivered event. Returned errors are logged and counted;
// they never roll back the dedup record.
type Handler func(ctx context.Context, evt domain.Event) error

// Config tunes the engine.
type Config struct {
	Window          time.Duration `yaml:"window"`
	Capacity        int           `yaml:"capacity"`
	OrderingWindow  time.Duration `yaml:"ordering_window"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig holds the production tuning.
var DefaultConfig = Config{
	Window:          5 * time.Minute,
	Capacity:        10000,
	OrderingWindow:  time.Second,
	FlushInterval:   100 * time.Millisecond,
	CleanupInterval: 30 * time.Second,
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Processed         uint64
	Delivered         uint64
	DuplicatesDropped uint64
	Invalid           uint64
	LateDeliveries    uint64
	HandlerErrors     uint64
	Unhandled         uint64
	Expired           uint64
	Evicted           uint64
	Pending           int
	Tracked           int
}

type pending struct {
	ctx     context.Context
	evt     domain.Event
	arrived time.Time
}

type queue struct {
	entries    map[string]pending
	marker     domain.Event
	started    bool
	lastActive time.Time
}

func (q *queue) newer(e domain.Event) bool {
	return !q.started || domain.Compare(e, q.marker) > 0
}

// Engine is safe for concurrent use. Deliveries are serialized: at most one
// goroutine runs handlers at a time, in the order events became ready.
type Engine struct {
	cfg   Config
	clock clock.Clock
	log   zerolog.Logger

	mu       sync.Mutex
	seen     *lru.Cache[string, time.Time]
	queues   map[domain.OrderingKey]*queue
	handlers map[domain.Action]Handler
	outbox   []pending
	draining bool
	stats    Stats

	destroyed bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = clock.OrReal(c) } }

// WithLogger overrides the component logger.
func WithLogger(lg zerolog.Logger) Option { return func(e *Engine) { e.log = lg } }

// New constructs an Engine. Zero fields fall back to DefaultConfig.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig.Window
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig.Capacity
	}
	if cfg.OrderingWindow <= 0 {
		cfg.OrderingWindow = DefaultConfig.OrderingWindow
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig.FlushInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig.CleanupInterval
	}
	e := &Engine{
		cfg:      cfg,
		clock:    clock.Real{},
		log:      log.With().Str("component", "dedup").Logger(),
		queues:   make(map[domain.OrderingKey]*queue),
		handlers: make(map[domain.Action]Handler),
	}
	for _, o := range opts {
		o(e)
	}
	seen, err := lru.New[string, time.Time](cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("dedup: processed set: %w", err)
	}
	e.seen = seen
	return e, nil
}

// Register installs h as the single handler for action, replacing any
// previous one.
func (e *Engine) Register(action domain.Action, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[action] = h
}

// Unregister removes the handler for action.
func (e *Engine) Unregister(action domain.Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, action)
}

// Start launches the flush and cleanup loops. It returns immediately.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		flush := time.NewTicker(e.cfg.FlushInterval)
		defer flush.Stop()
		sweep := time.NewTicker(e.cfg.CleanupInterval)
		defer sweep.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-flush.C:
				e.Flush()
			case <-sweep.C:
				e.Sweep()
			}
		}
	}()
}

// Process admits evt into the pipeline. It reports whether the event was
// accepted; invalid and duplicate events return false. An accepted event may
// be delivered before Process returns or withheld for ordering.
func (e *Engine) Process(ctx context.Context, evt domain.Event) bool {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return false
	}
	if err := evt.Validate(); err != nil {
		e.stats.Invalid++
		e.mu.Unlock()
		metrics.EventsReceived.WithLabelValues(string(evt.Action), "invalid").Inc()
		e.log.Debug().Err(err).Str("event_id", evt.ID).Msg("invalid event dropped")
		return false
	}

	now := e.clock.Now()
	key := evt.DedupKey().String()
	if at, ok := e.seen.Peek(key); ok && now.Sub(at) < e.cfg.Window {
		e.stats.DuplicatesDropped++
		e.mu.Unlock()
		metrics.EventsReceived.WithLabelValues(string(evt.Action), "duplicate").Inc()
		return false
	}
	if e.seen.Add(key, now) {
		e.stats.Evicted++
	}
	e.stats.Processed++

	item := pending{ctx: ctx, evt: evt, arrived: now}
	if !evt.Action.IsOrderingSensitive() {
		e.outbox = append(e.outbox, item)
	} else {
		q := e.queue(evt.OrderingKey(), now)
		q.entries[evt.ID] = item
		before := len(e.outbox)
		e.collect(q, now)
		if len(e.outbox) == before {
			metrics.EventsReceived.WithLabelValues(string(evt.Action), "deferred").Inc()
		}
	}
	e.drain()
	return true
}

// Flush releases every withheld entry that has aged past the ordering window,
// along with everything that sorts before it.
func (e *Engine) Flush() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	now := e.clock.Now()
	for _, q := range e.queues {
		e.collect(q, now)
	}
	e.drain()
}

func (e *Engine) queue(k domain.OrderingKey, now time.Time) *queue {
	q, ok := e.queues[k]
	if !ok {
		q = &queue{entries: make(map[string]pending)}
		e.queues[k] = q
	}
	q.lastActive = now
	return q
}

// collect moves ready entries of q into the outbox. Caller holds e.mu.
func (e *Engine) collect(q *queue, now time.Time) {
	for len(q.entries) > 0 {
		sorted := make([]pending, 0, len(q.entries))
		for _, p := range q.entries {
			sorted = append(sorted, p)
		}
		slices.SortFunc(sorted, func(a, b pending) int { return domain.Compare(a.evt, b.evt) })

		cut := -1
		for i, p := range sorted {
			if now.Sub(p.arrived) >= e.cfg.OrderingWindow {
				cut = i
			}
		}
		if cut < 0 {
			for i, p := range sorted {
				if q.newer(p.evt) {
					cut = i
					break
				}
			}
			if cut < 0 {
				return
			}
			sorted = sorted[cut : cut+1]
		} else {
			sorted = sorted[:cut+1]
		}

		for _, p := range sorted {
			delete(q.entries, p.evt.ID)
			e.release(q, p)
		}
	}
}

func (e *Engine) release(q *queue, p pending) {
	if q.started && domain.Compare(p.evt, q.marker) < 0 {
		e.stats.LateDeliveries++
		metrics.EventsReceived.WithLabelValues(string(p.evt.Action), "late").Inc()
	} else {
		q.marker = p.evt
		q.started = true
	}
	e.outbox = append(e.outbox, p)
}

// drain runs handlers for everything in the outbox. Caller holds e.mu; drain
// releases it. If another goroutine is already draining, the new items are
// left for it and drain returns at once.
func (e *Engine) drain() {
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	for {
		batch := e.outbox
		e.outbox = nil
		if len(batch) == 0 {
			e.draining = false
			e.mu.Unlock()
			return
		}
		handlers := make([]Handler, len(batch))
		for i, p := range batch {
			handlers[i] = e.handlers[p.evt.Action]
		}
		e.mu.Unlock()

		for i, p := range batch {
			e.deliver(p, handlers[i])
		}
		e.mu.Lock()
	}
}

func (e *Engine) deliver(p pending, h Handler) {
	action := string(p.evt.Action)
	if h == nil {
		e.mu.Lock()
		e.stats.Unhandled++
		e.mu.Unlock()
		e.log.Debug().Str("action", action).Str("event_id", p.evt.ID).Msg("no handler registered")
		return
	}
	err := invoke(p.ctx, h, p.evt)

	e.mu.Lock()
	e.stats.Delivered++
	if err != nil {
		e.stats.HandlerErrors++
	}
	e.mu.Unlock()

	metrics.EventsReceived.WithLabelValues(action, "delivered").Inc()
	if err != nil {
		metrics.HandlerErrors.WithLabelValues(action).Inc()
		e.log.Error().Err(err).Str("action", action).Str("event_id", p.evt.ID).Msg("event handler failed")
	}
}

func invoke(ctx context.Context, h Handler, evt domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	return h(ctx, evt)
}

// Sweep evicts dedup records older than the window, drops withheld entries
// that outlived it, and forgets idle empty queues.
func (e *Engine) Sweep() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	now := e.clock.Now()

	// Keys are oldest first; records are only ever added, never touched.
	for _, k := range e.seen.Keys() {
		at, ok := e.seen.Peek(k)
		if !ok {
			continue
		}
		if now.Sub(at) < e.cfg.Window {
			break
		}
		e.seen.Remove(k)
	}

	for k, q := range e.queues {
		for id, p := range q.entries {
			if now.Sub(p.arrived) >= e.cfg.Window {
				delete(q.entries, id)
				e.stats.Expired++
				e.log.Warn().Str("scope_id", k.ScopeID).Str("action", string(k.Action)).Str("event_id", id).Msg("withheld event expired")
			}
		}
		if len(q.entries) == 0 && now.Sub(q.lastActive) >= e.cfg.Window {
			delete(e.queues, k)
		}
	}
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	for _, q := range e.queues {
		s.Pending += len(q.entries)
	}
	s.Tracked = e.seen.Len()
	return s
}

// Seen reports whether the dedup record for evt is still live.
func (e *Engine) Seen(evt domain.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	at, ok := e.seen.Peek(evt.DedupKey().String())
	return ok && e.clock.Now().Sub(at) < e.cfg.Window
}

// Destroy stops background work and discards withheld entries. Later calls
// to Process are rejected.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	cancel := e.cancel
	e.queues = make(map[domain.OrderingKey]*queue)
	e.seen.Purge()
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}
