// Package ratelimit implements the admission gate evaluated before an inbound
// event enters the pipeline.
//
// Four independent dimensions are tracked (global, per-actor, per-scope,
// per-action), each with second, minute, and hour counters that reset at
// wall-clock bucket boundaries. A short-window burst bucket per actor is
// backed by golang.org/x/time/rate. Actors that keep getting rejected accrue
// an escalating, time-boxed penalty during which every event they send is
// refused without evaluating the other dimensions.
//
// The limiter is process-local and safe for concurrent use.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-party-sync/internal/clock"
	"github.com/tbourn/go-party-sync/internal/domain"
	"github.com/tbourn/go-party-sync/internal/metrics"
)

// Dimension names the limit that produced a rejection.
type Dimension string

const (
	DimensionGlobal    Dimension = "global"
	DimensionActor     Dimension = "actor"
	DimensionScope     Dimension = "scope"
	DimensionAction    Dimension = "action"
	DimensionBurst     Dimension = "burst"
	DimensionPenalty   Dimension = "penalty"
	DimensionDestroyed Dimension = "destroyed"
)

// Limits caps events per bucket. Zero disables a granularity.
type Limits struct {
	PerSecond int `yaml:"per_second"`
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
}

// Config tunes the limiter.
type Config struct {
	Global Limits `yaml:"global"`
	Actor  Limits `yaml:"actor"`
	Scope  Limits `yaml:"scope"`
	Action Limits `yaml:"action"`

	// BurstSize events may arrive within BurstWindow; the bucket refills
	// evenly over the window. BurstSize <= 0 disables the burst check.
	BurstSize   int           `yaml:"burst_size"`
	BurstWindow time.Duration `yaml:"burst_window"`

	PenaltyDuration time.Duration `yaml:"penalty_duration"`
	MaxPenaltyLevel int           `yaml:"max_penalty_level"`

	MaxTrackedActors int           `yaml:"max_tracked_actors"`
	Retention        time.Duration `yaml:"retention"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig is tuned for a single party with a few hundred guests.
var DefaultConfig = Config{
	Global:           Limits{PerSecond: 200, PerMinute: 6000, PerHour: 200000},
	Actor:            Limits{PerSecond: 10, PerMinute: 120, PerHour: 2000},
	Scope:            Limits{PerSecond: 100, PerMinute: 3000, PerHour: 100000},
	Action:           Limits{PerSecond: 50, PerMinute: 1500, PerHour: 50000},
	BurstSize:        20,
	BurstWindow:      2 * time.Second,
	PenaltyDuration:  10 * time.Second,
	MaxPenaltyLevel:  5,
	MaxTrackedActors: 10000,
	Retention:        24 * time.Hour,
	CleanupInterval:  5 * time.Minute,
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed      bool
	Reason       string
	Dimension    Dimension
	RetryAfterMs int64
	PenaltyLevel int
}

// Stats is a point-in-time snapshot of limiter activity.
type Stats struct {
	Checks          uint64
	Allowed         uint64
	Blocked         uint64
	BlockedBy       map[Dimension]uint64
	ActivePenalties int
	TrackedActors   int
	TrackedScopes   int
	TrackedActions  int
}

type window struct {
	bucket int64
	count  int
}

func (w *window) current(bucket int64) int {
	if w.bucket != bucket {
		w.bucket = bucket
		w.count = 0
	}
	return w.count
}

type counter struct {
	sec, min, hour window
	lastActivity   time.Time
}

type granularity struct {
	name   string
	size   time.Duration
	limit  func(Limits) int
	window func(*counter) *window
}

var granularities = []granularity{
	{"second", time.Second, func(l Limits) int { return l.PerSecond }, func(c *counter) *window { return &c.sec }},
	{"minute", time.Minute, func(l Limits) int { return l.PerMinute }, func(c *counter) *window { return &c.min }},
	{"hour", time.Hour, func(l Limits) int { return l.PerHour }, func(c *counter) *window { return &c.hour }},
}

// exceeded reports the first granularity at its ceiling, with the time left
// until that bucket resets.
func (c *counter) exceeded(l Limits, now time.Time) (string, time.Duration, bool) {
	ms := now.UnixMilli()
	for _, g := range granularities {
		ceiling := g.limit(l)
		if ceiling <= 0 {
			continue
		}
		size := g.size.Milliseconds()
		bucket := ms / size
		if g.window(c).current(bucket) >= ceiling {
			retry := time.Duration((bucket+1)*size-ms) * time.Millisecond
			return g.name, retry, true
		}
	}
	return "", 0, false
}

func (c *counter) record(now time.Time) {
	ms := now.UnixMilli()
	for _, g := range granularities {
		w := g.window(c)
		w.current(ms / g.size.Milliseconds())
		w.count++
	}
	c.lastActivity = now
}

type actorState struct {
	counter
	burst        *rate.Limiter
	penaltyLevel int
	penaltySince time.Time
	penaltyUntil time.Time
}

// Limiter is the multi-dimensional admission gate.
type Limiter struct {
	cfg   Config
	clock clock.Clock
	log   zerolog.Logger

	mu        sync.Mutex
	global    counter
	actors    map[string]*actorState
	scopes    map[string]*counter
	actions   map[domain.Action]*counter
	anonBurst *rate.Limiter
	destroyed bool

	checks, allowed, blocked uint64
	blockedBy                map[Dimension]uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option { return func(l *Limiter) { l.clock = clock.OrReal(c) } }

// WithLogger overrides the component logger.
func WithLogger(lg zerolog.Logger) Option { return func(l *Limiter) { l.log = lg } }

// New constructs a Limiter. Zero-valued housekeeping fields fall back to
// DefaultConfig; zero limits stay disabled.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = DefaultConfig.BurstWindow
	}
	if cfg.PenaltyDuration <= 0 {
		cfg.PenaltyDuration = DefaultConfig.PenaltyDuration
	}
	if cfg.MaxPenaltyLevel <= 0 {
		cfg.MaxPenaltyLevel = DefaultConfig.MaxPenaltyLevel
	}
	if cfg.MaxTrackedActors <= 0 {
		cfg.MaxTrackedActors = DefaultConfig.MaxTrackedActors
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig.Retention
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig.CleanupInterval
	}
	l := &Limiter{
		cfg:       cfg,
		clock:     clock.Real{},
		log:       log.With().Str("component", "ratelimit").Logger(),
		actors:    make(map[string]*actorState),
		scopes:    make(map[string]*counter),
		actions:   make(map[domain.Action]*counter),
		blockedBy: make(map[Dimension]uint64),
	}
	for _, o := range opts {
		o(l)
	}
	l.anonBurst = l.newBurst()
	return l
}

func (l *Limiter) newBurst() *rate.Limiter {
	if l.cfg.BurstSize <= 0 {
		return nil
	}
	every := l.cfg.BurstWindow / time.Duration(l.cfg.BurstSize)
	return rate.NewLimiter(rate.Every(every), l.cfg.BurstSize)
}

// Start launches the periodic cleanup sweep. It returns immediately.
func (l *Limiter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		t := time.NewTicker(l.cfg.CleanupInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.Sweep()
			}
		}
	}()
}

// Check evaluates evt against every dimension. actorID and scopeID default
// to the event's own fields when empty.
func (l *Limiter) Check(evt domain.Event, actorID, scopeID string) Decision {
	if actorID == "" {
		actorID = evt.ActorID
	}
	if scopeID == "" {
		scopeID = evt.ScopeID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.checks++
	if l.destroyed {
		return l.reject(nil, DimensionDestroyed, "rate limiter destroyed", 0, time.Time{})
	}
	now := l.clock.Now()

	var actor *actorState
	if actorID != "" {
		actor = l.actor(actorID, now)
		if !actor.penaltyUntil.IsZero() {
			if now.Before(actor.penaltyUntil) {
				l.escalate(actorID, actor, now)
				return l.reject(actor, DimensionPenalty, "actor under penalty", actor.penaltyUntil.Sub(now), now)
			}
			actor.penaltyLevel = 0
			actor.penaltySince = time.Time{}
			actor.penaltyUntil = time.Time{}
		}
	}

	if g, retry, ok := l.global.exceeded(l.cfg.Global, now); ok {
		return l.reject(actor, DimensionGlobal, reason(DimensionGlobal, g), retry, now)
	}
	if actor != nil {
		if g, retry, ok := actor.exceeded(l.cfg.Actor, now); ok {
			l.escalate(actorID, actor, now)
			return l.reject(actor, DimensionActor, reason(DimensionActor, g), retry, now)
		}
	}
	var scope *counter
	if scopeID != "" {
		scope = counterFor(l.scopes, scopeID, now)
		if g, retry, ok := scope.exceeded(l.cfg.Scope, now); ok {
			return l.reject(actor, DimensionScope, reason(DimensionScope, g), retry, now)
		}
	}
	action := counterFor(l.actions, evt.Action, now)
	if g, retry, ok := action.exceeded(l.cfg.Action, now); ok {
		return l.reject(actor, DimensionAction, reason(DimensionAction, g), retry, now)
	}

	burst := l.anonBurst
	if actor != nil {
		burst = actor.burst
	}
	if burst != nil && !burst.AllowN(now, 1) {
		r := burst.ReserveN(now, 1)
		retry := r.DelayFrom(now)
		r.CancelAt(now)
		if actor != nil {
			l.escalate(actorID, actor, now)
		}
		return l.reject(actor, DimensionBurst, "burst limit exceeded", retry, now)
	}

	l.global.record(now)
	if actor != nil {
		actor.record(now)
	}
	if scope != nil {
		scope.record(now)
	}
	action.record(now)
	l.allowed++
	return Decision{Allowed: true}
}

func reason(d Dimension, g string) string {
	return fmt.Sprintf("%s rate limit exceeded (per %s)", d, g)
}

func (l *Limiter) reject(actor *actorState, d Dimension, why string, retry time.Duration, now time.Time) Decision {
	l.blocked++
	l.blockedBy[d]++
	metrics.RateLimitBlocks.WithLabelValues(string(d)).Inc()
	dec := Decision{Allowed: false, Reason: why, Dimension: d, RetryAfterMs: retry.Milliseconds()}
	if actor != nil {
		dec.PenaltyLevel = actor.penaltyLevel
		actor.lastActivity = now
	}
	return dec
}

// escalate raises the actor's penalty by one level (capped) and restarts the
// penalty clock at duration * level.
func (l *Limiter) escalate(id string, a *actorState, now time.Time) {
	if a.penaltyLevel < l.cfg.MaxPenaltyLevel {
		a.penaltyLevel++
	}
	// Expiry runs from the first block, so the lockout is bounded by
	// PenaltyDuration*MaxPenaltyLevel however often the actor retries.
	if a.penaltySince.IsZero() {
		a.penaltySince = now
	}
	a.penaltyUntil = a.penaltySince.Add(l.cfg.PenaltyDuration * time.Duration(a.penaltyLevel))
	l.log.Debug().
		Str("actor_id", id).
		Int("penalty_level", a.penaltyLevel).
		Time("until", a.penaltyUntil).
		Msg("actor penalized")
}

func (l *Limiter) actor(id string, now time.Time) *actorState {
	a, ok := l.actors[id]
	if !ok {
		a = &actorState{burst: l.newBurst()}
		a.lastActivity = now
		l.actors[id] = a
	}
	return a
}

func counterFor[K comparable](m map[K]*counter, key K, now time.Time) *counter {
	c, ok := m[key]
	if !ok {
		c = &counter{lastActivity: now}
		m[key] = c
	}
	return c
}

// Sweep evicts counters idle beyond the retention horizon and trims the
// tracked actor set to MaxTrackedActors, oldest activity first. Actors with
// an active penalty are never evicted.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return
	}
	now := l.clock.Now()
	horizon := now.Add(-l.cfg.Retention)

	evicted := 0
	for id, a := range l.actors {
		if a.lastActivity.Before(horizon) && !now.Before(a.penaltyUntil) {
			delete(l.actors, id)
			evicted++
		}
	}
	for id, c := range l.scopes {
		if c.lastActivity.Before(horizon) {
			delete(l.scopes, id)
		}
	}
	for id, c := range l.actions {
		if c.lastActivity.Before(horizon) {
			delete(l.actions, id)
		}
	}

	if over := len(l.actors) - l.cfg.MaxTrackedActors; over > 0 {
		type aged struct {
			id   string
			seen time.Time
		}
		list := make([]aged, 0, len(l.actors))
		for id, a := range l.actors {
			if now.Before(a.penaltyUntil) {
				continue
			}
			list = append(list, aged{id, a.lastActivity})
		}
		sort.Slice(list, func(i, j int) bool { return list[i].seen.Before(list[j].seen) })
		over = min(over, len(list))
		for _, a := range list[:over] {
			delete(l.actors, a.id)
			evicted++
		}
	}
	if evicted > 0 {
		l.log.Debug().Int("evicted", evicted).Int("tracked", len(l.actors)).Msg("rate limiter sweep")
	}
}

// Stats returns a snapshot of limiter counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	s := Stats{
		Checks:         l.checks,
		Allowed:        l.allowed,
		Blocked:        l.blocked,
		BlockedBy:      make(map[Dimension]uint64, len(l.blockedBy)),
		TrackedActors:  len(l.actors),
		TrackedScopes:  len(l.scopes),
		TrackedActions: len(l.actions),
	}
	for d, n := range l.blockedBy {
		s.BlockedBy[d] = n
	}
	for _, a := range l.actors {
		if now.Before(a.penaltyUntil) {
			s.ActivePenalties++
		}
	}
	return s
}

// PenaltyLevel reports the current penalty level of an actor (0 if none or
// expired).
func (l *Limiter) PenaltyLevel(actorID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.actors[actorID]
	if !ok || !l.clock.Now().Before(a.penaltyUntil) {
		return 0
	}
	return a.penaltyLevel
}

// Reset clears every counter and penalty.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.global = counter{}
	l.actors = make(map[string]*actorState)
	l.scopes = make(map[string]*counter)
	l.actions = make(map[domain.Action]*counter)
	l.anonBurst = l.newBurst()
}

// Destroy stops the sweep; every later Check is rejected.
func (l *Limiter) Destroy() {
	l.mu.Lock()
	l.destroyed = true
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
}
