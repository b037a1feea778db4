// Package connection owns the relay subscription for one scope and feeds
// inbound messages through the rate limiter into the dedup engine.
package connection

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
	"github.com/tbourn/go-party-sync/internal/ratelimit"
	"github.com/tbourn/go-party-sync/internal/relay"
)

// State is the lifecycle of the relay connection.
type State string

const (
	StateInitializing State = "initializing"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateReconnecting State = "reconnecting"
)

var (
	ErrNotConnected = errors.New("relay not connected")
	ErrDestroyed    = errors.New("connection client destroyed")
)

// Gate admits or rejects inbound events. *ratelimit.Limiter implements it.
type Gate interface {
	Check(evt domain.Event, actorID, scopeID string) ratelimit.Decision
}

// Sink receives admitted events. *dedup.Engine implements it.
type Sink interface {
	Process(ctx context.Context, evt domain.Event) bool
}

// StateListener observes transitions. It runs outside the client lock.
type StateListener func(from, to State)

// Stats counts inbound traffic.
type Stats struct {
	State         State
	Received      uint64
	Undecodable   uint64
	ForeignScope  uint64
	RateLimited   uint64
	Accepted      uint64
	Sent          uint64
	LastConnected time.Time
}

// Client is safe for concurrent use.
type Client struct {
	relay   relay.Relay
	scopeID string
	channel string
	gate    Gate
	sink    Sink
	clock   clock.Clock
	log     zerolog.Logger
	baseCtx context.Context

	mu        sync.Mutex
	state     State
	sub       relay.Subscription
	listeners []StateListener
	stats     Stats
	destroyed bool
	wg        sync.WaitGroup
}

// Option customizes a Client.
type Option func(*Client)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option { return func(cl *Client) { cl.clock = clock.OrReal(c) } }

// WithLogger overrides the component logger.
func WithLogger(lg zerolog.Logger) Option { return func(cl *Client) { cl.log = lg } }

// WithContext sets the context handed to the sink for inbound events.
func WithContext(ctx context.Context) Option { return func(cl *Client) { cl.baseCtx = ctx } }

// New builds a client for scopeID. gate may be nil to admit everything.
func New(r relay.Relay, scopeID string, gate Gate, sink Sink, opts ...Option) *Client {
	c := &Client{
		relay:   r,
		scopeID: scopeID,
		channel: domain.ChannelName(scopeID),
		gate:    gate,
		sink:    sink,
		clock:   clock.Real{},
		log:     log.With().Str("component", "connection").Str("scope_id", scopeID).Logger(),
		baseCtx: context.Background(),
		state:   StateInitializing,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OnStateChange registers l for every later transition.
func (c *Client) OnStateChange(l StateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) IsConnected() bool { return c.State() == StateConnected }

// Channel returns the relay channel of the scope.
func (c *Client) Channel() string { return c.channel }

// ScopeID returns the scope served by the client.
func (c *Client) ScopeID() string { return c.scopeID }

// setState must be called with c.mu held. The returned func fires listeners
// and must be called after unlocking.
func (c *Client) setState(to State) func() {
	from := c.state
	if from == to {
		return func() {}
	}
	c.state = to
	if to == StateConnected {
		c.stats.LastConnected = c.clock.Now()
	}
	ls := append([]StateListener(nil), c.listeners...)
	c.log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("connection state")
	return func() {
		for _, l := range ls {
			l(from, to)
		}
	}
}

// Connect subscribes to the scope channel. A connect after a drop is
// reported as reconnecting rather than connecting.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	next := StateConnecting
	if c.state == StateDisconnected || c.state == StateFailed {
		next = StateReconnecting
	}
	notify := c.setState(next)
	c.mu.Unlock()
	notify()

	sub, err := c.relay.Subscribe(ctx, c.channel)

	c.mu.Lock()
	if err != nil {
		notify = c.setState(StateFailed)
		c.mu.Unlock()
		notify()
		return fmt.Errorf("connect %s: %w", c.channel, err)
	}
	if c.destroyed {
		c.mu.Unlock()
		_ = sub.Unsubscribe()
		return ErrDestroyed
	}
	if c.sub != nil {
		old := c.sub
		defer func() { _ = old.Unsubscribe() }()
	}
	c.sub = sub
	sub.BindAll(c.handle)
	notify = c.setState(StateConnected)
	c.wg.Add(1)
	c.mu.Unlock()
	notify()

	go c.watch(sub)
	return nil
}

// watch reports an unexpected end of sub as a disconnect.
func (c *Client) watch(sub relay.Subscription) {
	defer c.wg.Done()
	<-sub.Done()
	err := sub.Err()

	c.mu.Lock()
	if c.sub != sub || c.destroyed {
		c.mu.Unlock()
		return
	}
	c.sub = nil
	notify := func() {}
	if err != nil {
		notify = c.setState(StateDisconnected)
	}
	c.mu.Unlock()
	if err != nil {
		c.log.Warn().Err(err).Msg("relay subscription dropped")
	}
	notify()
}

// Disconnect drops the subscription. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	notify := func() {}
	if c.state != StateInitializing {
		notify = c.setState(StateDisconnected)
	}
	c.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	notify()
}

// MarkFailed forces the failed state, used when a health probe fails while
// the subscription still looks alive.
func (c *Client) MarkFailed() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	notify := c.setState(StateFailed)
	c.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	notify()
}

// Send publishes evt on the scope channel.
func (c *Client) Send(ctx context.Context, evt domain.Event) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	data, err := evt.Encode()
	if err != nil {
		return fmt.Errorf("encode event %s: %w", evt.ID, err)
	}
	if err := c.relay.Publish(ctx, c.channel, string(evt.Action), data); err != nil {
		return fmt.Errorf("send %s: %w", evt.ID, err)
	}
	c.mu.Lock()
	c.stats.Sent++
	c.mu.Unlock()
	metrics.EventsPublished.WithLabelValues(string(evt.Action)).Inc()
	return nil
}

// Ping probes the relay.
func (c *Client) Ping(ctx context.Context) error {
	return c.relay.Ping(ctx)
}

// handle is the relay listener for every inbound message.
func (c *Client) handle(_ string, data []byte) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.stats.Received++
	c.mu.Unlock()

	evt, err := domain.DecodeEvent(data)
	if err != nil {
		c.count(func(s *Stats) { s.Undecodable++ })
		metrics.EventsReceived.WithLabelValues("unknown", "invalid").Inc()
		c.log.Debug().Err(err).Msg("dropping undecodable relay message")
		return
	}
	if evt.ScopeID != c.scopeID {
		c.count(func(s *Stats) { s.ForeignScope++ })
		return
	}
	if c.gate != nil {
		if d := c.gate.Check(evt, evt.ActorID, evt.ScopeID); !d.Allowed {
			c.count(func(s *Stats) { s.RateLimited++ })
			metrics.EventsReceived.WithLabelValues(string(evt.Action), "rate_limited").Inc()
			c.log.Debug().
				Str("event_id", evt.ID).
				Str("dimension", string(d.Dimension)).
				Str("reason", d.Reason).
				Msg("event rate limited")
			return
		}
	}
	if c.sink.Process(c.baseCtx, evt) {
		c.count(func(s *Stats) { s.Accepted++ })
	}
}

func (c *Client) count(f func(*Stats)) {
	c.mu.Lock()
	f(&c.stats)
	c.mu.Unlock()
}

// Stats returns a snapshot of traffic counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.State = c.state
	return s
}

// Destroy disconnects and makes every later call fail.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	sub := c.sub
	c.sub = nil
	notify := c.setState(StateDisconnected)
	c.destroyed = true
	c.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	notify()
	c.wg.Wait()
}
