// Package zmqrelay implements relay.Relay over ZeroMQ.
//
// Publishers connect a PUB socket to the broker's XSUB endpoint and
// subscribers connect SUB sockets to its XPUB endpoint; the broker proxies
// between the two. Liveness is probed with a REQ/REP ping and, for live
// subscriptions, with periodic heartbeats published by the broker.
package zmqrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-party-sync/internal/relay"
)

// Config addresses a broker.
type Config struct {
	// PublishEndpoint is the broker XSUB endpoint.
	PublishEndpoint string `yaml:"publish_endpoint"`
	// SubscribeEndpoint is the broker XPUB endpoint.
	SubscribeEndpoint string `yaml:"subscribe_endpoint"`
	// PingEndpoint is the broker REP endpoint.
	PingEndpoint string `yaml:"ping_endpoint"`

	// IdleTimeout ends a subscription that saw no traffic, heartbeats
	// included. Zero disables staleness detection.
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultClientConfig targets a broker on localhost with default ports.
var DefaultClientConfig = Config{
	PublishEndpoint:   "tcp://127.0.0.1:5557",
	SubscribeEndpoint: "tcp://127.0.0.1:5558",
	PingEndpoint:      "tcp://127.0.0.1:5559",
	IdleTimeout:       15 * time.Second,
	PingTimeout:       2 * time.Second,
	PollInterval:      200 * time.Millisecond,
}

// Client is a relay.Relay backed by ZeroMQ sockets.
type Client struct {
	cfg    Config
	zctx   *zmq.Context
	ownCtx bool
	log    zerolog.Logger

	mu     sync.Mutex
	pub    *zmq.Socket
	subs   map[*subscription]struct{}
	closed bool
}

var _ relay.Relay = (*Client)(nil)

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithContext shares an existing ZeroMQ context (required for inproc
// endpoints). The caller keeps ownership.
func WithContext(zctx *zmq.Context) ClientOption {
	return func(c *Client) { c.zctx = zctx }
}

// WithLogger overrides the component logger.
func WithLogger(lg zerolog.Logger) ClientOption { return func(c *Client) { c.log = lg } }

// NewClient prepares a client. Sockets are created lazily.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.PublishEndpoint == "" || cfg.SubscribeEndpoint == "" {
		return nil, errors.New("zmqrelay: publish and subscribe endpoints are required")
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultClientConfig.PingTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultClientConfig.PollInterval
	}
	c := &Client{
		cfg:  cfg,
		log:  log.With().Str("component", "zmqrelay").Logger(),
		subs: make(map[*subscription]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.zctx == nil {
		zctx, err := zmq.NewContext()
		if err != nil {
			return nil, fmt.Errorf("zmqrelay: context: %w", err)
		}
		c.zctx = zctx
		c.ownCtx = true
	}
	return c, nil
}

// Publish sends one message on channel.
func (c *Client) Publish(ctx context.Context, channel, eventType string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encodeFrame(eventType, data, time.Now())
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return relay.ErrClosed
	}
	if c.pub == nil {
		pub, err := c.zctx.NewSocket(zmq.PUB)
		if err != nil {
			return fmt.Errorf("publish socket: %w", err)
		}
		_ = pub.SetLinger(0)
		_ = pub.SetSndtimeo(c.cfg.PingTimeout)
		if err := pub.Connect(c.cfg.PublishEndpoint); err != nil {
			pub.Close()
			return fmt.Errorf("%w: connect %s: %v", relay.ErrUnavailable, c.cfg.PublishEndpoint, err)
		}
		c.pub = pub
	}
	if _, err := c.pub.SendMessage(channel, body); err != nil {
		c.pub.Close()
		c.pub = nil
		return fmt.Errorf("%w: send: %v", relay.ErrUnavailable, err)
	}
	return nil
}

// Subscribe attaches a SUB socket to channel. The returned subscription is
// served by its own goroutine.
func (c *Client) Subscribe(ctx context.Context, channel string) (relay.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, relay.ErrClosed
	}
	c.mu.Unlock()

	sock, err := c.zctx.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("subscribe socket: %w", err)
	}
	_ = sock.SetLinger(0)
	if err := sock.Connect(c.cfg.SubscribeEndpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("%w: connect %s: %v", relay.ErrUnavailable, c.cfg.SubscribeEndpoint, err)
	}
	for _, topic := range []string{channel, HeartbeatTopic} {
		if err := sock.SetSubscribe(topic); err != nil {
			sock.Close()
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	s := &subscription{
		Bindings: relay.NewBindings(),
		Ender:    relay.NewEnder(),
		client:   c,
		channel:  channel,
		sock:     sock,
		stopped:  make(chan struct{}),
	}
	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	go s.loop()
	return s, nil
}

// Ping performs a REQ/REP round trip with the broker.
func (c *Client) Ping(ctx context.Context) error {
	if c.cfg.PingEndpoint == "" {
		return nil
	}
	timeout := c.cfg.PingTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	req, err := c.zctx.NewSocket(zmq.REQ)
	if err != nil {
		return fmt.Errorf("ping socket: %w", err)
	}
	defer req.Close()
	_ = req.SetLinger(0)
	_ = req.SetSndtimeo(timeout)
	_ = req.SetRcvtimeo(timeout)
	if err := req.Connect(c.cfg.PingEndpoint); err != nil {
		return fmt.Errorf("%w: connect %s: %v", relay.ErrUnavailable, c.cfg.PingEndpoint, err)
	}
	if _, err := req.Send(pingRequest, 0); err != nil {
		return fmt.Errorf("%w: ping: %v", relay.ErrUnavailable, err)
	}
	reply, err := req.Recv(0)
	if err != nil {
		return fmt.Errorf("%w: ping: %v", relay.ErrUnavailable, err)
	}
	if reply != pingReply {
		return fmt.Errorf("%w: unexpected ping reply %q", relay.ErrUnavailable, reply)
	}
	return nil
}

// Close ends every subscription and releases the sockets.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	if c.pub != nil {
		c.pub.Close()
		c.pub = nil
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.stop(relay.ErrClosed)
	}
	if c.ownCtx {
		return c.zctx.Term()
	}
	return nil
}

func (c *Client) forget(s *subscription) {
	c.mu.Lock()
	delete(c.subs, s)
	c.mu.Unlock()
}

type subscription struct {
	*relay.Bindings
	*relay.Ender
	client  *Client
	channel string
	sock    *zmq.Socket
	stopped chan struct{}
}

func (s *subscription) Channel() string { return s.channel }

func (s *subscription) Unsubscribe() error {
	s.stop(nil)
	return nil
}

func (s *subscription) stop(err error) {
	s.End(err)
	<-s.stopped
}

// loop owns the SUB socket for its whole life.
func (s *subscription) loop() {
	defer close(s.stopped)
	defer s.client.forget(s)
	defer s.sock.Close()

	poller := zmq.NewPoller()
	poller.Add(s.sock, zmq.POLLIN)
	lastSeen := time.Now()
	idle := s.client.cfg.IdleTimeout

	for !s.Ended() {
		polled, err := poller.Poll(s.client.cfg.PollInterval)
		if err != nil {
			s.End(fmt.Errorf("%w: poll: %v", relay.ErrUnavailable, err))
			return
		}
		if len(polled) == 0 {
			if idle > 0 && time.Since(lastSeen) > idle {
				s.End(relay.ErrStale)
				return
			}
			continue
		}
		parts, err := s.sock.RecvMessageBytes(0)
		if err != nil {
			s.End(fmt.Errorf("%w: recv: %v", relay.ErrUnavailable, err))
			return
		}
		lastSeen = time.Now()
		if len(parts) < 2 {
			s.client.log.Warn().Int("parts", len(parts)).Msg("malformed relay message")
			continue
		}
		// SUB filters by prefix; "scope-a" would also match "scope-ab".
		topic := string(parts[0])
		if topic == HeartbeatTopic || topic != s.channel {
			continue
		}
		f, err := decodeFrame(parts[1])
		if err != nil {
			s.client.log.Warn().Err(err).Str("channel", s.channel).Msg("dropping undecodable frame")
			continue
		}
		s.Dispatch(f.Type, f.Data)
	}
}
