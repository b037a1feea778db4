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
)

const (
	pingRequest = "ping"
	pingReply   = "pong"

	heartbeatInproc = "inproc://partysync-heartbeat"
)

// BrokerConfig holds the broker bind addresses.
type BrokerConfig struct {
	PublishBind   string        `yaml:"publish_bind"`   // XSUB
	SubscribeBind string        `yaml:"subscribe_bind"` // XPUB
	PingBind      string        `yaml:"ping_bind"`      // REP
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// DefaultBrokerConfig binds every interface on the default ports.
var DefaultBrokerConfig = BrokerConfig{
	PublishBind:   "tcp://*:5557",
	SubscribeBind: "tcp://*:5558",
	PingBind:      "tcp://*:5559",
	Heartbeat:     5 * time.Second,
}

// Broker proxies messages from publishers to subscribers and answers pings.
type Broker struct {
	cfg    BrokerConfig
	zctx   *zmq.Context
	ownCtx bool
	log    zerolog.Logger
}

// BrokerOption customizes a Broker.
type BrokerOption func(*Broker)

// WithBrokerContext shares an existing ZeroMQ context.
func WithBrokerContext(zctx *zmq.Context) BrokerOption {
	return func(b *Broker) { b.zctx = zctx }
}

// WithBrokerLogger overrides the component logger.
func WithBrokerLogger(lg zerolog.Logger) BrokerOption { return func(b *Broker) { b.log = lg } }

// NewBroker validates cfg. Sockets bind in Run.
func NewBroker(cfg BrokerConfig, opts ...BrokerOption) (*Broker, error) {
	if cfg.PublishBind == "" || cfg.SubscribeBind == "" {
		return nil, errors.New("zmqrelay: publish and subscribe binds are required")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultBrokerConfig.Heartbeat
	}
	b := &Broker{cfg: cfg, log: log.With().Str("component", "zmqbroker").Logger()}
	for _, o := range opts {
		o(b)
	}
	if b.zctx == nil {
		zctx, err := zmq.NewContext()
		if err != nil {
			return nil, fmt.Errorf("zmqrelay: context: %w", err)
		}
		b.zctx = zctx
		b.ownCtx = true
	}
	return b, nil
}

// Run binds the sockets and proxies until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	xsub, err := b.bind(zmq.XSUB, b.cfg.PublishBind, heartbeatInproc)
	if err != nil {
		return err
	}
	defer xsub.Close()

	xpub, err := b.bind(zmq.XPUB, b.cfg.SubscribeBind)
	if err != nil {
		return err
	}
	defer xpub.Close()

	ctrlAddr := fmt.Sprintf("inproc://partysync-ctrl-%p", b)
	ctrlIn, err := b.bind(zmq.PAIR, ctrlAddr)
	if err != nil {
		return err
	}
	defer ctrlIn.Close()

	b.log.Info().
		Str("publish", b.cfg.PublishBind).
		Str("subscribe", b.cfg.SubscribeBind).
		Str("ping", b.cfg.PingBind).
		Msg("relay broker started")

	var wg sync.WaitGroup
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if b.cfg.PingBind != "" {
		rep, err := b.bind(zmq.REP, b.cfg.PingBind)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer rep.Close()
			b.servePings(loopCtx, rep)
		}()
	}

	hb, err := b.zctx.NewSocket(zmq.PUB)
	if err != nil {
		return fmt.Errorf("heartbeat socket: %w", err)
	}
	_ = hb.SetLinger(0)
	if err := hb.Connect(heartbeatInproc); err != nil {
		hb.Close()
		return fmt.Errorf("heartbeat connect: %w", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer hb.Close()
		b.beat(loopCtx, hb)
	}()

	// Control socket owned by the stopper goroutine.
	ctrlOut, err := b.zctx.NewSocket(zmq.PAIR)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	if err := ctrlOut.Connect(ctrlAddr); err != nil {
		ctrlOut.Close()
		return fmt.Errorf("control connect: %w", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ctrlOut.Close()
		<-loopCtx.Done()
		_, _ = ctrlOut.Send("TERMINATE", 0)
	}()

	err = zmq.ProxySteerable(xsub, xpub, nil, ctrlIn)
	cancel()
	wg.Wait()
	if b.ownCtx {
		_ = b.zctx.Term()
	}
	if ctx.Err() != nil {
		b.log.Info().Msg("relay broker stopped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("relay proxy: %w", err)
	}
	return nil
}

func (b *Broker) bind(t zmq.Type, addrs ...string) (*zmq.Socket, error) {
	s, err := b.zctx.NewSocket(t)
	if err != nil {
		return nil, fmt.Errorf("%v socket: %w", t, err)
	}
	_ = s.SetLinger(0)
	for _, a := range addrs {
		if err := s.Bind(a); err != nil {
			s.Close()
			return nil, fmt.Errorf("bind %s: %w", a, err)
		}
	}
	return s, nil
}

// servePings answers pings until ctx is done.
func (b *Broker) servePings(ctx context.Context, rep *zmq.Socket) {
	poller := zmq.NewPoller()
	poller.Add(rep, zmq.POLLIN)
	for ctx.Err() == nil {
		polled, err := poller.Poll(250 * time.Millisecond)
		if err != nil {
			b.log.Warn().Err(err).Msg("ping poll failed")
			return
		}
		if len(polled) == 0 {
			continue
		}
		msg, err := rep.Recv(0)
		if err != nil {
			b.log.Warn().Err(err).Msg("ping recv failed")
			continue
		}
		reply := pingReply
		if msg != pingRequest {
			reply = "unknown"
		}
		if _, err := rep.Send(reply, 0); err != nil {
			b.log.Warn().Err(err).Msg("ping reply failed")
		}
	}
}

func (b *Broker) beat(ctx context.Context, hb *zmq.Socket) {
	t := time.NewTicker(b.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			body, err := encodeFrame("heartbeat", nil, now)
			if err != nil {
				continue
			}
			if _, err := hb.SendMessage(HeartbeatTopic, body); err != nil {
				b.log.Debug().Err(err).Msg("heartbeat send failed")
			}
		}
	}
}
