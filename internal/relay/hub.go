package relay

import (
	"context"
	"fmt"
	"sync"
)

// Hub is an in-process Relay. Publish delivers synchronously to every
// subscription on the channel. Availability can be toggled to simulate
// outages.
type Hub struct {
	mu        sync.Mutex
	subs      map[string]map[*hubSub]struct{}
	down      bool
	published int
}

// NewHub returns an available hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*hubSub]struct{})}
}

func (h *Hub) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return nil, ErrUnavailable
	}
	s := &hubSub{Bindings: NewBindings(), Ender: NewEnder(), hub: h, channel: channel}
	set, ok := h.subs[channel]
	if !ok {
		set = make(map[*hubSub]struct{})
		h.subs[channel] = set
	}
	set[s] = struct{}{}
	return s, nil
}

func (h *Hub) Publish(ctx context.Context, channel, eventType string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	if h.down {
		h.mu.Unlock()
		return fmt.Errorf("publish %s: %w", channel, ErrUnavailable)
	}
	targets := make([]*hubSub, 0, len(h.subs[channel]))
	for s := range h.subs[channel] {
		targets = append(targets, s)
	}
	h.published++
	h.mu.Unlock()

	for _, s := range targets {
		s.Dispatch(eventType, data)
	}
	return nil
}

func (h *Hub) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return ErrUnavailable
	}
	return nil
}

// SetAvailable toggles the hub. Going down ends every live subscription
// with ErrUnavailable.
func (h *Hub) SetAvailable(up bool) {
	h.mu.Lock()
	h.down = !up
	var dropped []*hubSub
	if !up {
		for _, set := range h.subs {
			for s := range set {
				dropped = append(dropped, s)
			}
		}
		h.subs = make(map[string]map[*hubSub]struct{})
	}
	h.mu.Unlock()
	for _, s := range dropped {
		s.End(ErrUnavailable)
	}
}

// Subscribers returns the number of live subscriptions on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[channel])
}

// Published returns the number of successful Publish calls.
func (h *Hub) Published() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.published
}

type hubSub struct {
	*Bindings
	*Ender
	hub     *Hub
	channel string
}

func (s *hubSub) Channel() string { return s.channel }

func (s *hubSub) Unsubscribe() error {
	s.hub.mu.Lock()
	if set, ok := s.hub.subs[s.channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.hub.subs, s.channel)
		}
	}
	s.hub.mu.Unlock()
	s.End(nil)
	return nil
}
