package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/go-party-sync/internal/domain"
)

type capture struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (c *capture) Publish(_ context.Context, e domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, e)
	return nil
}

func (c *capture) snapshot() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Event(nil), c.events...)
}

func TestBroadcast_DebounceCollapsesToLastValue(t *testing.T) {
	pub := &capture{}
	b := New(pub, Config{Debounce: 20 * time.Millisecond})
	t.Cleanup(b.Destroy)

	for i := 1; i <= 5; i++ {
		if err := b.Broadcast(Change{Type: "playback", OldValue: i - 1, NewValue: i, Source: "player"}); err != nil {
			t.Fatalf("broadcast: %v", err)
		}
	}
	if b.PendingCount() != 1 {
		t.Fatalf("want 1 pending, got %d", b.PendingCount())
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("debounced change never sent")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(40 * time.Millisecond)

	got := pub.snapshot()
	if len(got) != 1 {
		t.Fatalf("want exactly one send, got %d", len(got))
	}
	if got[0].Action != domain.ActionPlaybackUpdate || got[0].Source != "player" {
		t.Fatalf("unexpected event %+v", got[0])
	}
	p, err := domain.DecodePayload[domain.StateChangePayload](got[0])
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	// JSON numbers decode as float64.
	if p.NewValue != float64(5) || p.OldValue != float64(0) {
		t.Fatalf("want old=0 new=5, got old=%v new=%v", p.OldValue, p.NewValue)
	}
}

func TestBroadcast_DistinctKeysAndFlush(t *testing.T) {
	pub := &capture{}
	b := New(pub, Config{Debounce: time.Hour})
	t.Cleanup(b.Destroy)

	_ = b.Broadcast(Change{Type: "stats", NewValue: 1, Source: "a"})
	_ = b.Broadcast(Change{Type: "stats", NewValue: 2, Source: "b"})
	_ = b.Broadcast(Change{Type: "party-status", NewValue: "live", Source: "a"})
	if b.PendingCount() != 3 {
		t.Fatalf("pending=%d", b.PendingCount())
	}
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if b.PendingCount() != 0 || len(pub.snapshot()) != 3 {
		t.Fatalf("flush failed: pending=%d sent=%d", b.PendingCount(), len(pub.snapshot()))
	}
}

func TestBroadcastImmediate_SupersedesPending(t *testing.T) {
	pub := &capture{}
	b := New(pub, Config{Debounce: time.Hour})
	t.Cleanup(b.Destroy)

	_ = b.Broadcast(Change{Type: "page", NewValue: false, Source: "admin"})
	if err := b.BroadcastImmediate(context.Background(), Change{Type: "page", NewValue: true, Source: "admin"}); err != nil {
		t.Fatalf("immediate: %v", err)
	}
	if b.PendingCount() != 0 {
		t.Fatalf("pending change should be superseded")
	}
	got := pub.snapshot()
	if len(got) != 1 || got[0].Action != domain.ActionPageToggle {
		t.Fatalf("unexpected sends %+v", got)
	}

	pub.err = errors.New("degraded")
	if err := b.BroadcastImmediate(context.Background(), Change{Type: "page", Source: "admin"}); err == nil {
		t.Fatalf("publisher error must surface")
	}
}

func TestBroadcastBatch_GroupsByAction(t *testing.T) {
	pub := &capture{}
	b := New(pub, Config{})
	t.Cleanup(b.Destroy)

	err := b.BroadcastBatch(context.Background(), []Change{
		{Type: "request-approved", NewValue: "r1", Source: "admin"},
		{Type: "stats", NewValue: 10, Source: "server"},
		{Type: "request-approved", NewValue: "r2", Source: "admin"},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	got := pub.snapshot()
	if len(got) != 2 {
		t.Fatalf("want 2 grouped sends, got %d", len(got))
	}
	for _, e := range got {
		batch, err := domain.DecodePayload[domain.BatchPayload](e)
		if err != nil {
			t.Fatalf("payload: %v", err)
		}
		switch e.Action {
		case domain.ActionRequestApproved:
			if len(batch.Changes) != 2 {
				t.Fatalf("approvals should be grouped, got %d", len(batch.Changes))
			}
		case domain.ActionStatsUpdate:
			if len(batch.Changes) != 1 {
				t.Fatalf("stats group size %d", len(batch.Changes))
			}
		default:
			t.Fatalf("unexpected action %s", e.Action)
		}
	}

	err = b.BroadcastBatch(context.Background(), []Change{{Type: "no-such-type"}})
	if !errors.Is(err, ErrUnroutable) {
		t.Fatalf("want ErrUnroutable, got %v", err)
	}
}

func TestCategoryDisabled_NoOp(t *testing.T) {
	pub := &capture{}
	b := New(pub, Config{Disabled: []Category{CategoryAdminAction}})
	t.Cleanup(b.Destroy)

	if err := b.BroadcastImmediate(context.Background(), Change{Type: "request-rejected", Source: "admin"}); err != nil {
		t.Fatalf("disabled category must be a silent no-op: %v", err)
	}
	_ = b.Broadcast(Change{Type: "message", Source: "admin"})
	if len(pub.snapshot()) != 0 || b.PendingCount() != 0 {
		t.Fatalf("disabled category produced output")
	}

	b.SetEnabled(CategoryAdminAction, true)
	_ = b.BroadcastImmediate(context.Background(), Change{Type: "request-rejected", Source: "admin"})
	if len(pub.snapshot()) != 1 {
		t.Fatalf("re-enabled category should send")
	}
	if b.Sent()[CategoryAdminAction] != 1 {
		t.Fatalf("sent counters %+v", b.Sent())
	}
}

func TestDestroy(t *testing.T) {
	pub := &capture{}
	b := New(pub, Config{Debounce: 10 * time.Millisecond})
	_ = b.Broadcast(Change{Type: "stats", Source: "x"})
	b.Destroy()
	time.Sleep(30 * time.Millisecond)
	if len(pub.snapshot()) != 0 {
		t.Fatalf("pending change sent after destroy")
	}
	if err := b.Broadcast(Change{Type: "stats"}); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("broadcast after destroy: %v", err)
	}
}
