package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/tbourn/go-party-sync/internal/domain"
)

func openQueue(t *testing.T) *BoltQueue {
	t.Helper()
	q, err := OpenBoltQueue(filepath.Join(t.TempDir(), "nested", "queue.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func entry(id string, action domain.Action, at time.Time) domain.QueueEntry {
	return domain.QueueEntry{
		Event: domain.Event{
			ID: id, Action: action, ScopeID: "s1",
			Timestamp: at.UnixMilli(), Version: 1, Payload: json.RawMessage(`{}`),
		},
		EnqueuedAt: at,
	}
}

func ids(es []domain.QueueEntry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Event.ID
	}
	return out
}

func TestBoltQueue_PriorityThenFIFO(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()
	now := time.Now()

	for _, e := range []domain.QueueEntry{
		entry("low-1", domain.ActionHeartbeat, now),
		entry("med-1", domain.ActionRequestSubmitted, now),
		entry("high-1", domain.ActionStatusChange, now),
		entry("med-2", domain.ActionRequestDeleted, now),
		entry("high-2", domain.ActionSystemNotification, now),
	} {
		if _, err := q.Enqueue(ctx, e); err != nil {
			t.Fatalf("enqueue %s: %v", e.Event.ID, err)
		}
	}

	all, err := q.Peek(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	got := ids(all)
	want := []string{"high-1", "high-2", "med-1", "med-2", "low-1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order: got %v want %v", got, want)
		}
	}
	if all[0].Priority != domain.PriorityHigh || all[4].Priority != domain.PriorityLow {
		t.Fatalf("default priorities not applied: %+v", all)
	}

	first, _ := q.Peek(ctx, "s1", 2)
	if len(first) != 2 {
		t.Fatalf("limit ignored: %d", len(first))
	}
}

func TestBoltQueue_DuplicateEventIgnored(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()
	a, _ := q.Enqueue(ctx, entry("e1", domain.ActionRequestSubmitted, time.Now()))
	b, _ := q.Enqueue(ctx, entry("e1", domain.ActionRequestSubmitted, time.Now()))
	if a != b {
		t.Fatalf("duplicate enqueue returned new seq %d != %d", b, a)
	}
	if n, _ := q.Len(ctx, "s1"); n != 1 {
		t.Fatalf("len=%d", n)
	}
}

func TestBoltQueue_RemoveAndRetry(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()
	s1, _ := q.Enqueue(ctx, entry("e1", domain.ActionRequestSubmitted, time.Now()))
	s2, _ := q.Enqueue(ctx, entry("e2", domain.ActionRequestSubmitted, time.Now()))

	if err := q.IncrementRetry(ctx, "s1", s2); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if err := q.Remove(ctx, "s1", s1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	left, _ := q.Peek(ctx, "s1", 0)
	if len(left) != 1 || left[0].Event.ID != "e2" || left[0].RetryCount != 1 {
		t.Fatalf("unexpected remaining entries %+v", left)
	}
	// A removed event may be queued again.
	if _, err := q.Enqueue(ctx, entry("e1", domain.ActionRequestSubmitted, time.Now())); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if n, _ := q.Len(ctx, "s1"); n != 2 {
		t.Fatalf("len=%d", n)
	}
	if n, _ := q.Len(ctx, "unknown"); n != 0 {
		t.Fatalf("unknown scope len=%d", n)
	}
}

func TestBoltQueue_Prune(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()
	now := time.Now()

	_, _ = q.Enqueue(ctx, entry("stale", domain.ActionRequestSubmitted, now.Add(-2*time.Hour)))
	_, _ = q.Enqueue(ctx, entry("high", domain.ActionStatusChange, now))
	_, _ = q.Enqueue(ctx, entry("med", domain.ActionRequestSubmitted, now))
	_, _ = q.Enqueue(ctx, entry("low", domain.ActionHeartbeat, now))

	removed, err := q.Prune(ctx, "s1", 2, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed=%d", removed)
	}
	left, _ := q.Peek(ctx, "s1", 0)
	if got := ids(left); len(got) != 2 || got[0] != "high" || got[1] != "med" {
		t.Fatalf("unexpected survivors %v", got)
	}
}

func TestBoltQueue_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := OpenBoltQueue(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = q.Enqueue(context.Background(), entry("e1", domain.ActionRequestSubmitted, time.Now()))
	_ = q.Close()

	q, err = OpenBoltQueue(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q.Close()
	if n, _ := q.Len(context.Background(), "s1"); n != 1 {
		t.Fatalf("entry lost across reopen")
	}
}
