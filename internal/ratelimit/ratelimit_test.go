package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/tbourn/go-party-sync/internal/clock"
	"github.com/tbourn/go-party-sync/internal/domain"
)

var epoch = time.UnixMilli(1_700_000_000_000)

func evt(actor string) domain.Event {
	return domain.Event{
		ID:        domain.NewID(),
		Action:    domain.ActionRequestSubmitted,
		ScopeID:   "s1",
		Timestamp: epoch.UnixMilli(),
		Version:   1,
		Payload:   json.RawMessage(`{}`),
		ActorID:   actor,
	}
}

func actorOnly(perSecond int) Config {
	return Config{
		Actor:           Limits{PerSecond: perSecond},
		PenaltyDuration: 10 * time.Second,
		MaxPenaltyLevel: 3,
	}
}

func TestCheck_ActorPerSecond(t *testing.T) {
	clk := clock.NewManual(epoch)
	l := New(actorOnly(10), WithClock(clk))

	for i := 0; i < 10; i++ {
		if d := l.Check(evt("u1"), "", ""); !d.Allowed {
			t.Fatalf("event %d unexpectedly blocked: %+v", i, d)
		}
	}
	d := l.Check(evt("u1"), "", "")
	if d.Allowed {
		t.Fatalf("11th event must be blocked")
	}
	if d.Reason != "actor rate limit exceeded (per second)" {
		t.Fatalf("unexpected reason %q", d.Reason)
	}
	if d.Dimension != DimensionActor || d.PenaltyLevel != 1 {
		t.Fatalf("unexpected decision %+v", d)
	}

	// Other actors are unaffected.
	if d := l.Check(evt("u2"), "", ""); !d.Allowed {
		t.Fatalf("other actor blocked: %+v", d)
	}

	s := l.Stats()
	if s.Checks != 12 || s.Allowed != 11 || s.Blocked != 1 || s.BlockedBy[DimensionActor] != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if s.ActivePenalties != 1 || s.TrackedActors != 2 {
		t.Fatalf("unexpected tracking stats %+v", s)
	}
}

func TestCheck_BucketResetsAtBoundary(t *testing.T) {
	clk := clock.NewManual(epoch)
	l := New(Config{Global: Limits{PerSecond: 2}}, WithClock(clk))

	for i := 0; i < 2; i++ {
		if !l.Check(evt(""), "", "").Allowed {
			t.Fatalf("event %d blocked", i)
		}
	}
	clk.Advance(900 * time.Millisecond)
	d := l.Check(evt(""), "", "")
	if d.Allowed || d.Dimension != DimensionGlobal {
		t.Fatalf("expected global block, got %+v", d)
	}
	if d.RetryAfterMs != 100 {
		t.Fatalf("retry should point at next bucket, got %d", d.RetryAfterMs)
	}
	clk.Advance(100 * time.Millisecond)
	if !l.Check(evt(""), "", "").Allowed {
		t.Fatalf("new second should reset the counter")
	}
}

func TestCheck_RejectedDoesNotCount(t *testing.T) {
	clk := clock.NewManual(epoch)
	l := New(Config{
		Global: Limits{PerSecond: 3},
		Scope:  Limits{PerSecond: 1},
	}, WithClock(clk))

	if !l.Check(evt(""), "", "s1").Allowed {
		t.Fatalf("first event blocked")
	}
	// Scope rejections must not consume global capacity.
	for i := 0; i < 5; i++ {
		if d := l.Check(evt(""), "", "s1"); d.Dimension != DimensionScope {
			t.Fatalf("expected scope block, got %+v", d)
		}
	}
	for i := 0; i < 2; i++ {
		if d := l.Check(evt(""), "", fmt.Sprintf("other-%d", i)); !d.Allowed {
			t.Fatalf("global capacity was consumed by rejected checks: %+v", d)
		}
	}
}

func TestPenalty_EscalatesAndExpires(t *testing.T) {
	clk := clock.NewManual(epoch)
	l := New(actorOnly(1), WithClock(clk))

	l.Check(evt("u1"), "", "")
	if d := l.Check(evt("u1"), "", ""); d.PenaltyLevel != 1 {
		t.Fatalf("expected level 1, got %+v", d)
	}

	clk.Advance(2 * time.Second)
	d := l.Check(evt("u1"), "", "")
	if d.Allowed || d.Dimension != DimensionPenalty || d.Reason != "actor under penalty" {
		t.Fatalf("expected penalty rejection, got %+v", d)
	}
	if d.PenaltyLevel != 2 || d.RetryAfterMs != 18_000 {
		t.Fatalf("penalty should escalate to level 2, 20s from the first block, got %+v", d)
	}

	// Level is capped at MaxPenaltyLevel.
	for i := 0; i < 5; i++ {
		d = l.Check(evt("u1"), "", "")
	}
	if d.PenaltyLevel != 3 {
		t.Fatalf("penalty level must cap at 3, got %d", d.PenaltyLevel)
	}

	clk.Advance(31 * time.Second)
	if d := l.Check(evt("u1"), "", ""); !d.Allowed {
		t.Fatalf("penalty should have expired: %+v", d)
	}
	if lvl := l.PenaltyLevel("u1"); lvl != 0 {
		t.Fatalf("penalty level must reset on expiry, got %d", lvl)
	}
}

func TestPenalty_RetriesDoNotExtendLockout(t *testing.T) {
	clk := clock.NewManual(epoch)
	l := New(actorOnly(1), WithClock(clk))

	l.Check(evt("u1"), "", "")
	l.Check(evt("u1"), "", "")

	// A slow, steady retry every 5s must not keep the actor locked out.
	for i := 0; i < 5; i++ {
		clk.Advance(5 * time.Second)
		if d := l.Check(evt("u1"), "", ""); d.Allowed {
			t.Fatalf("retry %d admitted while under penalty", i)
		}
	}
	clk.Advance(5 * time.Second)
	if d := l.Check(evt("u1"), "", ""); !d.Allowed {
		t.Fatalf("penalty must expire %s after the first block: %+v", 30*time.Second, d)
	}
}

func TestBurst_PerActor(t *testing.T) {
	clk := clock.NewManual(epoch)
	l := New(Config{BurstSize: 3, BurstWindow: 3 * time.Second}, WithClock(clk))

	for i := 0; i < 3; i++ {
		if !l.Check(evt("u1"), "", "").Allowed {
			t.Fatalf("burst event %d blocked", i)
		}
	}
	d := l.Check(evt("u1"), "", "")
	if d.Allowed || d.Dimension != DimensionBurst {
		t.Fatalf("expected burst block, got %+v", d)
	}
	if d.RetryAfterMs <= 0 || d.RetryAfterMs > 1000 {
		t.Fatalf("retry should be within one refill interval, got %d", d.RetryAfterMs)
	}
	if !l.Check(evt("u2"), "", "").Allowed {
		t.Fatalf("burst bucket must be per actor")
	}
}

func TestDestroy_RejectsEverything(t *testing.T) {
	l := New(DefaultConfig)
	l.Start(context.Background())
	l.Destroy()

	d := l.Check(evt("u1"), "", "")
	if d.Allowed || d.Dimension != DimensionDestroyed || d.Reason != "rate limiter destroyed" {
		t.Fatalf("unexpected decision after destroy: %+v", d)
	}
}

func TestSweep_RetentionAndCap(t *testing.T) {
	clk := clock.NewManual(epoch)
	l := New(Config{MaxTrackedActors: 2, Retention: time.Hour}, WithClock(clk))

	l.Check(evt("old"), "", "")
	clk.Advance(2 * time.Hour)
	for _, a := range []string{"a", "b", "c"} {
		l.Check(evt(a), "", "")
		clk.Advance(time.Second)
	}
	l.Sweep()

	s := l.Stats()
	if s.TrackedActors != 2 {
		t.Fatalf("expected 2 tracked actors, got %d", s.TrackedActors)
	}
	l.mu.Lock()
	_, hasOld := l.actors["old"]
	_, hasA := l.actors["a"]
	_, hasC := l.actors["c"]
	l.mu.Unlock()
	if hasOld || hasA || !hasC {
		t.Fatalf("sweep evicted the wrong actors (old=%v a=%v c=%v)", hasOld, hasA, hasC)
	}
}

func TestSweep_CapKeepsPenalizedActors(t *testing.T) {
	clk := clock.NewManual(epoch)
	cfg := actorOnly(1)
	cfg.MaxTrackedActors = 1
	cfg.Retention = time.Hour
	l := New(cfg, WithClock(clk))

	l.Check(evt("bad"), "", "")
	l.Check(evt("bad"), "", "")
	clk.Advance(time.Second)
	l.Check(evt("good"), "", "")
	l.Sweep()

	if lvl := l.PenaltyLevel("bad"); lvl != 1 {
		t.Fatalf("penalized actor evicted by the cap (level=%d)", lvl)
	}
	if d := l.Check(evt("bad"), "", ""); d.Allowed || d.Dimension != DimensionPenalty {
		t.Fatalf("penalty lost after sweep: %+v", d)
	}
}

func TestReset(t *testing.T) {
	clk := clock.NewManual(epoch)
	l := New(actorOnly(1), WithClock(clk))
	l.Check(evt("u1"), "", "")
	l.Check(evt("u1"), "", "")
	l.Reset()
	if !l.Check(evt("u1"), "", "").Allowed {
		t.Fatalf("reset should clear counters and penalties")
	}
}
