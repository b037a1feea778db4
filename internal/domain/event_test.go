package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func validEvent() Event {
	return Event{
		ID:        "e1",
		Action:    ActionRequestApproved,
		ScopeID:   "s1",
		Timestamp: 1000,
		Version:   1,
		Payload:   json.RawMessage(`{"requestId":"r1"}`),
	}
}

func TestCompare_TotalOrder(t *testing.T) {
	base := validEvent()

	laterTS := base
	laterTS.Timestamp = 1001
	laterTS.Version = 0
	if Compare(base, laterTS) >= 0 {
		t.Fatalf("timestamp must dominate version")
	}

	higherVer := base
	higherVer.Version = 3
	if Compare(base, higherVer) >= 0 || Compare(higherVer, base) <= 0 {
		t.Fatalf("version must break timestamp ties")
	}

	otherID := base
	otherID.ID = "e2"
	if Compare(base, otherID) >= 0 {
		t.Fatalf("id must break full ties")
	}

	if Compare(base, base) != 0 {
		t.Fatalf("identical events must compare equal")
	}
}

func TestValidate_FailsClosed(t *testing.T) {
	cases := map[string]func(*Event){
		"missing id":     func(e *Event) { e.ID = " " },
		"zero timestamp": func(e *Event) { e.Timestamp = 0 },
		"neg version":    func(e *Event) { e.Version = -1 },
		"missing scope":  func(e *Event) { e.ScopeID = "" },
		"unknown action": func(e *Event) { e.Action = "dance" },
		"nil payload":    func(e *Event) { e.Payload = nil },
		"null payload":   func(e *Event) { e.Payload = json.RawMessage(" null ") },
	}
	for name, mutate := range cases {
		e := validEvent()
		mutate(&e)
		err := e.Validate()
		if !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("%s: expected ErrInvalidEvent, got %v", name, err)
		}
		if e.IsValid() {
			t.Fatalf("%s: IsValid should be false", name)
		}
	}
	if !validEvent().IsValid() {
		t.Fatalf("baseline event should be valid")
	}
}

func TestDecodeEvent(t *testing.T) {
	good := `{"id":"e1","action":"request-approved","scopeId":"s1","timestamp":1000,"version":1,"payload":{}}`
	e, err := DecodeEvent([]byte(good))
	if err != nil {
		t.Fatalf("decode good: %v", err)
	}
	if e.ID != "e1" || e.Action != ActionRequestApproved || e.Timestamp != 1000 {
		t.Fatalf("unexpected event: %+v", e)
	}

	bad := []string{
		`not json`,
		`{"id":1,"action":"heartbeat","scopeId":"s1","timestamp":1,"version":1,"payload":{}}`,
		`{"id":"e1","action":"heartbeat","scopeId":"s1","timestamp":"1000","version":1,"payload":{}}`,
		`{"id":"e1","action":"heartbeat","scopeId":"s1","timestamp":1000.5,"version":1,"payload":{}}`,
		`{"id":"e1","action":"heartbeat","scopeId":"s1","timestamp":1000,"payload":{}}`,
		`{"id":"e1","action":"heartbeat","scopeId":"s1","timestamp":1000,"version":1}`,
		`{"id":"e1","action":"nope","scopeId":"s1","timestamp":1000,"version":1,"payload":{}}`,
	}
	for _, in := range bad {
		if _, err := DecodeEvent([]byte(in)); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("expected ErrInvalidEvent for %s, got %v", in, err)
		}
	}
}

func TestEncodeDecode_FieldNames(t *testing.T) {
	e := validEvent()
	e.ActorID = "actor-1"
	b, err := e.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, f := range []string{`"id"`, `"action"`, `"scopeId"`, `"timestamp"`, `"version"`, `"payload"`, `"actorId"`} {
		if !strings.Contains(string(b), f) {
			t.Fatalf("missing field %s in %s", f, b)
		}
	}
	if strings.Contains(string(b), `"source"`) {
		t.Fatalf("empty source should be omitted: %s", b)
	}
}

func TestNewIDAndVersion(t *testing.T) {
	seen := make(map[string]bool)
	var last int64
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true

		v := NewVersion()
		if v <= last {
			t.Fatalf("version not increasing: %d after %d", v, last)
		}
		last = v
	}
}

func TestKeysAndChannel(t *testing.T) {
	e := validEvent()
	if got := e.DedupKey().String(); got != "s1|request-approved|e1" {
		t.Fatalf("dedup key = %q", got)
	}
	if e.OrderingKey() != (OrderingKey{ScopeID: "s1", Action: ActionRequestApproved}) {
		t.Fatalf("ordering key = %+v", e.OrderingKey())
	}
	if ChannelName("s1") != "scope-s1" {
		t.Fatalf("channel = %q", ChannelName("s1"))
	}
	if NormalizeScopeID("  PARTY-42 ") != "party-42" {
		t.Fatalf("normalize = %q", NormalizeScopeID("  PARTY-42 "))
	}
}

func TestActionsAndPriority(t *testing.T) {
	if len(Actions) != 14 {
		t.Fatalf("expected 14 actions, got %d", len(Actions))
	}
	if !ActionRequestApproved.IsOrderingSensitive() || ActionHeartbeat.IsOrderingSensitive() {
		t.Fatalf("ordering-sensitive set is wrong")
	}
	if DefaultPriority(ActionStatusChange) != PriorityHigh ||
		DefaultPriority(ActionRequestSubmitted) != PriorityMedium ||
		DefaultPriority(ActionHeartbeat) != PriorityLow {
		t.Fatalf("unexpected default priorities")
	}
	for _, p := range []Priority{PriorityHigh, PriorityMedium, PriorityLow} {
		if PriorityFromRank(p.Rank()) != p {
			t.Fatalf("rank round trip failed for %s", p)
		}
	}
}

func TestDecodePayload(t *testing.T) {
	e := validEvent()
	p, err := DecodePayload[RequestPayload](e)
	if err != nil || p.RequestID != "r1" {
		t.Fatalf("decode payload: %+v %v", p, err)
	}
	e.Payload = nil
	if _, err := DecodePayload[RequestPayload](e); err == nil {
		t.Fatalf("expected error on missing payload")
	}
	if string(MustPayload(nil)) != "{}" {
		t.Fatalf("nil payload should become {}")
	}
}
