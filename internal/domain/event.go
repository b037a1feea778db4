// Package domain defines the synchronization envelope shared by every layer
// of the real-time event pipeline, plus the GORM models persisted by the
// server (event log, scope state, idempotency) and the client fallback queue.
package domain

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
)

// ErrInvalidEvent is returned when an envelope fails the structural check.
var ErrInvalidEvent = errors.New("invalid event")

// Event is the unit of synchronization. Field names are part of the wire
// contract and only ever grow.
type Event struct {
	ID        string          `json:"id"`
	Action    Action          `json:"action"`
	ScopeID   string          `json:"scopeId"`
	Timestamp int64           `json:"timestamp"` // unix millis
	Version   int64           `json:"version"`
	Payload   json.RawMessage `json:"payload"`

	// ActorID identifies who produced the event; used for per-actor limits.
	ActorID string `json:"actorId,omitempty"`
	// Source is a free-form origin label (e.g. "admin-panel").
	Source string `json:"source,omitempty"`
}

// DedupKey identifies a unique event occurrence.
type DedupKey struct {
	ScopeID string
	Action  Action
	ID      string
}

// String renders the key as scope|action|id.
func (k DedupKey) String() string {
	return k.ScopeID + "|" + string(k.Action) + "|" + k.ID
}

// OrderingKey identifies the ordering queue an event belongs to.
type OrderingKey struct {
	ScopeID string
	Action  Action
}

// DedupKey returns the (scopeId, action, id) key for e.
func (e Event) DedupKey() DedupKey {
	return DedupKey{ScopeID: e.ScopeID, Action: e.Action, ID: e.ID}
}

// OrderingKey returns the (scopeId, action) queue key for e.
func (e Event) OrderingKey() OrderingKey {
	return OrderingKey{ScopeID: e.ScopeID, Action: e.Action}
}

// Validate performs the structural envelope check. It fails closed: anything
// ambiguous is reported as invalid.
func (e Event) Validate() error {
	switch {
	case strings.TrimSpace(e.ID) == "":
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	case e.Timestamp <= 0:
		return fmt.Errorf("%w: timestamp must be positive", ErrInvalidEvent)
	case e.Version < 0:
		return fmt.Errorf("%w: version must not be negative", ErrInvalidEvent)
	case strings.TrimSpace(e.ScopeID) == "":
		return fmt.Errorf("%w: missing scopeId", ErrInvalidEvent)
	case !e.Action.Valid():
		return fmt.Errorf("%w: unknown action %q", ErrInvalidEvent, e.Action)
	case !payloadPresent(e.Payload):
		return fmt.Errorf("%w: missing payload", ErrInvalidEvent)
	}
	return nil
}

// IsValid is a convenience wrapper around Validate.
func (e Event) IsValid() bool { return e.Validate() == nil }

func payloadPresent(p json.RawMessage) bool {
	t := bytes.TrimSpace(p)
	return len(t) > 0 && !bytes.Equal(t, []byte("null"))
}

// DecodeEvent parses a wire envelope and validates its shape before the typed
// decode, so that e.g. a string timestamp is rejected instead of coerced.
func DecodeEvent(data []byte) (Event, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	for _, f := range []string{"id", "scopeId", "action"} {
		if !isJSONString(raw[f]) {
			return Event{}, fmt.Errorf("%w: %s must be a string", ErrInvalidEvent, f)
		}
	}
	for _, f := range []string{"timestamp", "version"} {
		if !isJSONInteger(raw[f]) {
			return Event{}, fmt.Errorf("%w: %s must be an integer", ErrInvalidEvent, f)
		}
	}

	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Encode serializes e as a wire envelope.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func isJSONString(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	return len(t) >= 2 && t[0] == '"'
}

func isJSONInteger(v json.RawMessage) bool {
	t := strings.TrimSpace(string(v))
	if t == "" {
		return false
	}
	_, err := strconv.ParseInt(t, 10, 64)
	return err == nil
}

// Compare orders two events of the same ordering queue by timestamp, then
// version, then id. It returns 0 only for identical triples.
func Compare(a, b Event) int {
	if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Version, b.Version); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// NewID returns a fresh event id: a base36 millisecond prefix followed by a
// random UUID.
func NewID() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + uuid.NewString()
}

var (
	versionMu   sync.Mutex
	lastVersion int64
)

// NewVersion returns a process-wide strictly increasing version derived from
// wall-clock milliseconds. It is a tie-breaker, not a counter of record.
func NewVersion() int64 {
	versionMu.Lock()
	defer versionMu.Unlock()
	v := time.Now().UnixMilli()
	if v <= lastVersion {
		v = lastVersion + 1
	}
	lastVersion = v
	return v
}

// NowMillis returns t as unix milliseconds.
func NowMillis(t time.Time) int64 { return t.UnixMilli() }

// ChannelName is the relay channel carrying every event of a scope.
func ChannelName(scopeID string) string {
	return "scope-" + scopeID
}

// NormalizeScopeID trims and case-folds a scope identifier so that
// human-typed party codes map onto a single channel.
func NormalizeScopeID(s string) string {
	// Casers are stateful; build one per call.
	return cases.Fold().String(strings.TrimSpace(s))
}
