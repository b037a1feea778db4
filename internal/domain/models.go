package domain

import (
	"encoding/json"
	"time"
)

// StoredEvent is the server-side event log row backing the poll endpoint.
// The primary key is the event id, so re-publishing the same event is a
// no-op at the database level.
type StoredEvent struct {
	ID        string    `json:"id"        gorm:"type:varchar(80);primaryKey"`
	ScopeID   string    `json:"scopeId"   gorm:"type:varchar(64);not null;index:idx_scope_ts,priority:1"`
	Action    string    `json:"action"    gorm:"type:varchar(32);not null"`
	Timestamp int64     `json:"timestamp" gorm:"not null;index:idx_scope_ts,priority:2"`
	Version   int64     `json:"version"   gorm:"not null"`
	ActorID   string    `json:"actorId"   gorm:"type:varchar(64)"`
	Source    string    `json:"source"    gorm:"type:varchar(64)"`
	Payload   []byte    `json:"-"         gorm:"type:blob;not null"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName returns the database table name for StoredEvent.
func (StoredEvent) TableName() string { return "events" }

// NewStoredEvent converts an envelope into its log row.
func NewStoredEvent(e Event) StoredEvent {
	return StoredEvent{
		ID:        e.ID,
		ScopeID:   e.ScopeID,
		Action:    string(e.Action),
		Timestamp: e.Timestamp,
		Version:   e.Version,
		ActorID:   e.ActorID,
		Source:    e.Source,
		Payload:   []byte(e.Payload),
	}
}

// Event converts the row back into an envelope.
func (s StoredEvent) Event() Event {
	return Event{
		ID:        s.ID,
		Action:    Action(s.Action),
		ScopeID:   s.ScopeID,
		Timestamp: s.Timestamp,
		Version:   s.Version,
		Payload:   json.RawMessage(s.Payload),
		ActorID:   s.ActorID,
		Source:    s.Source,
	}
}

// QueuedEvent is a fallback queue entry persisted while the relay is
// unreachable. Rows are consumed by (priority_rank, enqueued_at, seq).
type QueuedEvent struct {
	Seq          uint64    `json:"seq"          gorm:"primaryKey;autoIncrement"`
	EventID      string    `json:"eventId"      gorm:"type:varchar(80);not null;uniqueIndex"`
	ScopeID      string    `json:"scopeId"      gorm:"type:varchar(64);not null;index:idx_queue_order,priority:1"`
	PriorityRank int       `json:"priorityRank" gorm:"not null;index:idx_queue_order,priority:2"`
	EnqueuedAt   time.Time `json:"enqueuedAt"   gorm:"not null;index:idx_queue_order,priority:3"`
	RetryCount   int       `json:"retryCount"   gorm:"not null;default:0"`
	Envelope     []byte    `json:"-"            gorm:"type:blob;not null"`
}

// TableName returns the database table name for QueuedEvent.
func (QueuedEvent) TableName() string { return "fallback_queue" }

// QueueEntry is the storage-agnostic view of a fallback queue item.
type QueueEntry struct {
	Seq        uint64
	Event      Event
	EnqueuedAt time.Time
	RetryCount int
	Priority   Priority
}

// ScopeState is the authoritative snapshot of a party, fetched by clients
// during state recovery. Version enables optimistic concurrency.
type ScopeState struct {
	ScopeID   string    `json:"scopeId"   gorm:"type:varchar(64);primaryKey"`
	Version   int64     `json:"version"   gorm:"not null;default:0"`
	State     []byte    `json:"-"         gorm:"type:blob;not null"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName returns the database table name for ScopeState.
func (ScopeState) TableName() string { return "scope_states" }
