package domain

import "time"

// Idempotency records a previously accepted publish request, keyed by
// (scope_id, actor_id, key). A retried POST with the same key is answered
// with the original event id instead of publishing again.
type Idempotency struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	ScopeID   string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_scope_actor_key,priority:1"`
	ActorID   string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_scope_actor_key,priority:2"`
	Key       string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_scope_actor_key,priority:3"`
	EventID   string    `gorm:"type:TEXT NOT NULL"`
	Status    int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
