package handlers

import (
	"context"
	"encoding/json"

	"github.com/tbourn/go-party-sync/internal/domain"
	"github.com/tbourn/go-party-sync/internal/ratelimit"
	"github.com/tbourn/go-party-sync/internal/services"
)

//
// Service contracts
//

// EventService publishes events to the log and relay and serves polls.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type EventService interface {
	// Publish stores evt and forwards it to the relay. idemKey may be empty.
	Publish(ctx context.Context, actorID, idemKey string, evt domain.Event) (services.PublishResult, error)
	// Poll returns events of scopeID with timestamp >= since, oldest first.
	Poll(ctx context.Context, scopeID string, since int64, limit int) ([]domain.Event, error)
	// Stats returns the count and newest timestamp of events at or after since.
	Stats(ctx context.Context, scopeID string, since int64) (count, maxTimestamp int64, err error)
}

// ScopeService reads and replaces the authoritative scope snapshot.
type ScopeService interface {
	Get(ctx context.Context, scopeID string) (*domain.ScopeState, error)
	Put(ctx context.Context, scopeID string, expected int64, state json.RawMessage) (*domain.ScopeState, error)
}

// Gate is the per-event admission check applied before publishing.
type Gate interface {
	Check(evt domain.Event, actorID, scopeID string) ratelimit.Decision
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints of the sync server.
type Handlers struct {
	events EventService
	scopes ScopeService
	gate   Gate
}

// New constructs Handlers. gate may be nil to admit every event.
func New(events EventService, scopes ScopeService, gate Gate) *Handlers {
	return &Handlers{events: events, scopes: scopes, gate: gate}
}
