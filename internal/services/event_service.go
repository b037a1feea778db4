// Package services – EventService
//
// EventService accepts published events, appends them to the event log,
// forwards them onto the relay channel of their scope, and answers polls from
// clients that lost the relay. Publishing is idempotent twice over: the log is
// keyed by event id, and an Idempotency-Key replays the originally accepted
// event.
//
// Observability: public methods are OpenTelemetry-instrumented.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-party-sync/internal/domain"
	"github.com/tbourn/go-party-sync/internal/metrics"
	"github.com/tbourn/go-party-sync/internal/relay"
	"github.com/tbourn/go-party-sync/internal/repo"
)

// Publisher is the relay side EventService forwards to.
type Publisher interface {
	Publish(ctx context.Context, channel, eventType string, data []byte) error
}

var _ Publisher = (relay.Relay)(nil)

// PublishResult describes the outcome of one Publish.
type PublishResult struct {
	Event domain.Event
	// Replayed is true when the idempotency key matched an earlier request.
	Replayed bool
	// Duplicate is true when the event id was already logged.
	Duplicate bool
	// Relayed is false when the relay publish failed; pollers still see it.
	Relayed bool
}

// EventService coordinates the event log and the relay.
type EventService struct {
	DB      *gorm.DB
	Relay   Publisher
	IdemTTL time.Duration

	// MaxPayloadBytes rejects oversized payloads; zero disables the check.
	MaxPayloadBytes int
}

// Publish validates evt, stores it and forwards it to the relay.
func (s *EventService) Publish(ctx context.Context, actorID, idemKey string, evt domain.Event) (PublishResult, error) {
	tr := otel.Tracer("services/EventService")
	ctx, span := tr.Start(ctx, "Publish",
		trace.WithAttributes(
			attribute.String("event.id", evt.ID),
			attribute.String("event.action", string(evt.Action)),
			attribute.String("scope.id", evt.ScopeID),
		),
	)
	defer span.End()

	if evt.ActorID == "" {
		evt.ActorID = actorID
	}
	evt.ScopeID = domain.NormalizeScopeID(evt.ScopeID)
	if err := evt.Validate(); err != nil {
		return PublishResult{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if s.MaxPayloadBytes > 0 && len(evt.Payload) > s.MaxPayloadBytes {
		return PublishResult{}, fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidEvent, s.MaxPayloadBytes)
	}

	if idemKey != "" {
		if rec, err := repo.GetIdempotency(ctx, s.DB, evt.ScopeID, actorID, idemKey, time.Now().UTC()); err == nil && rec != nil {
			if prev, err := repo.GetEvent(ctx, s.DB, rec.EventID); err == nil {
				span.SetAttributes(attribute.Bool("idempotency.replayed", true))
				return PublishResult{Event: prev, Replayed: true, Relayed: true}, nil
			}
		}
	}

	created, err := repo.AppendEvent(ctx, s.DB, evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return PublishResult{}, err
	}
	res := PublishResult{Event: evt, Duplicate: !created}

	if created {
		res.Relayed = s.forward(ctx, evt)
		metrics.EventsPublished.WithLabelValues(string(evt.Action)).Inc()
	}

	if idemKey != "" {
		ttl := s.IdemTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		// Best effort: a lost record only costs a duplicate append, which is a no-op.
		_, _ = repo.CreateIdempotency(ctx, s.DB, evt.ScopeID, actorID, idemKey, evt.ID, http.StatusAccepted, ttl)
	}
	return res, nil
}

func (s *EventService) forward(ctx context.Context, evt domain.Event) bool {
	if s.Relay == nil {
		return false
	}
	data, err := evt.Encode()
	if err != nil {
		return false
	}
	if err := s.Relay.Publish(ctx, domain.ChannelName(evt.ScopeID), string(evt.Action), data); err != nil {
		log.Warn().Err(err).Str("event_id", evt.ID).Str("scope_id", evt.ScopeID).Msg("relay publish failed; event remains pollable")
		return false
	}
	return true
}

// Poll returns logged events of scopeID at or after since.
func (s *EventService) Poll(ctx context.Context, scopeID string, since int64, limit int) ([]domain.Event, error) {
	tr := otel.Tracer("services/EventService")
	ctx, span := tr.Start(ctx, "Poll",
		trace.WithAttributes(
			attribute.String("scope.id", scopeID),
			attribute.Int64("since", since),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	scopeID = domain.NormalizeScopeID(scopeID)
	if scopeID == "" {
		return nil, ErrEmptyScope
	}
	if since < 0 {
		since = 0
	}
	events, err := repo.ListEventsSince(ctx, s.DB, scopeID, since, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("events", len(events)))
	return events, nil
}

// Stats returns (count, max timestamp) for ETag computation.
func (s *EventService) Stats(ctx context.Context, scopeID string, since int64) (int64, int64, error) {
	return repo.EventsStats(ctx, s.DB, domain.NormalizeScopeID(scopeID), since)
}

// Prune drops log rows older than retention and expired idempotency records.
func (s *EventService) Prune(ctx context.Context, retention time.Duration) error {
	now := time.Now().UTC()
	_, err1 := repo.PruneEvents(ctx, s.DB, now.Add(-retention).UnixMilli())
	_, err2 := repo.PruneIdempotency(ctx, s.DB, now)
	return errors.Join(err1, err2)
}
