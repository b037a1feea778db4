// Package services – ScopeService
//
// ScopeService owns the authoritative state snapshot of every scope. Clients
// fetch it to recover after a relay outage; operators update it with an
// expected version so concurrent writers cannot silently overwrite each other.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-party-sync/internal/domain"
	"github.com/tbourn/go-party-sync/internal/repo"
)

// ScopeService reads and writes scope snapshots.
type ScopeService struct {
	DB *gorm.DB
}

// Get returns the snapshot of scopeID.
func (s *ScopeService) Get(ctx context.Context, scopeID string) (*domain.ScopeState, error) {
	tr := otel.Tracer("services/ScopeService")
	ctx, span := tr.Start(ctx, "Get", trace.WithAttributes(attribute.String("scope.id", scopeID)))
	defer span.End()

	scopeID = domain.NormalizeScopeID(scopeID)
	if scopeID == "" {
		return nil, ErrEmptyScope
	}
	st, err := repo.GetScopeState(ctx, s.DB, scopeID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrScopeNotFound
	}
	return st, err
}

// Put replaces the snapshot of scopeID if its version equals expected.
func (s *ScopeService) Put(ctx context.Context, scopeID string, expected int64, state json.RawMessage) (*domain.ScopeState, error) {
	tr := otel.Tracer("services/ScopeService")
	ctx, span := tr.Start(ctx, "Put",
		trace.WithAttributes(
			attribute.String("scope.id", scopeID),
			attribute.Int64("expected_version", expected),
		),
	)
	defer span.End()

	scopeID = domain.NormalizeScopeID(scopeID)
	if scopeID == "" {
		return nil, ErrEmptyScope
	}
	trimmed := bytes.TrimSpace(state)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, ErrInvalidState
	}
	st, err := repo.PutScopeState(ctx, s.DB, scopeID, expected, trimmed)
	if errors.Is(err, repo.ErrVersionConflict) {
		return nil, ErrVersionConflict
	}
	return st, err
}
