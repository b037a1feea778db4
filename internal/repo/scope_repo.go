// Package repo implements the data persistence layer for the sync server.
// This file stores the authoritative per-scope state snapshot clients fetch
// during recovery, with optimistic concurrency on Version.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-party-sync/internal/domain"
)

// ErrVersionConflict is returned when the expected version does not match
// the stored one.
var ErrVersionConflict = errors.New("scope state version conflict")

// GetScopeState returns the snapshot of scopeID or ErrNotFound.
func GetScopeState(ctx context.Context, db *gorm.DB, scopeID string) (*domain.ScopeState, error) {
	var s domain.ScopeState
	err := db.WithContext(ctx).Where("scope_id = ?", scopeID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// PutScopeState writes state if the stored version equals expected, and
// returns the new snapshot with Version = expected+1. expected 0 creates the
// scope; it conflicts if the scope already exists.
func PutScopeState(ctx context.Context, db *gorm.DB, scopeID string, expected int64, state []byte) (*domain.ScopeState, error) {
	now := time.Now().UTC()
	next := &domain.ScopeState{ScopeID: scopeID, Version: expected + 1, State: state, UpdatedAt: now}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if expected == 0 {
			var n int64
			if err := tx.Model(&domain.ScopeState{}).Where("scope_id = ?", scopeID).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return ErrVersionConflict
			}
			return tx.Create(next).Error
		}
		res := tx.Model(&domain.ScopeState{}).
			Where("scope_id = ? AND version = ?", scopeID, expected).
			Updates(map[string]any{"version": next.Version, "state": state, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrVersionConflict
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}
