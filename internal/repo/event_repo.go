// Package repo implements the data persistence layer for the sync server.
// This file provides the append-only event log read by the poll endpoint.
//
// Rows are keyed by event id. Appending an id that already exists is a
// no-op, so publishers may retry freely.
package repo

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-party-sync/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience.
var ErrNotFound = gorm.ErrRecordNotFound

// MaxPollLimit caps the number of events returned by one ListEventsSince.
const MaxPollLimit = 500

// AppendEvent stores evt. created is false when the id was already logged.
func AppendEvent(ctx context.Context, db *gorm.DB, evt domain.Event) (created bool, err error) {
	row := domain.NewStoredEvent(evt)
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetEvent fetches one logged event by id.
func GetEvent(ctx context.Context, db *gorm.DB, id string) (domain.Event, error) {
	var row domain.StoredEvent
	err := db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Event{}, ErrNotFound
	}
	if err != nil {
		return domain.Event{}, err
	}
	return row.Event(), nil
}

// ListEventsSince returns events of scopeID with timestamp >= since in
// delivery order (timestamp, version, id). The bound is inclusive; clients
// deduplicate by id.
func ListEventsSince(ctx context.Context, db *gorm.DB, scopeID string, since int64, limit int) ([]domain.Event, error) {
	if strings.TrimSpace(scopeID) == "" {
		return nil, nil
	}
	if limit <= 0 || limit > MaxPollLimit {
		limit = MaxPollLimit
	}
	var rows []domain.StoredEvent
	err := db.WithContext(ctx).
		Where("scope_id = ? AND timestamp >= ?", scopeID, since).
		Order("timestamp ASC, version ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Event())
	}
	return out, nil
}

// PruneEvents deletes events of every scope older than before (unix millis).
func PruneEvents(ctx context.Context, db *gorm.DB, before int64) (int64, error) {
	res := db.WithContext(ctx).Where("timestamp < ?", before).Delete(&domain.StoredEvent{})
	return res.RowsAffected, res.Error
}
