// Package repo implements the data persistence layer for the sync server.
// This file provides small aggregate queries used for conditional poll
// responses (ETag generation) in the HTTP layer.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-party-sync/internal/domain"
)

// EventsStats returns the number of logged events of scopeID at or after
// since, and the greatest timestamp among them. When there are none, count
// is 0 and maxTimestamp is 0.
func EventsStats(ctx context.Context, db *gorm.DB, scopeID string, since int64) (count int64, maxTimestamp int64, err error) {
	q := db.WithContext(ctx).Model(&domain.StoredEvent{}).
		Where("scope_id = ? AND timestamp >= ?", scopeID, since).
		Session(&gorm.Session{})

	if err = q.Count(&count).Error; err != nil {
		return 0, 0, err
	}
	if count == 0 {
		return 0, 0, nil
	}

	var row struct {
		Timestamp int64
	}
	if err = q.Select("timestamp").Order("timestamp DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, 0, err
	}
	return count, row.Timestamp, nil
}
