// Package repo implements the data persistence layer for the sync server.
// This file provides a SQL-backed fallback queue with the same contract as
// the bbolt store, for agents that already keep a SQLite database.
package repo

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-party-sync/internal/domain"
)

// QueueRepo persists fallback queue entries in the fallback_queue table.
// Consumption order is (priority_rank, seq); seq grows with enqueue time.
type QueueRepo struct {
	DB *gorm.DB
}

// NewQueueRepo returns a queue over db. The table must be migrated.
func NewQueueRepo(db *gorm.DB) *QueueRepo { return &QueueRepo{DB: db} }

func (q *QueueRepo) ordered(ctx context.Context, scopeID string) *gorm.DB {
	return q.DB.WithContext(ctx).
		Where("scope_id = ?", scopeID).
		Order("priority_rank ASC, seq ASC")
}

// Enqueue inserts e. Re-enqueueing an event id returns the existing seq.
func (q *QueueRepo) Enqueue(ctx context.Context, e domain.QueueEntry) (uint64, error) {
	env, err := e.Event.Encode()
	if err != nil {
		return 0, err
	}
	p := e.Priority
	if p == "" {
		p = domain.DefaultPriority(e.Event.Action)
	}
	at := e.EnqueuedAt
	if at.IsZero() {
		at = time.Now()
	}
	row := &domain.QueuedEvent{
		EventID:      e.Event.ID,
		ScopeID:      e.Event.ScopeID,
		PriorityRank: p.Rank(),
		EnqueuedAt:   at.UTC(),
		RetryCount:   e.RetryCount,
		Envelope:     env,
	}
	if err := q.DB.WithContext(ctx).Create(row).Error; err != nil {
		if !isUniqueViolation(err) {
			return 0, err
		}
		var existing domain.QueuedEvent
		if err := q.DB.WithContext(ctx).Where("event_id = ?", e.Event.ID).First(&existing).Error; err != nil {
			return 0, err
		}
		return existing.Seq, nil
	}
	return row.Seq, nil
}

// Peek returns up to limit entries in consumption order. limit <= 0 means all.
func (q *QueueRepo) Peek(ctx context.Context, scopeID string, limit int) ([]domain.QueueEntry, error) {
	tx := q.ordered(ctx, scopeID)
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var rows []domain.QueuedEvent
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.QueueEntry, 0, len(rows))
	for _, r := range rows {
		var evt domain.Event
		if err := json.Unmarshal(r.Envelope, &evt); err != nil {
			continue
		}
		out = append(out, domain.QueueEntry{
			Seq:        r.Seq,
			Event:      evt,
			EnqueuedAt: r.EnqueuedAt,
			RetryCount: r.RetryCount,
			Priority:   domain.PriorityFromRank(r.PriorityRank),
		})
	}
	return out, nil
}

// Remove deletes the given entries. Unknown seqs are ignored.
func (q *QueueRepo) Remove(ctx context.Context, scopeID string, seqs ...uint64) error {
	if len(seqs) == 0 {
		return nil
	}
	return q.DB.WithContext(ctx).
		Where("scope_id = ? AND seq IN ?", scopeID, seqs).
		Delete(&domain.QueuedEvent{}).Error
}

// IncrementRetry bumps the retry counter of one entry.
func (q *QueueRepo) IncrementRetry(ctx context.Context, scopeID string, seq uint64) error {
	res := q.DB.WithContext(ctx).Model(&domain.QueuedEvent{}).
		Where("scope_id = ? AND seq = ?", scopeID, seq).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Len counts entries of scopeID.
func (q *QueueRepo) Len(ctx context.Context, scopeID string) (int, error) {
	var n int64
	err := q.DB.WithContext(ctx).Model(&domain.QueuedEvent{}).Where("scope_id = ?", scopeID).Count(&n).Error
	return int(n), err
}

// Prune drops entries enqueued before olderThan, then trims the back of the
// consumption order down to maxSize. Zero values disable either step.
func (q *QueueRepo) Prune(ctx context.Context, scopeID string, maxSize int, olderThan time.Time) (int, error) {
	var removed int64
	err := q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !olderThan.IsZero() {
			res := tx.Where("scope_id = ? AND enqueued_at < ?", scopeID, olderThan.UTC()).Delete(&domain.QueuedEvent{})
			if res.Error != nil {
				return res.Error
			}
			removed += res.RowsAffected
		}
		if maxSize <= 0 {
			return nil
		}
		var n int64
		if err := tx.Model(&domain.QueuedEvent{}).Where("scope_id = ?", scopeID).Count(&n).Error; err != nil {
			return err
		}
		if n <= int64(maxSize) {
			return nil
		}
		var overflow []uint64
		if err := tx.Model(&domain.QueuedEvent{}).
			Where("scope_id = ?", scopeID).
			Order("priority_rank DESC, seq DESC").
			Limit(int(n)-maxSize).
			Pluck("seq", &overflow).Error; err != nil {
			return err
		}
		res := tx.Where("seq IN ?", overflow).Delete(&domain.QueuedEvent{})
		if res.Error != nil {
			return res.Error
		}
		removed += res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}
