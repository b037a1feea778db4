// Package storage persists the client-side fallback queue in a local bbolt
// file so outbound events survive process restarts while the relay is down.
package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tbourn/go-party-sync/internal/domain"
)

var (
	bucketQueue = []byte("fallback_queue")
	bucketSeq   = []byte("fallback_seq")
	bucketIDs   = []byte("fallback_ids")
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("queue store closed")

// record is the JSON value stored per entry.
type record struct {
	Seq        uint64          `json:"seq"`
	Event      domain.Event    `json:"event"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
	Priority   domain.Priority `json:"priority"`
}

func (r record) entry() domain.QueueEntry {
	return domain.QueueEntry{
		Seq:        r.Seq,
		Event:      r.Event,
		EnqueuedAt: r.EnqueuedAt,
		RetryCount: r.RetryCount,
		Priority:   r.Priority,
	}
}

// BoltQueue stores entries per scope in nested buckets. Primary keys are
// rank|seq so cursor order is consumption order: priority, then FIFO.
type BoltQueue struct {
	db *bolt.DB
}

// OpenBoltQueue opens (creating if needed) the queue file at path.
func OpenBoltQueue(path string) (*BoltQueue, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketQueue, bucketSeq, bucketIDs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltQueue{db: db}, nil
}

// Close closes the database.
func (q *BoltQueue) Close() error { return q.db.Close() }

func primaryKey(p domain.Priority, seq uint64) []byte {
	k := make([]byte, 9)
	k[0] = byte(p.Rank())
	binary.BigEndian.PutUint64(k[1:], seq)
	return k
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

type scopeBuckets struct {
	queue, seq, ids *bolt.Bucket
}

func buckets(tx *bolt.Tx, scopeID string, create bool) (scopeBuckets, error) {
	var sb scopeBuckets
	name := []byte(scopeID)
	for i, parent := range [][]byte{bucketQueue, bucketSeq, bucketIDs} {
		root := tx.Bucket(parent)
		if root == nil {
			return sb, ErrClosed
		}
		var b *bolt.Bucket
		if create {
			var err error
			if b, err = root.CreateBucketIfNotExists(name); err != nil {
				return sb, fmt.Errorf("scope bucket %s: %w", scopeID, err)
			}
		} else if b = root.Bucket(name); b == nil {
			return sb, nil
		}
		switch i {
		case 0:
			sb.queue = b
		case 1:
			sb.seq = b
		case 2:
			sb.ids = b
		}
	}
	return sb, nil
}

// Enqueue persists e and returns its sequence number. An event already in
// the queue is not added twice; its existing seq is returned.
func (q *BoltQueue) Enqueue(ctx context.Context, e domain.QueueEntry) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var seq uint64
	err := q.db.Update(func(tx *bolt.Tx) error {
		sb, err := buckets(tx, e.Event.ScopeID, true)
		if err != nil {
			return err
		}
		if pk := sb.ids.Get([]byte(e.Event.ID)); pk != nil {
			seq = binary.BigEndian.Uint64(pk[1:])
			return nil
		}
		if seq, err = sb.queue.NextSequence(); err != nil {
			return err
		}
		if e.Priority == "" {
			e.Priority = domain.DefaultPriority(e.Event.Action)
		}
		rec := record{Seq: seq, Event: e.Event, EnqueuedAt: e.EnqueuedAt, RetryCount: e.RetryCount, Priority: e.Priority}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		pk := primaryKey(e.Priority, seq)
		if err := sb.queue.Put(pk, data); err != nil {
			return err
		}
		if err := sb.seq.Put(seqKey(seq), pk); err != nil {
			return err
		}
		return sb.ids.Put([]byte(e.Event.ID), pk)
	})
	return seq, err
}

// Peek returns up to limit entries in consumption order without removing
// them. limit <= 0 returns everything.
func (q *BoltQueue) Peek(ctx context.Context, scopeID string, limit int) ([]domain.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.QueueEntry
	err := q.db.View(func(tx *bolt.Tx) error {
		sb, err := buckets(tx, scopeID, false)
		if err != nil || sb.queue == nil {
			return err
		}
		c := sb.queue.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode queue entry: %w", err)
			}
			out = append(out, rec.entry())
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Remove deletes the entries with the given sequence numbers.
func (q *BoltQueue) Remove(ctx context.Context, scopeID string, seqs ...uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		sb, err := buckets(tx, scopeID, false)
		if err != nil || sb.queue == nil {
			return err
		}
		for _, s := range seqs {
			if err := removeSeq(sb, s); err != nil {
				return err
			}
		}
		return nil
	})
}

func removeSeq(sb scopeBuckets, seq uint64) error {
	sk := seqKey(seq)
	pk := sb.seq.Get(sk)
	if pk == nil {
		return nil
	}
	pk = append([]byte(nil), pk...)
	if v := sb.queue.Get(pk); v != nil {
		var rec record
		if err := json.Unmarshal(v, &rec); err == nil {
			if err := sb.ids.Delete([]byte(rec.Event.ID)); err != nil {
				return err
			}
		}
	}
	if err := sb.queue.Delete(pk); err != nil {
		return err
	}
	return sb.seq.Delete(sk)
}

// IncrementRetry bumps the retry counter of one entry.
func (q *BoltQueue) IncrementRetry(ctx context.Context, scopeID string, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		sb, err := buckets(tx, scopeID, false)
		if err != nil || sb.queue == nil {
			return err
		}
		pk := sb.seq.Get(seqKey(seq))
		if pk == nil {
			return nil
		}
		v := sb.queue.Get(pk)
		if v == nil {
			return nil
		}
		var rec record
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decode queue entry: %w", err)
		}
		rec.RetryCount++
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return sb.queue.Put(append([]byte(nil), pk...), data)
	})
}

// Len returns the number of queued entries for scopeID.
func (q *BoltQueue) Len(ctx context.Context, scopeID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		sb, err := buckets(tx, scopeID, false)
		if err != nil || sb.queue == nil {
			return err
		}
		n = sb.queue.Stats().KeyN
		return nil
	})
	return n, err
}

// Prune drops entries enqueued before olderThan, then trims the queue to
// maxSize by dropping from the back of the consumption order. It returns the
// number of entries removed.
func (q *BoltQueue) Prune(ctx context.Context, scopeID string, maxSize int, olderThan time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	removed := 0
	err := q.db.Update(func(tx *bolt.Tx) error {
		sb, err := buckets(tx, scopeID, false)
		if err != nil || sb.queue == nil {
			return err
		}
		var keep, drop []uint64
		c := sb.queue.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				drop = append(drop, binary.BigEndian.Uint64(k[1:]))
				continue
			}
			if !olderThan.IsZero() && rec.EnqueuedAt.Before(olderThan) {
				drop = append(drop, rec.Seq)
				continue
			}
			keep = append(keep, rec.Seq)
		}
		if maxSize > 0 && len(keep) > maxSize {
			drop = append(drop, keep[maxSize:]...)
		}
		for _, s := range drop {
			if err := removeSeq(sb, s); err != nil {
				return err
			}
		}
		removed = len(drop)
		return nil
	})
	return removed, err
}
