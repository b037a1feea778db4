package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-party-sync/internal/domain"
)

func newTestDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	// Unique DB per test to avoid schema leaking across tests.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func evt(id, scope string, ts, version int64) domain.Event {
	return domain.Event{
		ID:        id,
		Action:    domain.ActionRequestSubmitted,
		ScopeID:   scope,
		Timestamp: ts,
		Version:   version,
		Payload:   json.RawMessage(`{"requestId":"r1"}`),
	}
}

func TestEventsStats_CountError_NoTable(t *testing.T) {
	db := newTestDB(t /* no migrations */)
	if _, _, err := EventsStats(context.Background(), db, "s1", 0); err == nil {
		t.Fatalf("expected error due to missing events table")
	}
}

func TestEventsStats_ZeroRows(t *testing.T) {
	db := newTestDB(t, &domain.StoredEvent{})
	count, maxTS, err := EventsStats(context.Background(), db, "s1", 0)
	if err != nil {
		t.Fatalf("EventsStats error: %v", err)
	}
	if count != 0 || maxTS != 0 {
		t.Fatalf("expected (0, 0), got (%d, %d)", count, maxTS)
	}
}

func TestEventsStats_CountsFromSince(t *testing.T) {
	db := newTestDB(t, &domain.StoredEvent{})
	ctx := context.Background()
	for _, e := range []domain.Event{evt("a", "s1", 100, 1), evt("b", "s1", 300, 1), evt("c", "s1", 200, 1), evt("d", "s2", 900, 1)} {
		if _, err := AppendEvent(ctx, db, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	count, maxTS, err := EventsStats(ctx, db, "s1", 150)
	if err != nil {
		t.Fatalf("EventsStats error: %v", err)
	}
	if count != 2 || maxTS != 300 {
		t.Fatalf("expected (2, 300), got (%d, %d)", count, maxTS)
	}
}
