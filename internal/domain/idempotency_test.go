package domain

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestIdempotency_Migration_UniqueKey(t *testing.T) {
	db := newTestDB(t)
	if err := db.AutoMigrate(&Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()
	if !m.HasTable(&Idempotency{}) {
		t.Fatalf("expected table %q to exist", Idempotency{}.TableName())
	}
	if !m.HasIndex(&Idempotency{}, "ux_scope_actor_key") {
		t.Fatalf("expected composite index ux_scope_actor_key to exist")
	}

	now := time.Now().UTC()
	rec := &Idempotency{
		ID:        "id-1",
		ScopeID:   "s1",
		ActorID:   "a1",
		Key:       "k1",
		EventID:   "e1",
		Status:    202,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := db.Create(rec).Error; err != nil {
		t.Fatalf("insert valid: %v", err)
	}

	var got Idempotency
	if err := db.First(&got, "id = ?", "id-1").Error; err != nil {
		t.Fatalf("readback: %v", err)
	}
	if got.ScopeID != "s1" || got.ActorID != "a1" || got.Key != "k1" || got.EventID != "e1" || got.Status != 202 {
		t.Fatalf("unexpected row: %+v", got)
	}

	// (scope_id, actor_id, key) must be unique.
	dup := &Idempotency{
		ID: "id-2", ScopeID: "s1", ActorID: "a1", Key: "k1", EventID: "e2",
		Status: 202, CreatedAt: now, ExpiresAt: now.Add(2 * time.Hour),
	}
	if err := db.Create(dup).Error; err == nil {
		t.Fatalf("expected UNIQUE constraint violation on (scope_id, actor_id, key)")
	}
}
