package database

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/syncache/internal/cache"
)

func newMigratedDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:syncache_migrations_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&cache.CachedItem{}, &cache.CachedItemView{}, &migrationRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestApplyMigrationsSweepsOrphanMemberships(t *testing.T) {
	db := newMigratedDatabase(t)

	item := cache.CachedItem{
		ItemID:    "item-1",
		TypeName:  "article",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Payload:   "{}",
		State:     cache.StateNormal,
	}
	if err := db.Create(&item).Error; err != nil {
		t.Fatalf("failed to seed item: %v", err)
	}
	memberships := []cache.CachedItemView{
		{MembershipID: "m-1", ViewID: "feed-1", ItemID: "item-1", Order: 0},
		{MembershipID: "m-2", ViewID: "feed-1", ItemID: "item-gone", Order: 1},
	}
	if err := db.Create(&memberships).Error; err != nil {
		t.Fatalf("failed to seed memberships: %v", err)
	}

	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("unexpected migration error: %v", err)
	}

	var remaining []cache.CachedItemView
	if err := db.Find(&remaining).Error; err != nil {
		t.Fatalf("failed to query memberships: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ItemID != "item-1" {
		t.Fatalf("expected only the live membership to survive, got %#v", remaining)
	}
}

func TestApplyMigrationsRunsEachMigrationOnce(t *testing.T) {
	db := newMigratedDatabase(t)

	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("unexpected first run error: %v", err)
	}
	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("unexpected second run error: %v", err)
	}

	var count int64
	if err := db.Model(&migrationRecord{}).Where("name = ?", migrationSweepOrphanMemberships).Count(&count).Error; err != nil {
		t.Fatalf("failed to count records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single migration record, got %d", count)
	}
}

func TestOpenSQLiteInitializesSchema(t *testing.T) {
	dsn := fmt.Sprintf("file:syncache_open_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	for _, table := range []string{"cached_items", "cached_item_views", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		t.Fatal("expected error for empty path")
	}
}
