package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestMigrate(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres migration test")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Running again must be a no-op.
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestStreamerCRUD(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	rec := StreamerRecord{
		Username:         "crud_test_streamer",
		TwitchID:         "12345",
		DownloadsEnabled: true,
		Resolution:       "720p60",
		Title:            "Offline",
	}
	t.Cleanup(func() {
		_ = DeleteStreamer(ctx, db, rec.Username)
	})

	if err := UpsertStreamer(ctx, db, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := GetStreamer(ctx, db, rec.Username)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TwitchID != "12345" || !got.DownloadsEnabled || got.Resolution != "720p60" {
		t.Errorf("unexpected row: %+v", got)
	}

	// Update live state and verify the upsert replaces fields.
	rec.IsLive = true
	rec.Title = "Speedrun Sunday"
	rec.LastTitle = ""
	if err := UpsertStreamer(ctx, db, rec); err != nil {
		t.Fatalf("upsert update: %v", err)
	}
	got, err = GetStreamer(ctx, db, rec.Username)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if !got.IsLive || got.Title != "Speedrun Sunday" {
		t.Errorf("update not applied: %+v", got)
	}

	list, err := ListStreamers(ctx, db)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, s := range list {
		if s.Username == rec.Username {
			found = true
		}
	}
	if !found {
		t.Errorf("streamer missing from list")
	}

	if err := DeleteStreamer(ctx, db, rec.Username); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := GetStreamer(ctx, db, rec.Username); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("get after delete: err = %v, want sql.ErrNoRows", err)
	}
	// Deleting again must not error.
	if err := DeleteStreamer(ctx, db, rec.Username); err != nil {
		t.Errorf("second delete: %v", err)
	}
}
