package db

import (
	"path/filepath"
	"testing"
)

func TestOpenAndMigrate(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "lineage.db")

	database, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer database.Close()

	migrationsDir := filepath.Join("..", "..", "migrations")
	if err := database.MigrateUp(migrationsDir); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}

	version, dirty, err := database.MigrateVersion(migrationsDir)
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	if dirty {
		t.Error("migration state should not be dirty")
	}
	if version == 0 {
		t.Error("expected non-zero migration version after MigrateUp")
	}

	// Schema tables exist.
	for _, table := range []string{"lineage_runs", "lineage_tracks", "lineage_track_points"} {
		var name string
		err := database.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing after migration: %v", table, err)
		}
	}

	// MigrateUp is idempotent.
	if err := database.MigrateUp(migrationsDir); err != nil {
		t.Errorf("second MigrateUp: %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "lineage.db")

	database, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer database.Close()

	migrationsDir := filepath.Join("..", "..", "migrations")
	if err := database.MigrateUp(migrationsDir); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	if err := database.MigrateDown(migrationsDir); err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}

	var name string
	err = database.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='lineage_runs'",
	).Scan(&name)
	if err == nil {
		t.Error("lineage_runs should be dropped after MigrateDown")
	}
}
