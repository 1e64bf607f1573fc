package db

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func setupTestDB(t *testing.T) (*Database, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "easel-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return db, cleanup
}

func TestDatabaseCreation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if db == nil {
		t.Fatal("Database should not be nil")
	}
}

func TestSaveAndLoad(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	snapshot := []byte(`{"background":{"v":1,"name":"background"}}`)
	if err := db.Save("s1", snapshot); err != nil {
		t.Fatalf("Failed to save snapshot: %v", err)
	}

	loaded, err := db.Load("s1")
	if err != nil {
		t.Fatalf("Failed to load snapshot: %v", err)
	}
	if !bytes.Equal(loaded, snapshot) {
		t.Errorf("Loaded snapshot = %s, want %s", loaded, snapshot)
	}
}

func TestSaveOverwrites(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if err := db.Save("s1", []byte(`{"rev":1}`)); err != nil {
		t.Fatalf("Failed to save snapshot: %v", err)
	}
	updated := []byte(`{"rev":2}`)
	if err := db.Save("s1", updated); err != nil {
		t.Fatalf("Failed to overwrite snapshot: %v", err)
	}

	loaded, err := db.Load("s1")
	if err != nil {
		t.Fatalf("Failed to load snapshot: %v", err)
	}
	if !bytes.Equal(loaded, updated) {
		t.Errorf("Loaded snapshot = %s, want %s", loaded, updated)
	}

	count, err := db.SnapshotCount()
	if err != nil {
		t.Fatalf("Failed to count snapshots: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 snapshot after upsert, got %d", count)
	}
}

func TestLoadMissing(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	loaded, err := db.Load("non-existent")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if loaded != nil {
		t.Error("Missing snapshot should return nil")
	}
}

func TestGet(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if err := db.Save("s1", []byte(`{}`)); err != nil {
		t.Fatalf("Failed to save snapshot: %v", err)
	}

	s, err := db.Get("s1")
	if err != nil {
		t.Fatalf("Failed to get snapshot: %v", err)
	}
	if s == nil {
		t.Fatal("Snapshot should exist")
	}
	if s.SessionName != "s1" {
		t.Errorf("Expected session name 's1', got '%s'", s.SessionName)
	}
	if s.CreatedAt.IsZero() || s.UpdatedAt.IsZero() {
		t.Error("Timestamps should be populated")
	}

	s, err = db.Get("non-existent")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if s != nil {
		t.Error("Missing snapshot should return nil")
	}
}

func TestDelete(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if err := db.Save("s1", []byte(`{}`)); err != nil {
		t.Fatalf("Failed to save snapshot: %v", err)
	}
	if err := db.Delete("s1"); err != nil {
		t.Fatalf("Failed to delete snapshot: %v", err)
	}

	loaded, err := db.Load("s1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if loaded != nil {
		t.Error("Snapshot should have been deleted")
	}

	// Deleting again is harmless.
	if err := db.Delete("s1"); err != nil {
		t.Fatalf("Repeat delete failed: %v", err)
	}
}

func TestSnapshotCount(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	count, err := db.SnapshotCount()
	if err != nil {
		t.Fatalf("Failed to count snapshots: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 snapshots, got %d", count)
	}

	for _, name := range []string{"a", "b", "c"} {
		if err := db.Save(name, []byte(`{}`)); err != nil {
			t.Fatalf("Failed to save snapshot %q: %v", name, err)
		}
	}

	count, err = db.SnapshotCount()
	if err != nil {
		t.Fatalf("Failed to count snapshots: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 snapshots, got %d", count)
	}
}
