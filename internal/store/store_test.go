package store

import (
	"testing"
)

func TestStore_CreateTables(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	var count int
	err = s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('settings', 'accounts', 'history_entries', 'history_limits')").Scan(&count)
	if err != nil {
		t.Fatalf("Failed to query tables: %v", err)
	}
	if count != 4 {
		t.Errorf("Expected 4 tables, got %d", count)
	}
}

func TestStore_WALMode(t *testing.T) {
	// WAL mode doesn't apply to :memory: databases
	tmpFile := t.TempDir() + "/test.db"
	s, err := New(tmpFile)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	var journalMode string
	err = s.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	if err != nil {
		t.Fatalf("Failed to query journal mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected WAL mode, got %s", journalMode)
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	path := t.TempDir() + "/reopen.db"
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.SetSetting("k", "v"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	s.Close()

	// Second open runs the migrations against an existing schema.
	s2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.GetSetting("k")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if got != "v" {
		t.Errorf("expected v, got %q", got)
	}
}

func TestStore_GetSetting_NotFound(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	val, err := s.GetSetting("nonexistent")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if val != "" {
		t.Errorf("Expected empty string, got %q", val)
	}
}

func TestStore_SetAndGetSetting(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if err := s.SetSetting("refresh", `{"mode":"adaptive"}`); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	val, err := s.GetSetting("refresh")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if val != `{"mode":"adaptive"}` {
		t.Errorf("Expected stored JSON, got %q", val)
	}

	// Overwrite
	if err := s.SetSetting("refresh", `{"mode":"fixed"}`); err != nil {
		t.Fatalf("SetSetting overwrite failed: %v", err)
	}
	val, _ = s.GetSetting("refresh")
	if val != `{"mode":"fixed"}` {
		t.Errorf("Expected overwritten value, got %q", val)
	}
}
