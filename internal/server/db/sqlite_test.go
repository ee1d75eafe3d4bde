package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEntryCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutEntry(ctx, "client:c1", "challenge", []byte("v1")); err != nil {
		t.Fatalf("PutEntry: %v", err)
	}

	got, err := s.GetEntry(ctx, "client:c1", "challenge")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got == nil {
		t.Fatal("GetEntry returned nil")
	}
	if string(got.Value) != "v1" {
		t.Errorf("Value = %q", got.Value)
	}
	createdAt := got.CreatedAt

	// Upsert keeps created_at
	if err := s.PutEntry(ctx, "client:c1", "challenge", []byte("v2")); err != nil {
		t.Fatalf("PutEntry update: %v", err)
	}
	got, err = s.GetEntry(ctx, "client:c1", "challenge")
	if err != nil {
		t.Fatalf("GetEntry after update: %v", err)
	}
	if string(got.Value) != "v2" {
		t.Errorf("Value after update = %q", got.Value)
	}
	if !got.CreatedAt.Equal(createdAt) {
		t.Errorf("CreatedAt changed: %v -> %v", createdAt, got.CreatedAt)
	}

	// Not found
	got, err = s.GetEntry(ctx, "client:c1", "nonexistent")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for nonexistent entry")
	}

	deleted, err := s.DeleteEntry(ctx, "client:c1", "challenge")
	if err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}
	if !deleted {
		t.Error("expected deleted=true")
	}

	deleted, err = s.DeleteEntry(ctx, "client:c1", "challenge")
	if err != nil {
		t.Fatalf("DeleteEntry again: %v", err)
	}
	if deleted {
		t.Error("expected deleted=false for already deleted entry")
	}
}

func TestListEntries_ScopedToPartition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.PutEntry(ctx, "tunnels", "b", []byte("2"))
	s.PutEntry(ctx, "tunnels", "a", []byte("1"))
	s.PutEntry(ctx, "client:c1", "challenge", []byte("x"))

	entries, err := s.ListEntries(ctx, "tunnels")
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ListEntries: got %d entries", len(entries))
	}
	if entries[0].ID != "a" || entries[1].ID != "b" {
		t.Errorf("entries not ordered by id: %q, %q", entries[0].ID, entries[1].ID)
	}

	empty, err := s.ListEntries(ctx, "nobody")
	if err != nil {
		t.Fatalf("ListEntries empty: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty list, got %d", len(empty))
	}
}

func TestEntries_SurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnelkeeper.db")
	ctx := context.Background()

	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.PutEntry(ctx, "tunnels", "c1", []byte(`{"clientId":"c1"}`)); err != nil {
		t.Fatalf("PutEntry: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = NewStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.GetEntry(ctx, "tunnels", "c1")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got == nil || string(got.Value) != `{"clientId":"c1"}` {
		t.Fatalf("entry lost across reopen: %+v", got)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestPutEntry_RejectsEmptyKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutEntry(ctx, "tunnels", "", []byte("v")); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("empty id: err = %v, want ErrInvalidEntry", err)
	}
	if err := s.PutEntry(ctx, "", "c1", []byte("v")); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("empty partition key: err = %v, want ErrInvalidEntry", err)
	}
	if err := s.PutEntry(ctx, "tunnels", "c1", nil); err != nil {
		t.Errorf("nil value: %v", err)
	}
}
