package bbolt

import (
	"context"
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/warden/storage/storagetest"
)

func newTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "sessions.db"), 0600, nil)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBBoltStore(t *testing.T) {
	s, err := NewStore(newTestDB(t))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	storagetest.Run(t, s)
}

func TestBBoltStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	s, err := NewStoreFromFile(path, nil)
	if err != nil {
		t.Fatalf("NewStoreFromFile failed: %v", err)
	}
	if err := s.Save(ctx, storagetest.Persisted(-2, "negative")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Save(ctx, storagetest.Persisted(5, "five")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = NewStoreFromFile(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	got, err := s.Load(ctx, 5)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Blob != "five" {
		t.Errorf("expected blob %q, got %q", "five", got.Blob)
	}

	ids, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != -2 || ids[1] != 5 {
		t.Errorf("expected [-2 5], got %v", ids)
	}
}
