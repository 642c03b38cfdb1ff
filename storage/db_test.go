package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()
	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := db.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	batch := db.NewBatch()
	batch.Put([]byte("b"), []byte("2"))
	batch.Delete([]byte("a"))
	if batch.Len() != 2 {
		t.Fatalf("expected 2 batched ops, got %d", batch.Len())
	}
	if _, err := db.Get([]byte("b")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("batched write visible before Write")
	}
	if err := batch.Write(); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if _, err := db.Get([]byte("a")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a deleted, got %v", err)
	}
	value, err := db.Get([]byte("b"))
	if err != nil || string(value) != "2" {
		t.Fatalf("unexpected b: %q %v", value, err)
	}
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	value := []byte("x")
	if err := db.Put([]byte("k"), value); err != nil {
		t.Fatalf("put: %v", err)
	}
	value[0] = 'y'
	got, _ := db.Get([]byte("k"))
	if string(got) != "x" {
		t.Fatalf("stored value aliased caller slice")
	}
}
