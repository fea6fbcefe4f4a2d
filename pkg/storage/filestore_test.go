package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStore_SetGetPersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s1.Set(ctx, "widgets", "a", []byte("one")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	s2, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore (reopen): %v", err)
	}
	v, ok, err := s2.Get(ctx, "widgets", "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(v) != "one" {
		t.Fatalf("expected value to survive reopen, got ok=%v v=%q", ok, v)
	}
}

func TestFileStore_WritesOneFilePerCollection(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	_ = s.Set(ctx, "widgets", "a", []byte("1"))
	_ = s.Set(ctx, "gadgets", "a", []byte("2"))

	if _, err := os.Stat(filepath.Join(dir, "widgets.json")); err != nil {
		t.Fatalf("expected widgets.json to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "gadgets.json")); err != nil {
		t.Fatalf("expected gadgets.json to exist: %v", err)
	}
}

func TestFileStore_DeleteAndClear(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	_ = s.Set(ctx, "widgets", "a", []byte("1"))
	_ = s.Set(ctx, "widgets", "b", []byte("2"))

	if err := s.Delete(ctx, "widgets", "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if count, _ := s.Count(ctx, "widgets"); count != 1 {
		t.Fatalf("got count %d after Delete, want 1", count)
	}

	if err := s.Clear(ctx, "widgets"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if count, _ := s.Count(ctx, "widgets"); count != 0 {
		t.Fatalf("got count %d after Clear, want 0", count)
	}
}

func TestFileStore_GetMissingCollectionIsNotError(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	_, ok, err := s.Get(ctx, "never-written", "a")
	if err != nil {
		t.Fatalf("Get on unwritten collection should not error: %v", err)
	}
	if ok {
		t.Fatal("expected key absent")
	}
}
