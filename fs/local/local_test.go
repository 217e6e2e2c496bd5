package local

import (
	"context"
	"errors"
	"testing"

	"github.com/TFMV/driftlake/fs"
)

func TestRoundTrip(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "partitions/a.parquet", []byte("payload")); err != nil {
		t.Fatalf("Failed to put object: %v", err)
	}
	data, err := store.Get(ctx, "partitions/a.parquet")
	if err != nil {
		t.Fatalf("Failed to get object: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("Expected 'payload', got %q", data)
	}

	exists, err := store.Exists(ctx, "partitions/a.parquet")
	if err != nil || !exists {
		t.Errorf("Expected object to exist, got %v/%v", exists, err)
	}

	if err := store.Delete(ctx, "partitions/a.parquet"); err != nil {
		t.Fatalf("Failed to delete object: %v", err)
	}
	if err := store.Delete(ctx, "partitions/a.parquet"); err != nil {
		t.Errorf("Second delete must be a no-op: %v", err)
	}
	if _, err := store.Get(ctx, "partitions/a.parquet"); !errors.Is(err, fs.ErrObjectNotFound) {
		t.Errorf("Expected ErrObjectNotFound, got %v", err)
	}
}

func TestPutRejectsOverwrite(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "a", []byte("first")); err != nil {
		t.Fatalf("Failed to put object: %v", err)
	}
	if err := store.Put(ctx, "a", []byte("second")); !errors.Is(err, fs.ErrObjectExists) {
		t.Errorf("Expected ErrObjectExists, got %v", err)
	}
}

func TestRejectsEscapingKeys(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	ctx := context.Background()

	for _, key := range []string{"../outside", "/etc/passwd", "a/../../b"} {
		if err := store.Put(ctx, key, []byte("x")); err == nil {
			t.Errorf("Expected key %q to be rejected", key)
		}
	}
}

func TestListByPrefix(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	ctx := context.Background()

	for _, key := range []string{"partitions/b.parquet", "partitions/a.parquet", "other/c.parquet"} {
		if err := store.Put(ctx, key, []byte("x")); err != nil {
			t.Fatalf("Failed to put %s: %v", key, err)
		}
	}

	keys, err := store.List(ctx, "partitions/")
	if err != nil {
		t.Fatalf("Failed to list objects: %v", err)
	}
	if len(keys) != 2 || keys[0] != "partitions/a.parquet" || keys[1] != "partitions/b.parquet" {
		t.Errorf("Unexpected keys: %v", keys)
	}
}
