package syncstore

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestBuildLocalStoreEmptyDSNSelectsNothing(t *testing.T) {
	store, err := BuildLocalStoreFromDSN("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store != nil {
		t.Fatalf("expected no store for empty DSN, got %T", store)
	}
}

func TestBuildLocalStoreMemorySchemes(t *testing.T) {
	for _, dsn := range []string{"memory://", "mem://", "inmem://"} {
		store, err := BuildLocalStoreFromDSN(dsn)
		if err != nil {
			t.Fatalf("dsn %s: unexpected error: %v", dsn, err)
		}
		if _, ok := store.(*MemoryLocalStore); !ok {
			t.Fatalf("dsn %s: expected memory store, got %T", dsn, store)
		}
	}
}

func TestBuildLocalStoreFileScheme(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	store, err := BuildLocalStoreFromDSN("file://" + dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*DirLocalStore); !ok {
		t.Fatalf("expected directory store, got %T", store)
	}

	// A bare path selects the directory store too.
	store, err = BuildLocalStoreFromDSN(filepath.Join(t.TempDir(), "bare"))
	if err != nil {
		t.Fatalf("unexpected error for bare path: %v", err)
	}
	if _, ok := store.(*DirLocalStore); !ok {
		t.Fatalf("expected directory store for bare path, got %T", store)
	}
}

func TestBuildLocalStoreUnimplementedAndUnsupported(t *testing.T) {
	if _, err := BuildLocalStoreFromDSN("sqlite:///tmp/x.db"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for sqlite, got %v", err)
	}
	if _, err := BuildLocalStoreFromDSN("carrierpigeon://loft"); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
}

func TestBuildSyncQueueSchemes(t *testing.T) {
	queue, err := BuildSyncQueueFromDSN("memory://")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := queue.(*MemorySyncQueue); !ok {
		t.Fatalf("expected memory queue, got %T", queue)
	}

	queue, err = BuildSyncQueueFromDSN("file://" + filepath.Join(t.TempDir(), "queue"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := queue.(*StoredSyncQueue); !ok {
		t.Fatalf("expected stored queue, got %T", queue)
	}

	if _, err := BuildSyncQueueFromDSN("redis://localhost:6379"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for redis, got %v", err)
	}
	if queue, err := BuildSyncQueueFromDSN(""); err != nil || queue != nil {
		t.Fatalf("expected no queue for empty DSN, got %T, %v", queue, err)
	}
}

func TestRegisteredFactoryTakesPrecedence(t *testing.T) {
	sentinel := NewMemoryLocalStore()
	RegisterLocalStoreFactory("Custom", func(dsn string) (LocalStore, error) {
		return sentinel, nil
	})
	store, err := BuildLocalStoreFromDSN("custom://anything")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store != LocalStore(sentinel) {
		t.Fatalf("expected registered factory to be used, got %T", store)
	}

	queueSentinel := NewMemorySyncQueue()
	RegisterSyncQueueFactory("customq", func(dsn string) (SyncQueue, error) {
		return queueSentinel, nil
	})
	queue, err := BuildSyncQueueFromDSN("customq://anything")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if queue != SyncQueue(queueSentinel) {
		t.Fatalf("expected registered queue factory to be used, got %T", queue)
	}
}
