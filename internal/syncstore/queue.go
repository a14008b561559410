package syncstore

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// QueueEntry is a pending remote write that could not be confirmed.
type QueueEntry struct {
	ID         string         `json:"id"`
	Key        string         `json:"key"`
	Data       map[string]any `json:"data"`
	Timestamp  int64          `json:"timestamp"`
	Collection string         `json:"collectionName"`
	OwnerID    string         `json:"ownerId"`
}

// SyncQueue holds pending writes in insertion order with at most one
// entry per key: enqueuing an already-queued key replaces the old entry
// in place, so the queue always reflects the latest pending value and
// never grows unbounded from repeated writes to the same key.
type SyncQueue interface {
	Enqueue(entry QueueEntry) error
	Entries() []QueueEntry
	Remove(id string)
	// RemoveKey drops the pending entry for key, if any. Called when a
	// later write for the key is confirmed remotely, so the queue never
	// replays a superseded value.
	RemoveKey(key string)
	Size() int
}

var entrySeq uint64

// NewEntryID returns a process-unique queue entry identifier.
func NewEntryID(timestamp int64) string {
	return fmt.Sprintf("q_%d_%d", timestamp, atomic.AddUint64(&entrySeq, 1))
}

type MemorySyncQueue struct {
	mu      sync.Mutex
	entries []QueueEntry
}

func NewMemorySyncQueue() *MemorySyncQueue {
	return &MemorySyncQueue{entries: []QueueEntry{}}
}

func (q *MemorySyncQueue) Enqueue(entry QueueEntry) error {
	if q == nil || entry.Key == "" || entry.ID == "" {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = coalesce(q.entries, entry)
	return nil
}

func (q *MemorySyncQueue) Entries() []QueueEntry {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	snapshot := make([]QueueEntry, len(q.entries))
	copy(snapshot, q.entries)
	return snapshot
}

func (q *MemorySyncQueue) Remove(id string) {
	if q == nil || id == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = removeEntry(q.entries, id)
}

func (q *MemorySyncQueue) RemoveKey(key string) {
	if q == nil || key == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = removeEntryByKey(q.entries, key)
}

func (q *MemorySyncQueue) Size() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// QueueStateKey is the reserved local-store key the persisted queue
// lives under. Coordinator reads never observe it as a document key.
const QueueStateKey = "__syncstore_queue"

// StoredSyncQueue persists the full queue as a single ordered JSON array
// under a reserved key of a LocalStore, so pending writes survive a
// process restart.
type StoredSyncQueue struct {
	mu      sync.Mutex
	store   LocalStore
	entries []QueueEntry
}

func NewStoredSyncQueue(store LocalStore) (*StoredSyncQueue, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	q := &StoredSyncQueue{store: store, entries: []QueueEntry{}}
	if raw, ok := store.Get(QueueStateKey); ok {
		var entries []QueueEntry
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("corrupt queue state: %w", err)
		}
		q.entries = entries
	}
	return q, nil
}

func (q *StoredSyncQueue) Enqueue(entry QueueEntry) error {
	if q == nil || entry.Key == "" || entry.ID == "" {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = coalesce(q.entries, entry)
	return q.saveLocked()
}

func (q *StoredSyncQueue) Entries() []QueueEntry {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	snapshot := make([]QueueEntry, len(q.entries))
	copy(snapshot, q.entries)
	return snapshot
}

func (q *StoredSyncQueue) Remove(id string) {
	if q == nil || id == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = removeEntry(q.entries, id)
	_ = q.saveLocked()
}

func (q *StoredSyncQueue) RemoveKey(key string) {
	if q == nil || key == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = removeEntryByKey(q.entries, key)
	_ = q.saveLocked()
}

func (q *StoredSyncQueue) Size() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *StoredSyncQueue) saveLocked() error {
	data, err := json.Marshal(q.entries)
	if err != nil {
		return err
	}
	return q.store.Set(QueueStateKey, string(data))
}

func coalesce(entries []QueueEntry, entry QueueEntry) []QueueEntry {
	for i := range entries {
		if entries[i].Key == entry.Key {
			entries[i] = entry
			return entries
		}
	}
	return append(entries, entry)
}

func removeEntry(entries []QueueEntry, id string) []QueueEntry {
	for i := range entries {
		if entries[i].ID == id {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

func removeEntryByKey(entries []QueueEntry, key string) []QueueEntry {
	for i := range entries {
		if entries[i].Key == key {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}
