package syncstore

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"
)

const DefaultCollection = "state"

type CoordinatorOptions struct {
	Local      LocalStore
	Remote     RemoteService
	Queue      SyncQueue
	Notifier   *Notifier
	OwnerID    string
	Collection string
	Online     bool
	// WatchLocal surfaces out-of-band local-store changes (for example a
	// second process sharing a DirLocalStore) as key-changed events.
	WatchLocal bool
	Logger     *log.Logger
	Now        func() time.Time
}

// Coordinator orchestrates reads and writes across the Local Store, the
// Remote Document Service, and the Sync Queue. Reads and writes always
// succeed against local state regardless of network state; remote
// failures degrade to queueing and are never surfaced to callers.
type Coordinator struct {
	local    LocalStore
	remote   RemoteService
	queue    SyncQueue
	notifier *Notifier
	ownerID  string
	coll     string
	logger   *log.Logger
	now      func() time.Time

	mu        sync.Mutex
	online    bool
	lastStamp int64
	subs      map[string]func()
	// Documents the local store failed to persist, kept for the session
	// so reads still see them.
	unpersisted map[string]string

	stopWatch func()
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	local := opts.Local
	if local == nil {
		local = NewMemoryLocalStore()
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewMemorySyncQueue()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NewNotifier()
	}
	ownerID := strings.TrimSpace(opts.OwnerID)
	if ownerID == "" {
		ownerID = "local"
	}
	coll := strings.TrimSpace(opts.Collection)
	if coll == "" {
		coll = DefaultCollection
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Coordinator{
		local:       local,
		remote:      opts.Remote,
		queue:       queue,
		notifier:    notifier,
		ownerID:     ownerID,
		coll:        coll,
		logger:      logger,
		now:         now,
		online:      opts.Online,
		subs:        map[string]func(){},
		unpersisted: map[string]string{},
	}
	if opts.WatchLocal {
		c.startLocalWatch()
	}
	return c
}

func (c *Coordinator) Notifier() *Notifier {
	return c.notifier
}

type WriteRequest struct {
	Key        string
	Data       any
	OwnerID    string
	Collection string
}

// Write persists data under key: local store first, then a remote
// merge-write when online, falling back to the sync queue. It never
// fails from the caller's perspective.
func (c *Coordinator) Write(key string, data any) {
	c.WriteDocument(WriteRequest{Key: key, Data: data})
}

func (c *Coordinator) WriteDocument(req WriteRequest) {
	key := strings.TrimSpace(req.Key)
	if key == "" || key == QueueStateKey {
		c.logger.Printf("syncstore: dropping write with invalid key %q", req.Key)
		return
	}
	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		ownerID = c.ownerID
	}
	coll := strings.TrimSpace(req.Collection)
	if coll == "" {
		coll = c.coll
	}

	c.mu.Lock()
	stamp := c.nextStampLocked()
	online := c.online
	c.mu.Unlock()

	stored := encodeDocument(NewDocument(req.Data), stamp, ownerID)
	raw, err := json.Marshal(stored)
	if err != nil {
		c.logger.Printf("syncstore: cannot serialize document for key %s: %v", key, err)
		return
	}
	// Local persistence failure is logged but not fatal; the document
	// stays readable for the session.
	c.persistLocal(key, string(raw))

	if online && c.remote != nil {
		path := DocumentPath{OwnerID: ownerID, Collection: coll, Key: key}
		err := c.remote.SetMerge(context.Background(), path, stored)
		if err == nil {
			// A queued entry from an earlier failed write is now
			// superseded; drop it so the next drain cannot replay the
			// older value over this one.
			c.queue.RemoveKey(key)
			c.publishStatus()
			return
		}
		c.logger.Printf("syncstore: remote write failed for key %s, queueing: %v", key, err)
	}
	entry := QueueEntry{
		ID:         NewEntryID(stamp),
		Key:        key,
		Data:       stored,
		Timestamp:  stamp,
		Collection: coll,
		OwnerID:    ownerID,
	}
	if err := c.queue.Enqueue(entry); err != nil {
		c.logger.Printf("syncstore: enqueue failed for key %s: %v", key, err)
	}
	c.publishStatus()
}

// Read returns the caller-visible document for key from the Local Store
// only; it never touches the network. Malformed stored documents read as
// absent.
func (c *Coordinator) Read(key string) (any, bool) {
	key = strings.TrimSpace(key)
	if key == "" || key == QueueStateKey {
		return nil, false
	}
	raw, ok := c.local.Get(key)
	if !ok {
		c.mu.Lock()
		raw, ok = c.unpersisted[key]
		c.mu.Unlock()
		if !ok {
			return nil, false
		}
	}
	var stored map[string]any
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		c.logger.Printf("syncstore: malformed stored document for key %s: %v", key, err)
		return nil, false
	}
	return decodeDocument(stored).Payload(), true
}

// Remove deletes the key from the Local Store only. Remote deletion is
// deliberately not propagated.
func (c *Coordinator) Remove(key string) {
	key = strings.TrimSpace(key)
	if key == "" || key == QueueStateKey {
		return
	}
	c.mu.Lock()
	delete(c.unpersisted, key)
	c.mu.Unlock()
	c.local.Remove(key)
}

// Pull queries the given collections on the remote service and applies
// last-writer-wins per key: the remote copy overwrites the local one iff
// its updatedAt is strictly newer, or no local copy exists. Query
// failures leave local state untouched; the first failure is returned as
// a diagnostic.
func (c *Coordinator) Pull(ctx context.Context, ownerID string, collections []string) error {
	if c.remote == nil {
		return ErrNoRemote
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		ownerID = c.ownerID
	}
	if len(collections) == 0 {
		collections = []string{c.coll}
	}
	var firstErr error
	for _, coll := range collections {
		docs, err := c.remote.QueryCollection(ctx, ownerID, coll)
		if err != nil {
			c.logger.Printf("syncstore: pull of %s/%s failed: %v", ownerID, coll, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, doc := range docs {
			c.applyRemote(doc.Key, doc.Fields)
		}
	}
	return firstErr
}

// SubscribeRealtime opens a live server-push channel for one document
// and applies the same compare-and-overwrite rule as Pull on each push.
// At most one channel per target is open at a time; re-subscribing to an
// already-subscribed target is a no-op returning the existing disposer.
func (c *Coordinator) SubscribeRealtime(path DocumentPath) func() {
	if c.remote == nil || !path.Valid() {
		return func() {}
	}
	target := path.String()
	c.mu.Lock()
	if cancel, ok := c.subs[target]; ok {
		c.mu.Unlock()
		return cancel
	}
	c.mu.Unlock()

	cancelRemote, err := c.remote.Subscribe(context.Background(), path, func(doc map[string]any) {
		c.applyRemote(path.Key, doc)
	})
	if err != nil {
		c.logger.Printf("syncstore: subscribe to %s failed: %v", target, err)
		return func() {}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelRemote()
			c.mu.Lock()
			delete(c.subs, target)
			c.mu.Unlock()
		})
	}
	c.mu.Lock()
	if existing, ok := c.subs[target]; ok {
		// Lost the race with a concurrent subscriber.
		c.mu.Unlock()
		cancelRemote()
		return existing
	}
	c.subs[target] = cancel
	c.mu.Unlock()
	return cancel
}

// SetOnline records a connectivity transition. Going online drains the
// sync queue before returning.
func (c *Coordinator) SetOnline(online bool) {
	c.mu.Lock()
	wasOnline := c.online
	c.online = online
	c.mu.Unlock()
	if online && !wasOnline {
		_ = c.Flush(context.Background())
		return
	}
	if online != wasOnline {
		c.publishStatus()
	}
}

// Flush replays queued entries against the remote service in insertion
// order. Entries that succeed are removed; entries that fail stay queued
// for the next drain. Replay is idempotent because remote writes are
// merges.
func (c *Coordinator) Flush(ctx context.Context) error {
	if c.remote == nil {
		c.publishStatus()
		return ErrNoRemote
	}
	var firstErr error
	for _, entry := range c.queue.Entries() {
		path := DocumentPath{OwnerID: entry.OwnerID, Collection: entry.Collection, Key: entry.Key}
		if err := c.remote.SetMerge(ctx, path, entry.Data); err != nil {
			c.logger.Printf("syncstore: replay failed for key %s: %v", entry.Key, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.queue.Remove(entry.ID)
	}
	c.publishStatus()
	return firstErr
}

// Status reports the aggregate sync state for user-facing indicators.
func (c *Coordinator) Status() SyncStatus {
	c.mu.Lock()
	online := c.online
	c.mu.Unlock()
	return SyncStatus{IsOnline: online, PendingCount: c.queue.Size()}
}

// Close cancels realtime subscriptions and the local-store watcher.
func (c *Coordinator) Close() {
	c.mu.Lock()
	cancels := make([]func(), 0, len(c.subs))
	for _, cancel := range c.subs {
		cancels = append(cancels, cancel)
	}
	stopWatch := c.stopWatch
	c.stopWatch = nil
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	if stopWatch != nil {
		stopWatch()
	}
}

// applyRemote applies one remote document state to the local copy under
// the last-writer-wins rule and notifies observers on overwrite. Ties
// keep the local copy so redundant pulls stay silent.
func (c *Coordinator) applyRemote(key string, fields map[string]any) {
	key = strings.TrimSpace(key)
	if key == "" || key == QueueStateKey || fields == nil {
		return
	}
	remoteUpdated := documentUpdatedAt(fields)
	raw, ok := c.local.Get(key)
	if !ok {
		c.mu.Lock()
		raw, ok = c.unpersisted[key]
		c.mu.Unlock()
	}
	if ok {
		var stored map[string]any
		if err := json.Unmarshal([]byte(raw), &stored); err == nil {
			if documentUpdatedAt(stored) >= remoteUpdated {
				return
			}
		}
		// A malformed local copy loses to any remote state.
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		c.logger.Printf("syncstore: cannot serialize remote document for key %s: %v", key, err)
		return
	}
	c.persistLocal(key, string(encoded))
	c.notifier.publishKeyChange(KeyChange{Key: key, Doc: decodeDocument(fields).Payload()})
}

type localWatcher interface {
	Watch(onChange func(key string)) (func(), error)
}

func (c *Coordinator) startLocalWatch() {
	watcher, ok := c.local.(localWatcher)
	if !ok {
		return
	}
	stop, err := watcher.Watch(func(key string) {
		if key == QueueStateKey {
			return
		}
		doc, ok := c.Read(key)
		if !ok {
			return
		}
		c.notifier.publishKeyChange(KeyChange{Key: key, Doc: doc})
	})
	if err != nil {
		c.logger.Printf("syncstore: local watch unavailable: %v", err)
		return
	}
	c.mu.Lock()
	c.stopWatch = stop
	c.mu.Unlock()
}

// persistLocal writes through to the local store, falling back to the
// session overlay when the store rejects the write.
func (c *Coordinator) persistLocal(key, raw string) {
	err := c.local.Set(key, raw)
	c.mu.Lock()
	if err != nil {
		c.unpersisted[key] = raw
	} else {
		delete(c.unpersisted, key)
	}
	c.mu.Unlock()
	if err != nil {
		c.logger.Printf("syncstore: local persist failed for key %s: %v", key, err)
	}
}

func (c *Coordinator) publishStatus() {
	c.notifier.publishStatus(c.Status())
}

// nextStampLocked assigns write timestamps in milliseconds since epoch,
// strictly increasing across calls so same-millisecond writes still
// order correctly under last-writer-wins.
func (c *Coordinator) nextStampLocked() int64 {
	stamp := c.now().UnixMilli()
	if stamp <= c.lastStamp {
		stamp = c.lastStamp + 1
	}
	c.lastStamp = stamp
	return stamp
}
