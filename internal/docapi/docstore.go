// Package docapi is the reference remote document service: a key-value
// document store addressed by users/{ownerId}/{collectionName}/{key}
// with merge-writes, collection queries, and websocket change push.
package docapi

import (
	"encoding/json"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/campuswell/syncstore/internal/syncstore"
)

const watchBufferSize = 16

// DocStore holds document state in memory and mirrors every merge into
// an optional persistence store (one JSON document per path). On
// construction, state is reloaded from stores that can enumerate keys.
type DocStore struct {
	mu          sync.Mutex
	docs        map[string]map[string]any
	persist     syncstore.LocalStore
	watchers    map[string]map[int]chan map[string]any
	nextWatcher int
	logger      *log.Logger
}

func NewDocStore(persist syncstore.LocalStore, logger *log.Logger) *DocStore {
	if logger == nil {
		logger = log.Default()
	}
	s := &DocStore{
		docs:     map[string]map[string]any{},
		persist:  persist,
		watchers: map[string]map[int]chan map[string]any{},
		logger:   logger,
	}
	s.reload()
	return s
}

// Merge applies fields onto the existing document at path, field by
// field, and returns the merged state. Merging the same document twice
// is idempotent.
func (s *DocStore) Merge(path syncstore.DocumentPath, fields map[string]any) (map[string]any, error) {
	if !path.Valid() || fields == nil {
		return nil, syncstore.ErrInvalidInput
	}
	target := path.String()
	s.mu.Lock()
	existing := s.docs[target]
	merged := make(map[string]any, len(existing)+len(fields))
	for name, value := range existing {
		merged[name] = value
	}
	for name, value := range fields {
		merged[name] = value
	}
	s.docs[target] = merged
	watchers := make([]chan map[string]any, 0, len(s.watchers[target]))
	for _, ch := range s.watchers[target] {
		watchers = append(watchers, ch)
	}
	s.mu.Unlock()

	if s.persist != nil {
		raw, err := json.Marshal(merged)
		if err == nil {
			err = s.persist.Set(target, string(raw))
		}
		if err != nil {
			s.logger.Printf("docapi: persist of %s failed: %v", target, err)
		}
	}
	for _, ch := range watchers {
		select {
		case ch <- merged:
		default:
			// Slow watcher; it will catch up on the next push.
		}
	}
	return merged, nil
}

func (s *DocStore) Get(path syncstore.DocumentPath) (map[string]any, bool) {
	if !path.Valid() {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[path.String()]
	return doc, ok
}

func (s *DocStore) Query(ownerID, collection string) []syncstore.RemoteDocument {
	prefix := syncstore.DocumentPath{OwnerID: ownerID, Collection: collection, Key: "x"}.String()
	prefix = strings.TrimSuffix(prefix, "x")
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]syncstore.RemoteDocument, 0)
	for target, doc := range s.docs {
		if !strings.HasPrefix(target, prefix) {
			continue
		}
		key := strings.TrimPrefix(target, prefix)
		if key == "" || strings.Contains(key, "/") {
			continue
		}
		items = append(items, syncstore.RemoteDocument{Key: key, Fields: doc})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items
}

// Watch registers a change channel for one document. The stop function
// must be called to release the watcher.
func (s *DocStore) Watch(path syncstore.DocumentPath) (<-chan map[string]any, func()) {
	target := path.String()
	ch := make(chan map[string]any, watchBufferSize)
	s.mu.Lock()
	s.nextWatcher++
	id := s.nextWatcher
	if s.watchers[target] == nil {
		s.watchers[target] = map[int]chan map[string]any{}
	}
	s.watchers[target][id] = ch
	s.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers[target], id)
			if len(s.watchers[target]) == 0 {
				delete(s.watchers, target)
			}
			s.mu.Unlock()
		})
	}
	return ch, stop
}

func (s *DocStore) reload() {
	lister, ok := s.persist.(syncstore.KeyLister)
	if !ok {
		return
	}
	for _, target := range lister.Keys() {
		if !strings.HasPrefix(target, "users/") {
			continue
		}
		raw, ok := s.persist.Get(target)
		if !ok {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			s.logger.Printf("docapi: skipping corrupt persisted document %s: %v", target, err)
			continue
		}
		s.docs[target] = doc
	}
}
