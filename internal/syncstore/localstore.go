package syncstore

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LocalStore is the durable, synchronous on-device key-to-document map.
// Values are serialized JSON documents, one document per key. It has no
// knowledge of network state.
type LocalStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Remove(key string)
}

// KeyLister is implemented by local stores that can enumerate their keys.
type KeyLister interface {
	Keys() []string
}

type MemoryLocalStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryLocalStore() *MemoryLocalStore {
	return &MemoryLocalStore{values: map[string]string{}}
}

func (s *MemoryLocalStore) Get(key string) (string, bool) {
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	return value, ok
}

func (s *MemoryLocalStore) Set(key, value string) error {
	if s == nil || key == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryLocalStore) Remove(key string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

func (s *MemoryLocalStore) Keys() []string {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

const (
	dirStoreFileSuffix = ".json"
	// Filesystem events caused by this process's own writes are ignored
	// for this long after the write.
	selfWriteWindow = 500 * time.Millisecond
)

// DirLocalStore keeps one JSON file per key under a root directory.
// Writes go through a temp file and rename so readers in another process
// never observe a torn document.
type DirLocalStore struct {
	root string

	mu         sync.Mutex
	selfWrites map[string]time.Time
}

func NewDirLocalStore(root string) (*DirLocalStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &DirLocalStore{
		root:       root,
		selfWrites: map[string]time.Time{},
	}, nil
}

func (s *DirLocalStore) Get(key string) (string, bool) {
	if s == nil || key == "" {
		return "", false
	}
	data, err := os.ReadFile(s.filePath(key))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (s *DirLocalStore) Set(key, value string) error {
	if s == nil || key == "" {
		return ErrInvalidInput
	}
	path := s.filePath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0o644); err != nil {
		return err
	}
	// Mark before the rename so the watcher cannot observe the event
	// ahead of the suppression record.
	s.markSelfWrite(key)
	return os.Rename(tmp, path)
}

func (s *DirLocalStore) Remove(key string) {
	if s == nil || key == "" {
		return
	}
	s.markSelfWrite(key)
	_ = os.Remove(s.filePath(key))
}

func (s *DirLocalStore) Keys() []string {
	if s == nil {
		return nil
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, ok := keyFromFileName(entry.Name())
		if !ok {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Watch reports keys changed by another process sharing the same root
// directory, until the returned stop function is called. Events caused
// by this store's own writes are suppressed.
func (s *DirLocalStore) Watch(onChange func(key string)) (func(), error) {
	if s == nil || onChange == nil {
		return nil, ErrInvalidInput
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(s.root); err != nil {
		closeErr := watcher.Close()
		return nil, errors.Join(err, closeErr)
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
					continue
				}
				key, ok := keyFromFileName(filepath.Base(event.Name))
				if !ok || s.isSelfWrite(key) {
					continue
				}
				onChange(key)
			case <-watcher.Errors:
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = watcher.Close()
		})
	}
	return stop, nil
}

func (s *DirLocalStore) filePath(key string) string {
	return filepath.Join(s.root, url.PathEscape(key)+dirStoreFileSuffix)
}

func (s *DirLocalStore) markSelfWrite(key string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selfWrites[key] = now
	for other, at := range s.selfWrites {
		if now.Sub(at) > selfWriteWindow {
			delete(s.selfWrites, other)
		}
	}
}

func (s *DirLocalStore) isSelfWrite(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.selfWrites[key]
	return ok && time.Since(at) <= selfWriteWindow
}

func keyFromFileName(name string) (string, bool) {
	if !strings.HasSuffix(name, dirStoreFileSuffix) || strings.HasSuffix(name, ".tmp") {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(name, dirStoreFileSuffix))
	if err != nil || key == "" {
		return "", false
	}
	return key, true
}
