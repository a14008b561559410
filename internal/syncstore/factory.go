package syncstore

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildLocalStoreFromDSN constructs a local store from a DSN. An empty
// DSN selects no store (callers fall back to their own default).
// Supported schemes: file/<none> (directory store), memory, postgres.
func BuildLocalStoreFromDSN(dsn string) (LocalStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupLocalStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewDirLocalStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryLocalStore(), nil
	case "postgres", "postgresql":
		return NewPostgresLocalStore(dsn)
	case "sqlite", "mysql":
		return nil, fmt.Errorf("%w: local store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported local store scheme: %s", scheme)
	}
}

// BuildSyncQueueFromDSN constructs a sync queue from a DSN. A file DSN
// persists the queue under the reserved key of a directory store at that
// path, so pending writes survive restarts alongside the documents.
func BuildSyncQueueFromDSN(dsn string) (SyncQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupSyncQueueFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		store, storeErr := NewDirLocalStore(path)
		if storeErr != nil {
			return nil, storeErr
		}
		return NewStoredSyncQueue(store)
	case "memory", "mem", "inmem":
		return NewMemorySyncQueue(), nil
	case "postgres", "postgresql":
		return NewPostgresSyncQueue(dsn)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: sync queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported sync queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
