package syncstore

import (
	"strings"
	"sync"
)

type LocalStoreFactory func(dsn string) (LocalStore, error)
type SyncQueueFactory func(dsn string) (SyncQueue, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	storeFactories map[string]LocalStoreFactory
	queueFactories map[string]SyncQueueFactory
}{
	storeFactories: map[string]LocalStoreFactory{},
	queueFactories: map[string]SyncQueueFactory{},
}

// RegisterLocalStoreFactory lets deployments claim an additional DSN
// scheme. Registered factories take precedence over the built-ins.
func RegisterLocalStoreFactory(scheme string, factory LocalStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.storeFactories[scheme] = factory
}

func RegisterSyncQueueFactory(scheme string, factory SyncQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func lookupLocalStoreFactory(scheme string) (LocalStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.storeFactories[scheme]
	return factory, ok
}

func lookupSyncQueueFactory(scheme string) (SyncQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
