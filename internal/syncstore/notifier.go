package syncstore

import "sync"

// KeyChange reports that a key's authoritative value changed from a
// source other than the immediate caller of Write, carrying the new
// caller-visible document so observers need not re-read storage.
type KeyChange struct {
	Key string
	Doc any
}

// SyncStatus is the aggregate synchronization state.
type SyncStatus struct {
	IsOnline     bool
	PendingCount int
}

type KeyChangeHandler func(change KeyChange)
type StatusHandler func(status SyncStatus)

// Notifier is an in-process publish/subscribe bus with explicit
// subscribe/unsubscribe lifetimes. Handlers run synchronously on the
// publishing goroutine.
type Notifier struct {
	mu             sync.Mutex
	nextID         int
	keyHandlers    map[int]KeyChangeHandler
	statusHandlers map[int]StatusHandler
}

func NewNotifier() *Notifier {
	return &Notifier{
		keyHandlers:    map[int]KeyChangeHandler{},
		statusHandlers: map[int]StatusHandler{},
	}
}

func (n *Notifier) SubscribeKeyChanges(handler KeyChangeHandler) func() {
	if n == nil || handler == nil {
		return func() {}
	}
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.keyHandlers[id] = handler
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.keyHandlers, id)
		n.mu.Unlock()
	}
}

func (n *Notifier) SubscribeStatus(handler StatusHandler) func() {
	if n == nil || handler == nil {
		return func() {}
	}
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.statusHandlers[id] = handler
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.statusHandlers, id)
		n.mu.Unlock()
	}
}

func (n *Notifier) publishKeyChange(change KeyChange) {
	if n == nil {
		return
	}
	n.mu.Lock()
	handlers := make([]KeyChangeHandler, 0, len(n.keyHandlers))
	for _, handler := range n.keyHandlers {
		handlers = append(handlers, handler)
	}
	n.mu.Unlock()
	for _, handler := range handlers {
		handler(change)
	}
}

func (n *Notifier) publishStatus(status SyncStatus) {
	if n == nil {
		return
	}
	n.mu.Lock()
	handlers := make([]StatusHandler, 0, len(n.statusHandlers))
	for _, handler := range n.statusHandlers {
		handlers = append(handlers, handler)
	}
	n.mu.Unlock()
	for _, handler := range handlers {
		handler(status)
	}
}
