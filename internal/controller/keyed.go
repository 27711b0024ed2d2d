package controller

import (
	"errors"
	"sync"
)

// ErrBusy is returned when a request for the same debate and user is
// already in flight.
var ErrBusy = errors.New("request already in flight")

// KeyedMutex hands out at most one lock per key. Keys are dropped when
// released, so the map only holds keys with a request in flight.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: make(map[string]struct{})}
}

// TryLock acquires key without waiting. The returned func releases it and is
// safe to call more than once.
func (k *KeyedMutex) TryLock(key string) (func(), bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, busy := k.held[key]; busy {
		return nil, false
	}
	k.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Lock()
			delete(k.held, key)
			k.mu.Unlock()
		})
	}, true
}

// Held reports whether key is currently locked.
func (k *KeyedMutex) Held(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, busy := k.held[key]
	return busy
}
