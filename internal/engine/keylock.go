package engine

import (
	"sync"

	"github.com/pantrykit/cyclecast/internal/storage"
)

// keyLocks serialises work per (household, product) while letting distinct
// pairs proceed in parallel. Locks are created on first use and kept for
// the process lifetime; the key space is bounded by the household inventory.
type keyLocks struct {
	mu    sync.Mutex
	locks map[storage.Key]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[storage.Key]*sync.Mutex)}
}

func (kl *keyLocks) lock(key storage.Key) *sync.Mutex {
	kl.mu.Lock()
	l, ok := kl.locks[key]
	if !ok {
		l = &sync.Mutex{}
		kl.locks[key] = l
	}
	kl.mu.Unlock()

	l.Lock()
	return l
}
