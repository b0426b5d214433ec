package storage

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pantrykit/cyclecast/internal/predictor"
)

// CachedStore wraps a Store with a size-bounded, TTL-expiring read cache on
// LoadState. Commits write through and refresh the cached entry, so a
// single-process deployment always reads its own writes; the TTL bounds
// staleness when an external writer shares the backing store.
type CachedStore struct {
	Store
	cache *lru.Cache[Key, cachedState]
	ttl   time.Duration
}

type cachedState struct {
	state     predictor.State
	expiresAt time.Time
}

// NewCachedStore wraps inner with an LRU of the given size. ttl of 0 means
// entries never expire.
func NewCachedStore(inner Store, size int, ttl time.Duration) (*CachedStore, error) {
	cache, err := lru.New[Key, cachedState](size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{Store: inner, cache: cache, ttl: ttl}, nil
}

func (c *CachedStore) LoadState(ctx context.Context, key Key) (*predictor.State, error) {
	if entry, ok := c.cache.Get(key); ok {
		if c.ttl == 0 || time.Now().Before(entry.expiresAt) {
			s := entry.state
			return &s, nil
		}
		c.cache.Remove(key)
	}

	s, err := c.Store.LoadState(ctx, key)
	if err != nil || s == nil {
		return s, err
	}
	c.put(key, *s)
	return s, nil
}

func (c *CachedStore) CommitEvent(ctx context.Context, commit *Commit) (int64, error) {
	id, err := c.Store.CommitEvent(ctx, commit)
	if err != nil {
		// The commit may or may not have landed; drop the cached entry so
		// the next read goes to the backing store.
		c.cache.Remove(commit.Key)
		return id, err
	}
	c.put(commit.Key, commit.State)
	return id, nil
}

func (c *CachedStore) put(key Key, s predictor.State) {
	expiresAt := time.Time{}
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}
	c.cache.Add(key, cachedState{state: s, expiresAt: expiresAt})
}
