package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

type entry struct {
	value   any
	expires time.Time
}

// Local is a size-bounded in-process cache whose entries also expire after a TTL.
// golang-lru evicts the least recently used keys once the size is reached.
type Local struct {
	lru *lru.Cache
	now func() time.Time
}

// NewLocal creates a local cache holding at most size entries
func NewLocal(size int) (*Local, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Local{lru: c, now: time.Now}, nil
}

// Get returns the cached value if present and not expired
func (l *Local) Get(key string) (any, bool) {
	v, ok := l.lru.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(entry)
	if !e.expires.IsZero() && !l.now().Before(e.expires) {
		l.lru.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key; a zero ttl never expires
func (l *Local) Set(key string, value any, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expires = l.now().Add(ttl)
	}
	l.lru.Add(key, e)
}

// Delete removes keys from the cache
func (l *Local) Delete(keys ...string) {
	for _, k := range keys {
		l.lru.Remove(k)
	}
}

// Len returns the number of entries, expired ones included
func (l *Local) Len() int {
	return l.lru.Len()
}
