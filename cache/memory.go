package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memCacheEntry struct {
	storedAt time.Time
	bytes    []byte
}

type memCache struct {
	s       *MemStorage
	name    string
	db      map[string]memCacheEntry
	order   []string
	deleted bool
}

// MemStorage keeps all caches in process memory.
// It does not survive restarts and is meant for tests and the `memory` provider.
type MemStorage struct {
	mutex  *sync.RWMutex
	caches map[string]*memCache
	names  []string
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:  &sync.RWMutex{},
		caches: make(map[string]*memCache),
	}
}

func (m *MemStorage) Open(_ context.Context, name string) (Cache, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if c, ok := m.caches[name]; ok {
		return c, nil
	}
	c := &memCache{s: m, name: name, db: make(map[string]memCacheEntry)}
	m.caches[name] = c
	m.names = append(m.names, name)
	return c, nil
}

func (m *MemStorage) Has(_ context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.caches[name]
	return ok, nil
}

func (m *MemStorage) Names(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]string(nil), m.names...), nil
}

func (m *MemStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	c, ok := m.caches[name]
	if !ok {
		return false, nil
	}
	c.deleted = true
	delete(m.caches, name)
	for i, n := range m.names {
		if n == name {
			m.names = append(m.names[:i], m.names[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemStorage) Close() error {
	return nil
}

func (c *memCache) Name() string {
	return c.name
}

func (c *memCache) Match(_ context.Context, key string) ([]byte, bool, error) {
	c.s.mutex.RLock()
	defer c.s.mutex.RUnlock()
	if c.deleted {
		return nil, false, nil
	}
	entry, ok := c.db[key]
	if !ok {
		return nil, false, nil
	}
	return entry.bytes, true, nil
}

func (c *memCache) Put(ctx context.Context, key string, bytes []byte) error {
	return c.PutAll(ctx, []Entry{{Key: key, StoredAt: time.Now(), Bytes: bytes}})
}

func (c *memCache) PutAll(_ context.Context, entries []Entry) error {
	c.s.mutex.Lock()
	defer c.s.mutex.Unlock()
	if c.deleted {
		return fmt.Errorf("%s: %w", c.name, ErrCacheNotFound)
	}
	for _, e := range entries {
		if _, ok := c.db[e.Key]; !ok {
			c.order = append(c.order, e.Key)
		}
		// copy, callers may reuse their buffers
		c.db[e.Key] = memCacheEntry{e.StoredAt, append([]byte(nil), e.Bytes...)}
	}
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) (bool, error) {
	c.s.mutex.Lock()
	defer c.s.mutex.Unlock()
	if _, ok := c.db[key]; !ok {
		return false, nil
	}
	delete(c.db, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (c *memCache) Keys(_ context.Context, cb func(string)) error {
	c.s.mutex.RLock()
	keys := append([]string(nil), c.order...)
	c.s.mutex.RUnlock()
	for _, key := range keys {
		cb(key)
	}
	return nil
}
