package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheNotFound is returned when operating on a named cache that does not exist
// (e.g. it was deleted while a handle to it was still held).
var ErrCacheNotFound = errors.New("cache not found")

// CacheStorage is a persistent set of named caches.
// Each named cache stores []byte values, which represent HTTP responses,
// keyed by request identity.
// Durable state lives here only; nothing is assumed to survive in memory.
//
// Implementations must be thread-safe!
type CacheStorage interface {
	// Open returns the cache with the given name, creating it if absent.
	Open(ctx context.Context, name string) (Cache, error)
	// Has reports whether a cache with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Names returns the names of all caches in creation order.
	Names(ctx context.Context) ([]string, error)
	// Delete removes the named cache and all its entries.
	// It returns false if there was no such cache.
	Delete(ctx context.Context, name string) (bool, error)
	// Close releases the underlying resources.
	Close() error
}

// Cache is a single named cache within a CacheStorage.
type Cache interface {
	// Name returns the name the cache was opened with.
	Name() string
	// Match returns the stored bytes for the exact key.
	// The boolean is false if nothing is stored under the key.
	Match(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores the bytes under the key, replacing any previous value.
	Put(ctx context.Context, key string, bytes []byte) error
	// PutAll stores all entries atomically: either every entry is written or none is.
	PutAll(ctx context.Context, entries []Entry) error
	// Delete removes the entry for the key.
	// It returns false if there was no such entry.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys calls the given callback for each key in the cache.
	// It calls the callback in order to enable very large lists of keys to be
	// processable (provider implementation might use paging, for instance).
	Keys(ctx context.Context, cb func(string)) error
}

type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

// Count returns the number of entries in c.
func Count(ctx context.Context, c Cache) (int, error) {
	n := 0
	err := c.Keys(ctx, func(string) { n++ })
	return n, err
}
