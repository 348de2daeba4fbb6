package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storageFactory func(t *testing.T) CacheStorage

func providers() map[string]storageFactory {
	return map[string]storageFactory{
		"memory": func(t *testing.T) CacheStorage {
			return NewMemStorage()
		},
		"sqlite-memory": func(t *testing.T) CacheStorage {
			s, err := NewSQLiteStorage("")
			require.NoError(t, err)
			return s
		},
		"sqlite-file": func(t *testing.T) CacheStorage {
			s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "cache.db"))
			require.NoError(t, err)
			return s
		},
		"leveldb": func(t *testing.T) CacheStorage {
			s, err := NewLevelDBStorage(filepath.Join(t.TempDir(), "leveldb"))
			require.NoError(t, err)
			return s
		},
		"compressed-memory": func(t *testing.T) CacheStorage {
			s, err := NewCompressedStorage(NewMemStorage())
			require.NoError(t, err)
			return s
		},
	}
}

func forEachProvider(t *testing.T, test func(t *testing.T, s CacheStorage)) {
	for name, factory := range providers() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			t.Cleanup(func() { s.Close() })
			test(t, s)
		})
	}
}

func TestOpenCreatesInOrder(t *testing.T) {
	forEachProvider(t, func(t *testing.T, s CacheStorage) {
		ctx := context.Background()
		for _, name := range []string{"pwa-cache-v1", "runtime", "pwa-cache-v2"} {
			_, err := s.Open(ctx, name)
			require.NoError(t, err)
		}
		// opening an existing cache does not create a new one
		_, err := s.Open(ctx, "runtime")
		require.NoError(t, err)

		names, err := s.Names(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"pwa-cache-v1", "runtime", "pwa-cache-v2"}, names)

		has, err := s.Has(ctx, "runtime")
		require.NoError(t, err)
		require.True(t, has)
		has, err = s.Has(ctx, "nope")
		require.NoError(t, err)
		require.False(t, has)
	})
}

func TestPutMatch(t *testing.T) {
	forEachProvider(t, func(t *testing.T, s CacheStorage) {
		ctx := context.Background()
		c, err := s.Open(ctx, "runtime")
		require.NoError(t, err)

		_, ok, err := c.Match(ctx, "GET:/")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, c.Put(ctx, "GET:/", []byte("first")))
		require.NoError(t, c.Put(ctx, "GET:/", []byte("second")))
		b, ok, err := c.Match(ctx, "GET:/")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "second", string(b))

		// a second handle sees the same entries
		c2, err := s.Open(ctx, "runtime")
		require.NoError(t, err)
		b, ok, err = c2.Match(ctx, "GET:/")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "second", string(b))

		deleted, err := c.Delete(ctx, "GET:/")
		require.NoError(t, err)
		require.True(t, deleted)
		deleted, err = c.Delete(ctx, "GET:/")
		require.NoError(t, err)
		require.False(t, deleted)
	})
}

func TestCachesAreIsolated(t *testing.T) {
	forEachProvider(t, func(t *testing.T, s CacheStorage) {
		ctx := context.Background()
		a, err := s.Open(ctx, "a")
		require.NoError(t, err)
		b, err := s.Open(ctx, "b")
		require.NoError(t, err)
		require.NoError(t, a.Put(ctx, "k", []byte("in a")))

		_, ok, err := b.Match(ctx, "k")
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestPutAllAndKeys(t *testing.T) {
	forEachProvider(t, func(t *testing.T, s CacheStorage) {
		ctx := context.Background()
		c, err := s.Open(ctx, "pwa-cache-v1")
		require.NoError(t, err)
		entries := []Entry{
			{Key: "GET:/", Bytes: []byte("root")},
			{Key: "GET:/index.html", Bytes: []byte("index")},
			{Key: "GET:/icon.png", Bytes: []byte("icon")},
		}
		require.NoError(t, c.PutAll(ctx, entries))

		n, err := Count(ctx, c)
		require.NoError(t, err)
		require.Equal(t, 3, n)

		keys := make([]string, 0)
		require.NoError(t, c.Keys(ctx, func(k string) { keys = append(keys, k) }))
		require.ElementsMatch(t, []string{"GET:/", "GET:/index.html", "GET:/icon.png"}, keys)
	})
}

func TestDeleteCache(t *testing.T) {
	forEachProvider(t, func(t *testing.T, s CacheStorage) {
		ctx := context.Background()
		old, err := s.Open(ctx, "pwa-cache-v1")
		require.NoError(t, err)
		require.NoError(t, old.Put(ctx, "GET:/", []byte("v1")))

		deleted, err := s.Delete(ctx, "pwa-cache-v1")
		require.NoError(t, err)
		require.True(t, deleted)
		deleted, err = s.Delete(ctx, "pwa-cache-v1")
		require.NoError(t, err)
		require.False(t, deleted)

		names, err := s.Names(ctx)
		require.NoError(t, err)
		require.Empty(t, names)

		// stale handles cannot resurrect the cache
		err = old.Put(ctx, "GET:/", []byte("late"))
		require.True(t, errors.Is(err, ErrCacheNotFound), "got %v", err)

		// a recreated cache starts empty
		fresh, err := s.Open(ctx, "pwa-cache-v1")
		require.NoError(t, err)
		_, ok, err := fresh.Match(ctx, "GET:/")
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestConcurrentPuts(t *testing.T) {
	forEachProvider(t, func(t *testing.T, s CacheStorage) {
		ctx := context.Background()
		c, err := s.Open(ctx, "runtime")
		require.NoError(t, err)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, c.Put(ctx, fmt.Sprintf("GET:/%d", i%5), []byte("x")))
			}(i)
		}
		wg.Wait()
		n, err := Count(ctx, c)
		require.NoError(t, err)
		require.Equal(t, 5, n)
	})
}

func TestSQLitePersists(t *testing.T) {
	ctx := context.Background()
	filename := filepath.Join(t.TempDir(), "cache.db")
	s, err := NewSQLiteStorage(filename)
	require.NoError(t, err)
	c, err := s.Open(ctx, "pwa-cache-v1")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "GET:/", []byte("kept")))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStorage(filename)
	require.NoError(t, err)
	defer s.Close()
	c, err = s.Open(ctx, "pwa-cache-v1")
	require.NoError(t, err)
	b, ok, err := c.Match(ctx, "GET:/")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "kept", string(b))
}

func TestSQLiteMemoryStoragesAreSeparate(t *testing.T) {
	ctx := context.Background()
	a, err := NewSQLiteStorage("")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSQLiteStorage("")
	require.NoError(t, err)
	defer b.Close()

	_, err = a.Open(ctx, "only-in-a")
	require.NoError(t, err)
	names, err := b.Names(ctx)
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestCompressedStoresSmallerValues(t *testing.T) {
	ctx := context.Background()
	inner := NewMemStorage()
	s, err := NewCompressedStorage(inner)
	require.NoError(t, err)
	defer s.Close()

	payload := make([]byte, 0, 8192)
	for len(payload) < 8000 {
		payload = append(payload, "<p>offline</p>"...)
	}
	c, err := s.Open(ctx, "runtime")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "GET:/", payload))

	raw, err := inner.Open(ctx, "runtime")
	require.NoError(t, err)
	stored, ok, err := raw.Match(ctx, "GET:/")
	require.NoError(t, err)
	require.True(t, ok)
	require.Less(t, len(stored), len(payload))

	b, ok, err := c.Match(ctx, "GET:/")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, payload, b)
}
