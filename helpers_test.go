package offlinecache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("network unreachable")

var testScope = url.URL{Scheme: "https", Host: "app.example.com", Path: "/"}

type route struct {
	status      int
	contentType string
	body        string
	delay       time.Duration
	block       chan struct{}
}

// testNetwork is a fake network that can be switched offline.
type testNetwork struct {
	mu      sync.Mutex
	offline bool
	routes  map[string]route
	calls   map[string]int
	headers map[string]http.Header
	bodies  map[string]string
}

func newTestNetwork() *testNetwork {
	return &testNetwork{
		routes:  map[string]route{},
		calls:   map[string]int{},
		headers: map[string]http.Header{},
		bodies:  map[string]string{},
	}
}

func (n *testNetwork) handle(uri string, status int, contentType, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[uri] = route{status: status, contentType: contentType, body: body}
}

func (n *testNetwork) set(uri string, rt route) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[uri] = rt
}

func (n *testNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *testNetwork) callCount(uri string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[uri]
}

func (n *testNetwork) lastHeader(uri string) http.Header {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.headers[uri]
}

func (n *testNetwork) lastBody(uri string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bodies[uri]
}

func (n *testNetwork) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	uri := r.URL.RequestURI()
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
	}
	n.mu.Lock()
	n.calls[uri]++
	n.headers[uri] = r.Header.Clone()
	n.bodies[uri] = string(body)
	offline := n.offline
	rt, ok := n.routes[uri]
	n.mu.Unlock()

	if offline {
		return nil, errUnreachable
	}
	if rt.block != nil {
		select {
		case <-rt.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if rt.delay > 0 {
		select {
		case <-time.After(rt.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		rt = route{status: http.StatusNotFound, body: "not found"}
	}
	rec := httptest.NewRecorder()
	if rt.contentType != "" {
		rec.Header().Set("Content-Type", rt.contentType)
	}
	rec.WriteHeader(rt.status)
	io.WriteString(rec, rt.body)
	res := rec.Result()
	res.Request = r
	return res, nil
}

// appNetwork serves a small app shell.
func appNetwork() *testNetwork {
	n := newTestNetwork()
	n.handle("/", http.StatusOK, "text/html", "<h1>root</h1>")
	n.handle("/index.html", http.StatusOK, "text/html", "<h1>index</h1>")
	n.handle("/icon.png", http.StatusOK, "image/png", "PNG")
	n.handle("/app.js", http.StatusOK, "text/javascript", "console.log(1)")
	n.handle("/api/items", http.StatusOK, "application/json", `["a","b"]`)
	return n
}

func newTestCache(t *testing.T, fetcher Fetcher) *OfflineCache {
	t.Helper()
	return newTestCacheWithStorage(t, cache.NewMemStorage(), fetcher)
}

func nopLogger() *zerolog.Logger {
	logger := zerolog.Nop()
	return &logger
}

func newTestCacheWithStorage(t *testing.T, storage cache.CacheStorage, fetcher Fetcher) *OfflineCache {
	t.Helper()
	oc := New(Config{
		Storage: storage,
		Fetcher: fetcher,
		Scope:   testScope,
		Logger:  nopLogger(),
	})
	t.Cleanup(func() {
		oc.Close(context.Background())
	})
	return oc
}

func register(t *testing.T, oc *OfflineCache, cfg WorkerConfig) *Worker {
	t.Helper()
	w, err := oc.Register(context.Background(), cfg)
	require.NoError(t, err)
	return w
}

// settle waits for background cache writes.
func settle(t *testing.T, oc *OfflineCache) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, oc.tasks.Wait(ctx))
}

func navigate(path string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.Header.Set("Sec-Fetch-Mode", "navigate")
	r.Header.Set("Sec-Fetch-Dest", "document")
	r.Header.Set("Accept", "text/html,application/xhtml+xml")
	return r
}

func subresource(path, dest string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.Header.Set("Sec-Fetch-Mode", "no-cors")
	r.Header.Set("Sec-Fetch-Dest", dest)
	return r
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func storeKeys(t *testing.T, storage cache.CacheStorage, name string) []string {
	t.Helper()
	ctx := context.Background()
	ok, err := storage.Has(ctx, name)
	require.NoError(t, err)
	if !ok {
		return nil
	}
	c, err := storage.Open(ctx, name)
	require.NoError(t, err)
	var keys []string
	require.NoError(t, c.Keys(ctx, func(k string) { keys = append(keys, k) }))
	return keys
}

func key(path string) string {
	return "https://app.example.com:GET:" + path
}

// hookStorage wraps a storage and lets a test interfere with its operations.
// Hooks are keyed by cache name.
type hookStorage struct {
	cache.CacheStorage

	mu sync.Mutex
	// called before Has reports its result
	afterHas map[string]func()
	// called once the entries are written
	afterPutAll map[string]func()
	// the error Put returns instead of writing
	putErr map[string]error
}

func newHookStorage() *hookStorage {
	return &hookStorage{
		CacheStorage: cache.NewMemStorage(),
		afterHas:     map[string]func(){},
		afterPutAll:  map[string]func(){},
		putErr:       map[string]error{},
	}
}

func (s *hookStorage) onHas(name string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterHas[name] = fn
}

func (s *hookStorage) onPutAll(name string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterPutAll[name] = fn
}

func (s *hookStorage) failPut(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putErr[name] = err
}

// take returns the hook registered for name and removes it.
func take[T any](s *hookStorage, hooks map[string]T, name string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, ok := hooks[name]
	delete(hooks, name)
	return fn, ok
}

func (s *hookStorage) Has(ctx context.Context, name string) (bool, error) {
	ok, err := s.CacheStorage.Has(ctx, name)
	if fn, found := take(s, s.afterHas, name); found {
		fn()
	}
	return ok, err
}

func (s *hookStorage) Open(ctx context.Context, name string) (cache.Cache, error) {
	c, err := s.CacheStorage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &hookCache{Cache: c, s: s}, nil
}

type hookCache struct {
	cache.Cache
	s *hookStorage
}

func (c *hookCache) Put(ctx context.Context, key string, bytes []byte) error {
	c.s.mu.Lock()
	err := c.s.putErr[c.Name()]
	c.s.mu.Unlock()
	if err != nil {
		return err
	}
	return c.Cache.Put(ctx, key, bytes)
}

func (c *hookCache) PutAll(ctx context.Context, entries []cache.Entry) error {
	err := c.Cache.PutAll(ctx, entries)
	if fn, found := take(c.s, c.s.afterPutAll, c.Name()); found {
		fn()
	}
	return err
}
