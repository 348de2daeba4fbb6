package offlinecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	requestkind "github.com/always-cache/offline-cache/pkg/request-kind"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	routerules "github.com/always-cache/offline-cache/pkg/route-rules"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrInstallFailed = errors.New("install failed")

type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

const (
	DefaultCachePrefix         = "offline-cache"
	DefaultRuntimeCache        = "runtime"
	DefaultOfflineDocument     = "/index.html"
	DefaultNetworkTimeout      = 10 * time.Second
	DefaultPrecacheConcurrency = 4
)

// WorkerConfig is everything that belongs to one deployed version.
// Registering a worker with a new version replaces the previous one.
type WorkerConfig struct {
	// Version of the deployment. The generation store is named `<CachePrefix>-<Version>`.
	Version string
	// Defaults to DefaultCachePrefix.
	CachePrefix string
	// Name of the store shared between versions. Defaults to DefaultRuntimeCache.
	RuntimeCache string
	// Write runtime entries into the generation store,
	// so that they are removed together with the generation.
	MergeRuntime bool
	// Paths fetched and stored on install, resolved against the scope.
	Precache []string
	// Store the precache responses that could be fetched, instead of failing the install.
	LenientInstall bool
	// Maximum number of concurrent precache fetches.
	PrecacheConcurrency int
	// Stay waiting after install until the active worker has no requests in flight
	// (or a SKIP_WAITING message arrives). By default a worker activates right away.
	WaitForClients bool
	RoutingMode    RoutingMode
	// Destinations served cache-first. Defaults to requestkind.DefaultStaticDestinations.
	StaticDestinations []string
	// Document served to navigations that are neither reachable nor stored.
	// Defaults to DefaultOfflineDocument.
	OfflineDocument string
	// Body of the synthesized 503 page, used when even the offline document is missing.
	OfflineHTML string
	// Deadline for document fetches before falling back to the cache.
	NetworkTimeout time.Duration
	// Per-path overrides of the routed strategy and of response headers.
	Rules routerules.Rules
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.CachePrefix == "" {
		c.CachePrefix = DefaultCachePrefix
	}
	if c.RuntimeCache == "" {
		c.RuntimeCache = DefaultRuntimeCache
	}
	if c.PrecacheConcurrency <= 0 {
		c.PrecacheConcurrency = DefaultPrecacheConcurrency
	}
	if c.RoutingMode == "" {
		c.RoutingMode = RoutingModern
	}
	if c.StaticDestinations == nil {
		c.StaticDestinations = requestkind.DefaultStaticDestinations
	}
	if c.OfflineDocument == "" {
		c.OfflineDocument = DefaultOfflineDocument
	}
	if c.NetworkTimeout <= 0 {
		c.NetworkTimeout = DefaultNetworkTimeout
	}
	return c
}

// Generation returns the name of the version's store.
func (c WorkerConfig) Generation() string {
	return GenerationName(c.CachePrefix, c.Version)
}

func GenerationName(prefix, version string) string {
	return prefix + "-" + version
}

// Validate checks the config for values the worker cannot run with.
func (c WorkerConfig) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	switch c.RoutingMode {
	case "", RoutingModern, RoutingSameOrigin, RoutingLegacy:
	default:
		return fmt.Errorf("unknown routing mode %q", c.RoutingMode)
	}
	for _, rule := range c.Rules {
		if rule.Strategy != "" && !Strategy(rule.Strategy).valid() {
			return fmt.Errorf("rule %q: unknown strategy %q", rule.Prefix+rule.Path, rule.Strategy)
		}
	}
	for _, p := range c.Precache {
		if _, err := url.Parse(p); err != nil {
			return fmt.Errorf("precache path %q: %w", p, err)
		}
	}
	return nil
}

// Worker is one versioned instance of the cache logic,
// owning its generation store.
type Worker struct {
	ID  string
	cfg WorkerConfig

	storage cache.CacheStorage
	fetcher Fetcher
	keyer   cachekey.CacheKeyer
	scope   *url.URL
	tasks   *tasks
	log     zerolog.Logger

	generation cache.Cache
	runtime    cache.Cache

	// registration order, later registrations replace earlier ones
	seq uint64
	// keep reports stores that an activation must not delete
	keep func(name string) bool
	// held while deleting stores
	sweep *sync.Mutex

	mu    sync.Mutex
	state State
	// requests in flight on this worker, i.e. its clients
	clients atomic.Int64
}

// Version returns the version the worker was registered with.
func (w *Worker) Version() string {
	return w.cfg.Version
}

// Generation returns the name of the worker's generation store.
func (w *Worker) Generation() string {
	return w.cfg.Generation()
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	if prev != s {
		w.log.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("Worker state changed")
	}
}

// Clients returns the number of requests currently served by the worker.
func (w *Worker) Clients() int64 {
	return w.clients.Load()
}

// runtimeName returns the store runtime entries go to.
func (w *Worker) runtimeName() string {
	if w.cfg.MergeRuntime {
		return w.cfg.Generation()
	}
	return w.cfg.RuntimeCache
}

// open opens the stores the worker reads from and writes to.
func (w *Worker) open(ctx context.Context) error {
	var err error
	if w.generation, err = w.storage.Open(ctx, w.cfg.Generation()); err != nil {
		return err
	}
	if w.cfg.MergeRuntime {
		w.runtime = w.generation
		return nil
	}
	w.runtime, err = w.storage.Open(ctx, w.cfg.RuntimeCache)
	return err
}

// Install populates the generation store with the precache list.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	name := w.cfg.Generation()
	existed, err := w.storage.Has(ctx, name)
	if err != nil {
		return w.installFailed(ctx, false, err)
	}
	if err := w.open(ctx); err != nil {
		return w.installFailed(ctx, existed, err)
	}

	entries, err := w.fetchPrecache(ctx)
	if err != nil {
		return w.installFailed(ctx, existed, err)
	}
	if err := w.generation.PutAll(ctx, entries); err != nil {
		return w.installFailed(ctx, existed, err)
	}

	w.log.Info().Int("entries", len(entries)).Msgf("Installed %s", name)
	w.setState(StateInstalled)
	return nil
}

func (w *Worker) installFailed(ctx context.Context, existed bool, err error) error {
	w.setState(StateRedundant)
	name := w.cfg.Generation()
	if !existed {
		if w.sweep != nil {
			w.sweep.Lock()
			defer w.sweep.Unlock()
		}
		if _, derr := w.storage.Delete(ctx, name); derr != nil {
			w.log.Warn().Err(derr).Msgf("Could not remove %s after failed install", name)
		}
	}
	w.log.Error().Err(err).Msgf("Could not install %s", name)
	return fmt.Errorf("%w: %s: %w", ErrInstallFailed, name, err)
}

// fetchPrecache fetches the precache list concurrently.
// In strict mode the first failure cancels the remaining fetches.
func (w *Worker) fetchPrecache(ctx context.Context) ([]cache.Entry, error) {
	results := make([]*cache.Entry, len(w.cfg.Precache))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.PrecacheConcurrency)
	for i, p := range w.cfg.Precache {
		i, p := i, p
		g.Go(func() error {
			entry, err := w.precacheEntry(gctx, p)
			if err != nil {
				if w.cfg.LenientInstall {
					w.log.Warn().Err(err).Str("path", p).Msg("Skipping precache entry")
					return nil
				}
				return err
			}
			results[i] = &entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	entries := make([]cache.Entry, 0, len(results))
	for _, e := range results {
		if e != nil {
			entries = append(entries, *e)
		}
	}
	return entries, nil
}

func (w *Worker) precacheEntry(ctx context.Context, path string) (cache.Entry, error) {
	req, err := w.scopedRequest(ctx, path)
	if err != nil {
		return cache.Entry{}, err
	}
	requestTime := time.Now()
	res, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("fetch %s: %w", path, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return cache.Entry{}, fmt.Errorf("fetch %s: status %d", path, res.StatusCode)
	}
	if err := bufferBody(res); err != nil {
		return cache.Entry{}, fmt.Errorf("read %s: %w", path, err)
	}
	w.cfg.Rules.Find(req).Apply(res)
	res.Request = req
	bts, err := serializer.Encode(serializer.TimedResponse{
		Response:     res,
		RequestTime:  requestTime,
		ResponseTime: time.Now(),
	})
	if err != nil {
		return cache.Entry{}, err
	}
	key, err := w.keyer.GetKey(req)
	if err != nil {
		return cache.Entry{}, err
	}
	return cache.Entry{Key: key, StoredAt: time.Now(), Bytes: bts}, nil
}

// scopedRequest creates a GET request for a path resolved against the scope.
func (w *Worker) scopedRequest(ctx context.Context, path string) (*http.Request, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	u := w.scope.ResolveReference(ref)
	u.Fragment = ""
	return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
}

// Activate removes every store that belongs to another version,
// except the stores of installs that have not finished yet.
// The registration routes new requests to the worker once this returns.
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)
	defer w.setState(StateActivated)
	names, err := w.storage.Names(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range names {
		if name == w.cfg.Generation() || name == w.runtimeName() {
			continue
		}
		if w.keep != nil && w.keep(name) {
			w.log.Debug().Msgf("Keeping cache %s of a pending install", name)
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		w.log.Info().Msgf("Deleted cache %s", name)
	}
	return errors.Join(errs...)
}

// ownsStore reports whether the named store was created by a worker with the given prefix.
func ownsStore(prefix, name string) (version string, ok bool) {
	return strings.CutPrefix(name, prefix+"-")
}

func newWorkerID() string {
	return uuid.NewString()
}

// bufferBody reads the whole body into memory,
// so that a failing transfer is noticed before anything is sent or stored.
func bufferBody(res *http.Response) error {
	if res.Body == nil {
		res.Body = http.NoBody
		res.ContentLength = 0
		return nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil
	return nil
}
