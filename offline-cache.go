package offlinecache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

type Config struct {
	// Storage for the caches. It is closed by Close.
	Storage cache.CacheStorage
	// Network to fetch from, usually an OriginFetcher.
	Fetcher Fetcher
	// Public URL the cache is served at.
	// Cache keys and precache paths are relative to it.
	Scope url.URL
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Deadline for work that outlives a request, such as runtime cache writes.
	BackgroundTimeout time.Duration
}

type OfflineCache struct {
	storage cache.CacheStorage
	fetcher Fetcher
	reg     *Registration
	tasks   *tasks
	log     zerolog.Logger

	// config of the latest registration, the base for updates
	latestMu sync.Mutex
	latest   WorkerConfig
}

// New creates the cache. No worker is active until Register succeeds,
// and until then every request is passed to the network.
// Without Storage the caches are kept in memory.
func New(config Config) *OfflineCache {
	if config.Storage == nil {
		config.Storage = cache.NewMemStorage()
	}
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}

	scope := config.Scope
	if scope.Scheme == "" {
		scope.Scheme = "http"
	}
	if scope.Host == "" {
		scope.Host = "localhost"
	}
	if scope.Path == "" {
		scope.Path = "/"
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("scope", scope.String()).
		Logger()

	t := newTasks(config.BackgroundTimeout, logger)
	return &OfflineCache{
		storage: config.Storage,
		fetcher: config.Fetcher,
		reg:     newRegistration(config.Storage, config.Fetcher, &scope, t, logger),
		tasks:   t,
		log:     logger,
	}
}

// Middleware creates a cache that uses next as the network.
func Middleware(config Config, next http.Handler) *OfflineCache {
	config.Fetcher = HandlerFetcher{Handler: next}
	return New(config)
}

// Register installs and, when ready, activates a worker for cfg's version.
func (o *OfflineCache) Register(ctx context.Context, cfg WorkerConfig) (*Worker, error) {
	o.latestMu.Lock()
	o.latest = cfg
	o.latestMu.Unlock()
	return o.reg.Register(ctx, cfg)
}

// Update registers a new version with the config of the latest registration.
func (o *OfflineCache) Update(ctx context.Context, version string) (*Worker, error) {
	o.latestMu.Lock()
	cfg := o.latest
	o.latestMu.Unlock()
	cfg.Version = version
	return o.Register(ctx, cfg)
}

// Message delivers a message to the registration, e.g. SkipWaitingMessage.
func (o *OfflineCache) Message(ctx context.Context, msg string) error {
	return o.reg.Message(ctx, msg)
}

func (o *OfflineCache) Status(ctx context.Context) (Status, error) {
	return o.reg.Status(ctx)
}

func (o *OfflineCache) Entries(ctx context.Context, name string) ([]string, error) {
	return o.reg.Entries(ctx, name)
}

func (o *OfflineCache) Registration() *Registration {
	return o.reg
}

// Close waits for background work and closes the storage.
func (o *OfflineCache) Close(ctx context.Context) error {
	werr := o.tasks.Wait(ctx)
	return errors.Join(werr, o.storage.Close())
}

// ServeHTTP implements the http.Handler interface.
func (o *OfflineCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer o.recover(w, r)
	if r.Method != http.MethodGet {
		o.passThrough(w, r)
		return
	}
	worker := o.reg.acquire()
	if worker == nil {
		o.passThrough(w, r)
		return
	}
	defer o.reg.release(worker)
	worker.handle(w, r)
}

// recover recovers from panics and sends the response to the escape hatch if needed.
func (o *OfflineCache) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		if err == http.ErrAbortHandler {
			panic(err)
		}
		o.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		http.Error(w, "Could not serve request", http.StatusBadGateway)
	}
}

// passThrough sends the request to the network without touching the caches.
func (o *OfflineCache) passThrough(w http.ResponseWriter, r *http.Request) {
	logger := getLogger(r, o.log)
	res, err := o.fetcher.Fetch(r.Context(), r)
	if err != nil {
		logger.Error().Err(err).Msg("Could not fetch response from network")
		http.Error(w, "Error contacting origin", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		logger.Error().Err(err).Msg("Could not write response body to client")
	}
}

func send(w http.ResponseWriter, r *http.Request, res *http.Response, status CacheStatus, logger *zerolog.Logger) {
	logger.Debug().
		Str("url", r.URL.String()).
		Str("status", string(status.Status)).
		Str("fwd", string(status.FwdReason)).
		Str("cache-status", status.String()).
		Bool("stored", status.Stored).
		Int("code", res.StatusCode).
		Msg("Sending response to client")

	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.Header().Add("Cache-Status", status.String())
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return
	}
	if _, err := io.Copy(w, res.Body); err != nil {
		logger.Error().Err(err).Msg("Could not write response body to client")
	}
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the fallback logger.
func getLogger(r *http.Request, fallback zerolog.Logger) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		return &fallback
	}
	return logger
}
