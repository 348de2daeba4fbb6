package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"

	"github.com/rs/zerolog"
)

var (
	ErrNoWaitingWorker = errors.New("no waiting worker")
	ErrUnknownMessage  = errors.New("unknown message")
	// ErrSuperseded is returned by Register when a later registration
	// finished installing first.
	ErrSuperseded = errors.New("superseded by a later registration")
	// ErrGenerationMissing is returned when a worker's generation store
	// was deleted before the worker could be activated.
	ErrGenerationMissing = errors.New("generation store is missing")
)

// SkipWaitingMessage activates the waiting worker without waiting for clients.
const SkipWaitingMessage = "SKIP_WAITING"

// Registration owns the active worker and the worker waiting to replace it.
type Registration struct {
	storage cache.CacheStorage
	fetcher Fetcher
	keyer   cachekey.CacheKeyer
	scope   *url.URL
	tasks   *tasks
	log     zerolog.Logger

	mu      sync.Mutex
	active  *Worker
	waiting *Worker
	// last registration number handed out
	seq uint64
	// registration number of the newest finished install
	installed uint64
	// generations with an install in progress
	installing map[string]int
	// serializes activations and other store deletions
	activation sync.Mutex
}

func newRegistration(storage cache.CacheStorage, fetcher Fetcher, scope *url.URL, tasks *tasks, log zerolog.Logger) *Registration {
	return &Registration{
		storage: storage,
		fetcher: fetcher,
		keyer:   cachekey.NewCacheKeyer(scope.Scheme + "://" + scope.Host),
		scope:   scope,
		tasks:   tasks,
		log:     log,

		installing: map[string]int{},
	}
}

func (reg *Registration) newWorker(cfg WorkerConfig) *Worker {
	cfg = cfg.withDefaults()
	id := newWorkerID()
	return &Worker{
		ID:      id,
		cfg:     cfg,
		storage: reg.storage,
		fetcher: reg.fetcher,
		keyer:   reg.keyer,
		scope:   reg.scope,
		tasks:   reg.tasks,
		log: reg.log.With().
			Str("worker", id).
			Str("version", cfg.Version).
			Logger(),
		keep:  reg.keepStore,
		sweep: &reg.activation,
		state: StateInstalling,
	}
}

// keepStore reports whether the named store belongs to a worker that
// has not been activated yet.
func (reg *Registration) keepStore(name string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.installing[name] > 0 || reg.waiting != nil && reg.waiting.Generation() == name
}

// doneInstalling must be called with reg.mu held.
func (reg *Registration) doneInstalling(w *Worker) {
	name := w.Generation()
	if reg.installing[name]--; reg.installing[name] <= 0 {
		delete(reg.installing, name)
	}
}

// Register installs a worker for the config's version.
// An installed worker waits until the active worker has no clients,
// unless it has no reason to (nothing is active, or it does not wait for clients).
// When the install fails and nothing is active yet, the newest generation
// left in storage by an earlier version is adopted, so that a failed deploy
// keeps the previous version serving.
// An install that finishes after a later registration's install is
// discarded with ErrSuperseded.
func (reg *Registration) Register(ctx context.Context, cfg WorkerConfig) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := reg.newWorker(cfg)
	reg.mu.Lock()
	reg.seq++
	w.seq = reg.seq
	reg.installing[w.Generation()]++
	reg.mu.Unlock()

	if err := w.Install(ctx); err != nil {
		reg.mu.Lock()
		reg.doneInstalling(w)
		reg.mu.Unlock()
		if reg.Active() == nil {
			if adopted, aerr := reg.adoptPrevious(ctx, w.cfg); aerr != nil {
				reg.log.Warn().Err(aerr).Msg("Could not adopt previous generation")
			} else if adopted != nil {
				reg.log.Info().Msgf("Serving previous generation %s", adopted.Generation())
			}
		}
		return w, err
	}

	reg.mu.Lock()
	reg.doneInstalling(w)
	if w.seq < reg.installed {
		reg.mu.Unlock()
		return w, reg.discard(ctx, w)
	}
	reg.installed = w.seq
	if reg.waiting != nil {
		reg.waiting.setState(StateRedundant)
	}
	reg.waiting = w
	activateNow := !w.cfg.WaitForClients || reg.active == nil || reg.active.Clients() == 0
	reg.mu.Unlock()

	if activateNow {
		if err := reg.activateWaiting(ctx); err != nil && !errors.Is(err, ErrNoWaitingWorker) {
			return w, err
		}
	} else {
		w.log.Info().Msg("Waiting for clients of the active worker")
	}
	return w, nil
}

// discard drops an install that finished after a later one.
// Its generation is deleted unless another worker uses the same one.
func (reg *Registration) discard(ctx context.Context, w *Worker) error {
	w.setState(StateRedundant)
	name := w.Generation()

	reg.activation.Lock()
	defer reg.activation.Unlock()
	reg.mu.Lock()
	inUse := reg.installing[name] > 0 ||
		reg.active != nil && reg.active.Generation() == name ||
		reg.waiting != nil && reg.waiting.Generation() == name
	reg.mu.Unlock()
	if !inUse {
		if _, err := reg.storage.Delete(ctx, name); err != nil {
			w.log.Warn().Err(err).Msgf("Could not remove superseded %s", name)
		}
	}
	w.log.Info().Msgf("Install of %s was superseded", name)
	return fmt.Errorf("%w: %s", ErrSuperseded, name)
}

// activateWaiting activates the waiting worker and routes new requests to it.
func (reg *Registration) activateWaiting(ctx context.Context) error {
	reg.activation.Lock()
	defer reg.activation.Unlock()

	reg.mu.Lock()
	w := reg.waiting
	reg.waiting = nil
	reg.mu.Unlock()
	if w == nil {
		return ErrNoWaitingWorker
	}

	ok, err := reg.storage.Has(ctx, w.Generation())
	if err != nil || !ok {
		w.setState(StateRedundant)
		if err == nil {
			err = ErrGenerationMissing
		}
		w.log.Error().Err(err).Msgf("Not activating %s", w.Generation())
		return fmt.Errorf("%s: %w", w.Generation(), err)
	}

	if err := w.Activate(ctx); err != nil {
		w.log.Warn().Err(err).Msg("Could not remove all old caches")
	}

	reg.mu.Lock()
	old := reg.active
	reg.active = w
	reg.mu.Unlock()
	if old != nil {
		old.setState(StateRedundant)
	}
	w.log.Info().Msgf("Activated %s", w.Generation())
	return nil
}

// adoptPrevious makes the newest generation with the same prefix the active worker.
// This may be the generation of cfg itself, when an earlier install of the same
// version succeeded. It returns nil if there is no such generation.
func (reg *Registration) adoptPrevious(ctx context.Context, cfg WorkerConfig) (*Worker, error) {
	names, err := reg.storage.Names(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(names) - 1; i >= 0; i-- {
		version, ok := ownsStore(cfg.CachePrefix, names[i])
		if !ok || version == "" {
			continue
		}
		prev := cfg
		prev.Version = version
		w := reg.newWorker(prev)
		if err := w.open(ctx); err != nil {
			return nil, err
		}
		w.state = StateActivated
		reg.mu.Lock()
		defer reg.mu.Unlock()
		if reg.active != nil {
			return nil, nil
		}
		reg.active = w
		return w, nil
	}
	return nil, nil
}

// Message handles a message sent to the registration.
func (reg *Registration) Message(ctx context.Context, msg string) error {
	switch strings.TrimSpace(msg) {
	case SkipWaitingMessage:
		return reg.activateWaiting(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg)
	}
}

func (reg *Registration) Active() *Worker {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.active
}

func (reg *Registration) Waiting() *Worker {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.waiting
}

// acquire pins a request to the active worker.
// It returns nil if no worker is active.
func (reg *Registration) acquire() *Worker {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.active != nil {
		reg.active.clients.Add(1)
	}
	return reg.active
}

// release ends a request on w. A worker waiting for the clients of w to finish
// is activated once the last one has.
func (reg *Registration) release(w *Worker) {
	if w.clients.Add(-1) > 0 {
		return
	}
	reg.mu.Lock()
	ready := reg.waiting != nil && reg.active == w && reg.waiting.cfg.WaitForClients
	reg.mu.Unlock()
	if ready {
		reg.tasks.Go("activate", func(ctx context.Context) error {
			// the waiting worker may already have been activated by a message
			if err := reg.activateWaiting(ctx); !errors.Is(err, ErrNoWaitingWorker) {
				return err
			}
			return nil
		})
	}
}

type WorkerStatus struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Generation string `json:"generation"`
	State      State  `json:"state"`
	Clients    int64  `json:"clients"`
}

type StoreStatus struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

type Status struct {
	Active  *WorkerStatus `json:"active"`
	Waiting *WorkerStatus `json:"waiting"`
	Caches  []StoreStatus `json:"caches"`
	Time    time.Time     `json:"time"`
}

func workerStatus(w *Worker) *WorkerStatus {
	if w == nil {
		return nil
	}
	return &WorkerStatus{
		ID:         w.ID,
		Version:    w.Version(),
		Generation: w.Generation(),
		State:      w.State(),
		Clients:    w.Clients(),
	}
}

// openExisting opens the named store without creating it.
// No store is deleted between the lookup and the open.
func (reg *Registration) openExisting(ctx context.Context, name string) (cache.Cache, error) {
	reg.activation.Lock()
	defer reg.activation.Unlock()
	ok, err := reg.storage.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cache.ErrCacheNotFound
	}
	return reg.storage.Open(ctx, name)
}

// Status reports the workers and the stores with their entry counts.
func (reg *Registration) Status(ctx context.Context) (Status, error) {
	reg.mu.Lock()
	status := Status{
		Active:  workerStatus(reg.active),
		Waiting: workerStatus(reg.waiting),
		Time:    time.Now(),
	}
	reg.mu.Unlock()

	names, err := reg.storage.Names(ctx)
	if err != nil {
		return status, err
	}
	status.Caches = make([]StoreStatus, 0, len(names))
	for _, name := range names {
		c, err := reg.openExisting(ctx, name)
		if errors.Is(err, cache.ErrCacheNotFound) {
			// deleted in the meantime
			continue
		}
		if err != nil {
			return status, err
		}
		n, err := cache.Count(ctx, c)
		if err != nil {
			return status, err
		}
		status.Caches = append(status.Caches, StoreStatus{Name: name, Entries: n})
	}
	return status, nil
}

// Entries lists the URLs stored in the named store, resolved against the scope.
// It returns cache.ErrCacheNotFound if there is no such store.
func (reg *Registration) Entries(ctx context.Context, name string) ([]string, error) {
	c, err := reg.openExisting(ctx, name)
	if err != nil {
		return nil, err
	}
	urls := []string{}
	err = c.Keys(ctx, func(key string) {
		req, err := reg.keyer.GetRequestFromKey(key)
		if err != nil {
			reg.log.Debug().Err(err).Str("key", key).Msg("Skipping key of another scope")
			return
		}
		urls = append(urls, reg.scope.ResolveReference(req.URL).String())
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(urls)
	return urls, nil
}
