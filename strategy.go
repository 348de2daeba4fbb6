package offlinecache

import (
	"context"
	"net/http"
	"time"

	"github.com/always-cache/offline-cache/cache"
	requestkind "github.com/always-cache/offline-cache/pkg/request-kind"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

type RoutingMode string

const (
	// Documents network-first, static assets cache-first, everything else network-first.
	RoutingModern RoutingMode = "modern"
	// Documents network-first, everything else cache-first.
	RoutingSameOrigin RoutingMode = "same-origin"
	// Every request network-first.
	RoutingLegacy RoutingMode = "legacy"
)

type Strategy string

const (
	StrategyNetworkFirstDocument  Strategy = "network-first-document"
	StrategyCacheFirst            Strategy = "cache-first"
	StrategyNetworkFirstElseCache Strategy = "network-first-else-cache"
	// Never touches the stores. Only reachable through rules.
	StrategyNetworkOnly Strategy = "network-only"
)

func (s Strategy) valid() bool {
	switch s {
	case StrategyNetworkFirstDocument, StrategyCacheFirst, StrategyNetworkFirstElseCache, StrategyNetworkOnly:
		return true
	}
	return false
}

// Route returns the strategy for a GET request of the given kind.
func Route(mode RoutingMode, kind requestkind.Kind) Strategy {
	switch mode {
	case RoutingLegacy:
		return StrategyNetworkFirstElseCache
	case RoutingSameOrigin:
		if kind == requestkind.Document {
			return StrategyNetworkFirstDocument
		}
		return StrategyCacheFirst
	default:
		switch kind {
		case requestkind.Document:
			return StrategyNetworkFirstDocument
		case requestkind.Static:
			return StrategyCacheFirst
		default:
			return StrategyNetworkFirstElseCache
		}
	}
}

// handle answers a GET request with the strategy its kind is routed to.
func (w *Worker) handle(rw http.ResponseWriter, r *http.Request) {
	kind := requestkind.Classify(r, w.cfg.StaticDestinations)
	strategy := Route(w.cfg.RoutingMode, kind)
	if rule := w.cfg.Rules.Find(r); rule != nil && rule.Strategy != "" {
		strategy = Strategy(rule.Strategy)
	}
	logger := getLogger(r, w.log).With().
		Str("generation", w.Generation()).
		Str("kind", kind.String()).
		Str("strategy", string(strategy)).
		Logger()

	var res *http.Response
	var cs CacheStatus
	switch strategy {
	case StrategyCacheFirst:
		res, cs = w.cacheFirst(r, &logger)
	case StrategyNetworkOnly:
		res, cs = w.networkOnly(r, kind, &logger)
	case StrategyNetworkFirstDocument:
		res, cs = w.networkFirst(r, requestkind.Document, &logger)
	default:
		res, cs = w.networkFirst(r, kind, &logger)
	}
	send(rw, r, res, cs, &logger)
}

// networkFirst asks the network and falls back to the stores.
// Documents bypass intermediate HTTP caches and give up on the network after NetworkTimeout.
func (w *Worker) networkFirst(r *http.Request, kind requestkind.Kind, logger *zerolog.Logger) (*http.Response, CacheStatus) {
	var cs CacheStatus
	cs.Forward(CacheStatusFwdRequest)
	key, _ := w.keyer.GetKey(r)

	res, requestTime, err := w.fetchNetwork(r, kind == requestkind.Document)
	if err == nil {
		cs.Stored = w.storeRuntime(key, res, requestTime, logger)
		return res, cs
	}
	logger.Debug().Err(err).Msg("Network failed, trying cache")

	if stored := w.match(r.Context(), key, logger); stored != nil {
		cs.Detail(DetailOffline)
		return stored, cs
	}
	if kind == requestkind.Document {
		return w.offlineDocument(r, cs, logger)
	}
	cs.Detail(DetailSynthesized)
	return gatewayTimeout(r), cs
}

// cacheFirst answers from the stores and only asks the network on a miss.
func (w *Worker) cacheFirst(r *http.Request, logger *zerolog.Logger) (*http.Response, CacheStatus) {
	var cs CacheStatus
	key, _ := w.keyer.GetKey(r)

	if stored := w.match(r.Context(), key, logger); stored != nil {
		cs.Hit()
		return stored, cs
	}
	cs.Forward(CacheStatusFwdUriMiss)

	res, requestTime, err := w.fetchNetwork(r, false)
	if err != nil {
		logger.Debug().Err(err).Msg("Network failed on cache miss")
		cs.Detail(DetailSynthesized)
		return gatewayTimeout(r), cs
	}
	cs.Stored = w.storeRuntime(key, res, requestTime, logger)
	return res, cs
}

// networkOnly forwards the request without reading or writing the stores.
func (w *Worker) networkOnly(r *http.Request, kind requestkind.Kind, logger *zerolog.Logger) (*http.Response, CacheStatus) {
	var cs CacheStatus
	cs.Forward(CacheStatusFwdBypass)
	res, _, err := w.fetchNetwork(r, kind == requestkind.Document)
	if err == nil {
		return res, cs
	}
	logger.Debug().Err(err).Msg("Network failed")
	cs.Detail(DetailSynthesized)
	if kind == requestkind.Document {
		return offlinePage(r, w.cfg.OfflineHTML), cs
	}
	return gatewayTimeout(r), cs
}

// offlineDocument serves the stored offline document or scope root,
// or else the synthesized offline page.
func (w *Worker) offlineDocument(r *http.Request, cs CacheStatus, logger *zerolog.Logger) (*http.Response, CacheStatus) {
	for _, path := range []string{w.cfg.OfflineDocument, "./"} {
		req, err := w.scopedRequest(r.Context(), path)
		if err != nil {
			continue
		}
		key, _ := w.keyer.GetKey(req)
		if stored := w.match(r.Context(), key, logger); stored != nil {
			cs.Detail(DetailFallback)
			return stored, cs
		}
	}
	cs.Detail(DetailSynthesized)
	return offlinePage(r, w.cfg.OfflineHTML), cs
}

// fetchNetwork fetches the request with its body fully read,
// returning the response and the time the request was sent.
// With reload set, intermediate HTTP caches are asked to revalidate
// and the fetch is bounded by NetworkTimeout.
func (w *Worker) fetchNetwork(r *http.Request, reload bool) (*http.Response, time.Time, error) {
	ctx := r.Context()
	if reload {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.NetworkTimeout)
		defer cancel()
	}
	req := r.Clone(ctx)
	if reload {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}
	// let the transport negotiate compression, so that stored bodies are
	// decoded and can be served to any client
	req.Header.Del("Accept-Encoding")
	requestTime := time.Now()
	res, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, requestTime, err
	}
	if err := bufferBody(res); err != nil {
		return nil, requestTime, err
	}
	w.cfg.Rules.Find(r).Apply(res)
	res.Request = r
	return res, requestTime, nil
}

// storeRuntime clones a successful response into the runtime store in the background.
// It reports whether a write was scheduled.
func (w *Worker) storeRuntime(key string, res *http.Response, requestTime time.Time, logger *zerolog.Logger) bool {
	if !storable(res) {
		return false
	}
	bts, err := serializer.Encode(serializer.TimedResponse{
		Response:     res,
		RequestTime:  requestTime,
		ResponseTime: time.Now(),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Could not clone response")
		return false
	}
	c := w.runtime
	w.tasks.Go("runtime-put", func(ctx context.Context) error {
		return c.Put(ctx, key, bts)
	})
	return true
}

// storable reports whether the response may go to the runtime store.
// Partial responses are never stored.
func storable(res *http.Response) bool {
	return res.StatusCode >= 200 && res.StatusCode < 300 && res.StatusCode != http.StatusPartialContent
}

// match looks the key up in the generation store, then the runtime store.
func (w *Worker) match(ctx context.Context, key string, logger *zerolog.Logger) *http.Response {
	stores := []cache.Cache{w.generation}
	if !w.cfg.MergeRuntime {
		stores = append(stores, w.runtime)
	}
	for _, c := range stores {
		bts, ok, err := c.Match(ctx, key)
		if err != nil {
			logger.Warn().Err(err).Str("cache", c.Name()).Msg("Could not read from cache")
			continue
		}
		if !ok {
			continue
		}
		sRes, err := serializer.Decode(bts)
		if err != nil {
			logger.Error().Err(err).Str("key", key).Msg("Could not read stored response")
			continue
		}
		logger.Trace().Str("cache", c.Name()).Str("key", key).Msg("Cache match")
		return sRes.Response
	}
	return nil
}
