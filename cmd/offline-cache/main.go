package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// this is set by goreleaser
	version string
)

func init() {
	if version == "" {
		version = "DEV"
	}
}

func main() {
	args := os.Args[1:]
	cfg, err := loadConfig(args, nil, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Log, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.Logger = logger

	storage, err := openStorage(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open storage")
	}

	originURL, _ := cfg.OriginURL()
	scope, _ := cfg.ScopeURL()
	ocache := offlinecache.New(offlinecache.Config{
		Storage:           storage,
		Fetcher:           offlinecache.NewOriginFetcher(originURL, cfg.Host),
		Scope:             scope,
		Logger:            &logger,
		BackgroundTimeout: cfg.BackgroundTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	register(ctx, ocache, cfg)
	go reloadOnHangup(ctx, ocache, args)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newRouter(ocache, cfg.ControlPath, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", cfg.Port, originURL.String(), cfg.Host)
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Could not shut down server cleanly")
	}
	if err := ocache.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Could not close cache cleanly")
	}
}

// register installs the configured version.
// A failed install is logged only: the previous generation, if any, keeps serving.
func register(ctx context.Context, ocache *offlinecache.OfflineCache, cfg Config) {
	wcfg, err := cfg.WorkerConfig()
	if err != nil {
		log.Error().Err(err).Msg("Invalid worker config")
		return
	}
	if _, err := ocache.Register(ctx, wcfg); err != nil {
		log.Error().Err(err).Msgf("Could not register version %s", wcfg.Version)
	}
}

// reloadOnHangup re-reads the config on SIGHUP and registers the configured version.
// Only the version's settings are reloaded; origin, storage and listener stay as started.
func reloadOnHangup(ctx context.Context, ocache *offlinecache.OfflineCache, args []string) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := loadConfig(args, nil, io.Discard)
			if err != nil {
				log.Error().Err(err).Msg("Could not reload config")
				continue
			}
			log.Info().Msgf("Reloaded config, registering version %s", cfg.Cache.Version)
			register(ctx, ocache, cfg)
		}
	}
}

func newRouter(ocache *offlinecache.OfflineCache, controlPath string, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(
		hlog.NewHandler(logger),
		hlog.RequestIDHandler("req_id", "X-Request-Id"),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Str("sourceIp", r.RemoteAddr).
				Int("code", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Request")
		}),
	)
	r.Mount(controlPath, ocache.ControlHandler())
	r.Handle("/*", ocache)
	return r
}

// newLogger logs to out, and also to a rotated log file if configured.
func newLogger(cfg LogConfig, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log level: %w", err)
	}
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: out}}
	if cfg.File != "" {
		logOutputs = append(logOutputs, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
			LocalTime:  true,
		})
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	return zerolog.New(multiWriter).Level(level).
		With().Timestamp().Str("version", version).Logger(), nil
}

func openStorage(cfg StorageConfig) (cache.CacheStorage, error) {
	var storage cache.CacheStorage
	var err error
	switch cfg.Provider {
	case "memory":
		storage = cache.NewMemStorage()
	case "leveldb":
		storage, err = cache.NewLevelDBStorage(cfg.Path)
	default:
		path := cfg.Path
		if path == "memory" {
			path = ""
		}
		storage, err = cache.NewSQLiteStorage(path)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Compress {
		return cache.NewCompressedStorage(storage)
	}
	return storage, nil
}
