package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	routerules "github.com/always-cache/offline-cache/pkg/route-rules"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const envPrefix = "OFFLINE_CACHE_"

type Config struct {
	// Origin URL to proxy to
	Origin string `yaml:"origin" env:"ORIGIN"`
	// Hostname of origin, for the Host header and TLS
	Host string `yaml:"host" env:"HOST"`
	Port int    `yaml:"port" env:"PORT"`
	// Public URL of the cache, defaults to the origin
	Scope             string        `yaml:"scope" env:"SCOPE"`
	ControlPath       string        `yaml:"controlPath" env:"CONTROL_PATH"`
	BackgroundTimeout time.Duration `yaml:"backgroundTimeout" env:"BACKGROUND_TIMEOUT"`

	Cache   CacheConfig   `yaml:"cache" envPrefix:"CACHE_"`
	Install InstallConfig `yaml:"install" envPrefix:"INSTALL_"`
	Routing RoutingConfig `yaml:"routing" envPrefix:"ROUTING_"`
	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
}

type CacheConfig struct {
	Prefix       string `yaml:"prefix" env:"PREFIX"`
	Version      string `yaml:"version" env:"VERSION"`
	Runtime      string `yaml:"runtime" env:"RUNTIME"`
	MergeRuntime bool   `yaml:"mergeRuntime" env:"MERGE_RUNTIME"`
}

type InstallConfig struct {
	Precache       []string `yaml:"precache" env:"PRECACHE" envSeparator:","`
	Lenient        bool     `yaml:"lenient" env:"LENIENT"`
	WaitForClients bool     `yaml:"waitForClients" env:"WAIT_FOR_CLIENTS"`
	Concurrency    int      `yaml:"concurrency" env:"CONCURRENCY"`
}

type RoutingConfig struct {
	Mode               string        `yaml:"mode" env:"MODE"`
	StaticDestinations []string      `yaml:"staticDestinations" env:"STATIC_DESTINATIONS" envSeparator:","`
	OfflineDocument    string        `yaml:"offlineDocument" env:"OFFLINE_DOCUMENT"`
	OfflineHTMLFile    string        `yaml:"offlineHtmlFile" env:"OFFLINE_HTML_FILE"`
	NetworkTimeout     time.Duration `yaml:"networkTimeout" env:"NETWORK_TIMEOUT"`
	// Only configurable in the config file
	Rules routerules.Rules `yaml:"rules"`
}

type StorageConfig struct {
	// sqlite, leveldb or memory
	Provider string `yaml:"provider" env:"PROVIDER"`
	// SQLite file or LevelDB directory ('memory' for in-memory SQLite)
	Path     string `yaml:"path" env:"PATH"`
	Compress bool   `yaml:"compress" env:"COMPRESS"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	// Log file to use (in addition to stdout)
	File       string `yaml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"maxSizeMB" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"maxBackups" env:"MAX_BACKUPS"`
	Compress   bool   `yaml:"compress" env:"COMPRESS"`
}

func defaultConfig() Config {
	return Config{
		Port:              8080,
		ControlPath:       offlinecache.DefaultControlPath,
		BackgroundTimeout: 30 * time.Second,
		Cache: CacheConfig{
			Prefix:  offlinecache.DefaultCachePrefix,
			Version: version,
			Runtime: offlinecache.DefaultRuntimeCache,
		},
		Install: InstallConfig{
			Precache:    []string{"/", "/index.html"},
			Concurrency: offlinecache.DefaultPrecacheConcurrency,
		},
		Routing: RoutingConfig{
			Mode:            string(offlinecache.RoutingModern),
			OfflineDocument: offlinecache.DefaultOfflineDocument,
			NetworkTimeout:  offlinecache.DefaultNetworkTimeout,
		},
		Storage: StorageConfig{
			Provider: "sqlite",
			Path:     "cache.db",
		},
		Log: LogConfig{
			Level:      "debug",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// flags holds the command line, which wins over file and environment.
type flags struct {
	set *flag.FlagSet

	config        string
	origin        string
	addr          string
	host          string
	port          int
	scope         string
	cacheVersion  string
	storage       string
	db            string
	compress      bool
	legacyMode    bool
	precache      string
	trace         bool
	logFilename   string
	controlPath   string
	waitForClient bool
}

func parseFlags(args []string, output io.Writer) (*flags, error) {
	f := &flags{set: flag.NewFlagSet("offline-cache", flag.ContinueOnError)}
	f.set.SetOutput(output)
	f.set.StringVar(&f.config, "config", "", "YAML config file")
	f.set.StringVar(&f.origin, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	f.set.StringVar(&f.addr, "addr", "", "Origin IP address to proxy to (over HTTPS)")
	f.set.StringVar(&f.host, "host", "", "Hostname of origin")
	f.set.IntVar(&f.port, "port", 0, "Port to listen on")
	f.set.StringVar(&f.scope, "scope", "", "Public URL of the cache (defaults to origin)")
	f.set.StringVar(&f.cacheVersion, "version", "", "Version of the deployment (defaults to the build version)")
	f.set.StringVar(&f.storage, "storage", "", "Storage provider: sqlite, leveldb or memory")
	f.set.StringVar(&f.db, "db", "", "Cache DB file or directory (use 'memory' for in-memory db)")
	f.set.BoolVar(&f.compress, "compress", false, "Compress stored responses")
	f.set.BoolVar(&f.legacyMode, "legacy", false, "Legacy mode: every request network-first")
	f.set.StringVar(&f.precache, "precache", "", "Comma separated paths to store on install")
	f.set.BoolVar(&f.trace, "vv", false, "Verbosity: trace logging")
	f.set.StringVar(&f.logFilename, "log-file", "", "Log file to use (in addition to stdout)")
	f.set.StringVar(&f.controlPath, "control-path", "", "Path of the control API")
	f.set.BoolVar(&f.waitForClient, "wait-for-clients", false, "Activate new versions only when the active version is idle")
	if err := f.set.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// apply overwrites cfg with the flags given on the command line.
func (f *flags) apply(cfg *Config) {
	f.set.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "origin":
			cfg.Origin = f.origin
		case "addr":
			// flags are visited in lexical order, so an explicit origin still wins
			cfg.Origin = "https://" + f.addr
		case "host":
			cfg.Host = f.host
		case "port":
			cfg.Port = f.port
		case "scope":
			cfg.Scope = f.scope
		case "version":
			cfg.Cache.Version = f.cacheVersion
		case "storage":
			cfg.Storage.Provider = f.storage
		case "db":
			cfg.Storage.Path = f.db
		case "compress":
			cfg.Storage.Compress = f.compress
		case "legacy":
			if f.legacyMode {
				cfg.Routing.Mode = string(offlinecache.RoutingLegacy)
			}
		case "precache":
			cfg.Install.Precache = splitList(f.precache)
		case "vv":
			if f.trace {
				cfg.Log.Level = zerolog.TraceLevel.String()
			}
		case "log-file":
			cfg.Log.File = f.logFilename
		case "control-path":
			cfg.ControlPath = f.controlPath
		case "wait-for-clients":
			cfg.Install.WaitForClients = f.waitForClient
		}
	})
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadConfig builds the config from defaults, the YAML file, the environment and the flags,
// in increasing order of precedence. A nil environ means the process environment.
func loadConfig(args []string, environ map[string]string, output io.Writer) (Config, error) {
	f, err := parseFlags(args, output)
	if err != nil {
		return Config{}, err
	}
	cfg := defaultConfig()
	if f.config != "" {
		if err := readConfigFile(f.config, &cfg); err != nil {
			return Config{}, err
		}
	}
	opts := env.Options{Prefix: envPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	f.apply(&cfg)
	return cfg, cfg.Validate()
}

func readConfigFile(filename string, cfg *Config) error {
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(configBytes, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", filename, err)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Origin == "" {
		errs = append(errs, errors.New("please specify origin"))
	} else if u, err := url.Parse(c.Origin); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid origin %q", c.Origin))
	}
	if c.Scope != "" {
		if u, err := url.Parse(c.Scope); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid scope %q", c.Scope))
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if !strings.HasPrefix(c.ControlPath, "/") || c.ControlPath == "/" {
		errs = append(errs, fmt.Errorf("invalid control path %q", c.ControlPath))
	}
	switch c.Storage.Provider {
	case "sqlite", "leveldb", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown storage provider %q", c.Storage.Provider))
	}
	if c.Storage.Provider == "leveldb" && (c.Storage.Path == "" || c.Storage.Path == "memory") {
		errs = append(errs, errors.New("leveldb storage needs a directory"))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Log.Level))
	}
	if err := c.worker(nil).Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// OriginURL returns the origin to fetch from.
func (c Config) OriginURL() (url.URL, error) {
	u, err := url.Parse(c.Origin)
	if err != nil {
		return url.URL{}, err
	}
	return *u, nil
}

// ScopeURL returns the public URL of the cache.
func (c Config) ScopeURL() (url.URL, error) {
	if c.Scope == "" {
		return c.OriginURL()
	}
	u, err := url.Parse(c.Scope)
	if err != nil {
		return url.URL{}, err
	}
	return *u, nil
}

// WorkerConfig returns the configuration of the deployed version.
func (c Config) WorkerConfig() (offlinecache.WorkerConfig, error) {
	var html []byte
	if c.Routing.OfflineHTMLFile != "" {
		var err error
		if html, err = os.ReadFile(c.Routing.OfflineHTMLFile); err != nil {
			return offlinecache.WorkerConfig{}, fmt.Errorf("offline page: %w", err)
		}
	}
	return c.worker(html), nil
}

func (c Config) worker(offlineHTML []byte) offlinecache.WorkerConfig {
	return offlinecache.WorkerConfig{
		Version:             c.Cache.Version,
		CachePrefix:         c.Cache.Prefix,
		RuntimeCache:        c.Cache.Runtime,
		MergeRuntime:        c.Cache.MergeRuntime,
		Precache:            c.Install.Precache,
		LenientInstall:      c.Install.Lenient,
		PrecacheConcurrency: c.Install.Concurrency,
		WaitForClients:      c.Install.WaitForClients,
		RoutingMode:         offlinecache.RoutingMode(c.Routing.Mode),
		StaticDestinations:  c.Routing.StaticDestinations,
		OfflineDocument:     c.Routing.OfflineDocument,
		OfflineHTML:         string(offlineHTML),
		NetworkTimeout:      c.Routing.NetworkTimeout,
		Rules:               c.Routing.Rules,
	}
}
