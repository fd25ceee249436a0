package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	httpHelper "github.com/Luzifer/go_helpers/http"
	"github.com/Luzifer/rconfig/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Luzifer/deepsrt-proxy/pkg/cache"
	"github.com/Luzifer/deepsrt-proxy/pkg/cache/disk"
	"github.com/Luzifer/deepsrt-proxy/pkg/cache/memcached"
	"github.com/Luzifer/deepsrt-proxy/pkg/cache/memory"
	"github.com/Luzifer/deepsrt-proxy/pkg/proxy"
	"github.com/Luzifer/deepsrt-proxy/pkg/storage"
	"github.com/Luzifer/deepsrt-proxy/pkg/storage/gcs"
	"github.com/Luzifer/deepsrt-proxy/pkg/storage/local"
)

var (
	cfg = struct {
		APIKey           string        `flag:"api-key" default:"" description:"Key to present in X-Api-Key header to purge cache entries" validate:"nonzero"`
		CacheBackend     string        `flag:"cache-backend" default:"memory" description:"Cache backend to use (memory, memcached, disk)"`
		CacheDir         string        `flag:"cache-dir" default:"./cache/" description:"Where to store cached responses with the disk backend"`
		CacheMaxAge      int64         `flag:"cache-max-age" default:"604800" description:"Max-age in seconds for cached responses"`
		CacheMemoryMB    int           `flag:"cache-memory-mb" default:"256" description:"Maximum size of the memory cache in MB (0 = unlimited)"`
		Dev              bool          `flag:"dev" default:"false" description:"Use the development cache partition"`
		Listen           string        `flag:"listen" default:":3000" description:"Port/IP to listen on"`
		LogLevel         string        `flag:"log-level" default:"info" description:"Log level (debug, info, warn, error, fatal)"`
		MemcachedServers string        `flag:"memcached-servers" default:"127.0.0.1:11211" description:"Comma separated list of memcached servers"`
		ShutdownTimeout  time.Duration `flag:"shutdown-timeout" default:"10s" description:"How long to wait for requests and cache stores on shutdown"`
		Storage          string        `flag:"storage" default:"./data/" description:"Where to read subtitles from (gs://bucket/prefix or local directory)"`
		VersionAndExit   bool          `flag:"version" default:"false" description:"Prints current version and exits"`
	}{}

	version = "dev"
)

func initApp() error {
	rconfig.AutoEnv(true)
	if err := rconfig.ParseAndValidate(&cfg); err != nil {
		return errors.Wrap(err, "parsing cli options")
	}

	l, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Wrap(err, "parsing log-level")
	}
	logrus.SetLevel(l)

	if cfg.CacheMaxAge < 0 {
		return errors.New("cache-max-age must not be negative")
	}

	return nil
}

func main() {
	var err error
	if err = initApp(); err != nil {
		logrus.WithError(err).Fatal("initializing app")
	}

	if cfg.VersionAndExit {
		fmt.Printf("deepsrt-proxy %s\n", version) //nolint:forbidigo // Fine for version info
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStorage(ctx, cfg.Storage)
	if err != nil {
		logrus.WithError(err).Fatal("initializing storage")
	}
	if c, ok := store.(io.Closer); ok {
		defer closer(c, "storage")()
	}

	maxAge := time.Duration(cfg.CacheMaxAge) * time.Second

	cacheProvider, closeCache, err := newCacheProvider(ctx, cfg.CacheBackend, maxAge)
	if err != nil {
		logrus.WithError(err).Fatal("initializing cache")
	}
	defer closeCache()

	p := proxy.New(proxy.Config{
		CacheMaxAge: maxAge,
		Dev:         cfg.Dev,
		APIKey:      cfg.APIKey,
	}, cacheProvider, store)

	server := &http.Server{
		Handler:           httpHelper.NewHTTPLogHandler(p.Handler()),
		ReadHeaderTimeout: time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		logrus.WithError(err).Fatal("opening listener")
	}

	logrus.WithFields(logrus.Fields{
		"addr":    listener.Addr().String(),
		"cache":   cfg.CacheBackend,
		"dev":     cfg.Dev,
		"version": version,
	}).Info("deepsrt-proxy started")

	if err = runServer(ctx, server, listener, p, cfg.ShutdownTimeout); err != nil {
		logrus.WithError(err).Error("running HTTP server")
		return
	}

	logrus.Info("deepsrt-proxy stopped")
}

// runServer serves until ctx is cancelled, then shuts the server down
// and waits for in-flight requests and their cache stores, both bounded
// by shutdownTimeout
func runServer(ctx context.Context, server *http.Server, listener net.Listener, p *proxy.Proxy, shutdownTimeout time.Duration) error {
	shutdownDone := make(chan error, 1)

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			shutdownDone <- errors.Wrap(err, "shutting down server")
			return
		}

		shutdownDone <- errors.Wrap(p.Drain(shutdownCtx), "draining cache stores")
	}()

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serving HTTP")
	}

	// Serve returns as soon as Shutdown was called, in-flight requests
	// are still running at that point
	return <-shutdownDone
}

func newStorage(ctx context.Context, uri string) (storage.Storage, error) {
	switch {
	case strings.HasPrefix(uri, "gs://"):
		s, err := gcs.New(ctx, uri)
		if err != nil {
			return nil, errors.Wrap(err, "creating GCS storage")
		}
		return s, nil

	default:
		basePath := strings.TrimPrefix(uri, "file://")
		if stat, err := os.Stat(basePath); err != nil || !stat.IsDir() {
			return nil, errors.Errorf("storage directory %q is not accessible", basePath)
		}
		return local.New(basePath), nil
	}
}

func newCacheProvider(ctx context.Context, backend string, ttl time.Duration) (cache.Provider, func(), error) {
	switch backend {
	case "memory":
		p, err := memory.New(ctx, ttl, cfg.CacheMemoryMB)
		if err != nil {
			return nil, nil, errors.Wrap(err, "creating memory cache")
		}
		return p, closer(p, "memory cache"), nil

	case "memcached":
		var servers []string
		for _, s := range strings.Split(cfg.MemcachedServers, ",") {
			if s = strings.TrimSpace(s); s != "" {
				servers = append(servers, s)
			}
		}

		p, err := memcached.New(ttl, servers...)
		if err != nil {
			return nil, nil, errors.Wrap(err, "creating memcached cache")
		}

		// Unreachable servers only degrade caching, the proxy stays usable
		if err = p.Ping(); err != nil {
			logrus.WithError(err).Warn("memcached not reachable on startup")
		}
		return p, func() {}, nil

	case "disk":
		return disk.New(cfg.CacheDir, ttl), func() {}, nil

	default:
		return nil, nil, errors.Errorf("unknown cache backend %q", backend)
	}
}

func closer(c io.Closer, name string) func() {
	return func() {
		if err := c.Close(); err != nil {
			logrus.WithError(err).Errorf("closing %s", name)
		}
	}
}
