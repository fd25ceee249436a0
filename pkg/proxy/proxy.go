// Package proxy implements the request router serving subtitle objects
// from an object store through a response cache
package proxy

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/Luzifer/deepsrt-proxy/pkg/cache"
	"github.com/Luzifer/deepsrt-proxy/pkg/storage"
)

const (
	pathPrefix      = "/srt/"
	objectNamespace = "srt/"
	purgeParam      = "purge"

	headerAPIKey        = "X-Api-Key"
	headerCacheDuration = "X-Cache-Duration"
	headerCacheKey      = "X-Cache-Key"
	headerCacheStatus   = "X-Cache-Status"

	defaultStoreTimeout = 30 * time.Second
)

type (
	// Config holds the settings of the Proxy. It is copied into the
	// Proxy on creation and never modified afterwards.
	Config struct {
		// CacheMaxAge is announced in the Cache-Control header of
		// responses and truncated to full seconds
		CacheMaxAge time.Duration
		// Dev selects the development cache partition instead of the
		// default one
		Dev bool
		// APIKey must be presented in the X-Api-Key header to purge
		// entries. An empty key disables purging.
		APIKey string
		// StoreTimeout bounds the background cache store after a miss
		StoreTimeout time.Duration
	}

	// Proxy routes subtitle requests through the cache to the object store
	Proxy struct {
		cfg   Config
		cache cache.Provider
		store storage.Storage

		// tasks counts running requests and detached cache stores
		tasks sync.WaitGroup
	}
)

// New creates a Proxy reading objects from store and caching them
// in partitions of cacheProvider
func New(cfg Config, cacheProvider cache.Provider, store storage.Storage) *Proxy {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}

	return &Proxy{
		cfg:   cfg,
		cache: cacheProvider,
		store: store,
	}
}

// Handler returns the HTTP handler serving all requests
func (p *Proxy) Handler() http.Handler {
	r := mux.NewRouter()
	r.PathPrefix(pathPrefix).HandlerFunc(p.handleSubtitle)
	r.NotFoundHandler = http.HandlerFunc(handleNotFound)

	r.SkipClean(true)

	return p.trackRequests(recoverPanics(r))
}

// Wait blocks until all running requests and the detached cache
// stores they scheduled have finished
func (p *Proxy) Wait() { p.tasks.Wait() }

// Drain is Wait bounded by ctx
func (p *Proxy) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trackRequests keeps a request counted until its handler returned so
// detached stores are always scheduled while the counter is non-zero
func (p *Proxy) trackRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.tasks.Add(1)
		defer p.tasks.Done()

		next.ServeHTTP(w, r)
	})
}

// CacheKey derives the canonical cache key of a request: its absolute
// URL without query string. All cache operations for a path use
// this key, whatever query parameters the request carried.
func CacheKey(r *http.Request) *url.URL {
	u := *r.URL
	u.User = nil
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""

	if u.Host == "" {
		u.Host = r.Host
	}

	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			u.Scheme = "https"
		}
	}

	return &u
}

// activeCache returns the partition selected by the Dev setting
func (p *Proxy) activeCache() (cache.Cache, error) {
	if p.cfg.Dev {
		return p.cache.Open(cache.DevPartition)
	}
	return p.cache.Default(), nil
}

func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}

			if rec == http.ErrAbortHandler { //nolint:errorlint // Sentinel panic value
				panic(rec)
			}

			logrus.WithFields(logrus.Fields{
				"panic": rec,
				"path":  r.URL.Path,
			}).Error("handling request")
			writeText(w, http.StatusInternalServerError, "Internal Server Error")
		}()

		next.ServeHTTP(w, r)
	})
}
