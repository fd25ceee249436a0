package proxy

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Luzifer/deepsrt-proxy/pkg/cache"
)

type purgeResponse struct {
	Message        string `json:"message"`
	Path           string `json:"path"`
	PurgeResult    string `json:"purgeResult"`
	PurgedCacheKey string `json:"purgedCacheKey"`
}

func (p *Proxy) handleSubtitle(w http.ResponseWriter, r *http.Request) {
	var (
		key      = strings.TrimPrefix(r.URL.Path, pathPrefix)
		cacheKey = CacheKey(r).String()
		logger   = logrus.WithFields(logrus.Fields{
			"key":       key,
			"cache_key": cacheKey,
		})
	)

	logger.Debug("Received request")

	if r.URL.Query().Has(purgeParam) {
		p.handlePurge(w, r, cacheKey, logger)
		return
	}

	p.handleFetch(w, r, key, cacheKey, logger)
}

func (p *Proxy) handlePurge(w http.ResponseWriter, r *http.Request, cacheKey string, logger *logrus.Entry) {
	if !p.validAPIKey(r.Header.Get(headerAPIKey)) {
		logger.Warn("Rejected purge with invalid API key")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid API key"}, false)
		return
	}

	var deleted bool

	c, err := p.activeCache()
	if err != nil {
		logger.WithError(err).Error("Unable to open cache for purge")
	} else if deleted, err = c.Delete(r.Context(), cacheKey); err != nil {
		logger.WithError(err).Error("Unable to delete cache entry")
	}

	result := "failed"
	if deleted {
		result = "succeeded"
	}
	logger.WithField("result", result).Info("Cache purge completed")

	writeJSON(w, http.StatusOK, purgeResponse{
		Message:        "Cache purge completed",
		Path:           r.URL.Path,
		PurgeResult:    result,
		PurgedCacheKey: cacheKey,
	}, true)
}

func (p *Proxy) handleFetch(w http.ResponseWriter, r *http.Request, key, cacheKey string, logger *logrus.Entry) {
	c, err := p.activeCache()
	if err != nil {
		logger.WithError(err).Error("Unable to open cache, continuing without")
	}

	if entry := lookup(r.Context(), c, cacheKey, logger); entry != nil {
		hdr := entry.Header.Clone()
		if hdr == nil {
			hdr = http.Header{}
		}
		hdr.Set(headerCacheStatus, "HIT")
		hdr.Set(headerCacheKey, cacheKey)

		writeEntry(w, entry.Status, hdr, entry.Body)
		return
	}

	if !validObjectKey(key) {
		logger.Debug("Rejected malformed object key")
		handleNotFound(w, r)
		return
	}

	obj, err := p.store.GetFile(r.Context(), objectNamespace+key)
	switch {
	case err == nil:
		// This is fine

	case errors.Is(err, os.ErrNotExist):
		handleNotFound(w, r)
		return

	default:
		logger.WithError(err).Error("Unable to fetch object")
		writeText(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	defer func() {
		if err := obj.Close(); err != nil {
			logger.WithError(err).Error("closing object reader (leaked fd)")
		}
	}()

	body, err := io.ReadAll(obj)
	if err != nil {
		logger.WithError(err).Error("Unable to read object")
		writeText(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	maxAge := strconv.FormatInt(int64(p.cfg.CacheMaxAge/time.Second), 10)

	hdr := http.Header{}
	hdr.Set("Content-Type", "text/plain; charset=utf-8")
	hdr.Set("Cache-Control", "public, max-age="+maxAge)
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set(headerCacheStatus, "MISS")
	hdr.Set(headerCacheKey, cacheKey)
	hdr.Set(headerCacheDuration, maxAge+" seconds")

	// A max-age of zero announces the response as not cacheable
	if c != nil && p.cfg.CacheMaxAge >= time.Second {
		entry := &cache.Entry{Status: http.StatusOK, Header: hdr, Body: body}
		p.storeDetached(r.Context(), c, cacheKey, entry.Clone(), logger)
	}

	writeEntry(w, http.StatusOK, hdr, body)
}

func (p *Proxy) validAPIKey(given string) bool {
	if p.cfg.APIKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(given), []byte(p.cfg.APIKey)) == 1
}

// lookup queries the cache and degrades every failure to a miss
func lookup(ctx context.Context, c cache.Cache, cacheKey string, logger *logrus.Entry) *cache.Entry {
	if c == nil {
		return nil
	}

	entry, err := c.Match(ctx, cacheKey)
	if err != nil {
		logger.WithError(err).Error("Cache lookup failed")
		return nil
	}

	logger.WithField("hit", entry != nil).Debug("Cache lookup completed")
	return entry
}

// validObjectKey rejects empty keys and keys not in canonical path form
// (e.g. containing ".." segments or duplicate slashes). The key is
// taken from the percent-decoded path, so "%2F" counts as a slash.
func validObjectKey(key string) bool {
	return key != "" && path.Clean("/"+key) == "/"+key
}

func handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusNotFound, "Not Found")
}

func writeEntry(w http.ResponseWriter, status int, hdr http.Header, body []byte) {
	for k, v := range hdr {
		w.Header()[k] = append([]string(nil), v...)
	}
	w.WriteHeader(status)

	if _, err := w.Write(body); err != nil {
		logrus.WithError(err).Debug("Unable to write response body")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any, indent bool) {
	var (
		body []byte
		err  error
	)

	if indent {
		body, err = json.MarshalIndent(v, "", "  ")
	} else {
		body, err = json.Marshal(v)
	}
	if err != nil {
		logrus.WithError(err).Error("Unable to encode JSON response")
		writeText(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)

	if _, err = w.Write(body); err != nil {
		logrus.WithError(err).Debug("Unable to write response body")
	}
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)

	if _, err := fmt.Fprint(w, text); err != nil {
		logrus.WithError(err).Debug("Unable to write response body")
	}
}
