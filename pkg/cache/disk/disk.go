// Package disk implements a cache.Provider persisting entries to the
// local filesystem, one directory per partition
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Luzifer/deepsrt-proxy/pkg/cache"
)

const cacheDirPermission = 0o700

type (
	// Provider implements the cache.Provider interface
	Provider struct {
		basePath string
		ttl      time.Duration
	}

	partition struct {
		basePath string
		ttl      time.Duration
	}

	meta struct {
		Status  int
		Header  http.Header
		Expires time.Time
	}
)

var _ cache.Provider = Provider{}

// New returns a provider storing entries below basePath for ttl
func New(basePath string, ttl time.Duration) Provider {
	return Provider{basePath: basePath, ttl: ttl}
}

// Default implements the cache.Provider Default method
func (p Provider) Default() cache.Cache {
	return partition{basePath: path.Join(p.basePath, cache.DefaultPartition), ttl: p.ttl}
}

// Open implements the cache.Provider Open method
func (p Provider) Open(name string) (cache.Cache, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return nil, cache.ErrInvalidPartition
	}

	return partition{basePath: path.Join(p.basePath, name), ttl: p.ttl}, nil
}

// entryPath maps a cache key onto a sharded file path
func (p partition) entryPath(key string) string {
	h := fmt.Sprintf("%x", sha256.Sum256([]byte(key)))
	return path.Join(p.basePath, h[0:2], h)
}

func metaPath(entryPath string) string {
	return strings.Join([]string{entryPath, "meta"}, ".")
}

func (p partition) Match(_ context.Context, key string) (*cache.Entry, error) {
	entryPath := p.entryPath(key)

	m, err := loadMeta(metaPath(entryPath))
	switch {
	case err == nil:
		// This is fine

	case errors.Is(err, os.ErrNotExist):
		return nil, nil

	default:
		return nil, err
	}

	if time.Now().After(m.Expires) {
		if _, err = p.remove(entryPath); err != nil {
			logrus.WithError(err).Warn("removing expired cache entry")
		}
		return nil, nil
	}

	body, err := os.ReadFile(entryPath) //#nosec:G304 // Path derived from hash
	switch {
	case err == nil:
		return &cache.Entry{Status: m.Status, Header: m.Header, Body: body}, nil

	case errors.Is(err, os.ErrNotExist):
		// Meta without body, entry was removed concurrently
		return nil, nil

	default:
		return nil, errors.Wrap(err, "read cache file")
	}
}

func (p partition) Put(_ context.Context, key string, entry *cache.Entry) error {
	entryPath := p.entryPath(key)

	if err := os.MkdirAll(path.Dir(entryPath), cacheDirPermission); err != nil {
		return errors.Wrap(err, "create cache dir")
	}

	if err := writeFileAtomic(entryPath, entry.Body); err != nil {
		return errors.Wrap(err, "write cache file")
	}

	m, err := json.Marshal(meta{
		Status:  entry.Status,
		Header:  entry.Header,
		Expires: time.Now().Add(p.ttl),
	})
	if err != nil {
		return errors.Wrap(err, "encode cache meta")
	}

	return errors.Wrap(writeFileAtomic(metaPath(entryPath), m), "write cache meta file")
}

func (p partition) Delete(_ context.Context, key string) (bool, error) {
	return p.remove(p.entryPath(key))
}

// remove deletes meta and body of an entry and reports whether the
// entry existed
func (partition) remove(entryPath string) (bool, error) {
	err := os.Remove(metaPath(entryPath))
	switch {
	case err == nil:
		// This is fine

	case errors.Is(err, os.ErrNotExist):
		return false, nil

	default:
		return false, errors.Wrap(err, "remove cache meta file")
	}

	if err = os.Remove(entryPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return true, errors.Wrap(err, "remove cache file")
	}

	return true, nil
}

func loadMeta(metaPath string) (*meta, error) {
	f, err := os.Open(metaPath) //#nosec:G304 // Path derived from hash
	if err != nil {
		return nil, fmt.Errorf("opening metadata file: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			logrus.WithError(err).Error("closing metadata file (leaked fd)")
		}
	}()

	out := new(meta)
	return out, errors.Wrap(
		json.NewDecoder(f).Decode(out),
		"decode metadata file",
	)
}

// writeFileAtomic writes data next to target and renames it into place
// so readers never see partial files
func writeFileAtomic(target string, data []byte) error {
	f, err := os.CreateTemp(path.Dir(target), ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := f.Name()

	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "write temp file")
	}

	if err = f.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "close temp file")
	}

	return errors.Wrap(os.Rename(tmpName, target), "move temp file into place")
}
