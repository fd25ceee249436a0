// Package memory implements an in-process cache.Provider backed by
// bigcache. All partitions share one bigcache instance and are
// separated by a key prefix.
package memory

import (
	"context"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Luzifer/deepsrt-proxy/pkg/cache"
)

const partitionSeparator = "\x00"

type (
	// Provider implements the cache.Provider interface
	Provider struct {
		bc *bigcache.BigCache
	}

	partition struct {
		bc     *bigcache.BigCache
		prefix string
	}
)

var _ cache.Provider = (*Provider)(nil)

// New creates an in-memory provider whose entries live for ttl and
// which is limited to maxSizeMB megabytes (0 = unlimited)
func New(ctx context.Context, ttl time.Duration, maxSizeMB int) (*Provider, error) {
	config := bigcache.DefaultConfig(ttl)
	config.Shards = 64
	config.MaxEntriesInWindow = 10000
	config.MaxEntrySize = 4096
	config.HardMaxCacheSize = maxSizeMB
	config.Verbose = false
	config.Logger = logrus.StandardLogger()

	bc, err := bigcache.New(ctx, config)
	if err != nil {
		return nil, errors.Wrap(err, "create bigcache instance")
	}

	return &Provider{bc: bc}, nil
}

// Close stops the bigcache cleanup and releases the memory
func (p *Provider) Close() error {
	return errors.Wrap(p.bc.Close(), "close bigcache")
}

// Default implements the cache.Provider Default method
func (p *Provider) Default() cache.Cache {
	return partition{bc: p.bc, prefix: cache.DefaultPartition + partitionSeparator}
}

// Open implements the cache.Provider Open method
func (p *Provider) Open(name string) (cache.Cache, error) {
	if name == "" || strings.Contains(name, partitionSeparator) {
		return nil, cache.ErrInvalidPartition
	}

	return partition{bc: p.bc, prefix: name + partitionSeparator}, nil
}

func (p partition) Match(_ context.Context, key string) (*cache.Entry, error) {
	data, err := p.bc.Get(p.prefix + key)
	switch {
	case err == nil:
		// This is fine

	case errors.Is(err, bigcache.ErrEntryNotFound):
		return nil, nil

	default:
		return nil, errors.Wrap(err, "get entry")
	}

	return cache.DecodeEntry(data)
}

func (p partition) Put(_ context.Context, key string, entry *cache.Entry) error {
	data, err := entry.Encode()
	if err != nil {
		return err
	}

	return errors.Wrap(p.bc.Set(p.prefix+key, data), "set entry")
}

func (p partition) Delete(_ context.Context, key string) (bool, error) {
	err := p.bc.Delete(p.prefix + key)
	switch {
	case err == nil:
		return true, nil

	case errors.Is(err, bigcache.ErrEntryNotFound):
		return false, nil

	default:
		return false, errors.Wrap(err, "delete entry")
	}
}
