// Package memcached implements a cache.Provider storing entries in one
// or more memcached servers
package memcached

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/pkg/errors"

	"github.com/Luzifer/deepsrt-proxy/pkg/cache"
)

// Memcached interprets expirations above 30 days as absolute timestamps
const maxRelativeExpiration = 30 * 24 * time.Hour

type (
	// Provider implements the cache.Provider interface
	Provider struct {
		client     *memcache.Client
		expiration int32
	}

	partition struct {
		client     *memcache.Client
		expiration int32
		name       string
	}
)

var _ cache.Provider = (*Provider)(nil)

// New creates a provider talking to the given memcached servers,
// storing entries for ttl (between one second and 30 days)
func New(ttl time.Duration, servers ...string) (*Provider, error) {
	if len(servers) == 0 {
		return nil, errors.New("no memcached servers given")
	}

	switch {
	case ttl > maxRelativeExpiration:
		ttl = maxRelativeExpiration

	case ttl < time.Second:
		// Expiration 0 would keep the item forever
		ttl = time.Second
	}

	return &Provider{
		client:     memcache.New(servers...),
		expiration: int32(ttl / time.Second),
	}, nil
}

// Ping checks all configured servers are reachable
func (p *Provider) Ping() error {
	return errors.Wrap(p.client.Ping(), "ping memcached")
}

// Default implements the cache.Provider Default method
func (p *Provider) Default() cache.Cache {
	return partition{client: p.client, expiration: p.expiration, name: cache.DefaultPartition}
}

// Open implements the cache.Provider Open method
func (p *Provider) Open(name string) (cache.Cache, error) {
	if name == "" {
		return nil, cache.ErrInvalidPartition
	}

	return partition{client: p.client, expiration: p.expiration, name: name}, nil
}

// itemKey maps partition and cache key onto a key memcached accepts
// (max 250 bytes, no whitespace or control characters)
func (p partition) itemKey(key string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(p.name+"\x00"+key)))
}

// itemValue encodes data without line breaks as some memcached
// implementations read values line by line
func itemValue(data []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(out, data)
	return out
}

func (p partition) Match(_ context.Context, key string) (*cache.Entry, error) {
	item, err := p.client.Get(p.itemKey(key))
	switch {
	case err == nil:
		// This is fine

	case errors.Is(err, memcache.ErrCacheMiss):
		return nil, nil

	default:
		return nil, errors.Wrap(err, "get item")
	}

	data, err := base64.StdEncoding.DecodeString(string(item.Value))
	if err != nil {
		return nil, errors.Wrap(err, "decode item value")
	}

	return cache.DecodeEntry(data)
}

func (p partition) Put(_ context.Context, key string, entry *cache.Entry) error {
	data, err := entry.Encode()
	if err != nil {
		return err
	}

	return errors.Wrap(p.client.Set(&memcache.Item{
		Key:        p.itemKey(key),
		Value:      itemValue(data),
		Expiration: p.expiration,
	}), "set item")
}

func (p partition) Delete(_ context.Context, key string) (bool, error) {
	err := p.client.Delete(p.itemKey(key))
	switch {
	case err == nil:
		return true, nil

	case errors.Is(err, memcache.ErrCacheMiss):
		return false, nil

	default:
		return false, errors.Wrap(err, "delete item")
	}
}
