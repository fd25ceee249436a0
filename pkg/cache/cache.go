// Package cache defines the contract of the response cache the proxy
// stores subtitle responses in
package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"net/http"

	"github.com/pkg/errors"
)

const (
	// DefaultPartition is the name of the partition returned by
	// Provider.Default
	DefaultPartition = "default"
	// DevPartition is the partition used when running in development mode
	DevPartition = "dev_cache"
)

type (
	// Entry is a cached response
	Entry struct {
		Status int
		Header http.Header
		Body   []byte
	}

	// Cache is a single partition of the response cache. Match returns
	// a nil Entry without error when the key is not cached. Delete
	// reports whether an entry was removed.
	Cache interface {
		Match(ctx context.Context, key string) (*Entry, error)
		Put(ctx context.Context, key string, entry *Entry) error
		Delete(ctx context.Context, key string) (bool, error)
	}

	// Provider hands out cache partitions
	Provider interface {
		Open(name string) (Cache, error)
		Default() Cache
	}
)

// ErrInvalidPartition is returned by Provider.Open for unusable names
var ErrInvalidPartition = errors.New("invalid partition name")

// Clone returns a deep copy of the entry
func (e *Entry) Clone() *Entry {
	return &Entry{
		Status: e.Status,
		Header: e.Header.Clone(),
		Body:   bytes.Clone(e.Body),
	}
}

// Encode serializes the entry for byte-oriented backends
func (e *Entry) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(e); err != nil {
		return nil, errors.Wrap(err, "encode cache entry")
	}
	return buf.Bytes(), nil
}

// DecodeEntry deserializes an entry written by Encode
func DecodeEntry(data []byte) (*Entry, error) {
	out := new(Entry)
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(out); err != nil {
		return nil, errors.Wrap(err, "decode cache entry")
	}
	return out, nil
}
