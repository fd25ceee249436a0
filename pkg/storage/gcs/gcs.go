// Package gcs implements a storage backend reading files from GCS
package gcs

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/pkg/errors"
)

// Storage implements the storage.Storage interface for GCS storage
type Storage struct {
	bucket string
	client *gcs.Client
	prefix string
}

// New returns a new GCS storage backend for a bucket URI in the form
// gs://bucket/optional/prefix
func New(ctx context.Context, bucketURI string) (*Storage, error) {
	bucket, prefix, err := parseBucketURI(bucketURI)
	if err != nil {
		return nil, err
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "create GCS client")
	}

	return &Storage{
		bucket: bucket,
		client: client,
		prefix: prefix,
	}, nil
}

// Close releases the underlying GCS client
func (s Storage) Close() error {
	return errors.Wrap(s.client.Close(), "close GCS client")
}

// GetFile implements the storage.Storage GetFile method
func (s Storage) GetFile(ctx context.Context, objectPath string) (io.ReadCloser, error) {
	objectPath = strings.TrimLeft(path.Join(s.prefix, objectPath), "/")

	r, err := s.client.Bucket(s.bucket).Object(objectPath).NewReader(ctx)
	switch {
	case err == nil:
		return r, nil

	case errors.Is(err, gcs.ErrObjectNotExist):
		return nil, os.ErrNotExist // Surrounding code reacts on ErrNotExist

	default:
		return nil, errors.Wrap(err, "get object reader")
	}
}

func parseBucketURI(bucketURI string) (bucket, prefix string, err error) {
	uri, err := url.Parse(bucketURI)
	if err != nil {
		return "", "", errors.Wrap(err, "parse GCS bucket URI")
	}

	if uri.Scheme != "gs" || uri.Host == "" {
		return "", "", errors.New("invalid GCS bucket URI")
	}

	return uri.Host, strings.Trim(uri.Path, "/"), nil
}
