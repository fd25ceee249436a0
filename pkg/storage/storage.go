// Package storage defines the interface to talk to the object store
// backends holding the subtitle files
package storage

import (
	"context"
	"io"
)

// Storage is the interface to implement when building an object store
// backend. Objects not present in the store must be reported with an
// error matching os.ErrNotExist.
type Storage interface {
	GetFile(ctx context.Context, objectPath string) (io.ReadCloser, error)
}
