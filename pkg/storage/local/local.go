// Package local implements a storage.Storage backend for local file storage
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Storage implements the storage.Storage interface for local file storage
type Storage struct {
	basePath string
}

// New returns a new local file storage
func New(basePath string) Storage { return Storage{basePath} }

// GetFile implements the storage.Storage GetFile method
func (s Storage) GetFile(_ context.Context, objectPath string) (io.ReadCloser, error) {
	// Rooting the path before cleaning keeps ".." from leaving basePath
	filePath := filepath.Join(s.basePath, filepath.FromSlash(path.Clean("/"+objectPath)))

	f, err := os.Open(filePath) //#nosec:G304 // Path is confined to basePath
	if err != nil {
		return nil, fmt.Errorf("opening object file: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		s.closeFile(f)
		return nil, fmt.Errorf("getting object file stat: %w", err)
	}

	if stat.IsDir() {
		s.closeFile(f)
		return nil, fmt.Errorf("object path is a directory: %w", os.ErrNotExist)
	}

	return f, nil
}

func (Storage) closeFile(f *os.File) {
	if err := f.Close(); err != nil {
		logrus.WithError(err).Error("closing object file (leaked fd)")
	}
}
