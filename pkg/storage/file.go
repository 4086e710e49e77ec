package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"digitalvault/pkg/models"
)

// FileStore keeps blobs as files named by their content address.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", models.NewError(models.ErrCodeStorageUnavailable, "put cancelled", err)
	}
	address, err := ContentAddress(data)
	if err != nil {
		return "", models.NewError(models.ErrCodeStorageUnavailable, "failed to address content", err)
	}

	path := s.path(address)
	if _, err := os.Stat(path); err == nil {
		logger.Debug("object %s already stored", address)
		return address, nil
	}

	tmp, err := os.CreateTemp(s.dir, ".put-*")
	if err != nil {
		return "", models.NewError(models.ErrCodeStorageUnavailable, "failed to create temp object", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", models.NewError(models.ErrCodeStorageUnavailable, "failed to write object", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", models.NewError(models.ErrCodeStorageUnavailable, "failed to sync object", err)
	}
	if err := tmp.Close(); err != nil {
		return "", models.NewError(models.ErrCodeStorageUnavailable, "failed to close object", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", models.NewError(models.ErrCodeStorageUnavailable, "failed to commit object", err)
	}

	logger.Debug("stored object %s (%d bytes)", address, len(data))
	return address, nil
}

func (s *FileStore) Get(ctx context.Context, address string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.NewError(models.ErrCodeStorageUnavailable, "get cancelled", err)
	}
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(address))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, models.Errorf(models.ErrCodeNotFound, "no object at %s", address)
	}
	if err != nil {
		return nil, models.NewError(models.ErrCodeStorageUnavailable, "failed to read object", err)
	}
	if err := verify(address, data); err != nil {
		logger.Warn("object %s failed its content check", address)
		return nil, err
	}
	return data, nil
}

// path is only called with addresses produced by ContentAddress or checked
// by ValidateAddress, which are base58 and cannot traverse directories.
func (s *FileStore) path(address string) string {
	return filepath.Join(s.dir, address)
}
