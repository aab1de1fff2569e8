package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoRecord signals that a record store holds no record. Cache.Load maps it
// to an absent credential rather than an error.
var ErrNoRecord = errors.New("no cached record")

// RecordStore abstracts durable storage of the single encoded cache record
// for one account. Writes fully replace any prior record.
type RecordStore interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Delete(ctx context.Context) error
}

// FileStore keeps the record in a single file, replaced atomically on every
// write.
type FileStore struct {
	path string
}

// NewFileStore prepares a file-backed record store at path, creating parent
// directories. Directory creation happens here, as an explicit
// initialization step.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("cache: file store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("cache: create store directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the location of the record file.
func (s *FileStore) Path() string { return s.path }

// Read returns the record bytes, or ErrNoRecord when the file is missing or
// empty.
func (s *FileStore) Read(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNoRecord
	}
	return data, nil
}

// Write replaces the record through a temp file and rename so a partial
// write is never observable.
func (s *FileStore) Write(_ context.Context, data []byte) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err = tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("restrict record permissions: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp record: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flush temp record: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp record: %w", err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace record: %w", err)
	}
	return nil
}

// Delete removes the record file.
func (s *FileStore) Delete(_ context.Context) error {
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNoRecord
	}
	return err
}
