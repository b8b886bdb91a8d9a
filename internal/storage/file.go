package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const lockPollInterval = 10 * time.Millisecond

// FileStore keeps each object in its own file under a root directory.
// Key "ledgers/case-1" maps to <root>/ledgers/case-1.json.
type FileStore struct {
	dir    string
	logger *zap.Logger

	// beforeCommit, when set, runs after the temporary file is durable and
	// before it is renamed into place. Returning an error aborts the save.
	beforeCommit func(tmpPath string) error
}

// NewFileStore creates the root directory if needed and returns a store
// rooted there.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("storage: file store directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, &PersistenceError{Op: "mkdir", Key: dir, Err: err}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Dir returns the root directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(key)+".json")
}

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, key string, value any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(value)
	if err != nil {
		return err
	}

	target := s.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return &PersistenceError{Op: "save", Key: key, Err: err}
	}
	if err := writeAtomic(target, data, s.beforeCommit); err != nil {
		return &PersistenceError{Op: "save", Key: key, Err: err}
	}

	s.logger.Debug("object saved", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

// writeAtomic writes data to a temporary file in the target's directory,
// fsyncs it, renames it over target and fsyncs the directory. Any failure
// before the rename removes the temporary file; target is never touched.
func writeAtomic(target string, data []byte, beforeCommit func(string) error) error {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temporary file: %w", err)
	}
	if beforeCommit != nil {
		if err := beforeCommit(tmpPath); err != nil {
			os.Remove(tmpPath)
			return err
		}
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}

	// The rename is only durable once the directory entry is flushed.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, key string, dst any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound(key)
		}
		return &PersistenceError{Op: "load", Key: key, Err: err}
	}
	if err := decode(data, dst); err != nil {
		return &PersistenceError{Op: "decode", Key: key, Err: err}
	}
	return nil
}

// Exists implements Store.
func (s *FileStore) Exists(_ context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, &PersistenceError{Op: "stat", Key: key, Err: err}
	}
}

// Lock implements Store with an advisory lock on <key>.json.lock next to
// the object, so separate processes and separate handles in one process
// exclude each other.
func (s *FileStore) Lock(ctx context.Context, key string) (Unlock, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	path := s.path(key) + ".lock"
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, &PersistenceError{Op: "lock", Key: key, Err: err}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, &PersistenceError{Op: "lock", Key: key, Err: err}
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(lockPollInterval), ctx)
	if err := backoff.Retry(func() error { return tryLockFile(f) }, policy); err != nil {
		f.Close()
		return nil, &PersistenceError{Op: "lock", Key: key, Err: err}
	}
	s.logger.Debug("lock acquired", zap.String("key", key))

	return func() error {
		defer f.Close()
		return unlockFile(f)
	}, nil
}

// Close implements Store. A file store holds no open handles between calls.
func (s *FileStore) Close() error { return nil }
