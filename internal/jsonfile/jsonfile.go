// Package jsonfile reads and writes a single data file shared between
// processes. Writes are atomic: data goes to a temporary file that is
// renamed over the target while an advisory lock on "<path>.lock" is held.
package jsonfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dolmen-go/contextio"
	"github.com/gofrs/flock"
	"github.com/zeebo/xxh3"

	"github.com/adrianmcphee/quipodb/internal/codec"
)

const (
	defaultLockTimeout   = 3 * time.Second
	defaultRetryInterval = 50 * time.Millisecond
)

// ErrLocked is returned when the file lock could not be acquired in time.
var ErrLocked = errors.New("jsonfile: could not acquire file lock")

// File is a lock-protected data file. Safe for concurrent use.
type File struct {
	path        string
	lock        *flock.Flock
	compression codec.Type
	perm        os.FileMode
	lockTimeout time.Duration

	mu       sync.Mutex
	lastHash uint64
	hashed   bool
}

// Option configures a File.
type Option func(*File)

// WithCompression compresses written data. Reading detects the compression
// of the file on disk regardless of this setting.
func WithCompression(t codec.Type) Option {
	return func(f *File) { f.compression = t }
}

// WithPermissions sets the mode of created files.
func WithPermissions(perm os.FileMode) Option {
	return func(f *File) { f.perm = perm }
}

// WithLockTimeout bounds how long Read and Write wait for the file lock.
func WithLockTimeout(d time.Duration) Option {
	return func(f *File) { f.lockTimeout = d }
}

// New returns a File for path. Nothing is touched on disk until the first
// Read or Write.
func New(path string, opts ...Option) *File {
	f := &File{
		path:        path,
		lock:        flock.New(path + ".lock"),
		perm:        0o644,
		lockTimeout: defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Path returns the data file path.
func (f *File) Path() string { return f.path }

// Read returns the decoded file contents, or nil when the file does not
// exist yet.
func (f *File) Read(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	unlock, err := f.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}

	data, _, err := codec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	f.lastHash = xxh3.Hash(data)
	f.hashed = true
	return data, nil
}

// Write replaces the file contents with data. It reports false without
// touching the disk when data equals what was last read or written.
func (f *File) Write(ctx context.Context, data []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sum := xxh3.Hash(data)
	if f.hashed && sum == f.lastHash {
		return false, nil
	}

	encoded, err := codec.Encode(f.compression, data)
	if err != nil {
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return false, fmt.Errorf("create directory: %w", err)
	}

	unlock, err := f.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()

	if err := f.writeAtomic(ctx, encoded); err != nil {
		return false, err
	}
	f.lastHash = sum
	f.hashed = true
	return true, nil
}

// Remove deletes the data file and its lock file.
func (f *File) Remove() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.hashed = false
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Remove(f.path + ".lock"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (f *File) acquire(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, f.lockTimeout)
	defer cancel()

	locked, err := f.lock.TryLockContext(ctx, defaultRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocked, err)
	}
	if !locked {
		return nil, ErrLocked
	}
	return func() { _ = f.lock.Unlock() }, nil
}

func (f *File) writeAtomic(ctx context.Context, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := io.Copy(contextio.NewWriter(ctx, tmp), bytes.NewReader(data)); err != nil {
		cleanup()
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Chmod(tmpPath, f.perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
