package quipodb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FilesystemBackend implements Backend on a local directory. Writes go
// through a temporary file and a rename.
type FilesystemBackend struct {
	basePath string
	locks    *StripedLocks // per-key write locks
}

// NewFilesystemBackend creates a new filesystem backend with 32 lock stripes
func NewFilesystemBackend(basePath string) *FilesystemBackend {
	return &FilesystemBackend{
		basePath: basePath,
		locks:    NewStripedLocks(32),
	}
}

func (b *FilesystemBackend) getPath(key string) string {
	return filepath.Join(b.basePath, filepath.FromSlash(key))
}

func (b *FilesystemBackend) Get(ctx context.Context, key string) ([]byte, error) {
	unlock := b.locks.RLock(key)
	defer unlock()

	data, err := os.ReadFile(b.getPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		if os.IsPermission(err) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return data, nil
}

func (b *FilesystemBackend) Put(ctx context.Context, key string, data []byte) error {
	unlock := b.locks.Lock(key)
	defer unlock()

	path := b.getPath(key)
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, DefaultFilePermissions); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (b *FilesystemBackend) Delete(ctx context.Context, key string) error {
	unlock := b.locks.Lock(key)
	defer unlock()

	err := os.Remove(b.getPath(key))
	if err != nil && !os.IsNotExist(err) {
		if os.IsPermission(err) {
			return ErrUnauthorized
		}
		return err
	}
	return nil
}

// List walks the directory under prefix. Temporary files are skipped.
func (b *FilesystemBackend) List(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	root := b.getPath(prefix)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		root = filepath.Dir(root)
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(b.basePath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *FilesystemBackend) Ping(ctx context.Context) error {
	if err := os.MkdirAll(b.basePath, DefaultDirPermissions); err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{"path": b.basePath, "error": err.Error()})
	}
	info, err := os.Stat(b.basePath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("base path is not a directory: %s", b.basePath)
	}

	testFile := filepath.Join(b.basePath, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), DefaultFilePermissions); err != nil {
		return fmt.Errorf("cannot write to base path: %w", err)
	}
	return os.Remove(testFile)
}

func (b *FilesystemBackend) Close() error {
	return nil
}
