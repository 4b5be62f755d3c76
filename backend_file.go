package checkpoint

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileBackend stores each key as a regular file under a root directory. Keys
// use forward slashes regardless of platform. Writes go to a temporary file
// in the destination directory and land with an atomic rename, so a reader
// never observes a partial value.
//
// Names ending in ".lock" and names containing ".tmp-" are reserved for the
// backend's own bookkeeping and are hidden from List.
type FileBackend struct {
	root string
}

// How long a conditional-write lock may sit before another writer assumes
// its holder crashed and takes it over. Live holders rewrite a small
// manifest and release within milliseconds.
const staleLockAge = 10 * time.Second

// NewFileBackend creates a filesystem backend rooted at root, creating the
// directory if needed.
func NewFileBackend(root string) (*FileBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("file backend requires a root directory")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory %s: %w", root, err)
	}
	return &FileBackend{root: root}, nil
}

func (b *FileBackend) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return transientErr(b.Kind(), "put", key, err)
	}
	filePath, err := b.keyPath(key)
	if err != nil {
		return permanentErr(b.Kind(), "put", key, err)
	}
	if err := b.writeAtomic(filePath, data); err != nil {
		return permanentErr(b.Kind(), "put", key, err)
	}
	return nil
}

func (b *FileBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, transientErr(b.Kind(), "get", key, err)
	}
	filePath, err := b.keyPath(key)
	if err != nil {
		return nil, permanentErr(b.Kind(), "get", key, err)
	}
	data, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return nil, permanentErr(b.Kind(), "get", key, ErrKeyNotFound)
	}
	if err != nil {
		return nil, permanentErr(b.Kind(), "get", key, err)
	}
	return data, nil
}

func (b *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, transientErr(b.Kind(), "list", prefix, err)
	}
	// Walk only the subtree that can contain the prefix.
	start := b.root
	if i := strings.LastIndex(prefix, "/"); i > 0 {
		start = filepath.Join(b.root, filepath.FromSlash(prefix[:i]))
	}

	var keys []string
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, ".lock") || strings.Contains(name, ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
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
		return nil, permanentErr(b.Kind(), "list", prefix, err)
	}
	// WalkDir order is per-directory, not flat. Sort so every medium
	// lists in the same byte order.
	sort.Strings(keys)
	return keys, nil
}

func (b *FileBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return transientErr(b.Kind(), "delete", key, err)
	}
	filePath, err := b.keyPath(key)
	if err != nil {
		return permanentErr(b.Kind(), "delete", key, err)
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return permanentErr(b.Kind(), "delete", key, err)
	}
	return nil
}

func (b *FileBackend) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, transientErr(b.Kind(), "exists", key, err)
	}
	filePath, err := b.keyPath(key)
	if err != nil {
		return false, permanentErr(b.Kind(), "exists", key, err)
	}
	info, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, permanentErr(b.Kind(), "exists", key, err)
	}
	return info.Mode().IsRegular(), nil
}

func (b *FileBackend) Rename(ctx context.Context, src, dst string, replace bool) error {
	if err := ctx.Err(); err != nil {
		return transientErr(b.Kind(), "rename", src, err)
	}
	srcPath, err := b.keyPath(src)
	if err != nil {
		return permanentErr(b.Kind(), "rename", src, err)
	}
	dstPath, err := b.keyPath(dst)
	if err != nil {
		return permanentErr(b.Kind(), "rename", dst, err)
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return permanentErr(b.Kind(), "rename", dst, err)
	}

	if replace {
		if err := os.Rename(srcPath, dstPath); err != nil {
			if os.IsNotExist(err) {
				return permanentErr(b.Kind(), "rename", src, ErrKeyNotFound)
			}
			return permanentErr(b.Kind(), "rename", src, err)
		}
		return nil
	}

	// Hard link then unlink gives create-only move semantics: link fails
	// with EEXIST when dst is present, unlike rename which overwrites.
	if err := os.Link(srcPath, dstPath); err != nil {
		if os.IsExist(err) {
			return permanentErr(b.Kind(), "rename", dst, ErrKeyExists)
		}
		if os.IsNotExist(err) {
			return permanentErr(b.Kind(), "rename", src, ErrKeyNotFound)
		}
		return permanentErr(b.Kind(), "rename", src, err)
	}
	if err := os.Remove(srcPath); err != nil && !os.IsNotExist(err) {
		return permanentErr(b.Kind(), "rename", src, err)
	}
	return nil
}

func (b *FileBackend) GetWithRevision(ctx context.Context, key string) ([]byte, string, error) {
	data, err := b.Get(ctx, key)
	if err != nil {
		return nil, "", err
	}
	return data, sha256Hex(data), nil
}

// PutIfMatch serializes writers through an exclusive lock file next to the
// key, the read-modify-write fallback for a medium with no native
// conditional write. The revision token is the SHA-256 of the current
// content, so a token can never match after another writer changed the file.
func (b *FileBackend) PutIfMatch(ctx context.Context, key string, data []byte, expect string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", transientErr(b.Kind(), "put", key, err)
	}
	filePath, err := b.keyPath(key)
	if err != nil {
		return "", permanentErr(b.Kind(), "put", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return "", permanentErr(b.Kind(), "put", key, err)
	}

	unlock, err := b.acquireLock(ctx, filePath+".lock")
	if err != nil {
		return "", transientErr(b.Kind(), "put", key, err)
	}
	defer unlock()

	current := ""
	existing, err := os.ReadFile(filePath)
	switch {
	case err == nil:
		current = sha256Hex(existing)
	case os.IsNotExist(err):
		// current stays "", the create-only token.
	default:
		return "", permanentErr(b.Kind(), "put", key, err)
	}
	if current != expect {
		return "", permanentErr(b.Kind(), "put", key, ErrRevisionMismatch)
	}

	if err := b.writeAtomic(filePath, data); err != nil {
		return "", permanentErr(b.Kind(), "put", key, err)
	}
	return sha256Hex(data), nil
}

func (b *FileBackend) Kind() string { return "filesystem" }

func (b *FileBackend) Close() error { return nil }

// keyPath maps a slash-separated key to a path under the root, rejecting
// keys that would escape it.
func (b *FileBackend) keyPath(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	if clean := path.Clean(key); clean != key || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(b.root, filepath.FromSlash(key)), nil
}

// writeAtomic writes data to a temporary file in the destination directory
// and renames it into place.
func (b *FileBackend) writeAtomic(filePath string, data []byte) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(filePath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// acquireLock creates lockPath exclusively, polling until the current
// holder releases it. A lock older than staleLockAge is assumed abandoned
// by a crashed process and taken over.
func (b *FileBackend) acquireLock(ctx context.Context, lockPath string) (func(), error) {
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil {
			if time.Since(info.ModTime()) > staleLockAge {
				os.Remove(lockPath)
				continue
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}
