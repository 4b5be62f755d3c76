package checkpoint

import (
	"bytes"
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MemoryBackend is an in-process implementation backed by a map. It provides
// the reference semantics the other backends are tested against and is the
// natural choice for unit tests.
type MemoryBackend struct {
	mutex     sync.RWMutex
	values    map[string][]byte
	revisions map[string]int64 // survives deletes so tokens are never reused
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		values:    make(map[string][]byte),
		revisions: make(map[string]int64),
	}
}

func (b *MemoryBackend) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return transientErr(b.Kind(), "put", key, err)
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.values[key] = bytes.Clone(data)
	b.revisions[key]++
	return nil
}

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, transientErr(b.Kind(), "get", key, err)
	}
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	data, ok := b.values[key]
	if !ok {
		return nil, permanentErr(b.Kind(), "get", key, ErrKeyNotFound)
	}
	return bytes.Clone(data), nil
}

func (b *MemoryBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, transientErr(b.Kind(), "list", prefix, err)
	}
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	var keys []string
	for key := range b.values {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return transientErr(b.Kind(), "delete", key, err)
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.values, key)
	return nil
}

func (b *MemoryBackend) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, transientErr(b.Kind(), "exists", key, err)
	}
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	_, ok := b.values[key]
	return ok, nil
}

func (b *MemoryBackend) Rename(ctx context.Context, src, dst string, replace bool) error {
	if err := ctx.Err(); err != nil {
		return transientErr(b.Kind(), "rename", src, err)
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	data, ok := b.values[src]
	if !ok {
		return permanentErr(b.Kind(), "rename", src, ErrKeyNotFound)
	}
	if !replace {
		if _, taken := b.values[dst]; taken {
			return permanentErr(b.Kind(), "rename", dst, ErrKeyExists)
		}
	}
	b.values[dst] = data
	b.revisions[dst]++
	delete(b.values, src)
	return nil
}

func (b *MemoryBackend) GetWithRevision(ctx context.Context, key string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", transientErr(b.Kind(), "get", key, err)
	}
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	data, ok := b.values[key]
	if !ok {
		return nil, "", permanentErr(b.Kind(), "get", key, ErrKeyNotFound)
	}
	return bytes.Clone(data), strconv.FormatInt(b.revisions[key], 10), nil
}

func (b *MemoryBackend) PutIfMatch(ctx context.Context, key string, data []byte, expect string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", transientErr(b.Kind(), "put", key, err)
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	_, exists := b.values[key]
	if expect == "" {
		if exists {
			return "", permanentErr(b.Kind(), "put", key, ErrRevisionMismatch)
		}
	} else {
		if !exists || strconv.FormatInt(b.revisions[key], 10) != expect {
			return "", permanentErr(b.Kind(), "put", key, ErrRevisionMismatch)
		}
	}
	b.values[key] = bytes.Clone(data)
	b.revisions[key]++
	return strconv.FormatInt(b.revisions[key], 10), nil
}

func (b *MemoryBackend) Kind() string { return "memory" }

func (b *MemoryBackend) Close() error { return nil }
