package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileBackend(t *testing.T) {
	runBackendTests(t, func(t *testing.T) Backend {
		b, err := NewFileBackend(t.TempDir())
		require.NoError(t, err)
		return b
	})
}

func TestNewFileBackendRequiresRoot(t *testing.T) {
	_, err := NewFileBackend("")
	require.Error(t, err)
}

func TestNewFileBackendCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "store")
	_, err := NewFileBackend(root)
	require.NoError(t, err)

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFileBackendRejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "/etc/passwd", "../escape", "a/../../escape", "a/./b"} {
		require.Error(t, b.Put(ctx, key, []byte("x")), "key %q", key)
	}
}

func TestFileBackendPutLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	b, err := NewFileBackend(root)
	require.NoError(t, err)

	require.NoError(t, b.Put(ctx, "model/1.bin", []byte("weights")))

	entries, err := os.ReadDir(filepath.Join(root, "model"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "1.bin", entries[0].Name())
}

func TestFileBackendListHidesBookkeeping(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	b, err := NewFileBackend(root)
	require.NoError(t, err)

	require.NoError(t, b.Put(ctx, "model/1.bin", []byte("x")))
	// Simulate a leftover lock and temp file from a crashed writer.
	require.NoError(t, os.WriteFile(filepath.Join(root, "model", "manifest.json.lock"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "model", "1.bin.tmp-123"), []byte("partial"), 0644))

	keys, err := b.List(ctx, "model/")
	require.NoError(t, err)
	require.Equal(t, []string{"model/1.bin"}, keys)
}

func TestFileBackendStaleLockTakeover(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	b, err := NewFileBackend(root)
	require.NoError(t, err)

	// Plant a lock file that looks abandoned.
	lockPath := filepath.Join(root, "m", ".manifest", "manifest.json.lock")
	require.NoError(t, os.MkdirAll(filepath.Dir(lockPath), 0755))
	require.NoError(t, os.WriteFile(lockPath, nil, 0644))
	old := time.Now().Add(-2 * staleLockAge)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	_, err = b.PutIfMatch(ctx, "m/.manifest/manifest.json", []byte("doc"), "")
	require.NoError(t, err, "a stale lock must not block writers forever")
}

func TestFileBackendConcurrentPutsToDistinctKeys(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	const writers = 16
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := stagingKey("model", fmt.Sprintf("tok-%d", i))
			errs[i] = b.Put(ctx, key, []byte("staged"))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}
	keys, err := b.List(ctx, "model/.staging/")
	require.NoError(t, err)
	require.Len(t, keys, writers)
}
