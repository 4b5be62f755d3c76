package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigString(t *testing.T) {
	cfg, err := LoadConfigString(`
backend:
  kind: filesystem
  root: /var/lib/checkpoints
compression: zstd
conflict_retries: 10
`)
	require.NoError(t, err)
	require.Equal(t, BackendFilesystem, cfg.Backend.Kind)
	require.Equal(t, "/var/lib/checkpoints", cfg.Backend.Root)
	require.Equal(t, "zstd", cfg.Compression)
	require.Equal(t, 10, cfg.ConflictRetries)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  kind: memory
compression: gzip
`), 0o644))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, BackendMemory, cfg.Backend.Kind)
	require.Equal(t, "gzip", cfg.Compression)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigValidation(t *testing.T) {
	t.Run("unknown backend kind", func(t *testing.T) {
		_, err := LoadConfigString("backend:\n  kind: carrier-pigeon\n")
		require.Error(t, err)
		require.Contains(t, err.Error(), "carrier-pigeon")
	})

	t.Run("missing backend kind", func(t *testing.T) {
		_, err := LoadConfigString("compression: gzip\n")
		require.Error(t, err)
		require.Contains(t, err.Error(), "backend kind required")
	})

	t.Run("unknown codec", func(t *testing.T) {
		_, err := LoadConfigString("backend:\n  kind: memory\ncompression: brotli\n")
		require.Error(t, err)
		require.Contains(t, err.Error(), "brotli")
	})

	t.Run("negative conflict retries", func(t *testing.T) {
		_, err := LoadConfigString("backend:\n  kind: memory\nconflict_retries: -1\n")
		require.Error(t, err)
	})

	t.Run("bad mirror is named as such", func(t *testing.T) {
		_, err := LoadConfigString(`
backend:
  kind: memory
mirrors:
  - kind: morse-code
`)
		require.Error(t, err)
		require.Contains(t, err.Error(), "mirror")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := LoadConfigString("backend: [kind\n")
		require.Error(t, err)
	})
}

func TestNewBackendFactory(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		backend, err := NewBackend(ctx, BackendConfig{Kind: BackendMemory})
		require.NoError(t, err)
		require.Equal(t, BackendMemory, backend.Kind())
		require.NoError(t, backend.Close())
	})

	t.Run("filesystem", func(t *testing.T) {
		backend, err := NewBackend(ctx, BackendConfig{Kind: BackendFilesystem, Root: t.TempDir()})
		require.NoError(t, err)
		require.Equal(t, BackendFilesystem, backend.Kind())
		require.NoError(t, backend.Close())
	})

	t.Run("filesystem requires root", func(t *testing.T) {
		_, err := NewBackend(ctx, BackendConfig{Kind: BackendFilesystem})
		require.Error(t, err)
	})

	t.Run("azure requires credentials", func(t *testing.T) {
		_, err := NewBackend(ctx, BackendConfig{Kind: BackendAzureBlob, Container: "ckpts"})
		require.Error(t, err)
	})

	t.Run("postgres requires dsn", func(t *testing.T) {
		_, err := NewBackend(ctx, BackendConfig{Kind: BackendPostgres})
		require.Error(t, err)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := NewBackend(ctx, BackendConfig{Kind: "tape"})
		require.Error(t, err)
	})
}

func TestConfigBuild(t *testing.T) {
	ctx := context.Background()

	t.Run("single backend yields a manager only", func(t *testing.T) {
		cfg := &Config{Backend: BackendConfig{Kind: BackendMemory}, Compression: CodecGzip}
		mgr, rep, err := cfg.Build(ctx, nil)
		require.NoError(t, err)
		require.NotNil(t, mgr)
		require.Nil(t, rep)
		require.Equal(t, CodecGzip, mgr.Codec().Name())

		committed, err := mgr.Save(ctx, "cfg-model", VersionAuto, []byte("weights"), SaveOptions{})
		require.NoError(t, err)
		require.Equal(t, "1", committed.Version)
	})

	t.Run("mirrors yield a replicator", func(t *testing.T) {
		primaryRoot := t.TempDir()
		cfg := &Config{
			Backend: BackendConfig{Kind: BackendFilesystem, Root: primaryRoot},
			Mirrors: []BackendConfig{{Kind: BackendMemory}},
		}
		mgr, rep, err := cfg.Build(ctx, nil)
		require.NoError(t, err)
		require.NotNil(t, mgr)
		require.NotNil(t, rep)

		committed, err := rep.Save(ctx, "cfg-model", VersionAuto, []byte("weights"), SaveOptions{})
		require.NoError(t, err)
		require.Len(t, committed, 2)

		// The primary holds a copy the plain manager can read back.
		data, err := mgr.Load(ctx, "cfg-model", Latest(), LoadOptions{})
		require.NoError(t, err)
		require.Equal(t, []byte("weights"), data)
	})

	t.Run("invalid config fails before any backend is built", func(t *testing.T) {
		cfg := &Config{Backend: BackendConfig{Kind: BackendMemory}, Compression: "brotli"}
		_, _, err := cfg.Build(ctx, nil)
		require.Error(t, err)
	})
}
