package checkpoint_test

import (
	"context"
	"testing"
	"time"

	"github.com/deepscale-ai/checkpoint"
	"github.com/stretchr/testify/require"
)

func TestCheckpointLibraryExample(t *testing.T) {
	backend, err := checkpoint.NewFileBackend(t.TempDir())
	require.NoError(t, err)

	manager, err := checkpoint.NewManager(checkpoint.ManagerOptions{
		Backend: backend,
		Codec:   checkpoint.NewGzipCodec(),
	})
	require.NoError(t, err)
	defer manager.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// A training loop saves successive snapshots under explicit releases.
	weights := []byte("layer weights, epoch 12")
	first, err := manager.Save(ctx, "resnet50", "1.0.0", weights, checkpoint.SaveOptions{})
	require.NoError(t, err)
	require.Equal(t, "1.0.0", first.Version)

	improved := []byte("layer weights, epoch 40")
	_, err = manager.Save(ctx, "resnet50", "1.1.0", improved, checkpoint.SaveOptions{})
	require.NoError(t, err)

	// Serving loads whatever is newest.
	latest, err := manager.Load(ctx, "resnet50", checkpoint.Latest(), checkpoint.LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, improved, latest)

	// A pinned consumer asks for a compatible range instead.
	sel := checkpoint.ParseSelector(">=1.0, <1.1")
	pinned, err := manager.Load(ctx, "resnet50", sel, checkpoint.LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, weights, pinned)

	// The manifest remembers every version in commit order.
	versions, err := manager.ListVersions(ctx, "resnet50")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Equal(t, "1.0.0", versions[0].Version)
	require.Equal(t, "1.1.0", versions[1].Version)

	// Retiring the old release removes it from the manifest.
	require.NoError(t, manager.Delete(ctx, "resnet50", "1.0.0"))
	ok, err := manager.Exists(ctx, "resnet50", checkpoint.Exact("1.0.0"))
	require.NoError(t, err)
	require.False(t, ok)
}
