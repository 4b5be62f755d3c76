package checkpoint

import (
	"context"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/stretchr/testify/require"
)

// The well-known Azurite development account.
const azuriteKey = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="

func TestNewAzureBackendValidation(t *testing.T) {
	t.Run("container required", func(t *testing.T) {
		_, err := NewAzureBackend(AzureBackendOptions{AccountName: "devstoreaccount1", AccountKey: azuriteKey})
		require.Error(t, err)
		require.Contains(t, err.Error(), "container")
	})

	t.Run("credentials required", func(t *testing.T) {
		_, err := NewAzureBackend(AzureBackendOptions{Container: "ckpts"})
		require.Error(t, err)
	})

	t.Run("shared key credentials accepted", func(t *testing.T) {
		b, err := NewAzureBackend(AzureBackendOptions{
			AccountName: "devstoreaccount1",
			AccountKey:  azuriteKey,
			ServiceURL:  "http://127.0.0.1:10000/devstoreaccount1",
			Container:   "ckpts",
			Prefix:      "team/",
		})
		require.NoError(t, err)
		require.Equal(t, "azure-blob", b.Kind())
		require.Equal(t, "team", b.prefix)
	})

	t.Run("connection string accepted", func(t *testing.T) {
		connStr := "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;AccountKey=" + azuriteKey +
			";BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1;"
		b, err := NewAzureBackend(AzureBackendOptions{ConnectionString: connStr, Container: "ckpts"})
		require.NoError(t, err)
		require.NoError(t, b.Close())
	})
}

func TestAzureKeyMapping(t *testing.T) {
	b := &AzureBackend{container: "ckpts", prefix: "team/models"}
	require.Equal(t, "team/models/resnet50/1.bin", b.fullKey("resnet50/1.bin"))
	require.Equal(t, "resnet50/1.bin", b.trimKey("team/models/resnet50/1.bin"))
}

func TestAzureErrorClassification(t *testing.T) {
	b := &AzureBackend{container: "ckpts"}

	responseError := func(code bloberror.Code, status int) error {
		return &azcore.ResponseError{ErrorCode: string(code), StatusCode: status}
	}

	t.Run("missing blob maps to the not-found sentinel", func(t *testing.T) {
		err := b.classify("get", "model/9.bin", responseError(bloberror.BlobNotFound, 404))
		require.ErrorIs(t, err, ErrKeyNotFound)
		require.False(t, IsTransient(err))
	})

	t.Run("failed access condition maps to revision mismatch", func(t *testing.T) {
		err := b.classify("put", "model/.manifest/manifest.json", responseError(bloberror.ConditionNotMet, 412))
		require.ErrorIs(t, err, ErrRevisionMismatch)
	})

	t.Run("server pressure is transient", func(t *testing.T) {
		require.True(t, IsTransient(b.classify("put", "k", responseError(bloberror.ServerBusy, 503))))
		require.True(t, IsTransient(b.classify("put", "k", responseError(bloberror.OperationTimedOut, 500))))
	})

	t.Run("unrecognized 5xx is transient, 4xx permanent", func(t *testing.T) {
		require.True(t, IsTransient(b.classify("get", "k", &azcore.ResponseError{ErrorCode: "Mystery", StatusCode: 502})))
		require.False(t, IsTransient(b.classify("get", "k", &azcore.ResponseError{ErrorCode: "AuthorizationFailure", StatusCode: 403})))
	})

	t.Run("deadline exceeded falls back to the recoverability heuristics", func(t *testing.T) {
		require.True(t, IsTransient(b.classify("get", "k", context.DeadlineExceeded)))
	})
}
