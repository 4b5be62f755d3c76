package checkpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"
)

func TestNewS3BackendRequiresBucket(t *testing.T) {
	_, err := NewS3Backend(context.Background(), S3BackendOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "bucket")
}

func TestS3KeyMapping(t *testing.T) {
	t.Run("with prefix", func(t *testing.T) {
		b := &S3Backend{bucket: "ckpts", prefix: "team/models"}
		require.Equal(t, "team/models/resnet50/1.bin", b.fullKey("resnet50/1.bin"))
		require.Equal(t, "resnet50/1.bin", b.trimKey("team/models/resnet50/1.bin"))
	})

	t.Run("without prefix", func(t *testing.T) {
		b := &S3Backend{bucket: "ckpts"}
		require.Equal(t, "resnet50/1.bin", b.fullKey("resnet50/1.bin"))
		require.Equal(t, "resnet50/1.bin", b.trimKey("resnet50/1.bin"))
	})
}

func TestS3ErrorClassification(t *testing.T) {
	b := &S3Backend{bucket: "ckpts"}

	apiError := func(code string) error {
		return &smithy.GenericAPIError{Code: code, Message: code}
	}

	t.Run("missing object maps to the not-found sentinel", func(t *testing.T) {
		err := b.classify("get", "model/9.bin", apiError("NoSuchKey"))
		require.ErrorIs(t, err, ErrKeyNotFound)
		require.False(t, IsTransient(err))
	})

	t.Run("failed precondition maps to revision mismatch", func(t *testing.T) {
		err := b.classify("put", "model/.manifest/manifest.json", apiError("PreconditionFailed"))
		require.ErrorIs(t, err, ErrRevisionMismatch)
		require.False(t, IsTransient(err))
	})

	t.Run("throttling is transient", func(t *testing.T) {
		for _, code := range []string{"SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable"} {
			require.True(t, IsTransient(b.classify("put", "k", apiError(code))), code)
		}
	})

	t.Run("auth failures are permanent", func(t *testing.T) {
		for _, code := range []string{"AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch"} {
			require.False(t, IsTransient(b.classify("get", "k", apiError(code))), code)
		}
	})

	t.Run("deadline exceeded falls back to the recoverability heuristics", func(t *testing.T) {
		require.True(t, IsTransient(b.classify("get", "k", context.DeadlineExceeded)))
	})

	t.Run("unknown errors are permanent", func(t *testing.T) {
		err := b.classify("get", "k", errors.New("boom"))
		require.False(t, IsTransient(err))

		var be *BackendError
		require.ErrorAs(t, err, &be)
		require.Equal(t, "s3", be.Backend)
		require.Equal(t, "get", be.Op)
	})
}
