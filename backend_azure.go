package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"

	"github.com/deepscale-ai/checkpoint/retry"
)

// AzureBackendOptions configures an Azure Blob Storage backend. Either
// ConnectionString or AccountName+AccountKey must be set; ServiceURL
// overrides the default endpoint for Azurite and sovereign clouds.
type AzureBackendOptions struct {
	ConnectionString string
	AccountName      string
	AccountKey       string
	ServiceURL       string
	Container        string
	// Prefix is prepended to every key, carving a namespace out of a
	// shared container.
	Prefix string
}

// AzureBackend stores keys as block blobs in one container. Conditional
// manifest writes map to ETag access conditions; renames are server-side
// copies followed by a delete.
type AzureBackend struct {
	client    *azblob.Client
	container string
	prefix    string
}

// NewAzureBackend creates an Azure Blob Storage backend.
func NewAzureBackend(opts AzureBackendOptions) (*AzureBackend, error) {
	if opts.Container == "" {
		return nil, fmt.Errorf("azure backend requires a container")
	}

	var client *azblob.Client
	var err error
	switch {
	case opts.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(opts.ConnectionString, nil)
	case opts.AccountName != "" && opts.AccountKey != "":
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(opts.AccountName, opts.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("failed to build shared key credential: %w", err)
		}
		serviceURL := opts.ServiceURL
		if serviceURL == "" {
			serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", opts.AccountName)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	default:
		return nil, fmt.Errorf("azure backend requires a connection string or account credentials")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create azure blob client: %w", err)
	}

	return &AzureBackend{
		client:    client,
		container: opts.Container,
		prefix:    strings.Trim(opts.Prefix, "/"),
	}, nil
}

func (b *AzureBackend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.UploadBuffer(ctx, b.container, b.fullKey(key), data, nil)
	if err != nil {
		return b.classify("put", key, err)
	}
	return nil
}

func (b *AzureBackend) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := b.client.DownloadStream(ctx, b.container, b.fullKey(key), nil)
	if err != nil {
		return nil, b.classify("get", key, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transientErr(b.Kind(), "get", key, err)
	}
	return data, nil
}

func (b *AzureBackend) List(ctx context.Context, prefix string) ([]string, error) {
	full := b.fullKey(prefix)
	pager := b.client.NewListBlobsFlatPager(b.container, &azblob.ListBlobsFlatOptions{
		Prefix: &full,
	})

	var keys []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, b.classify("list", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				keys = append(keys, b.trimKey(*item.Name))
			}
		}
	}
	return keys, nil
}

func (b *AzureBackend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteBlob(ctx, b.container, b.fullKey(key), nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return b.classify("delete", key, err)
	}
	return nil
}

func (b *AzureBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.blobClient(key).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return false, nil
		}
		return false, b.classify("exists", key, err)
	}
	return true, nil
}

// Rename is a server-side copy followed by a delete. The create-only claim
// rides the copy's destination access condition, so losing a claim race
// surfaces as ErrKeyExists without a separate existence probe.
func (b *AzureBackend) Rename(ctx context.Context, src, dst string, replace bool) error {
	srcClient := b.blobClient(src)
	dstClient := b.blobClient(dst)

	copyOpts := &blob.StartCopyFromURLOptions{}
	if !replace {
		copyOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: to.Ptr(azcore.ETag("*")),
			},
		}
	}
	_, err := dstClient.StartCopyFromURL(ctx, srcClient.URL(), copyOpts)
	if err != nil {
		switch {
		case bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.TargetConditionNotMet, bloberror.ConditionNotMet):
			return permanentErr(b.Kind(), "rename", dst, ErrKeyExists)
		case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.CannotVerifyCopySource):
			return permanentErr(b.Kind(), "rename", src, ErrKeyNotFound)
		default:
			return b.classify("rename", src, err)
		}
	}
	if err := b.waitForCopy(ctx, dst); err != nil {
		return err
	}
	return b.Delete(ctx, src)
}

// waitForCopy polls the destination until its pending server-side copy
// settles. Same-account copies of checkpoint-sized blobs settle quickly.
func (b *AzureBackend) waitForCopy(ctx context.Context, dst string) error {
	client := b.blobClient(dst)
	for {
		props, err := client.GetProperties(ctx, nil)
		if err != nil {
			return b.classify("rename", dst, err)
		}
		if props.CopyStatus == nil || *props.CopyStatus == blob.CopyStatusTypeSuccess {
			return nil
		}
		if *props.CopyStatus != blob.CopyStatusTypePending {
			return permanentErr(b.Kind(), "rename", dst,
				fmt.Errorf("copy ended with status %q", *props.CopyStatus))
		}
		select {
		case <-ctx.Done():
			return transientErr(b.Kind(), "rename", dst, ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (b *AzureBackend) GetWithRevision(ctx context.Context, key string) ([]byte, string, error) {
	resp, err := b.client.DownloadStream(ctx, b.container, b.fullKey(key), nil)
	if err != nil {
		return nil, "", b.classify("get", key, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", transientErr(b.Kind(), "get", key, err)
	}
	var etag string
	if resp.ETag != nil {
		etag = string(*resp.ETag)
	}
	return data, etag, nil
}

func (b *AzureBackend) PutIfMatch(ctx context.Context, key string, data []byte, expect string) (string, error) {
	conditions := &blob.ModifiedAccessConditions{}
	if expect == "" {
		conditions.IfNoneMatch = to.Ptr(azcore.ETag("*"))
	} else {
		conditions.IfMatch = to.Ptr(azcore.ETag(expect))
	}

	blockClient := b.blockBlobClient(key)
	resp, err := blockClient.Upload(ctx, streaming.NopCloser(bytes.NewReader(data)), &blockblob.UploadOptions{
		AccessConditions: &blob.AccessConditions{ModifiedAccessConditions: conditions},
	})
	if err != nil {
		if bloberror.HasCode(err, bloberror.ConditionNotMet, bloberror.BlobAlreadyExists, bloberror.TargetConditionNotMet) {
			return "", permanentErr(b.Kind(), "put", key, ErrRevisionMismatch)
		}
		return "", b.classify("put", key, err)
	}
	var etag string
	if resp.ETag != nil {
		etag = string(*resp.ETag)
	}
	return etag, nil
}

func (b *AzureBackend) Kind() string { return "azure-blob" }

func (b *AzureBackend) Close() error { return nil }

func (b *AzureBackend) blobClient(key string) *blob.Client {
	return b.client.ServiceClient().NewContainerClient(b.container).NewBlobClient(b.fullKey(key))
}

func (b *AzureBackend) blockBlobClient(key string) *blockblob.Client {
	return b.client.ServiceClient().NewContainerClient(b.container).NewBlockBlobClient(b.fullKey(key))
}

func (b *AzureBackend) fullKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

func (b *AzureBackend) trimKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, b.prefix+"/")
}

// classify maps an Azure Blob failure onto the backend error taxonomy.
func (b *AzureBackend) classify(op, key string, err error) error {
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound):
		return permanentErr(b.Kind(), op, key, fmt.Errorf("%w: blob not found", ErrKeyNotFound))
	case bloberror.HasCode(err, bloberror.ConditionNotMet, bloberror.TargetConditionNotMet):
		return permanentErr(b.Kind(), op, key, ErrRevisionMismatch)
	case bloberror.HasCode(err, bloberror.ServerBusy, bloberror.OperationTimedOut, bloberror.InternalError):
		return transientErr(b.Kind(), op, key, err)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode == 429 || respErr.StatusCode >= 500 {
			return transientErr(b.Kind(), op, key, err)
		}
		return permanentErr(b.Kind(), op, key, err)
	}
	if retry.IsRecoverable(err) {
		return transientErr(b.Kind(), op, key, err)
	}
	return permanentErr(b.Kind(), op, key, err)
}
