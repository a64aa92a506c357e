// Package azure implements the Azure Blob Storage backend. The deployment
// bucket maps to a blob container. Downloads are served via time-limited SAS
// (Shared Access Signature) URLs generated on demand rather than proxied
// through the server.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"github.com/project-storage/project-storage/internal/config"
	"github.com/project-storage/project-storage/internal/storage"
	"github.com/project-storage/project-storage/pkg/checksum"
)

const defaultSingleUploadLimit = 64 << 20

func init() {
	storage.Register("azure", func(cfg *config.Config) (storage.Backend, error) {
		return New(&cfg.Storage.Azure, &cfg.Storage.Object)
	})
}

// AzureStorage implements storage.Backend and storage.SignedURLProvider for Azure Blob Storage
type AzureStorage struct {
	client        *azblob.Client
	credential    *azblob.SharedKeyCredential
	serviceURL    string
	containerName string
	singleLimit   int64
}

// New creates a new Azure Blob Storage backend
func New(cfg *config.AzureStorageConfig, obj *config.ObjectStorageConfig) (*AzureStorage, error) {
	if cfg.AccountName == "" {
		return nil, fmt.Errorf("azure storage account name is required")
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure storage account key is required")
	}
	if obj.Bucket == "" {
		return nil, fmt.Errorf("azure storage container name is required")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	serviceURL := cfg.Endpoint
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}

	limit := obj.MultipartThreshold
	if limit <= 0 {
		limit = defaultSingleUploadLimit
	}

	return &AzureStorage{
		client:        client,
		credential:    credential,
		serviceURL:    strings.TrimSuffix(serviceURL, "/"),
		containerName: obj.Bucket,
		singleLimit:   limit,
	}, nil
}

// Name implements storage.Backend
func (s *AzureStorage) Name() string { return "azure" }

func (s *AzureStorage) containerClient() *container.Client {
	return s.client.ServiceClient().NewContainerClient(s.containerName)
}

// Write stores reader as a block blob. Small payloads of known size are sent in
// one request with the checksum in blob metadata; everything else is streamed
// in blocks and the checksum is attached once the stream is committed.
func (s *AzureStorage) Write(ctx context.Context, path string, reader io.Reader, size int64) (*storage.WriteResult, error) {
	blobClient := s.containerClient().NewBlockBlobClient(path)
	digest := checksum.NewDigest()

	if size >= 0 && size <= s.singleLimit {
		data, err := io.ReadAll(digest.Tee(reader))
		if err != nil {
			return nil, fmt.Errorf("failed to read data: %w", err)
		}
		if int64(len(data)) != size {
			return nil, fmt.Errorf("short write: got %d of %d bytes", len(data), size)
		}
		sum := digest.Sum()
		_, err = blobClient.Upload(ctx, streaming.NopCloser(bytes.NewReader(data)), &blockblob.UploadOptions{
			Metadata: map[string]*string{"sha256": &sum},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to upload to Azure Blob: %w", err)
		}
		return &storage.WriteResult{Path: path, Size: digest.Size(), Checksum: sum}, nil
	}

	src := &sizedReader{r: digest.Tee(reader), want: size}
	if _, err := blobClient.UploadStream(ctx, src, nil); err != nil {
		return nil, fmt.Errorf("failed to upload to Azure Blob: %w", err)
	}
	sum := digest.Sum()
	if _, err := blobClient.SetMetadata(ctx, map[string]*string{"sha256": &sum}, nil); err != nil {
		return nil, fmt.Errorf("failed to set blob metadata: %w", err)
	}
	return &storage.WriteResult{Path: path, Size: digest.Size(), Checksum: sum}, nil
}

// CopyIn uploads an existing local file
func (s *AzureStorage) CopyIn(ctx context.Context, path string, src string) (*storage.WriteResult, error) {
	return storage.CopyFile(ctx, s, path, src)
}

// Read returns the full blob content
func (s *AzureStorage) Read(ctx context.Context, path string) ([]byte, error) {
	body, err := s.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Open returns the blob body
func (s *AzureStorage) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	resp, err := s.containerClient().NewBlobClient(path).DownloadStream(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to download from Azure Blob: %w", err)
	}
	return resp.Body, nil
}

// Delete removes the blob, reporting false when it did not exist
func (s *AzureStorage) Delete(ctx context.Context, path string) (bool, error) {
	_, err := s.containerClient().NewBlobClient(path).Delete(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete from Azure Blob: %w", err)
	}
	return true, nil
}

// Exists checks if a blob exists at the specified path
func (s *AzureStorage) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.containerClient().NewBlobClient(path).GetProperties(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get blob properties: %w", err)
	}
	return true, nil
}

// SignedURL returns a read-only SAS URL for the blob
func (s *AzureStorage) SignedURL(_ context.Context, path string, ttl time.Duration) (string, error) {
	protocol := sas.ProtocolHTTPS
	if strings.HasPrefix(s.serviceURL, "http://") {
		protocol = sas.ProtocolHTTPSandHTTP
	}

	now := time.Now().UTC()
	params, err := sas.BlobSignatureValues{
		Protocol:      protocol,
		StartTime:     now.Add(-5 * time.Minute), // clock skew
		ExpiryTime:    now.Add(ttl),
		Permissions:   (&sas.BlobPermissions{Read: true}).String(),
		ContainerName: s.containerName,
		BlobName:      path,
	}.SignWithSharedKey(s.credential)
	if err != nil {
		return "", fmt.Errorf("failed to generate SAS token: %w", err)
	}

	return fmt.Sprintf("%s/%s/%s?%s", s.serviceURL, s.containerName, escapeBlobPath(path), params.Encode()), nil
}

// List pages through the blobs under groupDir and yields the file ids.
func (s *AzureStorage) List(ctx context.Context, groupDir string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		prefix := strings.TrimSuffix(groupDir, "/") + "/"
		pager := s.client.NewListBlobsFlatPager(s.containerName, &azblob.ListBlobsFlatOptions{
			Prefix: &prefix,
		})
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				if bloberror.HasCode(err, bloberror.ContainerNotFound) {
					return
				}
				yield("", fmt.Errorf("failed to list blobs: %w", err))
				return
			}
			if page.Segment == nil {
				continue
			}
			for _, item := range page.Segment.BlobItems {
				if item == nil || item.Name == nil {
					continue
				}
				id := path.Base(*item.Name)
				if !storage.IsFileID(id) {
					continue
				}
				if !yield(id, nil) {
					return
				}
			}
		}
	}
}

// EnsureBucket creates the container if it doesn't exist
func (s *AzureStorage) EnsureBucket(ctx context.Context) error {
	_, err := s.containerClient().Create(ctx, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("failed to create container: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func escapeBlobPath(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// sizedReader fails the stream at EOF when fewer bytes than declared arrived,
// so the block list is never committed for a truncated upload.
type sizedReader struct {
	r    io.Reader
	want int64
	n    int64
}

func (s *sizedReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.n += int64(n)
	if errors.Is(err, io.EOF) && s.want >= 0 && s.n != s.want {
		return n, fmt.Errorf("short write: got %d of %d bytes", s.n, s.want)
	}
	return n, err
}
