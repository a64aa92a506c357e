// Package gcs implements the Google Cloud Storage backend. Downloads use
// time-limited signed URLs generated via the GCS signing API; the server never
// proxies file content. Supports Application Default Credentials, service
// account JSON keys, and Workload Identity Federation for keyless
// authentication in GKE and GitHub Actions environments.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	appconfig "github.com/project-storage/project-storage/internal/config"
	appstorage "github.com/project-storage/project-storage/internal/storage"
	"github.com/project-storage/project-storage/pkg/checksum"
)

const chunkSize = 16 << 20

func init() {
	appstorage.Register("gcs", func(cfg *appconfig.Config) (appstorage.Backend, error) {
		return New(&cfg.Storage.GCS, &cfg.Storage.Object)
	})
}

// GCSStorage implements storage.Backend and storage.SignedURLProvider for Google Cloud Storage
type GCSStorage struct {
	client    *storage.Client
	bucket    string
	projectID string
}

// New creates a new Google Cloud Storage backend
//
// Authentication methods:
//   - "default" or empty: Uses Application Default Credentials (ADC)
//     This automatically supports:
//   - GOOGLE_APPLICATION_CREDENTIALS environment variable
//   - GCE/GKE metadata service
//   - Cloud Run/Cloud Functions service account
//   - gcloud auth application-default login
//   - "service_account": Uses a service account key file or JSON
//   - "workload_identity": Uses Workload Identity Federation (GKE, GitHub Actions, etc.)
func New(cfg *appconfig.GCSStorageConfig, obj *appconfig.ObjectStorageConfig) (*GCSStorage, error) {
	if obj.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	var opts []option.ClientOption

	// Set custom endpoint for GCS emulators or compatible services
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	authMethod := cfg.AuthMethod
	if authMethod == "" {
		if cfg.CredentialsFile != "" || cfg.CredentialsJSON != "" {
			authMethod = "service_account"
		} else {
			authMethod = "default"
		}
	}

	switch authMethod {
	case "service_account":
		if cfg.CredentialsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
		} else if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		} else {
			return nil, fmt.Errorf("credentials_file or credentials_json is required for service_account auth")
		}

	case "workload_identity", "default":
		// ADC resolves the credentials

	default:
		return nil, fmt.Errorf("unsupported auth_method: %s (must be 'default', 'service_account', or 'workload_identity')", authMethod)
	}

	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStorage{
		client:    client,
		bucket:    obj.Bucket,
		projectID: cfg.ProjectID,
	}, nil
}

// Name implements storage.Backend
func (s *GCSStorage) Name() string { return "gcs" }

// Write streams reader to the object through a resumable upload. A failed
// copy cancels the upload context so no partial object is finalized.
func (s *GCSStorage) Write(ctx context.Context, path string, reader io.Reader, size int64) (*appstorage.WriteResult, error) {
	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	obj := s.client.Bucket(s.bucket).Object(path)
	writer := obj.NewWriter(uploadCtx)
	writer.ChunkSize = chunkSize

	digest := checksum.NewDigest()
	written, err := io.Copy(writer, digest.Tee(reader))
	if err == nil && size >= 0 && written != size {
		err = fmt.Errorf("short write: got %d of %d bytes", written, size)
	}
	if err != nil {
		cancel()
		_ = writer.Close()
		return nil, fmt.Errorf("failed to upload to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close GCS writer: %w", err)
	}

	sum := digest.Sum()
	if _, err := obj.Update(ctx, storage.ObjectAttrsToUpdate{
		Metadata: map[string]string{"sha256": sum},
	}); err != nil {
		// the object is stored; only the checksum annotation is missing
		slog.Warn("failed to set object checksum metadata", "path", path, "error", err)
	}

	return &appstorage.WriteResult{Path: path, Size: written, Checksum: sum}, nil
}

// CopyIn uploads an existing local file
func (s *GCSStorage) CopyIn(ctx context.Context, path string, src string) (*appstorage.WriteResult, error) {
	return appstorage.CopyFile(ctx, s, path, src)
}

// Read returns the full object content
func (s *GCSStorage) Read(ctx context.Context, path string) ([]byte, error) {
	reader, err := s.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read from GCS: %w", err)
	}
	return data, nil
}

// Open returns a reader over the object
func (s *GCSStorage) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	reader, err := s.client.Bucket(s.bucket).Object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", appstorage.ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read from GCS: %w", err)
	}
	return reader, nil
}

// Delete removes the object, reporting false when it did not exist
func (s *GCSStorage) Delete(ctx context.Context, path string) (bool, error) {
	if err := s.client.Bucket(s.bucket).Object(path).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return true, nil
}

// Exists checks if an object exists at the specified path
func (s *GCSStorage) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(path).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// SignedURL returns a V4 signed GET URL for the object.
// Signing requires a service account key or the iam.serviceAccountTokenCreator role.
func (s *GCSStorage) SignedURL(_ context.Context, path string, ttl time.Duration) (string, error) {
	url, err := s.client.Bucket(s.bucket).SignedURL(path, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate signed URL: %w", err)
	}
	return url, nil
}

// List iterates the objects under groupDir and yields the file ids.
func (s *GCSStorage) List(ctx context.Context, groupDir string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
			Prefix: strings.TrimSuffix(groupDir, "/") + "/",
		})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("failed to list objects: %w", err))
				return
			}
			id := path.Base(attrs.Name)
			if !appstorage.IsFileID(id) {
				continue
			}
			if !yield(id, nil) {
				return
			}
		}
	}
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *GCSStorage) EnsureBucket(ctx context.Context) error {
	bucket := s.client.Bucket(s.bucket)

	_, err := bucket.Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	if s.projectID == "" {
		return fmt.Errorf("project_id is required to create a bucket")
	}
	if err := bucket.Create(ctx, s.projectID, nil); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}
