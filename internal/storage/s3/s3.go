// Package s3 implements the S3-compatible object storage backend. It supports
// AWS S3, MinIO and other S3-compatible services via a configurable endpoint.
// Downloads go through pre-signed URLs so file traffic stays off the server.
// Authentication supports the default AWS credential chain, static keys, OIDC
// web identity and AssumeRole.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	appconfig "github.com/project-storage/project-storage/internal/config"
	"github.com/project-storage/project-storage/internal/storage"
	"github.com/project-storage/project-storage/pkg/checksum"
)

const (
	defaultMultipartThreshold = 64 << 20
	// partSize is the multipart chunk size; S3 requires at least 5 MiB per part.
	partSize = 8 << 20
)

func init() {
	storage.Register("s3", func(cfg *appconfig.Config) (storage.Backend, error) {
		return New(&cfg.Storage.S3, &cfg.Storage.Object)
	})
}

// S3Storage implements storage.Backend and storage.SignedURLProvider for S3-compatible storage
type S3Storage struct {
	client             *s3.Client
	presignClient      *s3.PresignClient
	bucket             string
	region             string
	multipartThreshold int64
}

// New creates a new S3-compatible storage backend for the deployment bucket.
//
// Authentication methods:
//   - "default" or empty: AWS default credential chain (env vars, shared config, IAM role, IMDS)
//   - "static": explicit access key and secret key
//   - "oidc": Web Identity/OIDC token (EKS, GitHub Actions, etc.)
//   - "assume_role": assume an IAM role (optionally with external ID for cross-account)
func New(cfg *appconfig.S3StorageConfig, obj *appconfig.ObjectStorageConfig) (*S3Storage, error) {
	if obj.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}

	awsCfg, err := loadAWSConfig(cfg)
	if err != nil {
		return nil, err
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// S3-compatible services expect path-style addressing and
			// reject the default trailing checksums.
			o.UsePathStyle = true
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	threshold := obj.MultipartThreshold
	if threshold <= 0 {
		threshold = defaultMultipartThreshold
	}

	return &S3Storage{
		client:             client,
		presignClient:      s3.NewPresignClient(client),
		bucket:             obj.Bucket,
		region:             cfg.Region,
		multipartThreshold: threshold,
	}, nil
}

func loadAWSConfig(cfg *appconfig.S3StorageConfig) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}

	authMethod := cfg.AuthMethod
	if authMethod == "" {
		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			authMethod = "static"
		} else {
			authMethod = "default"
		}
	}

	switch authMethod {
	case "static":
		if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
			return aws.Config{}, fmt.Errorf("access_key_id and secret_access_key are required for static auth")
		}
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	case "oidc", "assume_role", "default":
		// oidc and assume_role wrap the base config below
	default:
		return aws.Config{}, fmt.Errorf("unsupported auth_method: %s (must be 'default', 'static', 'oidc', or 'assume_role')", authMethod)
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	switch authMethod {
	case "oidc":
		if cfg.RoleARN == "" {
			return aws.Config{}, fmt.Errorf("role_arn is required for OIDC auth")
		}
		if cfg.WebIdentityTokenFile == "" {
			return aws.Config{}, fmt.Errorf("web_identity_token_file is required for OIDC auth")
		}
		var webIdentityOpts []func(*stscreds.WebIdentityRoleOptions)
		if cfg.RoleSessionName != "" {
			webIdentityOpts = append(webIdentityOpts, func(o *stscreds.WebIdentityRoleOptions) {
				o.RoleSessionName = cfg.RoleSessionName
			})
		}
		provider := stscreds.NewWebIdentityRoleProvider(
			sts.NewFromConfig(awsCfg),
			cfg.RoleARN,
			stscreds.IdentityTokenFile(cfg.WebIdentityTokenFile),
			webIdentityOpts...,
		)
		awsCfg.Credentials = aws.NewCredentialsCache(provider)

	case "assume_role":
		if cfg.RoleARN == "" {
			return aws.Config{}, fmt.Errorf("role_arn is required for assume_role auth")
		}
		var assumeRoleOpts []func(*stscreds.AssumeRoleOptions)
		if cfg.RoleSessionName != "" {
			assumeRoleOpts = append(assumeRoleOpts, func(o *stscreds.AssumeRoleOptions) {
				o.RoleSessionName = cfg.RoleSessionName
			})
		}
		if cfg.ExternalID != "" {
			assumeRoleOpts = append(assumeRoleOpts, func(o *stscreds.AssumeRoleOptions) {
				o.ExternalID = aws.String(cfg.ExternalID)
			})
		}
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(awsCfg), cfg.RoleARN, assumeRoleOpts...)
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
	}

	return awsCfg, nil
}

// Name implements storage.Backend
func (s *S3Storage) Name() string { return "s3" }

// Write stores reader under key. Payloads of known size up to the multipart
// threshold are sent in one PUT; everything else goes multipart.
func (s *S3Storage) Write(ctx context.Context, key string, reader io.Reader, size int64) (*storage.WriteResult, error) {
	if size < 0 || size > s.multipartThreshold {
		return s.writeMultipart(ctx, key, reader)
	}

	digest := checksum.NewDigest()
	data, err := io.ReadAll(digest.Tee(reader))
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("short write: got %d of %d bytes", len(data), size)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata: map[string]string{
			"sha256": digest.Sum(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to S3: %w", err)
	}

	return &storage.WriteResult{Path: key, Size: digest.Size(), Checksum: digest.Sum()}, nil
}

func (s *S3Storage) writeMultipart(ctx context.Context, key string, reader io.Reader) (*storage.WriteResult, error) {
	createResp, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart upload: %w", err)
	}
	uploadID := createResp.UploadId

	abort := func() {
		// a fresh context: the caller's may be the reason we are aborting
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, _ = s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		})
	}

	digest := checksum.NewDigest()
	src := digest.Tee(reader)
	var completedParts []types.CompletedPart
	partNumber := int32(1)

	buf := make([]byte, partSize)
	for {
		n, readErr := io.ReadFull(src, buf)
		if n > 0 || partNumber == 1 {
			partResp, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:        aws.String(s.bucket),
				Key:           aws.String(key),
				UploadId:      uploadID,
				PartNumber:    aws.Int32(partNumber),
				Body:          bytes.NewReader(buf[:n]),
				ContentLength: aws.Int64(int64(n)),
			})
			if err != nil {
				abort()
				return nil, fmt.Errorf("failed to upload part %d: %w", partNumber, err)
			}
			completedParts = append(completedParts, types.CompletedPart{
				ETag:       partResp.ETag,
				PartNumber: aws.Int32(partNumber),
			})
			partNumber++
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			abort()
			return nil, fmt.Errorf("failed to read data: %w", readErr)
		}
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	})
	if err != nil {
		abort()
		return nil, fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	return &storage.WriteResult{Path: key, Size: digest.Size(), Checksum: digest.Sum()}, nil
}

// CopyIn uploads an existing local file
func (s *S3Storage) CopyIn(ctx context.Context, key string, src string) (*storage.WriteResult, error) {
	return storage.CopyFile(ctx, s, key, src)
}

// Read returns the full object content
func (s *S3Storage) Read(ctx context.Context, key string) ([]byte, error) {
	body, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// Open returns the object body
func (s *S3Storage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	return result.Body, nil
}

// Delete removes the object, reporting false when it did not exist
func (s *S3Storage) Delete(ctx context.Context, key string) (bool, error) {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete from S3: %w", err)
	}
	return true, nil
}

// Exists checks if an object exists under key
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// SignedURL returns a presigned GET URL for key
func (s *S3Storage) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	request, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return request.URL, nil
}

// List pages through the keys under groupDir and yields the file ids.
func (s *S3Storage) List(ctx context.Context, groupDir string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(strings.TrimSuffix(groupDir, "/") + "/"),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield("", fmt.Errorf("failed to list objects: %w", err))
				return
			}
			for _, obj := range page.Contents {
				if obj.Key == nil {
					continue
				}
				id := path.Base(*obj.Key)
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

// EnsureBucket creates the bucket if it doesn't exist
func (s *S3Storage) EnsureBucket(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err == nil {
		return nil
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	// us-east-1 rejects an explicit location constraint
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
