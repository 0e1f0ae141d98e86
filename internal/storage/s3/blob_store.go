// Package s3 provides a BlobStore backed by Amazon S3 or an S3-compatible service.
package s3

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config captures the bucket and connection parameters.
type Config struct {
	Bucket string
	Region string
	// Endpoint targets an S3-compatible service such as MinIO.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

type uploader interface {
	Upload(ctx context.Context, input *awss3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// BlobStore writes mirrored objects to an S3 bucket. Bodies of unknown length
// are uploaded in parts by the SDK upload manager.
type BlobStore struct {
	uploader uploader
	bucket   string
}

// New builds a BlobStore from the default AWS credential chain, overridden by
// static keys when both are set.
func New(ctx context.Context, cfg Config) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewWithUploader(manager.NewUploader(client), cfg.Bucket)
}

// NewWithUploader wraps an existing uploader (primarily for testing).
func NewWithUploader(u uploader, bucket string) (*BlobStore, error) {
	if u == nil {
		return nil, fmt.Errorf("uploader is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{uploader: u, bucket: bucket}, nil
}

// PutObject uploads body and returns an s3:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error) {
	key := strings.TrimPrefix(strings.TrimSpace(path), "/")
	if key == "" {
		return "", fmt.Errorf("path is required")
	}
	input := &awss3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return "", fmt.Errorf("upload s3://%s/%s: %w", s.bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
