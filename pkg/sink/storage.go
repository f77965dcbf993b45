package sink

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/utxo-ingest/pkg/client"
)

// StorageClient stores finished parquet segments under a key.
type StorageClient interface {
	Write(ctx context.Context, key string, data []byte) error
	Close() error
}

// StorageConfig selects and configures a StorageClient.
type StorageConfig struct {
	Type      string `mapstructure:"type"` // "FS", "GCS", "S3"
	LocalPath string `mapstructure:"local_path"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
}

var segmentMetadata = map[string]string{
	"format":    "parquet",
	"generator": "utxo-ingest",
	"table":     defaultTable,
}

// NewStorageClient creates the client named by cfg.Type.
func NewStorageClient(ctx context.Context, cfg StorageConfig) (StorageClient, error) {
	switch strings.ToUpper(cfg.Type) {
	case "FS", "":
		return NewLocalFSClient(cfg.LocalPath)
	case "GCS":
		return NewGCSClient(ctx, cfg.Bucket)
	case "S3":
		return NewS3Client(ctx, cfg.Bucket, cfg.Region)
	default:
		return nil, errors.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// LocalFSClient writes segments below a base directory.
type LocalFSClient struct {
	basePath string
}

// NewLocalFSClient creates basePath if needed. A leading "~/" is expanded.
func NewLocalFSClient(basePath string) (*LocalFSClient, error) {
	if basePath == "" {
		return nil, errors.New("local path cannot be empty")
	}
	if basePath == "~" || strings.HasPrefix(basePath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get home directory")
		}
		basePath = filepath.Join(home, strings.TrimPrefix(basePath, "~"))
	}
	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get absolute path")
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create base directory")
	}
	return &LocalFSClient{basePath: absPath}, nil
}

// Write stores data at key, replacing any previous segment atomically.
func (c *LocalFSClient) Write(_ context.Context, key string, data []byte) error {
	cleanKey := filepath.Clean(key)
	if filepath.IsAbs(cleanKey) {
		return errors.Errorf("absolute paths not allowed in key: %s", key)
	}
	fullPath := filepath.Join(c.basePath, cleanKey)
	rel, err := filepath.Rel(c.basePath, fullPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return errors.Errorf("invalid key path: %s", key)
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", key)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), filepath.Base(fullPath)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to write temporary file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to sync temporary file")
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to rename file")
	}
	return nil
}

func (c *LocalFSClient) Close() error { return nil }

// GCSClient writes segments to a Google Cloud Storage bucket.
type GCSClient struct {
	client *storage.Client
	bucket string
}

// NewGCSClient uses application default credentials and verifies the bucket.
func NewGCSClient(ctx context.Context, bucketName string) (*GCSClient, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GCS client")
	}
	if _, err := client.Bucket(bucketName).Attrs(ctx); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "failed to access bucket %s", bucketName)
	}
	return &GCSClient{client: client, bucket: bucketName}, nil
}

func (c *GCSClient) Write(ctx context.Context, key string, data []byte) error {
	w := c.client.Bucket(c.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.Metadata = segmentMetadata
	if _, err := w.Write(data); err != nil {
		w.Close()
		return errors.Wrapf(err, "failed to write to GCS object %s", key)
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "failed to close GCS writer for %s", key)
	}
	return nil
}

func (c *GCSClient) Close() error { return c.client.Close() }

// S3Client writes segments to an S3 bucket through the multipart uploader.
type S3Client struct {
	uploader *manager.Uploader
	bucket   string
}

// NewS3Client loads the default AWS credential chain and verifies the bucket.
func NewS3Client(ctx context.Context, bucketName, region string) (*S3Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithRetryMode(aws.RetryModeStandard),
		config.WithRetryMaxAttempts(3),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}
	client := s3.NewFromConfig(cfg)
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucketName)}); err != nil {
		return nil, errors.Wrapf(err, "failed to access bucket %s", bucketName)
	}
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 10 * 1024 * 1024
		u.Concurrency = 3
	})
	return &S3Client{uploader: uploader, bucket: bucketName}, nil
}

func (c *S3Client) Write(ctx context.Context, key string, data []byte) error {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(c.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String("application/octet-stream"),
		Metadata:     segmentMetadata,
		StorageClass: types.StorageClassStandard,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to upload to S3 %s/%s", c.bucket, key)
	}
	return nil
}

func (c *S3Client) Close() error { return nil }

// RetryableStorageClient retries failed writes with capped exponential backoff.
type RetryableStorageClient struct {
	client     StorageClient
	maxRetries int
	retryDelay time.Duration
	maxDelay   time.Duration
	sleep      client.Sleeper
	logger     *logrus.Entry
}

// NewRetryableStorageClient wraps c.
func NewRetryableStorageClient(c StorageClient, maxRetries int) *RetryableStorageClient {
	return &RetryableStorageClient{
		client:     c,
		maxRetries: maxRetries,
		retryDelay: time.Second,
		maxDelay:   30 * time.Second,
		sleep:      client.SleepContext,
		logger:     logrus.WithField("component", "storage"),
	}
}

func (r *RetryableStorageClient) Write(ctx context.Context, key string, data []byte) error {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			delay := client.Backoff(r.retryDelay, r.maxDelay, attempt-1)
			r.logger.Warnf("Retrying write of %s after %v (attempt %d/%d)", key, delay, attempt, r.maxRetries)
			if err := r.sleep(ctx, delay); err != nil {
				return err
			}
		}
		err := r.client.Write(ctx, key, data)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
	}
	return errors.Wrapf(lastErr, "failed after %d retries", r.maxRetries)
}

func (r *RetryableStorageClient) Close() error { return r.client.Close() }
