// Package s3 provides an S3/MinIO archive sink. It is not a primary
// store: the server periodically uploads archives here for off-site
// recovery, keeping one timestamped copy per upload plus a "current"
// pointer object.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/pweids/cairo/internal/logging"
	"github.com/pweids/cairo/internal/metrics"
	"github.com/pweids/cairo/internal/store/codec"
)

const currentKey = "archives/current.cairo"

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Archiver uploads archives to an S3 bucket.
type Archiver struct {
	client *s3.Client
	bucket string
}

// New creates an Archiver and verifies the bucket exists, creating it
// when possible.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
			}, nil
		},
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	a := &Archiver{client: client, bucket: cfg.Bucket}
	if err := a.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.Error(err))
	}
	return a, nil
}

func (a *Archiver) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.bucket),
	})
	if err != nil {
		_, createErr := a.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(a.bucket),
		})
		if createErr != nil {
			metrics.RecordStoreOperation("s3", "create_bucket", time.Since(start), false)
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", a.bucket, createErr)
		}
		metrics.RecordStoreOperation("s3", "create_bucket", time.Since(start), true)
		logging.Info("created S3 bucket", zap.String("bucket", a.bucket))
	}
	return nil
}

// Upload stores the archive under a timestamped key and updates the
// "current" pointer object.
func (a *Archiver) Upload(ctx context.Context, archive *codec.Archive) error {
	start := time.Now()

	data, err := codec.Marshal(archive)
	if err != nil {
		metrics.RecordStoreOperation("s3", "upload", time.Since(start), false)
		return err
	}

	stamped := fmt.Sprintf("archives/%s.cairo", archive.SavedAt.UTC().Format("20060102T150405.000"))
	for _, key := range []string{stamped, currentKey} {
		_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(a.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		if err != nil {
			metrics.RecordStoreOperation("s3", "upload", time.Since(start), false)
			return fmt.Errorf("put object %s: %w", key, err)
		}
	}

	metrics.RecordStoreOperation("s3", "upload", time.Since(start), true)
	logging.Debug("archive uploaded",
		zap.String("key", stamped),
		zap.Int("bytes", len(data)))
	return nil
}

// Fetch downloads the current archive, or codec.ErrNotFound if none
// has been uploaded.
func (a *Archiver) Fetch(ctx context.Context) (*codec.Archive, error) {
	start := time.Now()

	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(currentKey),
	})
	if err != nil {
		metrics.RecordStoreOperation("s3", "fetch", time.Since(start), false)
		return nil, codec.ErrNotFound
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		metrics.RecordStoreOperation("s3", "fetch", time.Since(start), false)
		return nil, fmt.Errorf("read archive body: %w", err)
	}

	archive, err := codec.Unmarshal(data)
	if err != nil {
		metrics.RecordStoreOperation("s3", "fetch", time.Since(start), false)
		return nil, err
	}

	metrics.RecordStoreOperation("s3", "fetch", time.Since(start), true)
	return archive, nil
}
