package download

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/epubpress/courier/internal/config"
	"go.uber.org/zap"
)

// ObjectPutter is the part of the S3 API the bucket sink needs
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// BucketDownloader stores books in an S3-compatible bucket
type BucketDownloader struct {
	s3     ObjectPutter
	bucket string
	prefix string
	client *http.Client
	log    *zap.Logger
}

// NewS3Client builds an S3 client from cfg. Static credentials are used when
// given, otherwise the default AWS chain.
func NewS3Client(ctx context.Context, cfg *config.S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func NewBucketDownloader(s3Client ObjectPutter, cfg *config.S3Config, client *http.Client, log *zap.Logger) *BucketDownloader {
	return &BucketDownloader{
		s3:     s3Client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		client: client,
		log:    log.Named("download.s3"),
	}
}

// Key is the object key a filename is stored under
func (d *BucketDownloader) Key(filename string) string {
	return path.Join(d.prefix, SanitizeFilename(filename))
}

func (d *BucketDownloader) Download(ctx context.Context, req Request) error {
	body, err := fetch(ctx, d.client, req.URL)
	if err != nil {
		return err
	}
	defer body.Close()

	// PutObject needs a seekable body to sign the payload
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read download: %w", err)
	}

	key := d.Key(req.Filename)
	contentType := mime.TypeByExtension(filepath.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = d.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to bucket: %w", err)
	}

	d.log.Info("book uploaded", zap.String("bucket", d.bucket), zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}
