// Package archive stores verified webhook payloads for audit and replay
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/brandon/cotex-billing/internal/logger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Archiver persists a raw webhook body
type Archiver interface {
	Archive(ctx context.Context, provider, contentType string, payload []byte) (string, error)
}

// Nop discards payloads
type Nop struct{}

// Archive implements Archiver
func (Nop) Archive(context.Context, string, string, []byte) (string, error) { return "", nil }

// Config holds S3 settings. An empty Endpoint means AWS; anything else is
// treated as an S3-compatible store addressed path-style.
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// putter is the subset of the S3 client used here
type putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 writes payloads to <prefix>/<provider>/YYYY/MM/DD/<uuid>.<ext>
type S3 struct {
	client putter
	bucket string
	prefix string
	now    func() time.Time
	log    zerolog.Logger
}

// NewS3 builds an archiver from cfg. Static credentials are used when both
// keys are set, otherwise the default AWS credential chain.
func NewS3(ctx context.Context, cfg Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3(client putter, bucket, prefix string) *S3 {
	return &S3{
		client: client,
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
		log:    logger.Logger(map[string]interface{}{"component": "archive"}),
	}
}

// Archive implements Archiver and returns the object key
func (a *S3) Archive(ctx context.Context, provider, contentType string, payload []byte) (string, error) {
	ext := "json"
	if contentType == "application/x-www-form-urlencoded" {
		ext = "form"
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := path.Join(a.prefix, provider, a.now().UTC().Format("2006/01/02"), uuid.NewString()+"."+ext)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive %s webhook: %w", provider, err)
	}

	a.log.Debug().Str("provider", provider).Str("key", key).Int("bytes", len(payload)).Msg("Webhook payload archived")
	return key, nil
}
