// Package s3archive keeps raw processor webhook payloads in an S3 compatible
// bucket for reconciliation.
package s3archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PixelForge/internal/pkg/config"
)

type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Client wraps the S3 client with archive-specific functionality
type Client struct {
	api    objectAPI
	bucket string
	prefix string
	now    func() time.Time
}

// NewClient creates a new archive client and checks that the bucket is reachable
func NewClient(ctx context.Context, cfg config.ArchiveConfig) (*Client, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("archive bucket is not configured")
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	client := newClient(s3Client, cfg.BucketName, cfg.Prefix)
	if _, err := s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.BucketName)}); err != nil {
		return nil, fmt.Errorf("bucket %s not accessible: %w", cfg.BucketName, err)
	}

	log.Infof("[S3Archive] Archiving webhook payloads to bucket: %s", cfg.BucketName)
	return client, nil
}

func newClient(api objectAPI, bucket, prefix string) *Client {
	return &Client{
		api:    api,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		now:    time.Now,
	}
}

// ObjectKey returns the key of a webhook payload.
// Format: <prefix>/<provider>/YYYY/MM/DD/<event id>.json
func (c *Client) ObjectKey(provider, eventID string, at time.Time) string {
	at = at.UTC()
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(eventID) + ".json"
	return path.Join(c.prefix, provider, fmt.Sprintf("%04d/%02d/%02d", at.Year(), at.Month(), at.Day()), name)
}

// ArchiveWebhook stores one raw payload.
func (c *Client) ArchiveWebhook(ctx context.Context, provider, eventID string, payload []byte) error {
	key := c.ObjectKey(provider, eventID, c.now())

	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(payload))),
		Metadata: map[string]string{
			"provider": provider,
			"event-id": eventID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to archive webhook %s/%s: %w", provider, eventID, err)
	}

	log.Debugf("[S3Archive] Archived s3://%s/%s", c.bucket, key)
	return nil
}
