// Package archive writes ledger snapshots to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/atmx/pool-ledger/internal/metrics"
	"github.com/atmx/pool-ledger/internal/model"
)

// S3Config selects the bucket and endpoint. Endpoint is empty for AWS and
// set for MinIO, R2 and similar providers.
type S3Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
	Prefix         string
}

// Snapshotter produces a consistent copy of the ledger.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*model.LedgerSnapshot, error)
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads snapshots as JSON objects keyed by date.
type Archiver struct {
	src    Snapshotter
	s3     objectPutter
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Client builds an S3 client from static credentials.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("archive: region is required")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if u, err := url.Parse(endpoint); err != nil || u.Scheme == "" {
			endpoint = "https://" + endpoint
		}
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(endpoint) })
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// New creates an archiver writing into bucket under prefix.
func New(src Snapshotter, client objectPutter, bucket, prefix string) *Archiver {
	if prefix == "" {
		prefix = "snapshots"
	}
	return &Archiver{src: src, s3: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// Archive takes a snapshot and uploads it, returning the object key.
func (a *Archiver) Archive(ctx context.Context) (string, error) {
	key, err := a.archive(ctx)
	metrics.SnapshotsArchived.WithLabelValues(metrics.Result(err)).Inc()
	return key, err
}

func (a *Archiver) archive(ctx context.Context) (string, error) {
	snap, err := a.src.Snapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("take snapshot: %w", err)
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	key := a.key()
	_, err = a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %v: %w", a.bucket, key, err, model.ErrExternalCall)
	}
	slog.Info("snapshot archived",
		"bucket", a.bucket,
		"key", key,
		"accounts", len(snap.Accounts),
		"positions", len(snap.Positions),
		"bytes", len(body),
	)
	return key, nil
}

func (a *Archiver) key() string {
	return fmt.Sprintf("%s/%s/%s.json", a.prefix, a.now().UTC().Format("2006/01/02"), uuid.NewString())
}

// Run archives every interval until ctx is done. Failures are logged and
// retried on the next tick.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.Archive(ctx); err != nil && ctx.Err() == nil {
				slog.Error("snapshot archive failed", "err", err)
			}
		}
	}
}
