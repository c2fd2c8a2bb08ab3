// Package archive uploads ledger snapshots to S3-compatible object storage
// and reads the newest one back for a cold start without Postgres.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/evetabi/yesno/internal/config"
	"github.com/evetabi/yesno/internal/ledger"
	"github.com/klauspost/compress/gzip"
)

// ErrNoSnapshot is returned by Latest when the prefix holds no snapshot.
var ErrNoSnapshot = errors.New("archive: no snapshot")

// partSize is the S3 multipart minimum.
const partSize int64 = 5 * 1024 * 1024

// Archiver writes gzipped JSON snapshots under a key prefix.
type Archiver struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	log      *slog.Logger
}

// New builds an Archiver from cfg. Static credentials are used when an
// access key is configured, otherwise the default AWS chain.
func New(ctx context.Context, cfg config.S3Config, logger *slog.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive.New: bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive.New: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Archiver{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = partSize
		}),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    logger.With("component", "archive"),
	}, nil
}

// Health checks that the bucket is reachable.
func (a *Archiver) Health(ctx context.Context) error {
	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return fmt.Errorf("archive: bucket %s: %w", a.bucket, err)
	}
	return nil
}

// ObjectKey names the object holding snap. Keys sort by time, then seq.
func ObjectKey(prefix string, snap *ledger.Snapshot) string {
	t := snap.TakenAt.UTC()
	return fmt.Sprintf("%s%s/snapshot-%s-%020d.json.gz",
		prefix, t.Format("2006/01/02"), t.Format("20060102T150405Z"), snap.Seq)
}

// Upload stores snap and returns its key.
func (a *Archiver) Upload(ctx context.Context, snap *ledger.Snapshot) (string, error) {
	body, err := Encode(snap)
	if err != nil {
		return "", fmt.Errorf("archive.Upload: %w", err)
	}
	key := ObjectKey(a.prefix, snap)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return "", fmt.Errorf("archive.Upload %s: %w", key, err)
	}
	a.log.Info("snapshot archived", "key", key, "seq", snap.Seq, "bytes", len(body))
	return key, nil
}

// Latest downloads the snapshot with the greatest key under the prefix.
func (a *Archiver) Latest(ctx context.Context) (*ledger.Snapshot, error) {
	var latest string
	p := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("archive.Latest: list: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, ".json.gz") && key > latest {
				latest = key
			}
		}
	}
	if latest == "" {
		return nil, ErrNoSnapshot
	}

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(a.bucket), Key: aws.String(latest)})
	if err != nil {
		return nil, fmt.Errorf("archive.Latest: get %s: %w", latest, err)
	}
	defer out.Body.Close()
	snap, err := Decode(out.Body)
	if err != nil {
		return nil, fmt.Errorf("archive.Latest %s: %w", latest, err)
	}
	a.log.Info("snapshot loaded", "key", latest, "seq", snap.Seq)
	return snap, nil
}

// Encode gzips the JSON form of snap.
func Encode(snap *ledger.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(snap); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(r io.Reader) (*ledger.Snapshot, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()
	var snap ledger.Snapshot
	if err := json.NewDecoder(zr).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &snap, nil
}
