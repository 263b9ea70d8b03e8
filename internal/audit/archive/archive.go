// Package archive uploads rotated audit journal segments to S3-compatible
// object storage.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ChuLiYu/assignment-scheduler/internal/audit/journal"
)

// Uploader is the subset of *s3.Client used here.
type Uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds construction parameters. Empty credentials fall back to the
// default AWS credential chain.
type Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"` // optional, e.g. MinIO
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	PathStyle       bool   `yaml:"path_style"`
	KeepLocal       bool   `yaml:"keep_local"`
}

// NewS3Client builds an S3 client from cfg.
func NewS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Archiver compresses a journal segment and stores it under
// <prefix>/<yyyy>/<mm>/<dd>/<segment>.gz.
type Archiver struct {
	client    Uploader
	bucket    string
	prefix    string
	keepLocal bool
	now       func() time.Time
	log       *slog.Logger
}

// New returns an Archiver that writes with client.
func New(client Uploader, cfg Config) (*Archiver, error) {
	if client == nil {
		return nil, errors.New("archive: nil client")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("archive: bucket required")
	}
	return &Archiver{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		keepLocal: cfg.KeepLocal,
		now:       time.Now,
		log:       slog.Default().With("component", "archive"),
	}, nil
}

// Key returns the object key a segment is uploaded to.
func (a *Archiver) Key(segment string) string {
	day := a.now().UTC().Format("2006/01/02")
	return path.Join(a.prefix, day, filepath.Base(segment)+".gz")
}

// Upload stores segment and, unless KeepLocal is set, removes the local file.
// The segment's checksums are verified before anything is uploaded.
func (a *Archiver) Upload(ctx context.Context, segment string) (string, error) {
	stats, err := journal.GetStats(segment)
	if err != nil {
		return "", fmt.Errorf("archive: scan %s: %w", segment, err)
	}
	if stats.CorruptedCount > 0 {
		return "", fmt.Errorf("archive: %s has %d corrupted events", segment, stats.CorruptedCount)
	}

	var body bytes.Buffer
	if err := journal.Compress(segment, &body); err != nil {
		return "", fmt.Errorf("archive: compress %s: %w", segment, err)
	}
	sum := sha256.Sum256(body.Bytes())

	key := a.Key(segment)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body.Bytes()),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
		Metadata: map[string]string{
			"first-seq": strconv.FormatUint(stats.FirstSeq, 10),
			"last-seq":  strconv.FormatUint(stats.LastSeq, 10),
			"events":    strconv.Itoa(stats.TotalEvents),
			"sha256":    hex.EncodeToString(sum[:]),
		},
	})
	if err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}
	a.log.Info("Journal segment archived", "bucket", a.bucket, "key", key, "events", stats.TotalEvents)

	if !a.keepLocal {
		if err := os.Remove(segment); err != nil && !os.IsNotExist(err) {
			a.log.Warn("Failed to remove archived segment", "segment", segment, "error", err)
		}
	}
	return key, nil
}
