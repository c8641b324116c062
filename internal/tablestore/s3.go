package tablestore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config holds S3-compatible object storage settings.
type S3Config struct {
	Endpoint        string `koanf:"endpoint"`
	Bucket          string `koanf:"bucket"`
	Prefix          string `koanf:"prefix"`
	Region          string `koanf:"region"`
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
	UseSSL          bool   `koanf:"use_ssl"`
}

// S3 fetches tables from <bucket>/<prefix>/<name>.csv.
type S3 struct {
	mc     *minio.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3 creates an S3 store.
func NewS3(cfg S3Config, logger *slog.Logger) (*S3, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 store needs an endpoint and a bucket")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &S3{mc: mc, bucket: cfg.Bucket, prefix: cfg.Prefix, logger: logger}, nil
}

// Key returns the object key of a table.
func (s *S3) Key(name string) string {
	return path.Join(s.prefix, ObjectName(name))
}

// Fetch implements Store.
func (s *S3) Fetch(ctx context.Context, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, &FetchError{Table: name, Location: "s3://" + s.bucket + "/" + s.prefix, Err: err}
	}
	key := s.Key(name)
	loc := "s3://" + s.bucket + "/" + key

	obj, err := s.mc.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.fetchError(name, loc, err)
	}
	defer func() { _ = obj.Close() }()

	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.fetchError(name, loc, err)
	}
	s.logger.Debug("fetched object", "bucket", s.bucket, "key", key, "bytes", len(body))
	return body, nil
}

func (s *S3) fetchError(name, loc string, err error) error {
	resp := minio.ToErrorResponse(err)
	fe := &FetchError{Table: name, Location: loc, Status: resp.StatusCode, Err: err}
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
		fe.Err = fmt.Errorf("%w: %s", ErrNotFound, resp.Message)
	}
	return fe
}
