// Package archive stores each raw collect batch in object storage so the
// material behind every content hash stays inspectable after the fact.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dmarchuk/curator/internal/clients"
)

// Store wraps MinIO/S3 interactions for raw batch snapshots.
type Store struct {
	client *minio.Client
	bucket string
	region string
}

// Options configures the archive backend.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
}

// New creates a MinIO-backed archive store.
func New(opts Options) (*Store, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Store{client: client, bucket: opts.Bucket, region: opts.Region}, nil
}

// EnsureBucket makes sure the archive bucket exists before use.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// StoreBatch uploads one raw batch as a JSON object keyed by cycle id.
func (s *Store) StoreBatch(ctx context.Context, cycleID string, items []clients.RawItem) error {
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	key := fmt.Sprintf("batches/%s/%s.json", time.Now().UTC().Format("2006-01-02"), cycleID)
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return fmt.Errorf("upload batch %s: %w", key, err)
	}
	return nil
}
