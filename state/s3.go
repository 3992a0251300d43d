package state

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Options locates the session state object in an S3-compatible bucket.
type S3Options struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Key             string
	UseSSL          bool
	// Region skips the bucket location lookup when set.
	Region string
}

// S3Store keeps the session state as a single object, for deployments
// without a persistent volume.
type S3Store struct {
	client *minio.Client
	bucket string
	key    string
}

func NewS3Store(opts S3Options) (*S3Store, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("state bucket is empty")
	}
	key := strings.TrimPrefix(opts.Key, "/")
	if key == "" {
		key = "storageState.json"
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return &S3Store{client: client, bucket: opts.Bucket, key: key}, nil
}

func (s *S3Store) Load(ctx context.Context) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.loadErr(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.loadErr(err)
	}
	if len(data) == 0 {
		return nil, ErrNoState
	}
	return data, nil
}

func (s *S3Store) Save(ctx context.Context, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put state object %s/%s: %w", s.bucket, s.key, err)
	}
	return nil
}

func (s *S3Store) loadErr(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrNoState
	}
	return fmt.Errorf("get state object %s/%s: %w", s.bucket, s.key, err)
}
