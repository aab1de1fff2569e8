package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectConfig captures configuration for an S3-compatible record store.
type ObjectConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	// Prefix namespaces record objects inside the bucket.
	Prefix string
	// Key identifies the account whose record this store manages.
	Key    string
	UseSSL bool
}

// ObjectStore keeps the record as a single object in an S3-compatible
// bucket.
type ObjectStore struct {
	client *minio.Client
	cfg    ObjectConfig
	object string
}

// NewObjectStore initializes an object storage backed record store.
func NewObjectStore(cfg ObjectConfig) (*ObjectStore, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	if cfg.Endpoint == "" {
		return nil, errors.New("object store: endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("object store: bucket is required")
	}
	if strings.TrimSpace(cfg.Key) == "" {
		return nil, errors.New("object store: account key is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object store: initialize client: %w", err)
	}

	object := cfg.Key + ".login"
	if cfg.Prefix != "" {
		object = path.Join(cfg.Prefix, object)
	}
	return &ObjectStore{client: client, cfg: cfg, object: object}, nil
}

// Read downloads the record object.
func (s *ObjectStore) Read(ctx context.Context) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, s.object, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("object store: get record: %w", err)
	}
	defer func() {
		_ = obj.Close()
	}()

	data, err := io.ReadAll(obj)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, ErrNoRecord
		}
		return nil, fmt.Errorf("object store: read record: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNoRecord
	}
	return data, nil
}

// Write uploads the record, replacing any prior object version.
func (s *ObjectStore) Write(ctx context.Context, data []byte) error {
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, s.object, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("object store: put record: %w", err)
	}
	return nil
}

// Delete removes the record object.
func (s *ObjectStore) Delete(ctx context.Context) error {
	err := s.client.RemoveObject(ctx, s.cfg.Bucket, s.object, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("object store: remove record: %w", err)
	}
	return nil
}
