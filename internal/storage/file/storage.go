// Package file provides the MinIO SDK object store driver. It satisfies the
// same contract as the sigv4 client and is selected with storage.driver=minio.
package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/aliskhannn/webp-offload/internal/config"
	"github.com/aliskhannn/webp-offload/internal/storage/sigv4"
)

// Storage offloads objects to an S3-compatible bucket through minio-go.
type Storage struct {
	client *minio.Client
	target config.StorageTarget
}

// NewStorage creates a new Storage for target. The bucket must exist; the
// pipeline never creates buckets on the CDN.
func NewStorage(target config.StorageTarget, useSSL bool) (*Storage, error) {
	raw, err := target.ResolveEndpoint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sigv4.ErrNotConfigured, err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint: %w", err)
	}

	client, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(target.AccessKey, target.SecretKey, ""),
		Secure: useSSL && u.Scheme != "http",
		Region: target.SigningRegion(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	return &Storage{
		client: client,
		target: target,
	}, nil
}

// IsConfigured reports whether identifier, credentials and bucket are set.
func (s *Storage) IsConfigured() bool {
	t := s.target
	return t.Identifier() != "" && t.AccessKey != "" && t.SecretKey != "" && t.Bucket != ""
}

// PublicURL returns the public CDN URL of key.
func (s *Storage) PublicURL(key string) string {
	return s.target.PublicURL(key)
}

// PutObject uploads content under key.
func (s *Storage) PutObject(ctx context.Context, key string, content []byte, contentType string) error {
	if !s.IsConfigured() {
		return sigv4.ErrNotConfigured
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, s.target.Bucket, strings.TrimLeft(key, "/"), bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return s.wrap("put", key, err)
	}

	return nil
}

// UploadFile reads path and uploads it under key.
func (s *Storage) UploadFile(ctx context.Context, path, key, contentType string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return &sigv4.FileReadError{Path: path, Err: err}
	}

	if contentType == "" {
		contentType = mimetype.Detect(content).String()
	}

	return s.PutObject(ctx, key, content, contentType)
}

// DeleteObject removes key from the bucket.
func (s *Storage) DeleteObject(ctx context.Context, key string) error {
	if !s.IsConfigured() {
		return sigv4.ErrNotConfigured
	}

	if err := s.client.RemoveObject(ctx, s.target.Bucket, strings.TrimLeft(key, "/"), minio.RemoveObjectOptions{}); err != nil {
		return s.wrap("delete", key, err)
	}

	return nil
}

// wrap maps minio errors onto the sigv4 error taxonomy so callers handle both
// drivers alike.
func (s *Storage) wrap(op, key string, err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && resp.StatusCode != 0 {
		return &sigv4.StorageError{
			Op:         op,
			Key:        key,
			StatusCode: resp.StatusCode,
			Body:       resp.Code + ": " + resp.Message,
		}
	}

	return &sigv4.TransportError{Op: op, Key: key, Err: err}
}
