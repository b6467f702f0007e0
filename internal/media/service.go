// Package media stores issue photo and video attachments in S3-compatible
// object storage.
package media

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Allowed content types per attachment kind.
var photoTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

var videoTypes = map[string]bool{
	"video/mp4":  true,
	"video/webm": true,
}

// Service wraps the MinIO client with bucket-scoped operations.
type Service struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL is the externally reachable base for stored objects,
	// e.g. "https://media.example.org". Empty means endpoint-derived.
	PublicURL string
}

func New(ctx context.Context, cfg Config) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	publicURL := cfg.PublicURL
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}

	return &Service{client: client, bucket: cfg.Bucket, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

// MediaType classifies a content type as photo or video, or rejects it.
func MediaType(contentType string) (string, error) {
	switch {
	case photoTypes[contentType]:
		return "photo", nil
	case videoTypes[contentType]:
		return "video", nil
	default:
		return "", fmt.Errorf("unsupported content type %q", contentType)
	}
}

// Upload stores an attachment under the issue's prefix and returns its
// public URL. The object name embeds a timestamp so repeat uploads of the
// same filename never collide.
func (s *Service) Upload(ctx context.Context, issueID, filename, contentType string, size int64, body io.Reader) (string, error) {
	if _, err := MediaType(contentType); err != nil {
		return "", err
	}

	object := fmt.Sprintf("issues/%s/%d%s", issueID, time.Now().UnixNano(), path.Ext(filename))
	_, err := s.client.PutObject(ctx, s.bucket, object, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}

	return s.publicURL + "/" + object, nil
}

// Remove deletes a stored object given the URL Upload returned. Unknown
// URLs are skipped rather than failed: hard delete must not abort because
// an attachment was already gone.
func (s *Service) Remove(ctx context.Context, url string) error {
	object, ok := strings.CutPrefix(url, s.publicURL+"/")
	if !ok {
		return nil
	}
	if err := s.client.RemoveObject(ctx, s.bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

// RemoveAll deletes every attachment for an issue, collecting rather than
// short-circuiting on per-object errors.
func (s *Service) RemoveAll(ctx context.Context, urls []string) error {
	var failed []string
	for _, url := range urls {
		if err := s.Remove(ctx, url); err != nil {
			failed = append(failed, url)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("remove %d of %d attachments failed", len(failed), len(urls))
	}
	return nil
}
