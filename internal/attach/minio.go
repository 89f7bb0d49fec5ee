// Package attach issues presigned object-storage URLs for note and trade
// attachments. Files never pass through the API server; clients upload and
// download directly against the bucket.
package attach

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"tradebook/api/internal/util"
)

const (
	uploadExpiry   = 15 * time.Minute
	downloadExpiry = 1 * time.Hour
)

var ErrForbiddenKey = errors.New("attachment key does not belong to this space")

// allowedContentTypes restricts uploads to things the journal UI can render.
var allowedContentTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/gif":       true,
	"image/webp":      true,
	"application/pdf": true,
}

// Service issues presigned URLs against a single bucket.
type Service struct {
	client *minio.Client
	bucket string
}

func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Service{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *Service) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// Upload contains a presigned PUT URL and the key the client must reference
// from its note or trade once the upload succeeds.
type Upload struct {
	Key       string `json:"key"`
	URL       string `json:"url"`
	ExpiresIn int    `json:"expiresIn"`
}

// NewUpload issues a presigned PUT URL for a fresh object key under the
// space's prefix.
func (s *Service) NewUpload(ctx context.Context, spaceID, filename, contentType string) (Upload, error) {
	if !allowedContentTypes[contentType] {
		return Upload{}, fmt.Errorf("content type %q is not allowed", contentType)
	}
	key := objectKey(spaceID, filename)
	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, uploadExpiry)
	if err != nil {
		return Upload{}, fmt.Errorf("presign upload: %w", err)
	}
	return Upload{Key: key, URL: u.String(), ExpiresIn: int(uploadExpiry.Seconds())}, nil
}

// DownloadURL issues a presigned GET URL. Keys are namespaced by space, so a
// key outside the caller's prefix is rejected before touching storage.
func (s *Service) DownloadURL(ctx context.Context, spaceID, key string) (string, error) {
	if !keyOwnedBy(spaceID, key) {
		return "", ErrForbiddenKey
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, downloadExpiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return u.String(), nil
}

// Delete removes an object. The cleanup job calls it for the attachment keys
// of purged trades so the bucket does not accumulate orphans.
func (s *Service) Delete(ctx context.Context, spaceID, key string) error {
	if !keyOwnedBy(spaceID, key) {
		return ErrForbiddenKey
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func objectKey(spaceID, filename string) string {
	return spaceID + "/" + util.NewID("att") + "/" + sanitizeFilename(filename)
}

func keyOwnedBy(spaceID, key string) bool {
	return spaceID != "" && strings.HasPrefix(key, spaceID+"/")
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "file"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > 120 {
		out = out[:120]
	}
	return out
}
