// Package blob stores the binary payloads behind memos and shared documents.
// Keys mirror the remote store layout so a group cascade can enumerate and
// drop its blobs.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"carecircle/internal/config"

	"github.com/google/uuid"
)

var ErrBlobNotFound = errors.New("blob not found")

type Store interface {
	// Put writes the blob at the given key, overwriting any existing one.
	Put(ctx context.Context, key string, content io.Reader, contentType string) error

	// Get returns the blob content; the caller closes it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	Delete(ctx context.Context, key string) error

	// SignedURL returns a time-limited access URL for the blob.
	SignedURL(ctx context.Context, key string, expiration time.Duration) (string, error)

	Exists(ctx context.Context, key string) (bool, error)
}

// MemoKey is the blob key for a voice memo.
func MemoKey(groupID, memoID uuid.UUID, fileExtension string) string {
	return fmt.Sprintf("groups/%s/memos/%s.%s", groupID, memoID, fileExtension)
}

// DocumentKey is the blob key for a shared document file.
func DocumentKey(groupID, documentID uuid.UUID, filename string) string {
	return fmt.Sprintf("groups/%s/documents/%s/%s", groupID, documentID, sanitizeFilename(filename))
}

// GroupPrefix is the key prefix holding all of a group's blobs.
func GroupPrefix(groupID uuid.UUID) string {
	return fmt.Sprintf("groups/%s/", groupID)
}

// New builds the configured backend.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case "local":
		return NewLocal(cfg.LocalPath)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 storage requires a bucket")
		}
		return NewS3(cfg.S3Bucket, cfg.S3Region)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

func sanitizeFilename(filename string) string {
	out := make([]rune, 0, len(filename))
	for _, r := range filename {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		case r == '.' || r == '-' || r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "file"
	}
	return string(out)
}
