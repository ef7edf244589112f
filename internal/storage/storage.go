// Package storage abstracts where uploaded videos live. Two backends are
// supported: an S3-compatible bucket and Pinata (IPFS pinning). Both must
// yield a public URL the platforms can pull the video from.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

type Object struct {
	Key         string
	URL         string // public fetch URL
	HLSURL      string // streaming manifest URL when the backend provides one
	Size        int64
	ContentType string
}

type Store interface {
	// Put stores the object and returns its public location.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)
	Delete(ctx context.Context, key string) error
	// List returns stored objects under the prefix, newest first.
	List(ctx context.Context, prefix string) ([]Object, error)
	// PublicURL rebuilds the public URL for a stored key.
	PublicURL(key string) string
}

// FromEnv picks the backend from MEDIA_STORAGE: "s3" (default) or "pinata".
func FromEnv() (Store, error) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("MEDIA_STORAGE"))) {
	case "", "s3":
		return NewS3FromEnv()
	case "pinata":
		return NewPinataFromEnv()
	default:
		return nil, fmt.Errorf("unknown MEDIA_STORAGE value %q", os.Getenv("MEDIA_STORAGE"))
	}
}
