// Package gcs archives uploads to Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

const defaultContentType = "application/octet-stream"

// ErrObjectExists is returned when an archive object is already present and
// overwriting is disabled.
var ErrObjectExists = errors.New("object already exists")

// Config captures the parameters required to archive into GCS.
type Config struct {
	Bucket string
	// ChunkSize is passed to the object writer; zero sends each upload in a
	// single request, which suits files already held in memory.
	ChunkSize int
	// Metadata is attached to every archived object.
	Metadata map[string]string
	// Overwrite replaces existing objects instead of failing with
	// ErrObjectExists.
	Overwrite bool
}

// BlobStore writes archived uploads to a configured bucket.
type BlobStore struct {
	bucket *storage.BucketHandle
	cfg    Config
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{bucket: client.Bucket(cfg.Bucket), cfg: cfg}, nil
}

// PutObject streams r into bucket/name and returns a gs:// URI. The original
// file name is kept in the object's Content-Disposition.
func (s *BlobStore) PutObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("path is required")
	}
	obj := s.bucket.Object(name)
	if !s.cfg.Overwrite {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}

	w := obj.NewWriter(ctx)
	w.ChunkSize = s.cfg.ChunkSize
	w.ContentType = contentType
	if w.ContentType == "" {
		w.ContentType = defaultContentType
	}
	w.ContentDisposition = fmt.Sprintf("attachment; filename=%q", path.Base(name))
	if len(s.cfg.Metadata) > 0 {
		w.Metadata = maps.Clone(s.cfg.Metadata)
	}

	if _, err := io.Copy(w, r); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := w.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return "", fmt.Errorf("archive %s: %w", name, ErrObjectExists)
		}
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.cfg.Bucket, name), nil
}
