package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
)

// GCS stores blobs as objects in a Google Cloud Storage bucket. The PDF
// parser needs random access, so Open spools the object to a temp file
// that is removed on Close.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

// NewGCS connects using ambient credentials (service account or ADC).
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCS{client: client, bucket: client.Bucket(bucket)}, nil
}

func (s *GCS) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	w := s.bucket.Object(key).NewWriter(ctx)
	n, err := io.Copy(w, r)
	if err != nil {
		w.Close()
		return 0, fmt.Errorf("failed to write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("failed to commit object: %w", err)
	}
	return n, nil
}

func (s *GCS) Open(ctx context.Context, key string) (ReaderAtCloser, int64, error) {
	if err := validateKey(key); err != nil {
		return nil, 0, err
	}
	r, err := s.bucket.Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to open object: %w", err)
	}
	defer r.Close()

	tmp, err := os.CreateTemp("", "blob-*.pdf")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create spool file: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, 0, fmt.Errorf("failed to spool object: %w", err)
	}
	return &spoolFile{File: tmp}, n, nil
}

func (s *GCS) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.bucket.Object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// Close releases the client. Spooled readers stay valid until their own Close.
func (s *GCS) Close() error {
	return s.client.Close()
}

// spoolFile is a temp file that removes itself on Close.
type spoolFile struct {
	*os.File
}

func (f *spoolFile) Close() error {
	err := f.File.Close()
	os.Remove(f.Name())
	return err
}
