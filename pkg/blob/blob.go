// Package blob stores opaque binary artifacts: uploaded PDFs and the page
// image handles derived from them. The filesystem backend is the default;
// object storage is selected with BLOB_BACKEND=gcs.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrNotFound indicates the requested key does not exist.
var ErrNotFound = errors.New("blob not found")

// ReaderAtCloser is what Open returns: random access for the PDF parser
// plus a Close to release the handle.
type ReaderAtCloser interface {
	io.ReaderAt
	io.Closer
}

// Store reads and writes blobs by key. Keys are slash-separated paths
// assigned by this package's helpers.
type Store interface {
	// Put writes the blob under key, replacing any previous value, and
	// returns the number of bytes stored.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)

	// Open returns a random-access handle to the blob and its size.
	Open(ctx context.Context, key string) (ReaderAtCloser, int64, error)

	// Delete removes the blob. Deleting a missing key returns ErrNotFound.
	Delete(ctx context.Context, key string) error
}

// DocumentKey is where a document's original PDF lives.
func DocumentKey(documentID string) string {
	return "documents/" + documentID + "/original.pdf"
}

// PageImageKey is the opaque handle recorded for one page's image. Clients
// treat it as a token; resolving it to pixels is a rendering concern.
func PageImageKey(documentID string, pageNumber int) string {
	return fmt.Sprintf("documents/%s/pages/%d", documentID, pageNumber)
}

// DocumentPrefix is the key prefix covering everything stored for a document.
func DocumentPrefix(documentID string) string {
	return "documents/" + documentID + "/"
}

// validateKey rejects keys that could escape the store's namespace.
func validateKey(key string) error {
	if key == "" {
		return errors.New("blob key must not be empty")
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("blob key must be relative: %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("blob key must not traverse upwards: %q", key)
		}
	}
	return nil
}

// FromEnv builds the configured Store. BLOB_BACKEND selects the
// implementation; the zero value is the filesystem backend rooted at
// BLOB_FS_ROOT (default ./blobdata).
func FromEnv(ctx context.Context) (Store, error) {
	switch backend := os.Getenv("BLOB_BACKEND"); backend {
	case "", "fs":
		root := os.Getenv("BLOB_FS_ROOT")
		if root == "" {
			root = "blobdata"
		}
		return NewFS(root)
	case "gcs":
		bucket := os.Getenv("BLOB_GCS_BUCKET")
		if bucket == "" {
			return nil, errors.New("BLOB_GCS_BUCKET is required for the gcs backend")
		}
		return NewGCS(ctx, bucket)
	default:
		return nil, fmt.Errorf("unknown BLOB_BACKEND %q", backend)
	}
}
