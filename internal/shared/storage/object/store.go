package object

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Open when no object exists at the key.
var ErrNotFound = errors.New("object not found")

// ObjectStore holds essay text by key. Keys are slash-separated relative paths.
type ObjectStore interface {
	// Put writes r at key, replacing any existing object.
	Put(ctx context.Context, key string, contentType string, r io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object at key. A missing object is not an error.
	Delete(ctx context.Context, key string) error
}

// ContentKey is the storage key of a document's extracted text.
func ContentKey(documentID string) string {
	return "documents/" + documentID + "/content.txt"
}
