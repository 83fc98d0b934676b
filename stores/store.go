// Package stores abstracts the object stores which hold database backups,
// and tracks the health of the stores in use by the process.
package stores

import (
	"context"
	"io"
	"net/url"
	"time"
)

// Store is an object store of backups. Paths are relative to the prefix of
// the BackupStore URL from which the Store was built.
type Store interface {
	// Provider names the backend, such as "s3" or "fs".
	Provider() string
	// SignGet returns a URL through which |path| may be fetched without
	// credentials, for duration |d|.
	SignGet(path string, d time.Duration) (string, error)
	// Exists is true if an object exists at |path|.
	Exists(ctx context.Context, path string) (bool, error)
	// Get opens the object at |path|. A missing object fails with an
	// error wrapping protocol.ErrNotFound.
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	// Put writes |contentLength| bytes of |content| to |path|, which are
	// durable upon return. |contentEncoding| is recorded as object metadata
	// where the backend supports it.
	Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error
	// List calls |callback| with each object beneath |prefix|, passing its
	// path relative to |prefix| and its modification time. An error of
	// |callback| stops the listing and is returned.
	List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error
	// Remove the object at |path|.
	Remove(ctx context.Context, path string) error
	// IsAuthError is true if |err| means the process isn't permitted to use
	// the store (denied access, or a missing bucket), as opposed to a
	// failure which a retry might resolve.
	IsAuthError(err error) bool
}

// Constructor builds the Store of a BackupStore URL.
type Constructor func(*url.URL) (Store, error)

// DisableSignedUrls has SignGet return plain object URLs, for stores
// which permit public reads.
var DisableSignedUrls = false
