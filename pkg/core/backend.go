package core

import (
	"context"
	"io"
	"net/url"
	"time"
)

// ToEnd is the length argument meaning "read until the end of the blob".
const ToEnd int64 = -1

// WriteRequest describes one blob write.
type WriteRequest struct {
	// Locator, when set, is the exact locator to write. Write-once backends
	// fail with ErrAlreadyExists if it is already populated. When empty the
	// backend mints a locator, namespaced by Prefix where supported.
	Locator BlobLocator

	Data io.Reader

	// Imports lists the blobs this one depends on. Flat backends ignore it.
	Imports []BlobLocator

	Prefix string
}

// Backend is the storage contract shared by every implementation.
// Implementations must be safe for concurrent use.
type Backend interface {
	// SupportsRedirects is authoritative: when false the TryGet*Redirect
	// methods never return a URL.
	SupportsRedirects() bool

	// OpenBlob streams the byte range [offset, offset+length) of a blob.
	// A length of ToEnd reads to the end. Missing blobs fail with
	// ErrNotFound.
	OpenBlob(ctx context.Context, locator BlobLocator, offset, length int64) (io.ReadCloser, error)

	// ReadBlob is OpenBlob fully buffered.
	ReadBlob(ctx context.Context, locator BlobLocator, offset, length int64) ([]byte, error)

	WriteBlob(ctx context.Context, req WriteRequest) (BlobLocator, error)

	// TryGetReadRedirect returns a URL the caller may fetch the blob from
	// directly, or nil.
	TryGetReadRedirect(ctx context.Context, locator BlobLocator) (*url.URL, error)

	// TryGetWriteRedirect returns the locator the caller must upload to and
	// the URL accepting the bytes, or a nil URL. An empty locator asks the
	// backend to mint one under prefix.
	TryGetWriteRedirect(ctx context.Context, locator BlobLocator, imports []BlobLocator, prefix string) (BlobLocator, *url.URL, error)

	// ReadRef returns ok=false, not an error, when the ref does not exist.
	// cacheHint bounds how stale a cached value may be; zero means no hint.
	ReadRef(ctx context.Context, name RefName, cacheHint time.Duration) (value HashedBlobRefValue, ok bool, err error)

	// WriteRef replaces the ref unconditionally.
	WriteRef(ctx context.Context, name RefName, value HashedBlobRefValue) error

	// DeleteRef reports whether a ref was removed.
	DeleteRef(ctx context.Context, name RefName) (bool, error)

	// AddAlias, RemoveAlias and FindAliases fail with ErrUnsupported on
	// backends without a secondary index. maxResults <= 0 means no limit.
	AddAlias(ctx context.Context, name string, locator BlobLocator, rank int, data []byte) error
	RemoveAlias(ctx context.Context, name string, locator BlobLocator) error
	FindAliases(ctx context.Context, name string, maxResults int) ([]BlobAliasLocator, error)

	UpdateMetadata(ctx context.Context, req UpdateMetadataRequest) error

	// GetStats adds backend counters to stats. It never fails.
	GetStats(stats *Stats)
}
