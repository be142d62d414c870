// Package filestore persists blobs and refs as files under a root directory.
//
// Layout:
//
//	<root>/<locator>.blob   blob bytes, written once through objectstore
//	<root>/<name>.ref       two lines: hex content hash, then locator
//
// Aliases and redirects are not supported.
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agenthands/blobstore/pkg/core"
	"github.com/agenthands/blobstore/pkg/objectstore"
	"github.com/agenthands/blobstore/pkg/transform"
	"github.com/cenkalti/backoff/v5"
)

const (
	refSuffix = ".ref"

	// DefaultRefWriteAttempts bounds ref writes that keep hitting sharing
	// violations.
	DefaultRefWriteAttempts = 3

	// DefaultRefRetryDelay is multiplied by the attempt number between ref
	// write attempts.
	DefaultRefRetryDelay = 100 * time.Millisecond
)

type Options struct {
	// Transform encodes blob bytes on disk. Nil stores them as-is.
	Transform transform.Transform

	// RefRetryDelay overrides DefaultRefRetryDelay.
	RefRetryDelay time.Duration

	// Logger receives retry diagnostics. Nil discards them.
	Logger *slog.Logger
}

// Backend is safe for concurrent use.
type Backend struct {
	root       string
	objects    *objectstore.Store
	retryDelay time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	refCache map[string]cachedRef

	blobsWritten atomic.Int64
	bytesWritten atomic.Int64
	bytesRead    atomic.Int64
	refReads     atomic.Int64
	refCacheHits atomic.Int64
	refRetries   atomic.Int64
}

// cachedRef is trusted only while the file's modification time and size
// are unchanged.
type cachedRef struct {
	modTime time.Time
	size    int64
	value   core.HashedBlobRefValue
}

var _ core.Backend = (*Backend)(nil)

func New(root string, opts Options) (*Backend, error) {
	objects, err := objectstore.New(root, objectstore.Options{Transform: opts.Transform})
	if err != nil {
		return nil, err
	}
	b := &Backend{
		root:       root,
		objects:    objects,
		retryDelay: opts.RefRetryDelay,
		logger:     opts.Logger,
		refCache:   make(map[string]cachedRef),
	}
	if b.retryDelay <= 0 {
		b.retryDelay = DefaultRefRetryDelay
	}
	if b.logger == nil {
		b.logger = slog.New(slog.DiscardHandler)
	}
	return b, nil
}

// Root returns the directory the backend was opened on.
func (b *Backend) Root() string { return b.root }

func (b *Backend) SupportsRedirects() bool { return false }

func (b *Backend) OpenBlob(ctx context.Context, locator core.BlobLocator, offset, length int64) (io.ReadCloser, error) {
	rc, err := b.objects.Open(ctx, locator, offset, length)
	if err != nil {
		return nil, err
	}
	return &countingReader{ReadCloser: rc, n: &b.bytesRead}, nil
}

func (b *Backend) ReadBlob(ctx context.Context, locator core.BlobLocator, offset, length int64) ([]byte, error) {
	data, err := b.objects.Read(ctx, locator, offset, length)
	if err != nil {
		return nil, err
	}
	b.bytesRead.Add(int64(len(data)))
	return data, nil
}

func (b *Backend) WriteBlob(ctx context.Context, req core.WriteRequest) (core.BlobLocator, error) {
	locator := req.Locator
	if locator.IsEmpty() {
		locator = core.NewUniqueLocator(req.Prefix)
	}
	data := req.Data
	if data == nil {
		data = bytes.NewReader(nil)
	}
	n, err := b.objects.Write(ctx, locator, data)
	if err != nil {
		return "", err
	}
	b.blobsWritten.Add(1)
	b.bytesWritten.Add(n)
	return locator, nil
}

func (b *Backend) TryGetReadRedirect(ctx context.Context, locator core.BlobLocator) (*url.URL, error) {
	return nil, fmt.Errorf("%w: file backend has no read redirects", core.ErrUnsupported)
}

func (b *Backend) TryGetWriteRedirect(ctx context.Context, locator core.BlobLocator, imports []core.BlobLocator, prefix string) (core.BlobLocator, *url.URL, error) {
	return "", nil, fmt.Errorf("%w: file backend has no write redirects", core.ErrUnsupported)
}

func (b *Backend) refPath(name core.RefName) string {
	return filepath.Join(b.root, filepath.FromSlash(string(name))) + refSuffix
}

// ReadRef consults the ref cache first. cacheHint is ignored: staleness is
// detected from the file itself.
func (b *Backend) ReadRef(ctx context.Context, name core.RefName, cacheHint time.Duration) (core.HashedBlobRefValue, bool, error) {
	if err := core.ValidateRefName(name); err != nil {
		return core.HashedBlobRefValue{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return core.HashedBlobRefValue{}, false, err
	}
	b.refReads.Add(1)
	path := b.refPath(name)

	info, err := os.Stat(path)
	if err != nil {
		b.forget(path)
		if errors.Is(err, fs.ErrNotExist) {
			return core.HashedBlobRefValue{}, false, nil
		}
		return core.HashedBlobRefValue{}, false, fmt.Errorf("stat ref %s: %w", name, err)
	}

	b.mu.Lock()
	cached, ok := b.refCache[path]
	b.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		b.refCacheHits.Add(1)
		return cached.value, true, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			b.forget(path)
			return core.HashedBlobRefValue{}, false, nil
		}
		return core.HashedBlobRefValue{}, false, fmt.Errorf("reading ref %s: %w", name, err)
	}
	value, err := parseRef(raw)
	if err != nil {
		return core.HashedBlobRefValue{}, false, fmt.Errorf("ref %s: %w", name, err)
	}
	b.remember(path, info, value)
	return value, true, nil
}

// WriteRef retries writes that fail with a sharing violation, waiting
// attempt*RefRetryDelay between attempts. Any other failure is returned
// immediately.
func (b *Backend) WriteRef(ctx context.Context, name core.RefName, value core.HashedBlobRefValue) error {
	if err := core.ValidateRefName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path := b.refPath(name)
	contents := formatRef(value)
	defer b.forget(path)

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			b.refRetries.Add(1)
		}
		err := writeFile(path, contents)
		if err != nil && !isSharingViolation(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(&linearBackOff{step: b.retryDelay}),
		backoff.WithMaxTries(DefaultRefWriteAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			b.logger.Debug("retrying ref write", "ref", name, "attempt", attempt, "wait", wait, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("writing ref %s: %w", name, err)
	}
	return nil
}

func (b *Backend) DeleteRef(ctx context.Context, name core.RefName) (bool, error) {
	if err := core.ValidateRefName(name); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path := b.refPath(name)
	b.forget(path)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("deleting ref %s: %w", name, err)
	}
	return true, nil
}

// EnumerateRefs lists every ref under the root, sorted by name.
func (b *Backend) EnumerateRefs(ctx context.Context) ([]core.RefName, error) {
	var names []core.RefName
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		base := d.Name()
		if d.IsDir() || strings.HasPrefix(base, ".") || !strings.HasSuffix(base, refSuffix) {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		rel = strings.TrimSuffix(rel, refSuffix)
		names = append(names, core.RefName(filepath.ToSlash(rel)))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enumerating refs under %s: %w", b.root, err)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names, nil
}

func (b *Backend) AddAlias(ctx context.Context, name string, locator core.BlobLocator, rank int, data []byte) error {
	return fmt.Errorf("%w: file backend has no aliases", core.ErrUnsupported)
}

func (b *Backend) RemoveAlias(ctx context.Context, name string, locator core.BlobLocator) error {
	return fmt.Errorf("%w: file backend has no aliases", core.ErrUnsupported)
}

func (b *Backend) FindAliases(ctx context.Context, name string, maxResults int) ([]core.BlobAliasLocator, error) {
	return nil, fmt.Errorf("%w: file backend has no aliases", core.ErrUnsupported)
}

func (b *Backend) UpdateMetadata(ctx context.Context, req core.UpdateMetadataRequest) error {
	return core.ApplyMetadata(ctx, b, req)
}

func (b *Backend) GetStats(stats *core.Stats) {
	stats.Add("file.blobs_written", b.blobsWritten.Load())
	stats.Add("file.bytes_written", b.bytesWritten.Load())
	stats.Add("file.bytes_read", b.bytesRead.Load())
	stats.Add("file.ref_reads", b.refReads.Load())
	stats.Add("file.ref_cache_hits", b.refCacheHits.Load())
	stats.Add("file.ref_write_retries", b.refRetries.Load())
}

func (b *Backend) remember(path string, info fs.FileInfo, value core.HashedBlobRefValue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refCache[path] = cachedRef{modTime: info.ModTime(), size: info.Size(), value: value}
}

func (b *Backend) forget(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.refCache, path)
}

func formatRef(value core.HashedBlobRefValue) []byte {
	return []byte(value.Hash.String() + "\n" + string(value.Locator) + "\n")
}

func parseRef(raw []byte) (core.HashedBlobRefValue, error) {
	sc := bufio.NewScanner(bytes.NewReader(raw))
	var lines []string
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) != 2 {
		return core.HashedBlobRefValue{}, fmt.Errorf("%w: expected hash and locator lines, got %d lines", core.ErrProtocol, len(lines))
	}
	hash, err := core.ParseIoHash(lines[0])
	if err != nil {
		return core.HashedBlobRefValue{}, fmt.Errorf("%w: %v", core.ErrProtocol, err)
	}
	return core.HashedBlobRefValue{Hash: hash, Locator: core.BlobLocator(lines[1])}, nil
}

// writeFile replaces path atomically. Tests swap it to inject failures.
var writeFile = func(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return time.Duration(l.attempt) * l.step
}

func (l *linearBackOff) Reset() { l.attempt = 0 }

type countingReader struct {
	io.ReadCloser
	n *atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n.Add(int64(n))
	return n, err
}
