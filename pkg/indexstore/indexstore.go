// Package indexstore is a persistent backend with full metadata support:
// blob bytes live in an objectstore and refs, aliases and import lists in a
// pebble catalog. It is the natural backend behind storageserver.
package indexstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agenthands/blobstore/pkg/catalog"
	"github.com/agenthands/blobstore/pkg/core"
	"github.com/agenthands/blobstore/pkg/objectstore"
	"github.com/agenthands/blobstore/pkg/transform"
	"github.com/cockroachdb/pebble"
)

// maxCachedRefs bounds the ref cache; it is emptied when full.
const maxCachedRefs = 4096

type Options struct {
	Transform transform.Transform
	Logger    *slog.Logger
	// Now is the clock used for ref lifetimes and cache ages. Defaults to
	// time.Now.
	Now func() time.Time
}

type Backend struct {
	objects *objectstore.Store
	catalog catalog.Catalog
	logger  *slog.Logger
	now     func() time.Time

	refMu  sync.Mutex
	refs   map[core.RefName]cachedRef
	refGen uint64 // bumped by every ref mutation

	blobsWritten atomic.Int64
	bytesWritten atomic.Int64
	bytesRead    atomic.Int64
}

var _ core.Backend = (*Backend)(nil)

// Open creates or reopens a backend rooted at dir. Call Close to release
// the catalog.
func Open(dir string, opts Options) (*Backend, error) {
	objects, err := objectstore.New(filepath.Join(dir, "objects"), objectstore.Options{Transform: opts.Transform})
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cat, err := catalog.Open(filepath.Join(dir, "catalog"), catalog.WithClock(now))
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Backend{
		objects: objects,
		catalog: cat,
		logger:  logger,
		now:     now,
		refs:    make(map[core.RefName]cachedRef),
	}, nil
}

func (b *Backend) Close() error {
	return b.catalog.Close()
}

func (b *Backend) SupportsRedirects() bool { return false }

func (b *Backend) OpenBlob(ctx context.Context, locator core.BlobLocator, offset, length int64) (io.ReadCloser, error) {
	data, err := b.ReadBlob(ctx, locator, offset, length)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *Backend) ReadBlob(ctx context.Context, locator core.BlobLocator, offset, length int64) ([]byte, error) {
	data, err := b.objects.Read(ctx, locator, offset, length)
	if err != nil {
		return nil, err
	}
	b.bytesRead.Add(int64(len(data)))
	return data, nil
}

// WriteBlob stores the bytes first and records the import list after, so a
// catalogued blob is always readable.
func (b *Backend) WriteBlob(ctx context.Context, req core.WriteRequest) (core.BlobLocator, error) {
	locator := req.Locator
	if locator.IsEmpty() {
		locator = core.NewUniqueLocator(req.Prefix)
	}
	for _, imp := range req.Imports {
		if err := core.ValidateLocator(imp); err != nil {
			return "", err
		}
	}
	data := req.Data
	if data == nil {
		data = bytes.NewReader(nil)
	}

	n, err := b.objects.Write(ctx, locator, data)
	if err != nil {
		return "", err
	}
	if err := b.catalog.PutBlob(nil, locator, req.Imports); err != nil {
		return "", fmt.Errorf("indexing blob %s: %w", locator, err)
	}
	b.blobsWritten.Add(1)
	b.bytesWritten.Add(n)
	b.logger.Debug("blob written", "locator", locator, "bytes", n, "imports", len(req.Imports))
	return locator, nil
}

// ReadImports returns the import list recorded when locator was written.
func (b *Backend) ReadImports(ctx context.Context, locator core.BlobLocator) ([]core.BlobLocator, error) {
	imports, ok, err := b.catalog.GetBlob(ctx, locator)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: blob %s", core.ErrNotFound, locator)
	}
	return imports, nil
}

func (b *Backend) TryGetReadRedirect(ctx context.Context, locator core.BlobLocator) (*url.URL, error) {
	return nil, nil
}

func (b *Backend) TryGetWriteRedirect(ctx context.Context, locator core.BlobLocator, imports []core.BlobLocator, prefix string) (core.BlobLocator, *url.URL, error) {
	return "", nil, nil
}

type cachedRef struct {
	value   core.HashedBlobRefValue
	ok      bool
	fetched time.Time
}

// ReadRef answers from the ref cache when the cached result is no older
// than cacheHint. Cached hits do not extend sliding lifetimes.
func (b *Backend) ReadRef(ctx context.Context, name core.RefName, cacheHint time.Duration) (core.HashedBlobRefValue, bool, error) {
	if err := core.ValidateRefName(name); err != nil {
		return core.HashedBlobRefValue{}, false, err
	}
	if cacheHint > 0 {
		b.refMu.Lock()
		entry, hit := b.refs[name]
		b.refMu.Unlock()
		if hit && b.now().Sub(entry.fetched) <= cacheHint {
			return entry.value, entry.ok, nil
		}
	}

	b.refMu.Lock()
	gen := b.refGen
	b.refMu.Unlock()

	fetched := b.now()
	value, ok, err := b.catalog.GetRef(ctx, name)
	if err != nil {
		return core.HashedBlobRefValue{}, false, err
	}

	b.refMu.Lock()
	defer b.refMu.Unlock()
	if gen == b.refGen {
		if len(b.refs) >= maxCachedRefs {
			clear(b.refs)
		}
		b.refs[name] = cachedRef{value: value, ok: ok, fetched: fetched}
	}
	return value, ok, nil
}

func (b *Backend) forgetRef(names ...core.RefName) {
	b.refMu.Lock()
	for _, name := range names {
		delete(b.refs, name)
	}
	b.refGen++
	b.refMu.Unlock()
}

func (b *Backend) WriteRef(ctx context.Context, name core.RefName, value core.HashedBlobRefValue) error {
	return b.WriteRefWithOptions(ctx, name, value, core.RefOptions{})
}

// WriteRefWithOptions points name at value, optionally with a lifetime after
// which the ref reads as missing. The target blob must exist.
func (b *Backend) WriteRefWithOptions(ctx context.Context, name core.RefName, value core.HashedBlobRefValue, opts core.RefOptions) error {
	if err := core.ValidateRefName(name); err != nil {
		return err
	}
	if err := b.checkTarget(ctx, value.Locator); err != nil {
		return err
	}
	defer b.forgetRef(name)
	return b.catalog.PutRef(nil, name, value, opts)
}

func (b *Backend) checkTarget(ctx context.Context, locator core.BlobLocator) error {
	if err := core.ValidateLocator(locator); err != nil {
		return err
	}
	_, ok, err := b.catalog.GetBlob(ctx, locator)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: ref target %s", core.ErrNotFound, locator)
	}
	return nil
}

func (b *Backend) DeleteRef(ctx context.Context, name core.RefName) (bool, error) {
	if err := core.ValidateRefName(name); err != nil {
		return false, err
	}
	defer b.forgetRef(name)
	return b.catalog.RemoveRef(ctx, name)
}

// EnumerateRefs lists every ref, sorted by name.
func (b *Backend) EnumerateRefs(ctx context.Context) ([]core.RefName, error) {
	var names []core.RefName
	err := b.catalog.IterateRefs(ctx, func(name core.RefName, _ core.HashedBlobRefValue) error {
		names = append(names, name)
		return nil
	})
	return names, err
}

func (b *Backend) AddAlias(ctx context.Context, name string, locator core.BlobLocator, rank int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.catalog.PutAlias(nil, name, core.BlobAliasLocator{Locator: locator, Rank: rank, Data: data})
}

func (b *Backend) RemoveAlias(ctx context.Context, name string, locator core.BlobLocator) error {
	return b.catalog.DeleteAliases(ctx, nil, name, locator)
}

func (b *Backend) FindAliases(ctx context.Context, name string, maxResults int) ([]core.BlobAliasLocator, error) {
	aliases, err := b.catalog.FindAliases(ctx, name)
	if err != nil {
		return nil, err
	}
	return core.SortAliases(aliases, maxResults), nil
}

// UpdateMetadata commits the batch in three phases: added aliases, removed
// aliases, then ref changes. Each phase is one pebble batch. A failing
// operation stops the request; everything queued before it in its phase is
// still committed.
func (b *Backend) UpdateMetadata(ctx context.Context, req core.UpdateMetadataRequest) error {
	var touched []core.RefName
	defer func() { b.forgetRef(touched...) }()

	err := b.inBatch(func(batch *pebble.Batch) error {
		for i, add := range req.AddAliases {
			alias := core.BlobAliasLocator{Locator: add.Target, Rank: add.Rank, Data: add.Data}
			if err := b.catalog.PutAlias(batch, add.Name, alias); err != nil {
				return fmt.Errorf("add alias %d (%s): %w", i, add.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = b.inBatch(func(batch *pebble.Batch) error {
		for i, remove := range req.RemoveAliases {
			if err := b.catalog.DeleteAliases(ctx, batch, remove.Name, remove.Target); err != nil {
				return fmt.Errorf("remove alias %d (%s): %w", i, remove.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return b.inBatch(func(batch *pebble.Batch) error {
		for i, add := range req.AddRefs {
			if err := core.ValidateRefName(add.RefName); err != nil {
				return fmt.Errorf("add ref %d (%s): %w", i, add.RefName, err)
			}
			if err := b.checkTarget(ctx, add.Target); err != nil {
				return fmt.Errorf("add ref %d (%s): %w", i, add.RefName, err)
			}
			value := core.HashedBlobRefValue{Hash: add.Hash, Locator: add.Target}
			touched = append(touched, add.RefName)
			if err := b.catalog.PutRef(batch, add.RefName, value, core.RefOptions{}); err != nil {
				return fmt.Errorf("add ref %d (%s): %w", i, add.RefName, err)
			}
		}
		for i, remove := range req.RemoveRefs {
			touched = append(touched, remove.RefName)
			if err := b.catalog.DeleteRef(batch, remove.RefName); err != nil {
				return fmt.Errorf("remove ref %d (%s): %w", i, remove.RefName, err)
			}
		}
		return nil
	})
}

func (b *Backend) inBatch(fn func(batch *pebble.Batch) error) error {
	batch := b.catalog.NewBatch()
	defer batch.Close()

	ferr := fn(batch)
	if batch.Empty() {
		return ferr
	}
	if err := b.catalog.Commit(batch); err != nil {
		return fmt.Errorf("committing metadata: %w", err)
	}
	return ferr
}

func (b *Backend) GetStats(stats *core.Stats) {
	stats.Add("indexed.blobs_written", b.blobsWritten.Load())
	stats.Add("indexed.bytes_written", b.bytesWritten.Load())
	stats.Add("indexed.bytes_read", b.bytesRead.Load())
}
