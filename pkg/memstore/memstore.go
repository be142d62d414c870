// Package memstore implements the storage contract with in-process maps. It
// is the reference implementation the other backends are checked against and
// a fast test double.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agenthands/blobstore/pkg/core"
)

// Backend keeps blobs, refs and aliases in memory for the life of the
// process. All methods are safe for concurrent use.
type Backend struct {
	blobs   sync.Map // core.BlobLocator -> []byte
	refs    sync.Map // core.RefName -> core.HashedBlobRefValue
	aliases sync.Map // string -> *aliasList

	blobCount    atomic.Int64
	bytesWritten atomic.Int64
	bytesRead    atomic.Int64
}

var _ core.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{}
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
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := b.blobs.Load(locator)
	if !ok {
		return nil, fmt.Errorf("%w: blob %s", core.ErrNotFound, locator)
	}
	data := v.([]byte)
	start, end, err := core.ClampRange(int64(len(data)), offset, length)
	if err != nil {
		return nil, err
	}
	b.bytesRead.Add(end - start)
	return bytes.Clone(data[start:end]), nil
}

func (b *Backend) WriteBlob(ctx context.Context, req core.WriteRequest) (core.BlobLocator, error) {
	locator := req.Locator
	if locator.IsEmpty() {
		locator = core.NewUniqueLocator(req.Prefix)
	} else if err := core.ValidateLocator(locator); err != nil {
		return "", err
	}

	var data []byte
	if req.Data != nil {
		var err error
		if data, err = io.ReadAll(req.Data); err != nil {
			return "", fmt.Errorf("reading blob %s: %w", locator, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if data == nil {
		data = []byte{}
	}

	if _, loaded := b.blobs.LoadOrStore(locator, data); loaded {
		return "", fmt.Errorf("%w: blob %s", core.ErrAlreadyExists, locator)
	}
	b.blobCount.Add(1)
	b.bytesWritten.Add(int64(len(data)))
	return locator, nil
}

func (b *Backend) TryGetReadRedirect(ctx context.Context, locator core.BlobLocator) (*url.URL, error) {
	return nil, nil
}

func (b *Backend) TryGetWriteRedirect(ctx context.Context, locator core.BlobLocator, imports []core.BlobLocator, prefix string) (core.BlobLocator, *url.URL, error) {
	return "", nil, nil
}

func (b *Backend) ReadRef(ctx context.Context, name core.RefName, cacheHint time.Duration) (core.HashedBlobRefValue, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.HashedBlobRefValue{}, false, err
	}
	v, ok := b.refs.Load(name)
	if !ok {
		return core.HashedBlobRefValue{}, false, nil
	}
	return v.(core.HashedBlobRefValue), true, nil
}

func (b *Backend) WriteRef(ctx context.Context, name core.RefName, value core.HashedBlobRefValue) error {
	if err := core.ValidateRefName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.refs.Store(name, value)
	return nil
}

func (b *Backend) DeleteRef(ctx context.Context, name core.RefName) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, loaded := b.refs.LoadAndDelete(name)
	return loaded, nil
}

func (b *Backend) AddAlias(ctx context.Context, name string, locator core.BlobLocator, rank int, data []byte) error {
	if name == "" {
		return fmt.Errorf("%w: empty alias name", core.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := core.BlobAliasLocator{Locator: locator, Rank: rank, Data: bytes.Clone(data)}
	b.aliasList(name).add(entry)
	return nil
}

func (b *Backend) RemoveAlias(ctx context.Context, name string, locator core.BlobLocator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v, ok := b.aliases.Load(name)
	if !ok {
		return nil
	}
	v.(*aliasList).remove(locator)
	return nil
}

func (b *Backend) FindAliases(ctx context.Context, name string, maxResults int) ([]core.BlobAliasLocator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := b.aliases.Load(name)
	if !ok {
		return nil, nil
	}
	var out []core.BlobAliasLocator
	for node := v.(*aliasList).head.Load(); node != nil; node = node.next {
		entry := node.entry
		entry.Data = bytes.Clone(entry.Data)
		out = append(out, entry)
	}
	return core.SortAliases(out, maxResults), nil
}

func (b *Backend) UpdateMetadata(ctx context.Context, req core.UpdateMetadataRequest) error {
	return core.ApplyMetadata(ctx, b, req)
}

func (b *Backend) GetStats(stats *core.Stats) {
	stats.Add("memory.blobs", b.blobCount.Load())
	stats.Add("memory.bytes_written", b.bytesWritten.Load())
	stats.Add("memory.bytes_read", b.bytesRead.Load())
}

func (b *Backend) aliasList(name string) *aliasList {
	if v, ok := b.aliases.Load(name); ok {
		return v.(*aliasList)
	}
	v, _ := b.aliases.LoadOrStore(name, &aliasList{})
	return v.(*aliasList)
}
