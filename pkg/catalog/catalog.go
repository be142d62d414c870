// Package catalog is the pebble-backed metadata index for the indexed
// backend: blob import lists, refs and ranked aliases.
package catalog

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agenthands/blobstore/pkg/core"
	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
)

var (
	PrefixBlob  = []byte("blob:")
	PrefixRef   = []byte("ref:")
	PrefixAlias = []byte("alias:")
)

const sep = 0x00

// Catalog defines the interface for the embedded KV store. Put and delete
// methods write to batch when it is non-nil and commit synchronously
// otherwise. Batches holding ref changes must go through Commit.
type Catalog interface {
	GetBlob(ctx context.Context, locator core.BlobLocator) (imports []core.BlobLocator, ok bool, err error)
	PutBlob(batch *pebble.Batch, locator core.BlobLocator, imports []core.BlobLocator) error

	// GetRef treats an expired ref as missing and removes it. Reading a
	// ref written with Extend restarts its lifetime.
	GetRef(ctx context.Context, name core.RefName) (core.HashedBlobRefValue, bool, error)
	PutRef(batch *pebble.Batch, name core.RefName, value core.HashedBlobRefValue, opts core.RefOptions) error
	DeleteRef(batch *pebble.Batch, name core.RefName) error
	// RemoveRef deletes name and reports whether a live ref was there.
	RemoveRef(ctx context.Context, name core.RefName) (bool, error)
	IterateRefs(ctx context.Context, fn func(name core.RefName, value core.HashedBlobRefValue) error) error

	PutAlias(batch *pebble.Batch, name string, alias core.BlobAliasLocator) error
	// DeleteAliases removes every committed entry of name pointing at
	// locator.
	DeleteAliases(ctx context.Context, batch *pebble.Batch, name string, locator core.BlobLocator) error
	FindAliases(ctx context.Context, name string) ([]core.BlobAliasLocator, error)

	NewBatch() *pebble.Batch
	Commit(batch *pebble.Batch) error
	Close() error
}

// Option configures Open.
type Option func(*pebbleCatalog)

// WithClock replaces time.Now for ref expiry.
func WithClock(now func() time.Time) Option {
	return func(c *pebbleCatalog) { c.now = now }
}

type pebbleCatalog struct {
	db  *pebble.DB
	seq atomic.Uint64
	now func() time.Time

	// refMu serializes every ref mutation.
	refMu sync.Mutex
}

type blobRecord struct {
	Imports []string `cbor:"imports,omitempty"`
}

// refRecord times are unix nanoseconds. Expires is zero for refs that
// never expire.
type refRecord struct {
	Hash     []byte `cbor:"hash"`
	Target   string `cbor:"target"`
	Expires  int64  `cbor:"expires,omitempty"`
	Lifetime int64  `cbor:"lifetime,omitempty"`
	Extend   bool   `cbor:"extend,omitempty"`
}

func (r refRecord) expired(now time.Time) bool {
	return r.Expires != 0 && now.UnixNano() >= r.Expires
}

func (r refRecord) sliding() bool { return r.Extend && r.Lifetime > 0 }

func (r refRecord) value() core.HashedBlobRefValue {
	var v core.HashedBlobRefValue
	copy(v.Hash[:], r.Hash)
	v.Locator = core.BlobLocator(r.Target)
	return v
}

// Open opens a Pebble-based catalog in the specified directory.
func Open(dir string, opts ...Option) (Catalog, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}
	c := &pebbleCatalog{db: db, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.seq.Store(uint64(time.Now().UnixNano()))
	return c, nil
}

func (c *pebbleCatalog) Close() error {
	return c.db.Close()
}

func (c *pebbleCatalog) NewBatch() *pebble.Batch {
	return c.db.NewBatch()
}

func (c *pebbleCatalog) Commit(batch *pebble.Batch) error {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	return batch.Commit(pebble.Sync)
}

func (c *pebbleCatalog) set(batch *pebble.Batch, key, val []byte) error {
	if batch != nil {
		return batch.Set(key, val, nil)
	}
	return c.db.Set(key, val, pebble.Sync)
}

func (c *pebbleCatalog) get(key []byte) ([]byte, bool, error) {
	val, closer, err := c.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()
	return bytes.Clone(val), true, nil
}

func (c *pebbleCatalog) GetBlob(ctx context.Context, locator core.BlobLocator) ([]core.BlobLocator, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	val, ok, err := c.get(blobKey(locator))
	if err != nil || !ok {
		return nil, ok, err
	}
	var rec blobRecord
	if err := cbor.Unmarshal(val, &rec); err != nil {
		return nil, false, fmt.Errorf("%w: blob record %s: %v", core.ErrProtocol, locator, err)
	}
	imports := make([]core.BlobLocator, len(rec.Imports))
	for i, imp := range rec.Imports {
		imports[i] = core.BlobLocator(imp)
	}
	return imports, true, nil
}

func (c *pebbleCatalog) PutBlob(batch *pebble.Batch, locator core.BlobLocator, imports []core.BlobLocator) error {
	rec := blobRecord{Imports: make([]string, len(imports))}
	for i, imp := range imports {
		rec.Imports[i] = string(imp)
	}
	val, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return c.set(batch, blobKey(locator), val)
}

func (c *pebbleCatalog) GetRef(ctx context.Context, name core.RefName) (core.HashedBlobRefValue, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.HashedBlobRefValue{}, false, err
	}
	rec, ok, err := c.getRef(name)
	if err != nil || !ok {
		return core.HashedBlobRefValue{}, ok, err
	}
	if !rec.expired(c.now()) && !rec.sliding() {
		return rec.value(), true, nil
	}

	c.refMu.Lock()
	defer c.refMu.Unlock()
	rec, ok, err = c.getRef(name)
	if err != nil || !ok {
		return core.HashedBlobRefValue{}, ok, err
	}
	now := c.now()
	if rec.expired(now) {
		if err := c.db.Delete(refKey(name), pebble.Sync); err != nil {
			return core.HashedBlobRefValue{}, false, err
		}
		return core.HashedBlobRefValue{}, false, nil
	}
	if rec.sliding() {
		rec.Expires = now.Add(time.Duration(rec.Lifetime)).UnixNano()
		if err := c.putRecord(nil, name, rec); err != nil {
			return core.HashedBlobRefValue{}, false, fmt.Errorf("extending ref %s: %w", name, err)
		}
	}
	return rec.value(), true, nil
}

func (c *pebbleCatalog) getRef(name core.RefName) (refRecord, bool, error) {
	val, ok, err := c.get(refKey(name))
	if err != nil || !ok {
		return refRecord{}, ok, err
	}
	rec, err := decodeRef(val)
	if err != nil {
		return refRecord{}, false, fmt.Errorf("ref %s: %w", name, err)
	}
	return rec, true, nil
}

func (c *pebbleCatalog) PutRef(batch *pebble.Batch, name core.RefName, value core.HashedBlobRefValue, opts core.RefOptions) error {
	rec := refRecord{Hash: value.Hash[:], Target: string(value.Locator)}
	if opts.Lifetime > 0 {
		rec.Lifetime = int64(opts.Lifetime)
		rec.Expires = c.now().Add(opts.Lifetime).UnixNano()
		rec.Extend = opts.Extend
	}
	if batch == nil {
		c.refMu.Lock()
		defer c.refMu.Unlock()
	}
	return c.putRecord(batch, name, rec)
}

func (c *pebbleCatalog) putRecord(batch *pebble.Batch, name core.RefName, rec refRecord) error {
	val, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return c.set(batch, refKey(name), val)
}

func (c *pebbleCatalog) DeleteRef(batch *pebble.Batch, name core.RefName) error {
	if batch != nil {
		return batch.Delete(refKey(name), nil)
	}
	c.refMu.Lock()
	defer c.refMu.Unlock()
	return c.db.Delete(refKey(name), pebble.Sync)
}

func (c *pebbleCatalog) RemoveRef(ctx context.Context, name core.RefName) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.refMu.Lock()
	defer c.refMu.Unlock()

	val, ok, err := c.get(refKey(name))
	if err != nil || !ok {
		return false, err
	}
	if err := c.db.Delete(refKey(name), pebble.Sync); err != nil {
		return false, err
	}
	// Unreadable records still count as present.
	rec, err := decodeRef(val)
	return err != nil || !rec.expired(c.now()), nil
}

// IterateRefs skips expired refs without removing them.
func (c *pebbleCatalog) IterateRefs(ctx context.Context, fn func(name core.RefName, value core.HashedBlobRefValue) error) error {
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: PrefixRef,
		UpperBound: incrementByte(PrefixRef),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	now := c.now()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := core.RefName(iter.Key()[len(PrefixRef):])
		rec, err := decodeRef(iter.Value())
		if err != nil {
			return fmt.Errorf("ref %s: %w", name, err)
		}
		if rec.expired(now) {
			continue
		}
		if err := fn(name, rec.value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (c *pebbleCatalog) PutAlias(batch *pebble.Batch, name string, alias core.BlobAliasLocator) error {
	if err := validateAliasName(name); err != nil {
		return err
	}
	if err := core.ValidateLocator(alias.Locator); err != nil {
		return err
	}
	key := aliasLocatorPrefix(name, alias.Locator)
	key = binary.BigEndian.AppendUint64(key, uint64(int64(alias.Rank))^(1<<63))
	key = binary.BigEndian.AppendUint64(key, c.seq.Add(1))
	data := alias.Data
	if data == nil {
		data = []byte{}
	}
	return c.set(batch, key, data)
}

func (c *pebbleCatalog) DeleteAliases(ctx context.Context, batch *pebble.Batch, name string, locator core.BlobLocator) error {
	if err := validateAliasName(name); err != nil {
		return err
	}
	prefix := aliasLocatorPrefix(name, locator)
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: incrementByte(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	own := batch == nil
	if own {
		batch = c.db.NewBatch()
		defer batch.Close()
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := batch.Delete(bytes.Clone(iter.Key()), nil); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if own {
		return batch.Commit(pebble.Sync)
	}
	return nil
}

func (c *pebbleCatalog) FindAliases(ctx context.Context, name string) ([]core.BlobAliasLocator, error) {
	if err := validateAliasName(name); err != nil {
		return nil, err
	}
	prefix := aliasNamePrefix(name)
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: incrementByte(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []core.BlobAliasLocator
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		alias, err := decodeAliasKey(iter.Key()[len(prefix):])
		if err != nil {
			return nil, err
		}
		if v := iter.Value(); len(v) > 0 {
			alias.Data = bytes.Clone(v)
		}
		out = append(out, alias)
	}
	return out, iter.Error()
}

func decodeRef(val []byte) (refRecord, error) {
	var rec refRecord
	if err := cbor.Unmarshal(val, &rec); err != nil {
		return refRecord{}, fmt.Errorf("%w: %v", core.ErrProtocol, err)
	}
	if len(rec.Hash) != core.IoHashSize {
		return refRecord{}, fmt.Errorf("%w: invalid hash length %d", core.ErrProtocol, len(rec.Hash))
	}
	return rec, nil
}

// decodeAliasKey parses "<locator>\x00<rank:8><seq:8>".
func decodeAliasKey(rest []byte) (core.BlobAliasLocator, error) {
	i := bytes.IndexByte(rest, sep)
	if i < 0 || len(rest)-i-1 != 16 {
		return core.BlobAliasLocator{}, fmt.Errorf("%w: malformed alias key", core.ErrProtocol)
	}
	rank := int64(binary.BigEndian.Uint64(rest[i+1:]) ^ (1 << 63))
	return core.BlobAliasLocator{Locator: core.BlobLocator(rest[:i]), Rank: int(rank)}, nil
}

func validateAliasName(name string) error {
	if name == "" || strings.IndexByte(name, sep) >= 0 {
		return fmt.Errorf("%w: alias name %q", core.ErrInvalidInput, name)
	}
	return nil
}

func blobKey(l core.BlobLocator) []byte {
	return append(bytes.Clone(PrefixBlob), l...)
}

func refKey(n core.RefName) []byte {
	return append(bytes.Clone(PrefixRef), n...)
}

func aliasNamePrefix(name string) []byte {
	key := append(bytes.Clone(PrefixAlias), name...)
	return append(key, sep)
}

func aliasLocatorPrefix(name string, l core.BlobLocator) []byte {
	key := append(aliasNamePrefix(name), l...)
	return append(key, sep)
}

func incrementByte(b []byte) []byte {
	res := make([]byte, len(b))
	copy(res, b)
	for i := len(res) - 1; i >= 0; i-- {
		res[i]++
		if res[i] != 0 {
			return res
		}
	}
	return nil
}
