package indexstore_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agenthands/blobstore/internal/testkit"
	"github.com/agenthands/blobstore/pkg/core"
	"github.com/agenthands/blobstore/pkg/indexstore"
	"github.com/agenthands/blobstore/pkg/storagetest"
)

func openBackend(t *testing.T, dir string) *indexstore.Backend {
	t.Helper()
	b, err := indexstore.Open(dir, indexstore.Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return b
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) core.Backend {
		b := openBackend(t, t.TempDir())
		t.Cleanup(func() { b.Close() })
		return b
	}, storagetest.Capabilities{
		ExplicitLocators: true,
		WriteOnce:        true,
		Prefix:           true,
		Aliases:          true,
	})
}

func TestBackend_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b := openBackend(t, dir)
	loc, err := b.WriteBlob(ctx, core.WriteRequest{
		Data:    strings.NewReader("payload"),
		Imports: []core.BlobLocator{"dep/1", "dep/2"},
	})
	if err != nil {
		t.Fatalf("WriteBlob failed: %v", err)
	}
	value := core.HashedBlobRefValue{Hash: core.ComputeIoHash([]byte("payload")), Locator: loc}
	if err := b.WriteRef(ctx, "main", value); err != nil {
		t.Fatalf("WriteRef failed: %v", err)
	}
	if err := b.AddAlias(ctx, "latest", loc, 7, []byte("meta")); err != nil {
		t.Fatalf("AddAlias failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	b = openBackend(t, dir)
	defer b.Close()

	data, err := b.ReadBlob(ctx, loc, 0, core.ToEnd)
	if err != nil || string(data) != "payload" {
		t.Fatalf("expected payload, got %q (err=%v)", data, err)
	}
	imports, err := b.ReadImports(ctx, loc)
	if err != nil {
		t.Fatalf("ReadImports failed: %v", err)
	}
	if len(imports) != 2 || imports[0] != "dep/1" || imports[1] != "dep/2" {
		t.Errorf("unexpected imports %v", imports)
	}
	if got, ok, _ := b.ReadRef(ctx, "main", 0); !ok || got != value {
		t.Errorf("expected ref %v, got %v (ok=%v)", value, got, ok)
	}
	aliases, err := b.FindAliases(ctx, "latest", 0)
	if err != nil || len(aliases) != 1 || aliases[0].Rank != 7 || string(aliases[0].Data) != "meta" {
		t.Errorf("unexpected aliases %v (err=%v)", aliases, err)
	}

	names, err := b.EnumerateRefs(ctx)
	if err != nil || len(names) != 1 || names[0] != "main" {
		t.Errorf("unexpected refs %v (err=%v)", names, err)
	}
}

func TestBackend_ReadImportsMissing(t *testing.T) {
	b := openBackend(t, t.TempDir())
	defer b.Close()

	if _, err := b.ReadImports(context.Background(), "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBackend_UpdateMetadataAddThenRemoveSameAlias(t *testing.T) {
	ctx := context.Background()
	b := openBackend(t, t.TempDir())
	defer b.Close()

	err := b.UpdateMetadata(ctx, core.UpdateMetadataRequest{
		AddAliases:    []core.AddAliasRequest{{Name: "a", Target: "x"}, {Name: "a", Target: "y"}},
		RemoveAliases: []core.RemoveAliasRequest{{Name: "a", Target: "x"}},
	})
	if err != nil {
		t.Fatalf("UpdateMetadata failed: %v", err)
	}
	got, _ := b.FindAliases(ctx, "a", 0)
	if len(got) != 1 || got[0].Locator != "y" {
		t.Errorf("expected only y, got %v", got)
	}
}

func writeTarget(t *testing.T, b *indexstore.Backend, content string) core.HashedBlobRefValue {
	t.Helper()
	loc, err := b.WriteBlob(context.Background(), core.WriteRequest{Data: strings.NewReader(content)})
	if err != nil {
		t.Fatalf("WriteBlob failed: %v", err)
	}
	return core.HashedBlobRefValue{Hash: core.ComputeIoHash([]byte(content)), Locator: loc}
}

func TestBackend_WriteRefRequiresTarget(t *testing.T) {
	ctx := context.Background()
	b := openBackend(t, t.TempDir())
	defer b.Close()

	missing := core.HashedBlobRefValue{Hash: core.ComputeIoHash([]byte("ghost")), Locator: "no/such/blob"}
	if err := b.WriteRef(ctx, "main", missing); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, ok, _ := b.ReadRef(ctx, "main", 0); ok {
		t.Error("ref to a missing blob was stored")
	}

	err := b.UpdateMetadata(ctx, core.UpdateMetadataRequest{
		AddRefs: []core.AddRefRequest{{RefName: "meta", Hash: missing.Hash, Target: missing.Locator}},
	})
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("UpdateMetadata: expected ErrNotFound, got %v", err)
	}

	value := writeTarget(t, b, "real")
	if err := b.WriteRef(ctx, "main", value); err != nil {
		t.Errorf("WriteRef to a stored blob failed: %v", err)
	}
}

func TestBackend_RefLifetime(t *testing.T) {
	ctx := context.Background()
	clock := testkit.NewClock()
	b, err := indexstore.Open(t.TempDir(), indexstore.Options{Now: clock.Now})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	value := writeTarget(t, b, "leased")

	if err := b.WriteRefWithOptions(ctx, "lease/fixed", value, core.RefOptions{Lifetime: time.Hour}); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteRefWithOptions(ctx, "lease/sliding", value, core.RefOptions{Lifetime: time.Hour, Extend: true}); err != nil {
		t.Fatal(err)
	}

	clock.Advance(50 * time.Minute)
	for _, name := range []core.RefName{"lease/fixed", "lease/sliding"} {
		if got, ok, err := b.ReadRef(ctx, name, 0); err != nil || !ok || got != value {
			t.Fatalf("%s: expected %v, got %v ok=%v err=%v", name, value, got, ok, err)
		}
	}

	clock.Advance(20 * time.Minute)
	if _, ok, err := b.ReadRef(ctx, "lease/fixed", 0); err != nil || ok {
		t.Errorf("fixed lifetime: expected expiry, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := b.ReadRef(ctx, "lease/sliding", 0); err != nil || !ok {
		t.Errorf("sliding lifetime: expected the read to have extended the ref, got ok=%v err=%v", ok, err)
	}

	names, err := b.EnumerateRefs(ctx)
	if err != nil || len(names) != 1 || names[0] != "lease/sliding" {
		t.Errorf("unexpected refs %v (err=%v)", names, err)
	}

	clock.Advance(time.Hour)
	if _, ok, _ := b.ReadRef(ctx, "lease/sliding", 0); ok {
		t.Error("sliding lifetime: expected expiry once reads stop")
	}
}

func TestBackend_ReadRefCacheHint(t *testing.T) {
	ctx := context.Background()
	clock := testkit.NewClock()
	dir := t.TempDir()
	b, err := indexstore.Open(dir, indexstore.Options{Now: clock.Now})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	v1 := writeTarget(t, b, "one")
	v2 := writeTarget(t, b, "two")

	if err := b.WriteRef(ctx, "cached", v1); err != nil {
		t.Fatal(err)
	}
	if got, _, _ := b.ReadRef(ctx, "cached", time.Minute); got != v1 {
		t.Fatalf("expected %v, got %v", v1, got)
	}

	// Writes through the backend invalidate the cache.
	if err := b.WriteRef(ctx, "cached", v2); err != nil {
		t.Fatal(err)
	}
	if got, _, _ := b.ReadRef(ctx, "cached", time.Minute); got != v2 {
		t.Errorf("expected own write %v, got %v", v2, got)
	}

	// A leased ref expires underneath the cache; the hint decides whether
	// the cached value is still acceptable.
	if err := b.WriteRefWithOptions(ctx, "leased", v1, core.RefOptions{Lifetime: time.Second}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := b.ReadRef(ctx, "leased", time.Minute); !ok {
		t.Fatal("expected the leased ref")
	}
	clock.Advance(2 * time.Second)
	if _, ok, _ := b.ReadRef(ctx, "leased", time.Minute); !ok {
		t.Error("a result within the cache hint should be served from cache")
	}
	if _, ok, _ := b.ReadRef(ctx, "leased", time.Second); ok {
		t.Error("a stale cached result should be refreshed")
	}
	if _, ok, _ := b.ReadRef(ctx, "leased", 0); ok {
		t.Error("a zero hint must always read the catalog")
	}
}

func TestBackend_ConcurrentDeleteRef(t *testing.T) {
	ctx := context.Background()
	b := openBackend(t, t.TempDir())
	defer b.Close()
	value := writeTarget(t, b, "contended")

	for round := 0; round < 5; round++ {
		if err := b.WriteRef(ctx, "contended", value); err != nil {
			t.Fatal(err)
		}
		var deleted atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := b.DeleteRef(ctx, "contended")
				if err != nil {
					t.Error(err)
				}
				if ok {
					deleted.Add(1)
				}
			}()
		}
		wg.Wait()
		if n := deleted.Load(); n != 1 {
			t.Fatalf("round %d: expected exactly one deleter to succeed, got %d", round, n)
		}
	}
}
