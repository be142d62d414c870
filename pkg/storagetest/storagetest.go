// Package storagetest is a conformance suite for core.Backend
// implementations. Every backend runs it from its own tests so they all
// expose the same observable behavior.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/agenthands/blobstore/internal/testkit"
	"github.com/agenthands/blobstore/pkg/core"
	"github.com/sourcegraph/conc/pool"
)

// Capabilities describes which optional behaviors the backend under test
// provides.
type Capabilities struct {
	// ExplicitLocators means WriteRequest.Locator is honored.
	ExplicitLocators bool

	// WriteOnce means a second write to an explicit locator fails with
	// core.ErrAlreadyExists.
	WriteOnce bool

	// IdempotentRewrite means rewriting identical bytes to an explicit
	// locator succeeds. Different bytes still fail when WriteOnce is set.
	IdempotentRewrite bool

	// ContentAddressed means identical bytes map to the same locator and
	// rewriting them is accepted.
	ContentAddressed bool

	// Prefix means minted locators start with "<prefix>/".
	Prefix bool

	// Aliases means the alias operations work. Otherwise they must fail
	// with core.ErrUnsupported.
	Aliases bool
}

// Factory returns a fresh, empty backend. Cleanup is registered on t.
type Factory func(t *testing.T) core.Backend

// Run executes the suite as subtests of t.
func Run(t *testing.T, newBackend Factory, caps Capabilities) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newBackend(t)) })
	t.Run("OpenBlob", func(t *testing.T) { testOpenBlob(t, newBackend(t)) })
	t.Run("RangedReads", func(t *testing.T) { testRangedReads(t, newBackend(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newBackend(t), caps) })
	t.Run("Rewrite", func(t *testing.T) { testRewrite(t, newBackend(t), caps) })
	t.Run("Prefix", func(t *testing.T) { testPrefix(t, newBackend(t), caps) })
	t.Run("Refs", func(t *testing.T) { testRefs(t, newBackend(t)) })
	t.Run("Aliases", func(t *testing.T) { testAliases(t, newBackend(t), caps) })
	t.Run("UpdateMetadata", func(t *testing.T) { testUpdateMetadata(t, newBackend(t), caps) })
	t.Run("Redirects", func(t *testing.T) { testRedirects(t, newBackend(t)) })
	t.Run("Cancelled", func(t *testing.T) { testCancelled(t, newBackend(t), caps) })
	t.Run("Concurrent", func(t *testing.T) { testConcurrent(t, newBackend(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newBackend(t)) })
}

func write(t *testing.T, b core.Backend, data []byte) core.BlobLocator {
	t.Helper()
	loc, err := b.WriteBlob(context.Background(), core.WriteRequest{Data: bytes.NewReader(data)})
	if err != nil {
		t.Fatalf("WriteBlob failed: %v", err)
	}
	if loc.IsEmpty() {
		t.Fatal("WriteBlob returned an empty locator")
	}
	return loc
}

func testRoundTrip(t *testing.T, b core.Backend) {
	rng := testkit.RNG(1)
	for _, size := range []int{0, 1, 3 << 20} {
		t.Run(fmt.Sprintf("%d", size), func(t *testing.T) {
			data := testkit.RandomBytes(rng, size)
			loc := write(t, b, data)

			got, err := b.ReadBlob(context.Background(), loc, 0, core.ToEnd)
			if err != nil {
				t.Fatalf("ReadBlob(%s) failed: %v", loc, err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("content mismatch: wrote %d bytes, read %d", len(data), len(got))
			}
		})
	}

	loc := write(t, b, []byte("hello"))
	got, err := b.ReadBlob(context.Background(), loc, 1, 3)
	if err != nil {
		t.Fatalf("ReadBlob failed: %v", err)
	}
	if string(got) != "ell" {
		t.Errorf("expected %q, got %q", "ell", got)
	}
}

func testOpenBlob(t *testing.T, b core.Backend) {
	data := testkit.CompressibleBytes(testkit.RNG(2), 256*1024)
	loc := write(t, b, data)

	rc, err := b.OpenBlob(context.Background(), loc, 1000, 4096)
	if err != nil {
		t.Fatalf("OpenBlob failed: %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading stream failed: %v", err)
	}
	if !bytes.Equal(got, data[1000:1000+4096]) {
		t.Error("streamed content mismatch")
	}
}

func testRangedReads(t *testing.T, b core.Backend) {
	data := testkit.RandomBytes(testkit.RNG(3), 1024)
	loc := write(t, b, data)
	size := int64(len(data))

	tests := []struct {
		name           string
		offset, length int64
		want           []byte
	}{
		{"Full", 0, core.ToEnd, data},
		{"Prefix", 0, 10, data[:10]},
		{"Middle", 100, 200, data[100:300]},
		{"Suffix", 1000, core.ToEnd, data[1000:]},
		{"ZeroLength", 512, 0, []byte{}},
		{"ClampedLength", 1020, 100, data[1020:]},
		{"AtEnd", size, 0, []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.ReadBlob(context.Background(), loc, tt.offset, tt.length)
			if err != nil {
				t.Fatalf("ReadBlob(%d, %d) failed: %v", tt.offset, tt.length, err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("ReadBlob(%d, %d): expected %d bytes, got %d", tt.offset, tt.length, len(tt.want), len(got))
			}
		})
	}
}

func testNotFound(t *testing.T, b core.Backend, caps Capabilities) {
	ctx := context.Background()
	missing := core.NewUniqueLocator("missing")
	if caps.ContentAddressed {
		missing = core.BlobLocator(core.ComputeIoHash([]byte("never written")).String() + ".bin")
	}

	if _, err := b.ReadBlob(ctx, missing, 0, core.ToEnd); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("ReadBlob: expected ErrNotFound, got %v", err)
	}
	if _, err := b.OpenBlob(ctx, missing, 0, core.ToEnd); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("OpenBlob: expected ErrNotFound, got %v", err)
	}
}

func testRewrite(t *testing.T, b core.Backend, caps Capabilities) {
	ctx := context.Background()

	if caps.ContentAddressed {
		first := write(t, b, []byte("same bytes"))
		second := write(t, b, []byte("same bytes"))
		if first != second {
			t.Errorf("identical content produced %s and %s", first, second)
		}
		return
	}
	if !caps.ExplicitLocators {
		t.Skip("backend mints every locator")
	}

	loc := core.NewUniqueLocator("explicit")
	got, err := b.WriteBlob(ctx, core.WriteRequest{Locator: loc, Data: strings.NewReader("first")})
	if err != nil {
		t.Fatalf("WriteBlob failed: %v", err)
	}
	if got != loc {
		t.Errorf("expected locator %s, got %s", loc, got)
	}

	_, err = b.WriteBlob(ctx, core.WriteRequest{Locator: loc, Data: strings.NewReader("first")})
	switch {
	case caps.IdempotentRewrite && err != nil:
		t.Fatalf("rewriting identical bytes failed: %v", err)
	case !caps.IdempotentRewrite && caps.WriteOnce && !errors.Is(err, core.ErrAlreadyExists):
		t.Fatalf("identical rewrite: expected ErrAlreadyExists, got %v", err)
	}

	_, err = b.WriteBlob(ctx, core.WriteRequest{Locator: loc, Data: strings.NewReader("second")})
	if caps.WriteOnce && !errors.Is(err, core.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	data, err := b.ReadBlob(ctx, loc, 0, core.ToEnd)
	if err != nil {
		t.Fatalf("ReadBlob failed: %v", err)
	}
	if caps.WriteOnce && string(data) != "first" {
		t.Errorf("write-once blob changed to %q", data)
	}
}

func testPrefix(t *testing.T, b core.Backend, caps Capabilities) {
	if !caps.Prefix {
		t.Skip("backend ignores prefixes")
	}
	loc, err := b.WriteBlob(context.Background(), core.WriteRequest{Data: strings.NewReader("x"), Prefix: "builds/42"})
	if err != nil {
		t.Fatalf("WriteBlob failed: %v", err)
	}
	if !strings.HasPrefix(string(loc), "builds/42/") {
		t.Errorf("expected locator under builds/42/, got %s", loc)
	}
}

func testRefs(t *testing.T, b core.Backend) {
	ctx := context.Background()
	l1 := write(t, b, []byte("v1"))
	l2 := write(t, b, []byte("v2"))
	v1 := core.HashedBlobRefValue{Hash: core.ComputeIoHash([]byte("v1")), Locator: l1}
	v2 := core.HashedBlobRefValue{Hash: core.ComputeIoHash([]byte("v2")), Locator: l2}
	name := core.RefName("builds/main")

	if _, ok, err := b.ReadRef(ctx, name, 0); err != nil || ok {
		t.Fatalf("expected no ref before write, got ok=%v err=%v", ok, err)
	}

	if err := b.WriteRef(ctx, name, v1); err != nil {
		t.Fatalf("WriteRef(v1) failed: %v", err)
	}
	if err := b.WriteRef(ctx, name, v2); err != nil {
		t.Fatalf("WriteRef(v2) failed: %v", err)
	}
	got, ok, err := b.ReadRef(ctx, name, 0)
	if err != nil || !ok {
		t.Fatalf("ReadRef failed: ok=%v err=%v", ok, err)
	}
	if got != v2 {
		t.Errorf("expected %v, got %v", v2, got)
	}

	deleted, err := b.DeleteRef(ctx, name)
	if err != nil {
		t.Fatalf("DeleteRef failed: %v", err)
	}
	if !deleted {
		t.Error("DeleteRef reported nothing deleted")
	}
	if _, ok, _ := b.ReadRef(ctx, name, 0); ok {
		t.Error("ref still readable after delete")
	}
	if deleted, err := b.DeleteRef(ctx, name); err != nil || deleted {
		t.Errorf("second DeleteRef: expected false, got %v (err=%v)", deleted, err)
	}
}

func testAliases(t *testing.T, b core.Backend, caps Capabilities) {
	ctx := context.Background()
	l1 := write(t, b, []byte("one"))
	l2 := write(t, b, []byte("two"))

	if !caps.Aliases {
		if err := b.AddAlias(ctx, "tag", l1, 0, nil); !errors.Is(err, core.ErrUnsupported) {
			t.Errorf("AddAlias: expected ErrUnsupported, got %v", err)
		}
		if err := b.RemoveAlias(ctx, "tag", l1); !errors.Is(err, core.ErrUnsupported) {
			t.Errorf("RemoveAlias: expected ErrUnsupported, got %v", err)
		}
		if _, err := b.FindAliases(ctx, "tag", 0); !errors.Is(err, core.ErrUnsupported) {
			t.Errorf("FindAliases: expected ErrUnsupported, got %v", err)
		}
		return
	}

	if got, err := b.FindAliases(ctx, "tag", 0); err != nil || len(got) != 0 {
		t.Fatalf("expected no aliases, got %v (err=%v)", got, err)
	}

	if err := b.AddAlias(ctx, "tag", l1, 1, []byte("low")); err != nil {
		t.Fatalf("AddAlias failed: %v", err)
	}
	if err := b.AddAlias(ctx, "tag", l2, 5, []byte("high")); err != nil {
		t.Fatalf("AddAlias failed: %v", err)
	}

	got, err := b.FindAliases(ctx, "tag", 0)
	if err != nil {
		t.Fatalf("FindAliases failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 aliases, got %v", got)
	}
	if got[0].Locator != l2 || got[0].Rank != 5 || string(got[0].Data) != "high" {
		t.Errorf("expected highest rank first, got %+v", got[0])
	}

	limited, err := b.FindAliases(ctx, "tag", 1)
	if err != nil {
		t.Fatalf("FindAliases failed: %v", err)
	}
	if len(limited) != 1 || limited[0].Locator != l2 {
		t.Errorf("expected only %s, got %v", l2, limited)
	}

	if err := b.RemoveAlias(ctx, "tag", l2); err != nil {
		t.Fatalf("RemoveAlias failed: %v", err)
	}
	got, err = b.FindAliases(ctx, "tag", 0)
	if err != nil {
		t.Fatalf("FindAliases failed: %v", err)
	}
	if len(got) != 1 || got[0].Locator != l1 {
		t.Errorf("expected only %s to remain, got %v", l1, got)
	}
}

func testUpdateMetadata(t *testing.T, b core.Backend, caps Capabilities) {
	ctx := context.Background()
	l1 := write(t, b, []byte("meta one"))
	l2 := write(t, b, []byte("meta two"))
	v1 := core.HashedBlobRefValue{Hash: core.ComputeIoHash([]byte("meta one")), Locator: l1}
	v2 := core.HashedBlobRefValue{Hash: core.ComputeIoHash([]byte("meta two")), Locator: l2}

	req := core.UpdateMetadataRequest{
		AddRefs: []core.AddRefRequest{
			{RefName: "meta/a", Hash: v1.Hash, Target: l1},
			{RefName: "meta/b", Hash: v2.Hash, Target: l2},
		},
		RemoveRefs: []core.RemoveRefRequest{{RefName: "meta/a"}},
	}
	if caps.Aliases {
		req.AddAliases = []core.AddAliasRequest{
			{Name: "meta", Target: l1, Rank: 1},
			{Name: "meta", Target: l2, Rank: 2},
		}
		req.RemoveAliases = []core.RemoveAliasRequest{{Name: "meta", Target: l1}}
	}

	if err := b.UpdateMetadata(ctx, req); err != nil {
		t.Fatalf("UpdateMetadata failed: %v", err)
	}
	if _, ok, _ := b.ReadRef(ctx, "meta/a", 0); ok {
		t.Error("meta/a should have been removed by the same batch")
	}
	if got, ok, err := b.ReadRef(ctx, "meta/b", 0); err != nil || !ok || got != v2 {
		t.Errorf("meta/b: expected %v, got %v (ok=%v err=%v)", v2, got, ok, err)
	}
	if caps.Aliases {
		got, err := b.FindAliases(ctx, "meta", 0)
		if err != nil {
			t.Fatalf("FindAliases failed: %v", err)
		}
		if len(got) != 1 || got[0].Locator != l2 {
			t.Errorf("expected only %s, got %v", l2, got)
		}
	} else {
		err := b.UpdateMetadata(ctx, core.UpdateMetadataRequest{
			AddAliases: []core.AddAliasRequest{{Name: "meta", Target: l1}},
		})
		if !errors.Is(err, core.ErrUnsupported) {
			t.Errorf("alias batch: expected ErrUnsupported, got %v", err)
		}
	}

	t.Run("PartialFailure", func(t *testing.T) {
		err := b.UpdateMetadata(ctx, core.UpdateMetadataRequest{
			AddRefs: []core.AddRefRequest{
				{RefName: "partial/ok", Hash: v1.Hash, Target: l1},
				{RefName: "partial/../bad", Hash: v1.Hash, Target: l1},
				{RefName: "partial/never", Hash: v1.Hash, Target: l1},
			},
		})
		if err == nil {
			t.Fatal("expected the invalid ref name to fail the batch")
		}
		if _, ok, _ := b.ReadRef(ctx, "partial/ok", 0); !ok {
			t.Error("operations before the failure must stay committed")
		}
		if _, ok, _ := b.ReadRef(ctx, "partial/never", 0); ok {
			t.Error("operations after the failure must not run")
		}
	})
}

func testRedirects(t *testing.T, b core.Backend) {
	if b.SupportsRedirects() {
		t.Skip("covered by the backend's own redirect tests")
	}
	ctx := context.Background()
	loc := write(t, b, []byte("redirect"))

	u, err := b.TryGetReadRedirect(ctx, loc)
	if err != nil && !errors.Is(err, core.ErrUnsupported) {
		t.Errorf("TryGetReadRedirect: unexpected error %v", err)
	}
	if u != nil {
		t.Errorf("TryGetReadRedirect returned %s without redirect support", u)
	}

	_, u, err = b.TryGetWriteRedirect(ctx, "", nil, "")
	if err != nil && !errors.Is(err, core.ErrUnsupported) {
		t.Errorf("TryGetWriteRedirect: unexpected error %v", err)
	}
	if u != nil {
		t.Errorf("TryGetWriteRedirect returned %s without redirect support", u)
	}
}

func testCancelled(t *testing.T, b core.Backend, caps Capabilities) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := core.WriteRequest{Data: strings.NewReader("cancelled")}
	if caps.ExplicitLocators {
		req.Locator = core.NewUniqueLocator("cancelled")
	}
	if _, err := b.WriteBlob(ctx, req); err == nil {
		t.Fatal("expected WriteBlob to fail on a cancelled context")
	}
	if caps.ExplicitLocators {
		_, err := b.ReadBlob(context.Background(), req.Locator, 0, core.ToEnd)
		if !errors.Is(err, core.ErrNotFound) {
			t.Errorf("cancelled write left a blob behind (err=%v)", err)
		}
	}
}

func testConcurrent(t *testing.T, b core.Backend) {
	ctx := context.Background()
	rng := testkit.RNG(4)
	payloads := make([][]byte, 32)
	for i := range payloads {
		payloads[i] = testkit.RandomBytes(rng, 1024+i)
	}

	p := pool.New().WithMaxGoroutines(8).WithContext(ctx).WithCancelOnError()
	for i, data := range payloads {
		p.Go(func(ctx context.Context) error {
			loc, err := b.WriteBlob(ctx, core.WriteRequest{Data: bytes.NewReader(data)})
			if err != nil {
				return fmt.Errorf("write %d: %w", i, err)
			}
			got, err := b.ReadBlob(ctx, loc, 0, core.ToEnd)
			if err != nil {
				return fmt.Errorf("read %d: %w", i, err)
			}
			if !bytes.Equal(got, data) {
				return fmt.Errorf("payload %d: content mismatch", i)
			}
			value := core.HashedBlobRefValue{Hash: core.ComputeIoHash(data), Locator: loc}
			return b.WriteRef(ctx, "concurrent/head", value)
		})
	}
	if err := p.Wait(); err != nil {
		t.Fatal(err)
	}

	got, ok, err := b.ReadRef(ctx, "concurrent/head", 0)
	if err != nil || !ok {
		t.Fatalf("ReadRef failed: ok=%v err=%v", ok, err)
	}
	data, err := b.ReadBlob(ctx, got.Locator, 0, core.ToEnd)
	if err != nil {
		t.Fatalf("ReadBlob(%s) failed: %v", got.Locator, err)
	}
	if core.ComputeIoHash(data) != got.Hash {
		t.Error("last ref write does not describe its own blob")
	}
}

func testStats(t *testing.T, b core.Backend) {
	loc := write(t, b, []byte("stats"))
	if _, err := b.ReadBlob(context.Background(), loc, 0, core.ToEnd); err != nil {
		t.Fatalf("ReadBlob failed: %v", err)
	}

	var stats core.Stats
	b.GetStats(&stats)
	if len(stats.Entries()) == 0 {
		t.Error("GetStats reported no counters")
	}
}
