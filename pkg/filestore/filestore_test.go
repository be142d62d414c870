package filestore_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agenthands/blobstore/internal/testkit"
	"github.com/agenthands/blobstore/pkg/core"
	"github.com/agenthands/blobstore/pkg/filestore"
	"github.com/agenthands/blobstore/pkg/storagetest"
	"github.com/agenthands/blobstore/pkg/transform"
)

func newBackend(t *testing.T) *filestore.Backend {
	t.Helper()
	b, err := filestore.New(t.TempDir(), filestore.Options{RefRetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return b
}

func TestConformance(t *testing.T) {
	caps := storagetest.Capabilities{
		ExplicitLocators: true,
		WriteOnce:        true,
		Prefix:           true,
	}
	storagetest.Run(t, func(t *testing.T) core.Backend { return newBackend(t) }, caps)

	t.Run("Zstd", func(t *testing.T) {
		tr, err := transform.NewZstd(3)
		if err != nil {
			t.Fatalf("NewZstd failed: %v", err)
		}
		storagetest.Run(t, func(t *testing.T) core.Backend {
			b, err := filestore.New(t.TempDir(), filestore.Options{Transform: tr})
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			return b
		}, caps)
	})
}

func TestBackend_RefFileLayout(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	value := core.HashedBlobRefValue{Hash: core.ComputeIoHash([]byte("x")), Locator: "builds/abc"}

	if err := b.WriteRef(ctx, "team/main", value); err != nil {
		t.Fatalf("WriteRef failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(b.Root(), "team", "main.ref"))
	if err != nil {
		t.Fatalf("ref file missing: %v", err)
	}
	want := value.Hash.String() + "\nbuilds/abc\n"
	if string(raw) != want {
		t.Errorf("expected %q, got %q", want, raw)
	}
}

func TestBackend_RefWriteRetriesSharingViolation(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	value := core.HashedBlobRefValue{Hash: core.ComputeIoHash([]byte("h1")), Locator: "l1"}

	var calls atomic.Int32
	restore := filestore.SetWriteFileHook(func(path string, data []byte) error {
		if calls.Add(1) == 1 {
			return fmt.Errorf("simulated sharing violation: %w", core.ErrTransient)
		}
		return filestore.WriteFile(path, data)
	})
	defer restore()

	if err := b.WriteRef(ctx, "main", value); err != nil {
		t.Fatalf("WriteRef failed: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}

	got, ok, err := b.ReadRef(ctx, "main", 0)
	if err != nil || !ok {
		t.Fatalf("ReadRef failed: ok=%v err=%v", ok, err)
	}
	if got != value {
		t.Errorf("expected %v, got %v", value, got)
	}

	var stats core.Stats
	b.GetStats(&stats)
	if n, _ := stats.Get("file.ref_write_retries"); n != 1 {
		t.Errorf("expected 1 retry in stats, got %d", n)
	}
}

func TestBackend_RefWriteGivesUp(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	var calls atomic.Int32
	restore := filestore.SetWriteFileHook(func(path string, data []byte) error {
		calls.Add(1)
		return fmt.Errorf("still locked: %w", core.ErrTransient)
	})
	defer restore()

	err := b.WriteRef(ctx, "main", core.HashedBlobRefValue{Locator: "l1"})
	if !errors.Is(err, core.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if n := calls.Load(); n != filestore.DefaultRefWriteAttempts {
		t.Errorf("expected %d attempts, got %d", filestore.DefaultRefWriteAttempts, n)
	}
}

func TestBackend_RefWriteOtherErrorsAreImmediate(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	var calls atomic.Int32
	restore := filestore.SetWriteFileHook(func(path string, data []byte) error {
		calls.Add(1)
		return testkit.ErrInjectedFault
	})
	defer restore()

	err := b.WriteRef(ctx, "main", core.HashedBlobRefValue{Locator: "l1"})
	if !errors.Is(err, testkit.ErrInjectedFault) {
		t.Fatalf("expected injected fault, got %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected a single attempt, got %d", n)
	}
}

func TestBackend_RefCacheSeesExternalWrites(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	v1 := core.HashedBlobRefValue{Hash: core.ComputeIoHash([]byte("1")), Locator: "one"}
	v2 := core.HashedBlobRefValue{Hash: core.ComputeIoHash([]byte("2")), Locator: "two-longer"}

	if err := b.WriteRef(ctx, "main", v1); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if got, _, _ := b.ReadRef(ctx, "main", 0); got != v1 {
			t.Fatalf("expected %v, got %v", v1, got)
		}
	}

	// Another process rewrites the file behind the backend's back.
	path := filepath.Join(b.Root(), "main.ref")
	contents := v2.Hash.String() + "\n" + string(v2.Locator) + "\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, _, _ := b.ReadRef(ctx, "main", 0); got != v2 {
		t.Errorf("stale cache: expected %v, got %v", v2, got)
	}

	var stats core.Stats
	b.GetStats(&stats)
	if hits, _ := stats.Get("file.ref_cache_hits"); hits < 1 {
		t.Errorf("expected at least one cache hit, got %d", hits)
	}
}

func TestBackend_MalformedRef(t *testing.T) {
	b := newBackend(t)
	if err := os.WriteFile(filepath.Join(b.Root(), "bad.ref"), []byte("not-a-hash\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := b.ReadRef(context.Background(), "bad", 0); !errors.Is(err, core.ErrProtocol) {
		t.Errorf("expected ErrProtocol, got %v", err)
	}
}

func TestBackend_EnumerateRefs(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	for _, name := range []core.RefName{"z", "a/b/c", "a/b", "m"} {
		if err := b.WriteRef(ctx, name, core.HashedBlobRefValue{Locator: "x"}); err != nil {
			t.Fatalf("WriteRef(%s) failed: %v", name, err)
		}
	}
	if _, err := b.WriteBlob(ctx, core.WriteRequest{Locator: "a/blob", Data: strings.NewReader("not a ref")}); err != nil {
		t.Fatal(err)
	}

	names, err := b.EnumerateRefs(ctx)
	if err != nil {
		t.Fatalf("EnumerateRefs failed: %v", err)
	}
	want := []core.RefName{"a/b", "a/b/c", "m", "z"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, names)
	}
}

func TestBackend_CancelledBlobWriteLeavesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := newBackend(t)

	r := testkit.NewBlockingReader(strings.NewReader("partial"))
	errCh := make(chan error, 1)
	go func() {
		_, err := b.WriteBlob(ctx, core.WriteRequest{Locator: "slow", Data: r})
		errCh <- err
	}()

	<-r.BlockCh
	cancel()
	close(r.ResumeCh)

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := b.ReadBlob(context.Background(), "slow", 0, core.ToEnd); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound after cancelled write, got %v", err)
	}
	if leftover, _ := testkit.HasTempFiles(b.Root()); leftover {
		t.Error("temporary files left behind")
	}
}
