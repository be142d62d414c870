package memstore_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/agenthands/blobstore/pkg/core"
	"github.com/agenthands/blobstore/pkg/memstore"
	"github.com/agenthands/blobstore/pkg/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) core.Backend {
		return memstore.New()
	}, storagetest.Capabilities{
		ExplicitLocators: true,
		WriteOnce:        true,
		Prefix:           true,
		Aliases:          true,
	})
}

func TestBackend_Hello(t *testing.T) {
	ctx := context.Background()
	b := memstore.New()

	loc, err := b.WriteBlob(ctx, core.WriteRequest{Data: strings.NewReader("hello")})
	if err != nil {
		t.Fatalf("WriteBlob failed: %v", err)
	}

	got, err := b.ReadBlob(ctx, loc, 0, core.ToEnd)
	if err != nil || string(got) != "hello" {
		t.Fatalf("expected hello, got %q (err=%v)", got, err)
	}
	got, err = b.ReadBlob(ctx, loc, 1, 3)
	if err != nil || string(got) != "ell" {
		t.Fatalf("expected ell, got %q (err=%v)", got, err)
	}
}

func TestBackend_ReadDoesNotAlias(t *testing.T) {
	ctx := context.Background()
	b := memstore.New()
	loc, _ := b.WriteBlob(ctx, core.WriteRequest{Data: strings.NewReader("abc")})

	got, _ := b.ReadBlob(ctx, loc, 0, core.ToEnd)
	got[0] = 'z'

	again, _ := b.ReadBlob(ctx, loc, 0, core.ToEnd)
	if string(again) != "abc" {
		t.Errorf("stored blob mutated through a returned slice: %q", again)
	}
}

func TestBackend_AliasMultiplicity(t *testing.T) {
	ctx := context.Background()
	b := memstore.New()

	// The same locator may be registered more than once; removal drops
	// every entry for it.
	for _, rank := range []int{1, 2} {
		if err := b.AddAlias(ctx, "dup", "a", rank, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.AddAlias(ctx, "dup", "b", 0, nil); err != nil {
		t.Fatal(err)
	}

	got, _ := b.FindAliases(ctx, "dup", 0)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %v", got)
	}

	if err := b.RemoveAlias(ctx, "dup", "a"); err != nil {
		t.Fatal(err)
	}
	got, _ = b.FindAliases(ctx, "dup", 0)
	if len(got) != 1 || got[0].Locator != "b" {
		t.Errorf("expected only b, got %v", got)
	}

	if err := b.RemoveAlias(ctx, "missing", "a"); err != nil {
		t.Errorf("removing from an unknown alias: %v", err)
	}
	if err := b.AddAlias(ctx, "", "a", 0, nil); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty alias name, got %v", err)
	}
}

func TestBackend_ConcurrentAliases(t *testing.T) {
	ctx := context.Background()
	b := memstore.New()

	const writers = 16
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				loc := core.BlobLocator(fmt.Sprintf("w%d/%d", w, i))
				if err := b.AddAlias(ctx, "hot", loc, i, nil); err != nil {
					t.Error(err)
					return
				}
				if i%2 == 1 {
					if err := b.RemoveAlias(ctx, "hot", loc); err != nil {
						t.Error(err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	got, err := b.FindAliases(ctx, "hot", 0)
	if err != nil {
		t.Fatal(err)
	}
	if want := writers * perWriter / 2; len(got) != want {
		t.Errorf("expected %d surviving aliases, got %d", want, len(got))
	}
	for _, a := range got {
		var w, i int
		if _, err := fmt.Sscanf(string(a.Locator), "w%d/%d", &w, &i); err != nil || i%2 == 1 {
			t.Errorf("unexpected survivor %s", a.Locator)
		}
	}
}
