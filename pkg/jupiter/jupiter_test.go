package jupiter_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/agenthands/blobstore/pkg/core"
	"github.com/agenthands/blobstore/pkg/jupiter"
	"github.com/agenthands/blobstore/pkg/storagetest"
)

// fakeServer keeps blobs and refs in memory, keyed by the last path segment.
type fakeServer struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	refs   map[string][]byte
	tamper bool
	types  map[string]string
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	f := &fakeServer{
		blobs: make(map[string][]byte),
		refs:  make(map[string][]byte),
		types: make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/blobs/{ns}/{id}", f.getBlob)
	mux.HandleFunc("POST /api/v1/blobs/{ns}/{id}", f.putBlob)
	mux.HandleFunc("GET /api/v1/refs/{ns}/{bucket}/{id}", f.getRef)
	mux.HandleFunc("PUT /api/v1/refs/{ns}/{bucket}/{id}", f.putRef)
	mux.HandleFunc("DELETE /api/v1/refs/{ns}/{bucket}/{id}", f.deleteRef)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeServer) getBlob(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	data, ok := f.blobs[r.PathValue("id")]
	tamper := f.tamper
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if tamper && len(data) > 0 {
		data = bytes.Clone(data)
		data[0] ^= 0xff
	}
	_, _ = w.Write(data)
}

func (f *fakeServer) putBlob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	if core.ComputeIoHash(body).String() != id {
		http.Error(w, "hash mismatch", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.blobs[id] = body
	f.types[id] = r.Header.Get("Content-Type")
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]string{"identifier": id})
}

func (f *fakeServer) getRef(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	body, ok := f.refs[r.PathValue("id")]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(body)
}

func (f *fakeServer) putRef(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.refs[r.PathValue("id")] = body
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (f *fakeServer) deleteRef(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	_, ok := f.refs[r.PathValue("id")]
	delete(f.refs, r.PathValue("id"))
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeServer) contentType(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.types[id]
}

func newBackend(t *testing.T) (*jupiter.Backend, *fakeServer) {
	f, srv := newFakeServer(t)
	b, err := jupiter.New(jupiter.Options{BaseURL: srv.URL, Namespace: "ns", Bucket: "bucket", Client: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}
	return b, f
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) core.Backend {
		b, _ := newBackend(t)
		return b
	}, storagetest.Capabilities{ContentAddressed: true})
}

func TestNewRequiresNamespace(t *testing.T) {
	if _, err := jupiter.New(jupiter.Options{BaseURL: "http://localhost"}); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestLeafBlobsAreBinary(t *testing.T) {
	b, f := newBackend(t)
	ctx := context.Background()

	loc, err := b.WriteBlob(ctx, core.WriteRequest{Data: strings.NewReader("leaf")})
	if err != nil {
		t.Fatal(err)
	}
	a, err := jupiter.ParseLocator(loc)
	if err != nil {
		t.Fatal(err)
	}
	if a.Kind != jupiter.KindBinary {
		t.Errorf("expected a binary attachment, got %s", a.Kind)
	}
	if want := core.ComputeIoHash([]byte("leaf")); a.Hash != want {
		t.Errorf("binary locator should hash the raw bytes: got %s, want %s", a.Hash, want)
	}
	if ct := f.contentType(a.Hash.String()); ct != "application/octet-stream" {
		t.Errorf("unexpected content type %q", ct)
	}

	imports, err := b.ReadImports(ctx, loc)
	if err != nil || len(imports) != 0 {
		t.Errorf("expected no imports, got %v (err=%v)", imports, err)
	}
}

func TestObjectsCarryImports(t *testing.T) {
	b, f := newBackend(t)
	ctx := context.Background()

	leafA, err := b.WriteBlob(ctx, core.WriteRequest{Data: strings.NewReader("a")})
	if err != nil {
		t.Fatal(err)
	}
	leafB, err := b.WriteBlob(ctx, core.WriteRequest{Data: strings.NewReader("b")})
	if err != nil {
		t.Fatal(err)
	}
	inner, err := b.WriteBlob(ctx, core.WriteRequest{Data: strings.NewReader("inner"), Imports: []core.BlobLocator{leafA}})
	if err != nil {
		t.Fatal(err)
	}

	first, err := b.WriteBlob(ctx, core.WriteRequest{
		Data:    strings.NewReader("root"),
		Imports: []core.BlobLocator{leafA, inner, leafB},
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.WriteBlob(ctx, core.WriteRequest{
		Data:    strings.NewReader("root"),
		Imports: []core.BlobLocator{leafB, inner, leafA, leafB},
	})
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("import order changed the locator: %s vs %s", first, second)
	}

	a, _ := jupiter.ParseLocator(first)
	if a.Kind != jupiter.KindObject {
		t.Errorf("expected an object attachment, got %s", a.Kind)
	}
	if ct := f.contentType(a.Hash.String()); ct != jupiter.ContentType {
		t.Errorf("unexpected content type %q", ct)
	}

	data, err := b.ReadBlob(ctx, first, 0, core.ToEnd)
	if err != nil || string(data) != "root" {
		t.Fatalf("expected the object's bytes back, got %q (err=%v)", data, err)
	}
	data, err = b.ReadBlob(ctx, first, 1, 2)
	if err != nil || string(data) != "oo" {
		t.Errorf("expected ranged read %q, got %q (err=%v)", "oo", data, err)
	}

	imports, err := b.ReadImports(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	got := map[core.BlobLocator]bool{}
	for _, imp := range imports {
		got[imp] = true
	}
	if len(imports) != 3 || !got[leafA] || !got[leafB] || !got[inner] {
		t.Errorf("unexpected imports %v", imports)
	}
}

func TestExplicitLocatorMustMatchContent(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()

	right := core.BlobLocator(core.ComputeIoHash([]byte("x")).String() + ".bin")
	got, err := b.WriteBlob(ctx, core.WriteRequest{Locator: right, Data: strings.NewReader("x")})
	if err != nil || got != right {
		t.Fatalf("expected %s, got %s (err=%v)", right, got, err)
	}

	wrong := core.BlobLocator(core.ComputeIoHash([]byte("y")).String() + ".bin")
	if _, err := b.WriteBlob(ctx, core.WriteRequest{Locator: wrong, Data: strings.NewReader("x")}); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestReadVerifiesHash(t *testing.T) {
	b, f := newBackend(t)
	ctx := context.Background()

	loc, err := b.WriteBlob(ctx, core.WriteRequest{Data: strings.NewReader("genuine")})
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	f.tamper = true
	f.mu.Unlock()

	if _, err := b.ReadBlob(ctx, loc, 0, core.ToEnd); !errors.Is(err, core.ErrProtocol) {
		t.Errorf("expected ErrProtocol for corrupted content, got %v", err)
	}
}

func TestRejectsForeignLocators(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()

	if _, err := b.ReadBlob(ctx, "builds/42/abc", 0, core.ToEnd); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("ReadBlob: expected ErrInvalidInput, got %v", err)
	}
	_, err := b.WriteBlob(ctx, core.WriteRequest{Data: strings.NewReader("x"), Imports: []core.BlobLocator{"plain"}})
	if !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("WriteBlob: expected ErrInvalidInput for a foreign import, got %v", err)
	}
	value := core.HashedBlobRefValue{Locator: "plain"}
	if err := b.WriteRef(ctx, "main", value); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("WriteRef: expected ErrInvalidInput, got %v", err)
	}
}

func TestParseLocator(t *testing.T) {
	hash := core.ComputeIoHash([]byte("p"))
	tests := []struct {
		locator string
		kind    jupiter.Kind
		ok      bool
	}{
		{hash.String() + ".bin", jupiter.KindBinary, true},
		{hash.String() + ".obj", jupiter.KindObject, true},
		{hash.String(), 0, false},
		{hash.String() + ".txt", 0, false},
		{"zz" + hash.String()[2:] + ".bin", 0, false},
		{".bin", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.locator, func(t *testing.T) {
			a, err := jupiter.ParseLocator(core.BlobLocator(tt.locator))
			if !tt.ok {
				if !errors.Is(err, core.ErrInvalidInput) {
					t.Errorf("expected ErrInvalidInput, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if a.Kind != tt.kind || a.Hash != hash {
				t.Errorf("unexpected attachment %+v", a)
			}
			if a.Locator() != core.BlobLocator(tt.locator) {
				t.Errorf("Locator() = %s, want %s", a.Locator(), tt.locator)
			}
		})
	}
}
