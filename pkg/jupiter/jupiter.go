// Package jupiter stores blobs in a content-addressed remote service.
//
// Locators are self-describing: "<hash>.bin" is a raw blob, "<hash>.obj" is
// a compact-binary document carrying the blob's bytes plus typed references
// to its imports. Reads return only the bytes; the imports are available
// through ReadImports.
package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agenthands/blobstore/pkg/core"
)

// ContentType marks compact-binary bodies.
const ContentType = "application/x-ue-cb"

const DefaultTimeout = 2 * time.Minute

type Options struct {
	BaseURL   string
	Namespace string
	Bucket    string
	Token     string
	Client    *http.Client
	Logger    *slog.Logger
}

// Backend is safe for concurrent use.
type Backend struct {
	base      *url.URL
	namespace string
	bucket    string
	token     string
	client    *http.Client
	logger    *slog.Logger

	binariesWritten atomic.Int64
	objectsWritten  atomic.Int64
	bytesWritten    atomic.Int64
	bytesRead       atomic.Int64
}

var _ core.Backend = (*Backend)(nil)

func New(opts Options) (*Backend, error) {
	if opts.BaseURL == "" || opts.Namespace == "" {
		return nil, fmt.Errorf("%w: jupiter base URL and namespace are required", core.ErrInvalidInput)
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: base URL %q: %v", core.ErrInvalidInput, opts.BaseURL, err)
	}
	b := &Backend{
		base:      base,
		namespace: opts.Namespace,
		bucket:    opts.Bucket,
		token:     opts.Token,
		client:    opts.Client,
		logger:    opts.Logger,
	}
	if b.bucket == "" {
		b.bucket = "default"
	}
	if b.client == nil {
		b.client = &http.Client{Timeout: DefaultTimeout}
	}
	if b.logger == nil {
		b.logger = slog.New(slog.DiscardHandler)
	}
	return b, nil
}

func (b *Backend) blobURL(hash core.IoHash) string {
	return b.base.JoinPath("api/v1/blobs", b.namespace, hash.String()).String()
}

// refURL keys refs by the hash of their name.
func (b *Backend) refURL(name core.RefName) string {
	id := core.ComputeIoHash([]byte(name))
	return b.base.JoinPath("api/v1/refs", b.namespace, b.bucket, id.String()).String()
}

func (b *Backend) do(ctx context.Context, method, target, contentType string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", ContentType+", application/octet-stream, application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	return resp, nil
}

func (b *Backend) SupportsRedirects() bool { return false }

func (b *Backend) OpenBlob(ctx context.Context, locator core.BlobLocator, offset, length int64) (io.ReadCloser, error) {
	data, err := b.ReadBlob(ctx, locator, offset, length)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// ReadBlob fetches the whole attachment, verifies it against the locator's
// hash and applies the range locally.
func (b *Backend) ReadBlob(ctx context.Context, locator core.BlobLocator, offset, length int64) ([]byte, error) {
	a, err := ParseLocator(locator)
	if err != nil {
		return nil, err
	}
	data, _, err := b.fetch(ctx, a)
	if err != nil {
		return nil, err
	}
	start, end, err := core.ClampRange(int64(len(data)), offset, length)
	if err != nil {
		return nil, err
	}
	return data[start:end], nil
}

// ReadImports returns the locators an object was written with. Binary
// locators have none.
func (b *Backend) ReadImports(ctx context.Context, locator core.BlobLocator) ([]core.BlobLocator, error) {
	a, err := ParseLocator(locator)
	if err != nil {
		return nil, err
	}
	if a.Kind == KindBinary {
		return nil, nil
	}
	_, imports, err := b.fetch(ctx, a)
	if err != nil {
		return nil, err
	}
	out := make([]core.BlobLocator, len(imports))
	for i, imp := range imports {
		out[i] = imp.Locator()
	}
	return out, nil
}

func (b *Backend) fetch(ctx context.Context, a Attachment) ([]byte, []Attachment, error) {
	resp, err := b.do(ctx, http.MethodGet, b.blobURL(a.Hash), "", nil)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, statusError(resp)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading blob %s: %w", a.Locator(), err)
	}
	b.bytesRead.Add(int64(len(payload)))
	if got := core.ComputeIoHash(payload); got != a.Hash {
		return nil, nil, fmt.Errorf("%w: blob %s has hash %s", core.ErrProtocol, a.Locator(), got)
	}
	if a.Kind == KindBinary {
		return payload, nil, nil
	}
	data, imports, err := decodeObject(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("blob %s: %w", a.Locator(), err)
	}
	return data, imports, nil
}

// WriteBlob uploads raw bytes when there are no imports and an object
// document otherwise. Prefixes are ignored. An explicit locator must match
// the content.
func (b *Backend) WriteBlob(ctx context.Context, req core.WriteRequest) (core.BlobLocator, error) {
	imports := make([]Attachment, 0, len(req.Imports))
	for _, imp := range req.Imports {
		a, err := ParseLocator(imp)
		if err != nil {
			return "", err
		}
		imports = append(imports, a)
	}

	var data []byte
	if req.Data != nil {
		var err error
		if data, err = io.ReadAll(req.Data); err != nil {
			return "", fmt.Errorf("reading blob data: %w", err)
		}
	}

	a := Attachment{Kind: KindBinary}
	payload, contentType := data, "application/octet-stream"
	if len(imports) > 0 {
		var err error
		if payload, err = encodeObject(data, imports); err != nil {
			return "", err
		}
		a.Kind, contentType = KindObject, ContentType
	}
	if payload == nil {
		payload = []byte{}
	}
	a.Hash = core.ComputeIoHash(payload)
	locator := a.Locator()
	if !req.Locator.IsEmpty() && req.Locator != locator {
		return "", fmt.Errorf("%w: locator %s does not match content %s", core.ErrInvalidInput, req.Locator, locator)
	}

	resp, err := b.do(ctx, http.MethodPost, b.blobURL(a.Hash), contentType, payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusError(resp)
	}

	var ack struct {
		Identifier string `json:"identifier"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return "", fmt.Errorf("%w: decoding upload response for %s: %v", core.ErrProtocol, locator, err)
	}
	if !strings.EqualFold(ack.Identifier, a.Hash.String()) {
		return "", fmt.Errorf("%w: server stored %s as %q", core.ErrProtocol, locator, ack.Identifier)
	}

	if a.Kind == KindObject {
		b.objectsWritten.Add(1)
	} else {
		b.binariesWritten.Add(1)
	}
	b.bytesWritten.Add(int64(len(payload)))
	b.logger.Debug("blob uploaded", "locator", locator, "bytes", len(payload), "imports", len(imports))
	return locator, nil
}

func (b *Backend) TryGetReadRedirect(ctx context.Context, locator core.BlobLocator) (*url.URL, error) {
	return nil, nil
}

func (b *Backend) TryGetWriteRedirect(ctx context.Context, locator core.BlobLocator, imports []core.BlobLocator, prefix string) (core.BlobLocator, *url.URL, error) {
	return "", nil, nil
}

func (b *Backend) ReadRef(ctx context.Context, name core.RefName, cacheHint time.Duration) (core.HashedBlobRefValue, bool, error) {
	if err := core.ValidateRefName(name); err != nil {
		return core.HashedBlobRefValue{}, false, err
	}
	resp, err := b.do(ctx, http.MethodGet, b.refURL(name), "", nil)
	if err != nil {
		return core.HashedBlobRefValue{}, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return core.HashedBlobRefValue{}, false, nil
	default:
		return core.HashedBlobRefValue{}, false, statusError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.HashedBlobRefValue{}, false, fmt.Errorf("reading ref %s: %w", name, err)
	}
	value, err := decodeRef(body)
	if err != nil {
		return core.HashedBlobRefValue{}, false, fmt.Errorf("ref %s: %w", name, err)
	}
	return value, true, nil
}

func (b *Backend) WriteRef(ctx context.Context, name core.RefName, value core.HashedBlobRefValue) error {
	if err := core.ValidateRefName(name); err != nil {
		return err
	}
	body, err := encodeRef(value)
	if err != nil {
		return fmt.Errorf("ref %s: %w", name, err)
	}
	resp, err := b.do(ctx, http.MethodPut, b.refURL(name), ContentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	return nil
}

func (b *Backend) DeleteRef(ctx context.Context, name core.RefName) (bool, error) {
	if err := core.ValidateRefName(name); err != nil {
		return false, err
	}
	resp, err := b.do(ctx, http.MethodDelete, b.refURL(name), "", nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	default:
		return false, statusError(resp)
	}
}

func (b *Backend) AddAlias(ctx context.Context, name string, locator core.BlobLocator, rank int, data []byte) error {
	return fmt.Errorf("%w: jupiter backend has no aliases", core.ErrUnsupported)
}

func (b *Backend) RemoveAlias(ctx context.Context, name string, locator core.BlobLocator) error {
	return fmt.Errorf("%w: jupiter backend has no aliases", core.ErrUnsupported)
}

func (b *Backend) FindAliases(ctx context.Context, name string, maxResults int) ([]core.BlobAliasLocator, error) {
	return nil, fmt.Errorf("%w: jupiter backend has no aliases", core.ErrUnsupported)
}

func (b *Backend) UpdateMetadata(ctx context.Context, req core.UpdateMetadataRequest) error {
	return core.ApplyMetadata(ctx, b, req)
}

func (b *Backend) GetStats(stats *core.Stats) {
	stats.Add("jupiter.binaries_written", b.binariesWritten.Load())
	stats.Add("jupiter.objects_written", b.objectsWritten.Load())
	stats.Add("jupiter.bytes_written", b.bytesWritten.Load())
	stats.Add("jupiter.bytes_read", b.bytesRead.Load())
}

func statusError(resp *http.Response) *core.StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &core.StatusError{
		Method:     resp.Request.Method,
		URL:        resp.Request.URL.Redacted(),
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
