// Package httpstore is a client for a remote store serving the storageserver
// wire surface. Bulk bytes can bypass the remote service through negotiated
// upload and download redirects.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agenthands/blobstore/pkg/core"
	"github.com/agenthands/blobstore/pkg/storageserver"
	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultTimeout            = 2 * time.Minute
	DefaultRedirectTimeout    = 15 * time.Minute
	DefaultRedirectRetries    = 3
	DefaultRedirectRetryDelay = 250 * time.Millisecond
)

type Options struct {
	// BaseURL is the namespace root, e.g. https://host/api/v1/storage/default/.
	BaseURL string

	// Token is sent as a bearer credential on every control-plane request.
	Token string

	// Client carries control-plane requests. Defaults to a client with
	// DefaultTimeout.
	Client *http.Client

	// RedirectClient uploads to negotiated URLs. Defaults to a client with
	// DefaultRedirectTimeout.
	RedirectClient *http.Client

	// PreferRedirects seeds the redirect hint before the server has
	// advertised support.
	PreferRedirects bool

	RedirectRetries    int
	RedirectRetryDelay time.Duration

	Logger *slog.Logger
}

// Backend is safe for concurrent use.
type Backend struct {
	base           *url.URL
	token          string
	client         *http.Client
	headClient     *http.Client
	redirectClient *http.Client
	retries        int
	retryDelay     time.Duration
	logger         *slog.Logger

	// supportsRedirects is a hint shared by all calls. A race on it costs at
	// most one extra negotiation.
	supportsRedirects atomic.Bool

	reads            readTracker
	redirectUploads  atomic.Int64
	redirectFailures atomic.Int64
}

var _ core.Backend = (*Backend)(nil)

func New(opts Options) (*Backend, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("%w: http backend base URL not specified", core.ErrInvalidInput)
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: base URL %q: %v", core.ErrInvalidInput, opts.BaseURL, err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	b := &Backend{
		base:           base,
		token:          opts.Token,
		client:         opts.Client,
		redirectClient: opts.RedirectClient,
		retries:        opts.RedirectRetries,
		retryDelay:     opts.RedirectRetryDelay,
		logger:         opts.Logger,
	}
	if b.client == nil {
		b.client = &http.Client{Timeout: DefaultTimeout}
	}
	if b.redirectClient == nil {
		b.redirectClient = &http.Client{Timeout: DefaultRedirectTimeout}
	}
	if b.retries <= 0 {
		b.retries = DefaultRedirectRetries
	}
	if b.retryDelay <= 0 {
		b.retryDelay = DefaultRedirectRetryDelay
	}
	if b.logger == nil {
		b.logger = slog.New(slog.DiscardHandler)
	}

	headClient := *b.client
	headClient.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	b.headClient = &headClient

	b.supportsRedirects.Store(opts.PreferRedirects)
	return b, nil
}

func (b *Backend) SupportsRedirects() bool { return b.supportsRedirects.Load() }

func (b *Backend) endpoint(rel string) string {
	return b.base.JoinPath(rel).String()
}

func (b *Backend) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	return req, nil
}

func (b *Backend) OpenBlob(ctx context.Context, locator core.BlobLocator, offset, length int64) (io.ReadCloser, error) {
	if err := core.ValidateLocator(locator); err != nil {
		return nil, err
	}
	if offset < 0 || length < core.ToEnd {
		return nil, fmt.Errorf("%w: range offset=%d length=%d", core.ErrInvalidInput, offset, length)
	}
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	req, err := b.newRequest(ctx, http.MethodGet, b.endpoint("blobs/"+string(locator)), nil)
	if err != nil {
		return nil, err
	}
	ranged := offset > 0 || length != core.ToEnd
	if ranged {
		if length == core.ToEnd {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		}
	}

	start := b.reads.begin()
	resp, err := b.client.Do(req)
	if err != nil {
		b.reads.end(start, 0)
		return nil, fmt.Errorf("reading blob %s: %w", locator, err)
	}

	var body io.Reader = resp.Body
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// The server ignored the Range header.
		if ranged && offset > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
				resp.Body.Close()
				b.reads.end(start, 0)
				if errors.Is(err, io.EOF) {
					return nil, fmt.Errorf("%w: offset %d past end of blob %s", core.ErrInvalidInput, offset, locator)
				}
				return nil, fmt.Errorf("reading blob %s: %w", locator, err)
			}
		}
	default:
		err := statusError(resp)
		b.reads.end(start, 0)
		return nil, err
	}
	if length != core.ToEnd {
		body = io.LimitReader(body, length)
	}
	return &trackedBody{Reader: body, closer: resp.Body, tracker: &b.reads, start: start}, nil
}

func (b *Backend) ReadBlob(ctx context.Context, locator core.BlobLocator, offset, length int64) ([]byte, error) {
	rc, err := b.OpenBlob(ctx, locator, offset, length)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", locator, err)
	}
	return data, nil
}

// WriteBlob negotiates a redirect first while the server advertises
// support. A failed redirect upload fails this call and disables the hint;
// the next call writes directly.
func (b *Backend) WriteBlob(ctx context.Context, req core.WriteRequest) (core.BlobLocator, error) {
	if !req.Locator.IsEmpty() {
		if err := core.ValidateLocator(req.Locator); err != nil {
			return "", err
		}
	}
	for _, imp := range req.Imports {
		if err := core.ValidateLocator(imp); err != nil {
			return "", err
		}
	}

	if b.supportsRedirects.Load() {
		locator, uploadURL, err := b.negotiate(ctx, req.Locator, req.Imports, req.Prefix)
		if err != nil {
			return "", err
		}
		if uploadURL != nil {
			if err := b.uploadRedirect(ctx, uploadURL, req.Data); err != nil {
				b.redirectFailures.Add(1)
				b.supportsRedirects.Store(false)
				b.logger.Warn("redirect upload failed, disabling redirects", "locator", locator, "error", err)
				return "", fmt.Errorf("uploading blob %s: %w", locator, err)
			}
			b.redirectUploads.Add(1)
			return locator, nil
		}
	}
	return b.writeDirect(ctx, req)
}

func (b *Backend) blobsEndpoint(locator core.BlobLocator) (method, target string) {
	if locator.IsEmpty() {
		return http.MethodPost, b.endpoint("blobs")
	}
	return http.MethodPut, b.endpoint("blobs/" + string(locator))
}

// writeMultipart emits the form fields shared by direct writes and
// negotiations. data is nil for a negotiation.
func writeMultipart(mw *multipart.Writer, imports []core.BlobLocator, prefix string, data io.Reader) error {
	for _, imp := range imports {
		if err := mw.WriteField("import", string(imp)); err != nil {
			return err
		}
	}
	if len(imports) == 0 {
		if err := mw.WriteField("leaf", "true"); err != nil {
			return err
		}
	}
	if prefix != "" {
		if err := mw.WriteField("prefix", prefix); err != nil {
			return err
		}
	}
	if data != nil {
		part, err := mw.CreateFormFile("file", "blob")
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, data); err != nil {
			return err
		}
	}
	return mw.Close()
}

func (b *Backend) postForm(ctx context.Context, locator core.BlobLocator, imports []core.BlobLocator, prefix string, data io.Reader) (storageserver.WriteBlobResponse, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeMultipart(mw, imports, prefix, data))
	}()

	method, target := b.blobsEndpoint(locator)
	req, err := b.newRequest(ctx, method, target, pr)
	if err != nil {
		pr.Close()
		return storageserver.WriteBlobResponse{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.client.Do(req)
	if err != nil {
		return storageserver.WriteBlobResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return storageserver.WriteBlobResponse{}, statusError(resp)
	}

	var out storageserver.WriteBlobResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return storageserver.WriteBlobResponse{}, fmt.Errorf("%w: decoding %s %s response: %v", core.ErrProtocol, method, target, err)
	}
	b.supportsRedirects.Store(out.SupportsRedirects)
	return out, nil
}

func (b *Backend) writeDirect(ctx context.Context, req core.WriteRequest) (core.BlobLocator, error) {
	data := req.Data
	if data == nil {
		data = bytes.NewReader(nil)
	}
	resp, err := b.postForm(ctx, req.Locator, req.Imports, req.Prefix, data)
	if err != nil {
		return "", fmt.Errorf("writing blob: %w", err)
	}
	if resp.Blob.IsEmpty() {
		return "", fmt.Errorf("%w: server returned no locator", core.ErrProtocol)
	}
	return resp.Blob, nil
}

func (b *Backend) negotiate(ctx context.Context, locator core.BlobLocator, imports []core.BlobLocator, prefix string) (core.BlobLocator, *url.URL, error) {
	resp, err := b.postForm(ctx, locator, imports, prefix, nil)
	if err != nil {
		return "", nil, fmt.Errorf("negotiating write redirect: %w", err)
	}
	if resp.UploadURL == "" {
		return "", nil, nil
	}
	u, err := url.Parse(resp.UploadURL)
	if err != nil {
		return "", nil, fmt.Errorf("%w: upload URL %q: %v", core.ErrProtocol, resp.UploadURL, err)
	}
	if resp.Blob.IsEmpty() {
		return "", nil, fmt.Errorf("%w: redirect granted without a locator", core.ErrProtocol)
	}
	return resp.Blob, u, nil
}

// uploadRedirect PUTs data to u, retrying transient failures with
// exponential backoff.
func (b *Backend) uploadRedirect(ctx context.Context, u *url.URL, data io.Reader) error {
	var payload []byte
	if data != nil {
		var err error
		if payload, err = io.ReadAll(data); err != nil {
			return err
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.retryDelay

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.ContentLength = int64(len(payload))
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := b.redirectClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, fmt.Errorf("%w: %v", core.ErrTransient, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return struct{}{}, nil
		}
		serr := statusError(resp)
		if serr.Transient() {
			return struct{}{}, serr
		}
		return struct{}{}, backoff.Permanent(serr)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(b.retries)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			b.logger.Debug("retrying redirect upload", "attempt", attempt, "wait", wait, "error", err)
		}),
	)
	return err
}

func (b *Backend) TryGetReadRedirect(ctx context.Context, locator core.BlobLocator) (*url.URL, error) {
	if !b.supportsRedirects.Load() {
		return nil, nil
	}
	if err := core.ValidateLocator(locator); err != nil {
		return nil, err
	}
	req, err := b.newRequest(ctx, http.MethodHead, b.endpoint("blobs/"+string(locator)), nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.headClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting read redirect for %s: %w", locator, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil, nil
	case http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		u, err := resp.Location()
		if err != nil {
			return nil, fmt.Errorf("%w: read redirect for %s: %v", core.ErrProtocol, locator, err)
		}
		return u, nil
	default:
		return nil, statusError(resp)
	}
}

func (b *Backend) TryGetWriteRedirect(ctx context.Context, locator core.BlobLocator, imports []core.BlobLocator, prefix string) (core.BlobLocator, *url.URL, error) {
	if !b.supportsRedirects.Load() {
		return "", nil, nil
	}
	return b.negotiate(ctx, locator, imports, prefix)
}

func (b *Backend) ReadRef(ctx context.Context, name core.RefName, cacheHint time.Duration) (core.HashedBlobRefValue, bool, error) {
	if err := core.ValidateRefName(name); err != nil {
		return core.HashedBlobRefValue{}, false, err
	}
	req, err := b.newRequest(ctx, http.MethodGet, b.endpoint("refs/"+string(name)), nil)
	if err != nil {
		return core.HashedBlobRefValue{}, false, err
	}
	if cacheHint > 0 {
		req.Header.Set("Cache-Control", "max-age="+strconv.Itoa(int((cacheHint+time.Second-1)/time.Second)))
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return core.HashedBlobRefValue{}, false, fmt.Errorf("reading ref %s: %w", name, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return core.HashedBlobRefValue{}, false, nil
	default:
		return core.HashedBlobRefValue{}, false, statusError(resp)
	}

	var value core.HashedBlobRefValue
	if err := json.NewDecoder(resp.Body).Decode(&value); err != nil {
		return core.HashedBlobRefValue{}, false, fmt.Errorf("%w: decoding ref %s: %v", core.ErrProtocol, name, err)
	}
	return value, true, nil
}

func (b *Backend) WriteRef(ctx context.Context, name core.RefName, value core.HashedBlobRefValue) error {
	if err := core.ValidateRefName(name); err != nil {
		return err
	}
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	req, err := b.newRequest(ctx, http.MethodPut, b.endpoint("refs/"+string(name)), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return b.doExpectSuccess(req)
}

func (b *Backend) DeleteRef(ctx context.Context, name core.RefName) (bool, error) {
	if err := core.ValidateRefName(name); err != nil {
		return false, err
	}
	req, err := b.newRequest(ctx, http.MethodDelete, b.endpoint("refs/"+string(name)), nil)
	if err != nil {
		return false, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("deleting ref %s: %w", name, err)
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
	return b.UpdateMetadata(ctx, core.UpdateMetadataRequest{
		AddAliases: []core.AddAliasRequest{{Name: name, Target: locator, Rank: rank, Data: data}},
	})
}

func (b *Backend) RemoveAlias(ctx context.Context, name string, locator core.BlobLocator) error {
	return b.UpdateMetadata(ctx, core.UpdateMetadataRequest{
		RemoveAliases: []core.RemoveAliasRequest{{Name: name, Target: locator}},
	})
}

func (b *Backend) FindAliases(ctx context.Context, name string, maxResults int) ([]core.BlobAliasLocator, error) {
	q := url.Values{"alias": {name}}
	if maxResults > 0 {
		q.Set("maxResults", strconv.Itoa(maxResults))
	}
	u := b.base.JoinPath("nodes")
	u.RawQuery = q.Encode()

	req, err := b.newRequest(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("finding aliases for %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var aliases []core.BlobAliasLocator
	if err := json.NewDecoder(resp.Body).Decode(&aliases); err != nil {
		return nil, fmt.Errorf("%w: decoding aliases for %s: %v", core.ErrProtocol, name, err)
	}
	return aliases, nil
}

// UpdateMetadata sends the whole batch in one request. The server applies
// it in order and stops at the first failure.
func (b *Backend) UpdateMetadata(ctx context.Context, update core.UpdateMetadataRequest) error {
	if update.IsEmpty() {
		return nil
	}
	body, err := json.Marshal(update)
	if err != nil {
		return err
	}
	req, err := b.newRequest(ctx, http.MethodPost, b.base.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return b.doExpectSuccess(req)
}

func (b *Backend) doExpectSuccess(req *http.Request) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (b *Backend) GetStats(stats *core.Stats) {
	snap := b.reads.snapshot()
	stats.Add("http.bytes_read", snap.bytes)
	stats.Add("http.read_wall_ms", snap.wall.Milliseconds())
	stats.Add("http.read_sequential_ms", snap.sequential.Milliseconds())
	if snap.wall > 0 {
		stats.Add("http.concurrency_ratio", int64(snap.sequential*100/snap.wall))
	}
	stats.Add("http.redirect_uploads", b.redirectUploads.Load())
	stats.Add("http.redirect_failures", b.redirectFailures.Load())
}

// statusError consumes resp.Body.
func statusError(resp *http.Response) *core.StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	return &core.StatusError{
		Method:     resp.Request.Method,
		URL:        resp.Request.URL.Redacted(),
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
