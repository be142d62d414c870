// Package blobstore opens the storage backend named by a Config.
//
// Every backend speaks the same contract: write-once blobs addressed by
// locators, named refs pointing at blobs, and optional aliases. Callers pick
// the backend in configuration and program against Store.
package blobstore

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/agenthands/blobstore/pkg/core"
	"github.com/agenthands/blobstore/pkg/filestore"
	"github.com/agenthands/blobstore/pkg/httpstore"
	"github.com/agenthands/blobstore/pkg/indexstore"
	"github.com/agenthands/blobstore/pkg/jupiter"
	"github.com/agenthands/blobstore/pkg/memstore"
	"github.com/agenthands/blobstore/pkg/transform"
	"github.com/sourcegraph/conc/pool"
)

// DefaultConcurrency bounds ReadBlobs when no limit is given.
const DefaultConcurrency = 8

type OpenOptions struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
}

// OpenOption is a functional option for configuring Open.
type OpenOption func(*OpenOptions)

// WithLogger sets the logger handed to every backend.
func WithLogger(l *slog.Logger) OpenOption {
	return func(o *OpenOptions) { o.Logger = l }
}

// WithHTTPClient overrides the control-plane client of the http and jupiter
// backends. Timeouts from the config are ignored when it is set.
func WithHTTPClient(c *http.Client) OpenOption {
	return func(o *OpenOptions) { o.HTTPClient = c }
}

// Open validates cfg and builds the backend it names.
func Open(ctx context.Context, cfg Config, opts ...OpenOption) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := &OpenOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}

	switch cfg.Backend {
	case core.BackendMemory, "":
		return nopCloser{memstore.New()}, nil

	case core.BackendFile:
		if cfg.File.Dir == "" {
			return nil, fmt.Errorf("%w: file backend needs a directory", core.ErrInvalidInput)
		}
		tr, err := transform.FromConfig(cfg.Transform)
		if err != nil {
			return nil, err
		}
		b, err := filestore.New(cfg.File.Dir, filestore.Options{Transform: tr, Logger: o.Logger})
		if err != nil {
			return nil, fmt.Errorf("failed to open file backend: %w", err)
		}
		return nopCloser{b}, nil

	case core.BackendIndexed:
		if cfg.Indexed.Dir == "" {
			return nil, fmt.Errorf("%w: indexed backend needs a directory", core.ErrInvalidInput)
		}
		tr, err := transform.FromConfig(cfg.Transform)
		if err != nil {
			return nil, err
		}
		b, err := indexstore.Open(cfg.Indexed.Dir, indexstore.Options{Transform: tr, Logger: o.Logger})
		if err != nil {
			return nil, fmt.Errorf("failed to open indexed backend: %w", err)
		}
		return b, nil

	case core.BackendHTTP:
		hopts := httpstore.Options{
			BaseURL:         cfg.HTTP.BaseURL,
			Token:           cfg.HTTP.Token,
			Client:          o.HTTPClient,
			PreferRedirects: cfg.HTTP.PreferRedirects,
			RedirectRetries: cfg.HTTP.RedirectRetries,
			Logger:          o.Logger,
		}
		if hopts.Client == nil && cfg.HTTP.Timeout > 0 {
			hopts.Client = &http.Client{Timeout: cfg.HTTP.Timeout}
		}
		if cfg.HTTP.RedirectTimeout > 0 {
			hopts.RedirectClient = &http.Client{Timeout: cfg.HTTP.RedirectTimeout}
		}
		b, err := httpstore.New(hopts)
		if err != nil {
			return nil, err
		}
		return nopCloser{b}, nil

	case core.BackendJupiter:
		jopts := jupiter.Options{
			BaseURL:   cfg.Jupiter.BaseURL,
			Namespace: cfg.Jupiter.Namespace,
			Bucket:    cfg.Jupiter.Bucket,
			Token:     cfg.Jupiter.Token,
			Client:    o.HTTPClient,
			Logger:    o.Logger,
		}
		if jopts.Client == nil && cfg.Jupiter.Timeout > 0 {
			jopts.Client = &http.Client{Timeout: cfg.Jupiter.Timeout}
		}
		b, err := jupiter.New(jopts)
		if err != nil {
			return nil, err
		}
		return nopCloser{b}, nil

	default:
		return nil, fmt.Errorf("%w: unknown backend %q", core.ErrInvalidInput, cfg.Backend)
	}
}

type nopCloser struct {
	core.Backend
}

func (nopCloser) Close() error { return nil }

// ReadBlobs fetches whole blobs in parallel, at most concurrency at a time.
// The result is keyed by locator. The first failure cancels the rest.
func ReadBlobs(ctx context.Context, b core.Backend, locators []BlobLocator, concurrency int) (map[BlobLocator][]byte, error) {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	var mu sync.Mutex
	out := make(map[BlobLocator][]byte, len(locators))

	p := pool.New().WithMaxGoroutines(concurrency).WithContext(ctx).WithCancelOnError()
	for _, loc := range locators {
		p.Go(func(ctx context.Context) error {
			data, err := b.ReadBlob(ctx, loc, 0, core.ToEnd)
			if err != nil {
				return fmt.Errorf("read %s: %w", loc, err)
			}
			mu.Lock()
			out[loc] = data
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
