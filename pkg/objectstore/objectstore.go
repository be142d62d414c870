// Package objectstore keeps one file per blob under a root directory.
//
// Writes land in a temporary file and are published with a hard link, so a
// blob is either fully present under its key or absent. Keys are write-once.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/agenthands/blobstore/pkg/core"
	"github.com/agenthands/blobstore/pkg/transform"
)

// DefaultSuffix is appended to every object file name.
const DefaultSuffix = ".blob"

type Options struct {
	// Transform encodes stored bytes. Nil means none.
	Transform transform.Transform

	// Suffix overrides DefaultSuffix.
	Suffix string
}

// Store is safe for concurrent use.
type Store struct {
	root   string
	suffix string
	tr     transform.Transform
}

// New creates the root directory if needed.
func New(root string, opts Options) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: object store root not specified", core.ErrInvalidInput)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating object store root %s: %w", root, err)
	}
	s := &Store{root: root, suffix: opts.Suffix, tr: opts.Transform}
	if s.suffix == "" {
		s.suffix = DefaultSuffix
	}
	if s.tr == nil {
		s.tr = transform.NewNone()
	}
	return s, nil
}

// Root returns the directory the store was opened on.
func (s *Store) Root() string { return s.root }

// Path returns the file backing key.
func (s *Store) Path(key core.BlobLocator) string {
	return filepath.Join(s.root, filepath.FromSlash(string(key))) + s.suffix
}

// Write stores the contents of r under key. It fails with
// core.ErrAlreadyExists if key is populated, and leaves nothing behind when
// r fails or ctx is cancelled.
func (s *Store) Write(ctx context.Context, key core.BlobLocator, r io.Reader) (int64, error) {
	if err := core.ValidateLocator(key); err != nil {
		return 0, err
	}
	path := s.Path(key)
	if _, err := os.Lstat(path); err == nil {
		return 0, fmt.Errorf("%w: blob %s", core.ErrAlreadyExists, key)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("creating temporary file for %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	n, err := s.copyEncoded(tmp, contextReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("writing blob %s: %w", key, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return 0, fmt.Errorf("%w: blob %s", core.ErrAlreadyExists, key)
		}
		return 0, fmt.Errorf("publishing blob %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) copyEncoded(w io.Writer, r io.Reader) (int64, error) {
	if s.tr.Name() == "none" {
		return io.Copy(w, r)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	stored, err := s.tr.Encode(plain)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(stored); err != nil {
		return 0, err
	}
	return int64(len(plain)), nil
}

// Open streams the byte range [offset, offset+length) of key.
func (s *Store) Open(ctx context.Context, key core.BlobLocator, offset, length int64) (io.ReadCloser, error) {
	if err := core.ValidateLocator(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.Path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: blob %s", core.ErrNotFound, key)
		}
		return nil, fmt.Errorf("opening blob %s: %w", key, err)
	}

	if s.tr.Name() != "none" {
		defer f.Close()
		stored, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("reading blob %s: %w", key, err)
		}
		plain, err := s.tr.Decode(stored)
		if err != nil {
			return nil, fmt.Errorf("decoding blob %s: %w", key, err)
		}
		start, end, err := core.ClampRange(int64(len(plain)), offset, length)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(plain[start:end])), nil
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat blob %s: %w", key, err)
	}
	start, end, err := core.ClampRange(info.Size(), offset, length)
	if err != nil {
		f.Close()
		return nil, err
	}
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seeking blob %s: %w", key, err)
		}
	}
	return &rangeReader{Reader: io.LimitReader(f, end-start), f: f}, nil
}

// Read is Open fully buffered.
func (s *Store) Read(ctx context.Context, key core.BlobLocator, offset, length int64) ([]byte, error) {
	rc, err := s.Open(ctx, key, offset, length)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(contextReader{ctx: ctx, r: rc})
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether key is populated.
func (s *Store) Exists(key core.BlobLocator) (bool, error) {
	if err := core.ValidateLocator(key); err != nil {
		return false, err
	}
	_, err := os.Stat(s.Path(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Walk calls fn for every stored key in lexical order.
func (s *Store) Walk(ctx context.Context, fn func(key core.BlobLocator) error) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, s.suffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		return fn(core.BlobLocator(filepath.ToSlash(strings.TrimSuffix(rel, s.suffix))))
	})
}

type rangeReader struct {
	io.Reader
	f *os.File
}

func (r *rangeReader) Close() error { return r.f.Close() }

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
