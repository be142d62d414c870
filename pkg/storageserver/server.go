// Package storageserver exposes any core.Backend over HTTP. Mount the
// handler under a namespace base such as /api/v1/storage/{namespace}/ with
// http.StripPrefix; httpstore is the matching client.
//
//	GET    blobs/{locator}        bytes, honoring a Range header
//	HEAD   blobs/{locator}        307 to the read redirect, or 200
//	POST   blobs                  multipart write, backend mints the locator
//	PUT    blobs/{locator}        multipart write to an explicit locator
//	GET    refs/{name}            {"hash", "target"}, 404 when absent
//	PUT    refs/{name}            replace the ref
//	DELETE refs/{name}            remove the ref
//	GET    nodes?alias=&maxResults=
//	POST   /                      UpdateMetadataRequest
//
// A write without a "file" part is a redirect negotiation.
package storageserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agenthands/blobstore/pkg/core"
)

// DefaultMaxMemory is the multipart size kept in memory before spooling to
// disk.
const DefaultMaxMemory = 32 << 20

// WriteBlobResponse answers POST blobs and PUT blobs/{locator}.
type WriteBlobResponse struct {
	Blob              core.BlobLocator `json:"blob"`
	UploadURL         string           `json:"uploadUrl,omitempty"`
	SupportsRedirects bool             `json:"supportsRedirects,omitempty"`
}

type Options struct {
	Logger    *slog.Logger
	MaxMemory int64
}

// Server is an http.Handler.
type Server struct {
	backend   core.Backend
	logger    *slog.Logger
	maxMemory int64
	mux       *http.ServeMux
}

func New(backend core.Backend, opts Options) *Server {
	s := &Server{
		backend:   backend,
		logger:    opts.Logger,
		maxMemory: opts.MaxMemory,
		mux:       http.NewServeMux(),
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.maxMemory <= 0 {
		s.maxMemory = DefaultMaxMemory
	}

	s.mux.HandleFunc("GET /blobs/{locator...}", s.handleReadBlob)
	s.mux.HandleFunc("POST /blobs", s.handleWriteBlob)
	s.mux.HandleFunc("PUT /blobs/{locator...}", s.handleWriteBlob)
	s.mux.HandleFunc("GET /refs/{name...}", s.handleReadRef)
	s.mux.HandleFunc("PUT /refs/{name...}", s.handleWriteRef)
	s.mux.HandleFunc("DELETE /refs/{name...}", s.handleDeleteRef)
	s.mux.HandleFunc("GET /nodes", s.handleFindAliases)
	s.mux.HandleFunc("POST /{$}", s.handleUpdateMetadata)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleReadBlob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	locator := core.BlobLocator(r.PathValue("locator"))

	if r.Method == http.MethodHead {
		u, err := s.backend.TryGetReadRedirect(ctx, locator)
		if err != nil && !errors.Is(err, core.ErrUnsupported) {
			s.writeError(w, r, err)
			return
		}
		if u != nil {
			w.Header().Set("Location", u.String())
			w.WriteHeader(http.StatusTemporaryRedirect)
			return
		}
		if _, err := s.backend.ReadBlob(ctx, locator, 0, 0); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	offset, length, ranged, err := parseRange(r.Header.Get("Range"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rc, err := s.backend.OpenBlob(ctx, locator, offset, length)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if ranged {
		if length > 0 {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", offset, offset+length-1))
		}
		w.WriteHeader(http.StatusPartialContent)
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("streaming blob failed", "locator", locator, "error", err)
	}
}

func (s *Server) handleWriteBlob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	locator := core.BlobLocator(r.PathValue("locator"))

	if err := r.ParseMultipartForm(s.maxMemory); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", core.ErrInvalidInput, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	var imports []core.BlobLocator
	for _, imp := range r.MultipartForm.Value["import"] {
		imports = append(imports, core.BlobLocator(imp))
	}
	prefix := r.FormValue("prefix")

	file, _, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		s.negotiateWrite(w, r, locator, imports, prefix)
		return
	}
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", core.ErrInvalidInput, err))
		return
	}
	defer file.Close()

	written, err := s.backend.WriteBlob(ctx, core.WriteRequest{
		Locator: locator,
		Data:    file,
		Imports: imports,
		Prefix:  prefix,
	})
	if errors.Is(err, core.ErrAlreadyExists) && !locator.IsEmpty() {
		// Rewriting identical bytes to an explicit locator succeeds.
		same, cmpErr := s.sameContent(ctx, locator, file)
		if cmpErr != nil {
			err = cmpErr
		} else if same {
			written, err = locator, nil
		}
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, WriteBlobResponse{
		Blob:              written,
		SupportsRedirects: s.backend.SupportsRedirects(),
	})
}

// sameContent reports whether the stored blob equals the uploaded part.
func (s *Server) sameContent(ctx context.Context, locator core.BlobLocator, file io.ReadSeeker) (bool, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return false, err
	}
	uploaded, err := io.ReadAll(file)
	if err != nil {
		return false, err
	}
	stored, err := s.backend.ReadBlob(ctx, locator, 0, core.ToEnd)
	if err != nil {
		return false, err
	}
	return bytes.Equal(uploaded, stored), nil
}

func (s *Server) negotiateWrite(w http.ResponseWriter, r *http.Request, locator core.BlobLocator, imports []core.BlobLocator, prefix string) {
	resp := WriteBlobResponse{SupportsRedirects: s.backend.SupportsRedirects()}
	if resp.SupportsRedirects {
		target, u, err := s.backend.TryGetWriteRedirect(r.Context(), locator, imports, prefix)
		if err != nil && !errors.Is(err, core.ErrUnsupported) {
			s.writeError(w, r, err)
			return
		}
		if u != nil {
			resp.Blob = target
			resp.UploadURL = u.String()
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReadRef(w http.ResponseWriter, r *http.Request) {
	name := core.RefName(r.PathValue("name"))
	value, ok, err := s.backend.ReadRef(r.Context(), name, parseMaxAge(r.Header.Get("Cache-Control")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		http.Error(w, "ref not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, value)
}

func (s *Server) handleWriteRef(w http.ResponseWriter, r *http.Request) {
	name := core.RefName(r.PathValue("name"))
	var value core.HashedBlobRefValue
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: decoding ref body: %v", core.ErrInvalidInput, err))
		return
	}
	if err := s.backend.WriteRef(r.Context(), name, value); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteRef(w http.ResponseWriter, r *http.Request) {
	name := core.RefName(r.PathValue("name"))
	deleted, err := s.backend.DeleteRef(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !deleted {
		http.Error(w, "ref not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFindAliases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maxResults := 0
	if v := q.Get("maxResults"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: maxResults %q", core.ErrInvalidInput, v))
			return
		}
		maxResults = n
	}
	aliases, err := s.backend.FindAliases(r.Context(), q.Get("alias"), maxResults)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if aliases == nil {
		aliases = []core.BlobAliasLocator{}
	}
	s.writeJSON(w, http.StatusOK, aliases)
}

func (s *Server) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	var req core.UpdateMetadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: decoding metadata request: %v", core.ErrInvalidInput, err))
		return
	}
	if err := s.backend.UpdateMetadata(r.Context(), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("storage request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("storage request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	http.Error(w, err.Error(), status)
}

// StatusFor maps the error taxonomy onto HTTP statuses. It is the inverse
// of core.StatusError's unwrapping.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, core.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, core.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// parseRange accepts "bytes=start-" and "bytes=start-end".
func parseRange(header string) (offset, length int64, ranged bool, err error) {
	if header == "" {
		return 0, core.ToEnd, false, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, false, fmt.Errorf("%w: unsupported range %q", core.ErrInvalidInput, header)
	}
	first, last, _ := strings.Cut(spec, "-")
	offset, err = strconv.ParseInt(first, 10, 64)
	if err != nil || offset < 0 {
		return 0, 0, false, fmt.Errorf("%w: unsupported range %q", core.ErrInvalidInput, header)
	}
	if last == "" {
		return offset, core.ToEnd, true, nil
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < offset {
		return 0, 0, false, fmt.Errorf("%w: unsupported range %q", core.ErrInvalidInput, header)
	}
	return offset, end - offset + 1, true, nil
}

func parseMaxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		v, ok := strings.CutPrefix(strings.TrimSpace(directive), "max-age=")
		if !ok {
			continue
		}
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
