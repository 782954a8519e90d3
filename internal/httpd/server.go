// Package httpd exposes the storage engine over a thin HTTP surface.
package httpd

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog/log"

	"github.com/silvabyte/ObjectStorage/internal/storage"
)

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code.
// Not thread-safe; only used within a single request handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// classifyStatus converts an HTTP status code to a metric status label.
func classifyStatus(httpStatus int) string {
	switch {
	case httpStatus >= 200 && httpStatus < 300:
		return "success"
	case httpStatus == http.StatusNotFound:
		return "not_found"
	case httpStatus == http.StatusConflict:
		return "lock_busy"
	case httpStatus == http.StatusUnauthorized || httpStatus == http.StatusForbidden:
		return "denied"
	default:
		return "error"
	}
}

// Server routes HTTP requests to the storage engine. All request validation
// and error mapping lives here; the engine only sees core operations.
type Server struct {
	engine  *storage.Engine
	auth    *TokenService // nil disables auth
	metrics *storage.Metrics
}

// NewServer creates an HTTP server over the engine. auth and metrics may be
// nil.
func NewServer(engine *storage.Engine, auth *TokenService, metrics *storage.Metrics) *Server {
	return &Server{engine: engine, auth: auth, metrics: metrics}
}

// Handler returns the HTTP handler for the service API, with transparent
// response compression.
func (s *Server) Handler() http.Handler {
	return gzhttp.GzipHandler(http.HandlerFunc(s.handleRequest))
}

// handleRequest routes requests based on path and method.
//
//	POST   /v1/{tenant}/{user}/objects
//	GET    /v1/{tenant}/{user}/objects
//	GET    /v1/{tenant}/{user}/objects/{id}
//	GET    /v1/{tenant}/{user}/objects/{id}/meta
//	POST   /v1/{tenant}/{user}/objects/{id}/append
//	DELETE /v1/{tenant}/{user}/objects/{id}
//	GET    /v1/{tenant}/{user}/lookup/{checksum}
//	GET    /healthz
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}

	rest, ok := strings.CutPrefix(r.URL.Path, "/v1/")
	if !ok {
		http.NotFound(w, r)
		return
	}

	// {tenant}/{user}/{collection}[/{rest...}]
	parts := strings.SplitN(rest, "/", 4)
	if len(parts) < 3 {
		http.NotFound(w, r)
		return
	}
	scope := storage.Scope{TenantID: parts[0], UserID: parts[1]}
	collection := parts[2]
	var tail string
	if len(parts) == 4 {
		tail = parts[3]
	}

	log.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("scope", scope.String()).
		Msg("storage request")

	rec := &statusRecorder{ResponseWriter: w}
	start := time.Now()
	operation := s.route(rec, r, scope, collection, tail)
	if operation == "" {
		return // not a recognized route; 404 already written
	}
	if s.metrics != nil {
		s.metrics.RecordRequest(operation, classifyStatus(rec.getStatus()), time.Since(start).Seconds())
	}
}

// route dispatches one request and returns the operation name for metrics,
// or "" when the path matched nothing.
func (s *Server) route(w http.ResponseWriter, r *http.Request, scope storage.Scope, collection, tail string) string {
	if err := s.auth.Authorize(r, scope); err != nil {
		// Authorize on a nil *TokenService allows everything
		s.writeError(w, err)
		return "auth"
	}

	switch collection {
	case "objects":
		switch {
		case tail == "" && r.Method == http.MethodPost:
			s.handleUpload(w, r, scope)
			return "upload"
		case tail == "" && r.Method == http.MethodGet:
			s.handleList(w, r, scope)
			return "list"
		}

		objectID, sub, _ := strings.Cut(tail, "/")
		switch {
		case sub == "" && r.Method == http.MethodGet:
			s.handleDownload(w, r, scope, objectID)
			return "download"
		case sub == "" && r.Method == http.MethodDelete:
			s.handleDelete(w, r, scope, objectID)
			return "delete"
		case sub == "meta" && r.Method == http.MethodGet:
			s.handleGetMetadata(w, r, scope, objectID)
			return "get_metadata"
		case sub == "append" && r.Method == http.MethodPost:
			s.handleAppend(w, r, scope, objectID)
			return "append"
		}
	case "lookup":
		if tail != "" && r.Method == http.MethodGet {
			s.handleLookup(w, r, scope, tail)
			return "lookup"
		}
	}

	http.NotFound(w, r)
	return ""
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, scope storage.Scope) {
	fileName := r.Header.Get("X-File-Name")
	if fileName == "" {
		fileName = "upload"
	}
	mimeType := r.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	obj, err := s.engine.Upload(r.Context(), scope, r.Body, fileName, mimeType)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, obj)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, scope storage.Scope) {
	objects, err := s.engine.List(r.Context(), scope)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, objects)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, scope storage.Scope, objectID string) {
	content, obj, err := s.engine.Download(r.Context(), scope, objectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer func() { _ = content.Close() }()

	w.Header().Set("Content-Type", obj.MimeType)
	w.Header().Set("ETag", `"`+obj.ETag+`"`)
	w.WriteHeader(http.StatusOK)
	n, err := io.Copy(w, content)
	if err != nil {
		log.Warn().Err(err).Str("objectId", objectID).Msg("download interrupted")
	}
	if s.metrics != nil {
		s.metrics.BytesDownloaded.Add(float64(n))
	}
}

func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request, scope storage.Scope, objectID string) {
	obj, err := s.engine.GetMetadata(r.Context(), scope, objectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, obj)
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request, scope storage.Scope, objectID string) {
	obj, err := s.engine.Append(r.Context(), scope, objectID, r.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, obj)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, scope storage.Scope, objectID string) {
	obj, err := s.engine.Delete(r.Context(), scope, objectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, obj)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request, scope storage.Scope, checksum string) {
	obj, err := s.engine.LookupByChecksum(r.Context(), scope, checksum)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, obj)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write response failed")
	}
}

// errorResponse is the JSON body for all error results.
type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps core errors to HTTP statuses: not-found 404, lock-busy
// 409 (retriable), invalid names 400, auth 401/403, everything else 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrObjectNotFound), errors.Is(err, storage.ErrScopeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrLockBusy):
		status = http.StatusConflict
	case errors.Is(err, storage.ErrInvalidName):
		status = http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("storage request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}
