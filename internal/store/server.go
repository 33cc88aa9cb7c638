package store

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ahrav/go-loom/internal/domain"
	"github.com/ahrav/go-loom/internal/taskerrors"
)

// maxUploadBytes caps a single artifact upload. Large corpora are expected
// to arrive as many documents, not one giant blob.
const maxUploadBytes = 256 << 20 // 256 MiB

// putResponse is the JSON body returned by PUT /artifacts.
type putResponse struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Server exposes a Store over HTTP:
//
//	PUT  /artifacts          raw bytes in, {"hash": "..."} out
//	GET  /artifacts/{hash}   raw bytes out, 404 when absent
//	HEAD /artifacts/{hash}   presence check
//
// There is no content negotiation; bodies are opaque bytes both ways.
type Server struct {
	backend Store
	logger  *slog.Logger
}

// NewServer wraps a backend store with the HTTP artifact API.
func NewServer(backend Store, logger *slog.Logger) *Server {
	return &Server{
		backend: backend,
		logger:  componentLogger(logger, "http-server"),
	}
}

// Handler returns the route table for the artifact API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /artifacts", s.handlePut)
	mux.HandleFunc("GET /artifacts/{hash}", s.handleGet)
	mux.HandleFunc("HEAD /artifacts/{hash}", s.handleHead)
	return mux
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	ref, err := s.backend.Put(r.Context(), data)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(putResponse{Hash: ref.Digest.String(), Size: ref.Size}); err != nil {
		s.logger.Warn("encode put response", "error", err)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	digest, ok := s.pathDigest(w, r)
	if !ok {
		return
	}

	data, err := s.backend.Get(r.Context(), digest)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write artifact body", "digest", digest.String(), "error", err)
	}
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	digest, ok := s.pathDigest(w, r)
	if !ok {
		return
	}

	exists, err := s.backend.Exists(r.Context(), digest)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// pathDigest parses the {hash} path segment, rejecting malformed digests
// before they reach the backend.
func (s *Server) pathDigest(w http.ResponseWriter, r *http.Request) (domain.Digest, bool) {
	digest, err := domain.ParseDigest(r.PathValue("hash"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return domain.Digest{}, false
	}
	return digest, true
}

// writeError maps the error taxonomy onto HTTP statuses. Integrity errors
// surface as 500s and are logged loudly; they indicate on-disk corruption.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, taskerrors.ErrArtifactNotFound):
		http.Error(w, "artifact not found", http.StatusNotFound)
	case taskerrors.IsIntegrity(err):
		s.logger.Error("storage integrity violation", "error", err)
		http.Error(w, "storage integrity error", http.StatusInternalServerError)
	case taskerrors.IsRetryable(err):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
