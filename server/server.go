// Package server exposes the runner over HTTP: folder browsing, imports,
// a server-sent event stream of progress and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/dhcgn/archive-to-mailbox/archive"
	"github.com/dhcgn/archive-to-mailbox/mailbox"
	"github.com/dhcgn/archive-to-mailbox/model"
	"github.com/dhcgn/archive-to-mailbox/progress"
	"github.com/dhcgn/archive-to-mailbox/runner"
	"github.com/dhcgn/archive-to-mailbox/stats"
)

const (
	eventBuffer     = 256
	shutdownTimeout = 5 * time.Second
)

// Backend is the part of the runner the server needs.
type Backend interface {
	ListArchiveFiles() ([]string, error)
	AnalyzeArchive(file string) (model.FolderNode, error)
	TargetFolders(ctx context.Context, mailbox string) ([]model.FolderNode, error)
	ImportSelection(ctx context.Context, req model.ImportRequest) (stats.MigrationStats, error)
	Current() (stats.MigrationStats, bool)
	Events() *progress.Channel
}

// Metrics serves collected metrics.
type Metrics interface {
	Handler() http.Handler
}

type Options struct {
	Addr    string
	Metrics Metrics
}

type Server struct {
	addr    string
	backend Backend
	metrics Metrics
	logger  *slog.Logger
	server  *http.Server
}

func New(backend Backend, opts Options, logger *slog.Logger) (*Server, error) {
	if backend == nil {
		return nil, fmt.Errorf("server backend is nil")
	}
	if opts.Addr == "" {
		return nil, fmt.Errorf("listen address is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    opts.Addr,
		backend: backend,
		metrics: opts.Metrics,
		logger:  logger.With("component", "http"),
	}, nil
}

// Start serves until ctx is done, then shuts the listener down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http shutdown failed", "err", err)
		}
	}()

	s.logger.Info("http server listening", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Routes returns the router with every endpoint registered.
func (s *Server) Routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	// Full paths on the root router: a method mismatch on a PathPrefix
	// subrouter is reported as 404 instead of 405.
	router.HandleFunc("/api/archives", s.handleListArchives).Methods(http.MethodGet)
	router.HandleFunc("/api/archives/{file}/folders", s.handleArchiveFolders).Methods(http.MethodGet)
	router.HandleFunc("/api/mailboxes/{mailbox}/folders", s.handleTargetFolders).Methods(http.MethodGet)
	router.HandleFunc("/api/imports", s.handleImport).Methods(http.MethodPost)
	router.HandleFunc("/api/imports/current", s.handleCurrentImport).Methods(http.MethodGet)
	router.HandleFunc("/api/events", s.handleEvents).Methods(http.MethodGet)

	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "took", time.Since(start))
	})
}

type importResponse struct {
	Stats stats.MigrationStats `json:"stats"`
	Error string               `json:"error,omitempty"`
}

func (s *Server) handleListArchives(w http.ResponseWriter, _ *http.Request) {
	files, err := s.backend.ListArchiveFiles()
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleArchiveFolders(w http.ResponseWriter, r *http.Request) {
	tree, err := s.backend.AnalyzeArchive(mux.Vars(r)["file"])
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, tree)
}

func (s *Server) handleTargetFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := s.backend.TargetFolders(r.Context(), mux.Vars(r)["mailbox"])
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, folders)
}

// handleImport runs the import to completion. The stats are returned with
// failures too.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req model.ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid import request: "+err.Error())
		return
	}
	if req.ArchiveFile == "" || req.TargetFolderID == "" {
		s.writeError(w, http.StatusBadRequest, "archiveFile and targetFolderId are required")
		return
	}

	snapshot, err := s.backend.ImportSelection(r.Context(), req)
	if err != nil {
		s.writeJSON(w, statusFor(err), importResponse{Stats: snapshot, Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, importResponse{Stats: snapshot})
}

func (s *Server) handleCurrentImport(w http.ResponseWriter, _ *http.Request) {
	snapshot, ok := s.backend.Current()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no import has run yet")
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encode response failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func statusFor(err error) int {
	var serviceErr *mailbox.ServiceError
	switch {
	case errors.Is(err, archive.ErrNotFound),
		errors.Is(err, mailbox.ErrNotFound),
		errors.Is(err, runner.ErrStorageNotFound):
		return http.StatusNotFound
	case errors.Is(err, mailbox.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, runner.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.As(err, &serviceErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
