// Package http exposes a local debug/admin surface over a running
// database: point gets/puts, and the property queries spec §7 names, for
// operators to poke at without a separate client.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"lsmkv/pkg/batch"
	"lsmkv/pkg/config"
	"lsmkv/pkg/db"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPAddr        = "127.0.0.1:8080"
	defaultShutdownTimeout = 5 * time.Second
)

// Server is a thin chi-routed HTTP front end over a db.DB.
type Server struct {
	store      db.DB
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer builds a Server bound to store, listening on addr (a full
// host:port, default 127.0.0.1:8080 if empty).
func NewServer(store db.DB, addr string) *Server {
	if addr == "" {
		addr = defaultHTTPAddr
	}
	return &Server{
		store: store,
		URL:   "http://" + addr,
		addr:  addr,
	}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	slog.Info("debug http server started", "addr", s.URL)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http: shutdown: %w", err)
	}
	return nil
}

func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/property", s.handleProperty)
	r.Get("/api/key", s.handleGet)
	r.Put("/api/key", s.handlePut)
	r.Delete("/api/key", s.handleDelete)
	r.Post("/api/batch", s.handleBatch)
	r.Post("/api/flush", s.handleFlush)
	r.Post("/api/compact", s.handleCompact)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("http: encode response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleProperty(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("missing name"))
		return
	}
	value, ok := s.store.Property(name)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("unknown property"))
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(value))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("missing key"))
		return
	}
	value, err := s.store.Get(r.Context(), []byte(key), config.ReadOptions{})
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(string(value)))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("missing key"))
		return
	}
	value, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("failed to read body"))
		return
	}
	if err := s.store.Put(r.Context(), []byte(key), value, config.WriteOptions{}); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("missing key"))
		return
	}
	if err := s.store.Delete(r.Context(), []byte(key), config.WriteOptions{}); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// batchOp mirrors one operation in a /api/batch request body.
type batchOp struct {
	Kind  string `json:"kind"` // "put" or "delete"
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var ops []batchOp
	if err := json.NewDecoder(r.Body).Decode(&ops); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid batch body"))
		return
	}
	wb := batch.New()
	for _, op := range ops {
		switch op.Kind {
		case "put":
			wb.Put([]byte(op.Key), []byte(op.Value))
		case "delete":
			wb.Delete([]byte(op.Key))
		default:
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("unknown op kind: "+op.Kind))
			return
		}
	}
	if err := s.store.Write(r.Context(), wb, config.WriteOptions{}); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Flush(r.Context()); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	start := r.URL.Query().Get("start")
	end := r.URL.Query().Get("end")
	var startKey, endKey []byte
	if start != "" {
		startKey = []byte(start)
	}
	if end != "" {
		endKey = []byte(end)
	}
	if err := s.store.CompactRange(r.Context(), startKey, endKey); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
