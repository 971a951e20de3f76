// Package server exposes the query responder over local HTTP.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Napageneral/isearch/internal/archive"
	"github.com/Napageneral/isearch/internal/embed"
	"github.com/Napageneral/isearch/internal/search"
)

const maxBodyBytes = 16 * 1024

// Answerer is the query surface the server forwards to.
type Answerer interface {
	Answer(ctx context.Context, in search.Inquiry) (search.Reply, error)
}

// Handler holds the dependencies of the HTTP handlers.
type Handler struct {
	answerer Answerer
	db       *sql.DB
	version  string
	logger   zerolog.Logger
}

// NewRouter creates and configures the HTTP router. db is pinged by /health
// and may be nil.
func NewRouter(answerer Answerer, db *sql.DB, version string, logger zerolog.Logger) *chi.Mux {
	h := &Handler{answerer: answerer, db: db, version: version, logger: logger}

	r := chi.NewRouter()
	r.Use(recordMetrics)
	r.Use(chimw.RequestID)
	r.Use(requestLogger(logger))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)
	r.Post("/query", h.Query)
	return r
}

// ListenAndServe serves handler on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// Query answers POST /query.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in search.Inquiry
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.JSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	reply, err := h.answerer.Answer(r.Context(), in)
	switch {
	case err == nil:
		h.JSON(w, http.StatusOK, reply)
	case errors.Is(err, search.ErrEmptyQuery):
		h.JSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, archive.ErrThreadNotFound):
		h.JSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, archive.ErrStoreUnavailable), errors.Is(err, embed.ErrEncode):
		h.logger.Error().Err(err).Msg("query failed")
		h.JSON(w, http.StatusServiceUnavailable, errorResponse{Error: "search unavailable"})
	default:
		h.logger.Error().Err(err).Msg("query failed")
		h.JSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"` // "healthy" or "degraded"
	Version string `json:"version"`
	Store   string `json:"store"`
}

// Health answers GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Version: h.version, Store: "pass"}
	status := http.StatusOK
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Store = "fail"
			status = http.StatusServiceUnavailable
		}
	}
	h.JSON(w, status, resp)
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
