package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 30 * time.Second

// HTTPServer exposes the dispatcher over HTTP for hosts that cannot
// speak stdio: POST /mcp carries one JSON-RPC request per call and
// GET /healthz reports process liveness.
type HTTPServer struct {
	disp *Dispatcher
	log  zerolog.Logger
	srv  *http.Server
}

// NewHTTPServer builds the router and the listener configuration.
// addr is the listen address, e.g. ":8000".
func NewHTTPServer(disp *Dispatcher, addr string, logger zerolog.Logger) *HTTPServer {
	h := &HTTPServer{
		disp: disp,
		log:  logger.With().Str("component", "http").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.StripSlashes)
	r.With(middleware.AllowContentType("application/json")).
		Post("/mcp", h.handleMCP)
	r.Get("/healthz", h.handleHealth)

	h.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return h
}

// Handler exposes the router, mainly for tests.
func (h *HTTPServer) Handler() http.Handler {
	return h.srv.Handler
}

// Serve blocks until the listener fails or ctx is cancelled, then
// drains in-flight requests before returning.
func (h *HTTPServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		h.log.Info().Str("addr", h.srv.Addr).Msg("listening")
		if err := h.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	h.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := h.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (h *HTTPServer) handleMCP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxLineBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	resp := h.disp.DispatchRaw(r.Context(), body)
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("response write failed")
	}
}
