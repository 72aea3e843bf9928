package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/history"
	"github.com/vk/pipegrid/internal/model"
	"github.com/vk/pipegrid/internal/trigger"
)

// DefaultListen is the API address used when Config.Listen is empty.
const DefaultListen = ":8080"

// shutdownTimeout bounds the graceful shutdown in Serve.
const shutdownTimeout = 30 * time.Second

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/health", a.healthHandler)
	r.Post("/events", a.eventsHandler)
	r.Get("/runs", a.listRunsHandler)
	r.Get("/runs/{id}", a.getRunHandler)
	r.Post("/runs/{id}/cancel", a.cancelRunHandler)
	return r
}

func (a *App) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("HTTP request served.",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

type eventResponse struct {
	Runs   []string `json:"runs"`
	Errors []string `json:"errors,omitempty"`
}

func (a *App) eventsHandler(w http.ResponseWriter, r *http.Request) {
	var ev trigger.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid event body: %w", err))
		return
	}
	if ev.Kind != "" {
		kind, err := model.ParseEventKind(string(ev.Kind))
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		ev.Kind = kind
	}

	handles, err := a.Trigger(a.ctx, ev)
	resp := eventResponse{Runs: []string{}}
	for _, h := range handles {
		resp.Runs = append(resp.Runs, h.ID())
	}
	switch {
	case errors.Is(err, ErrNoPipelineAdmitted):
		writeJSON(w, http.StatusOK, resp)
	case err != nil && len(handles) == 0 && !errors.Is(err, model.ErrDefinition):
		writeError(w, http.StatusUnprocessableEntity, err)
	case err != nil:
		resp.Errors = []string{err.Error()}
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	default:
		writeJSON(w, http.StatusAccepted, resp)
	}
}

func (a *App) listRunsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", s))
			return
		}
		limit = n
	}
	runs, err := a.Runs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *App) getRunHandler(w http.ResponseWriter, r *http.Request) {
	rep, err := a.Status(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, history.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

func (a *App) cancelRunHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.Cancel(id) {
		writeError(w, http.StatusNotFound, fmt.Errorf("run %s is not in flight", id))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run": id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Serve starts the HTTP API, the cron triggers and retention pruning, and
// blocks until ctx is done. Everything is shut down before it returns.
func (a *App) Serve(ctx context.Context) error {
	logger := ctxlog.FromContext(a.ctx)

	addr := a.config.Listen
	if addr == "" {
		addr = DefaultListen
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if a.config.Retention > 0 {
		a.prune(ctx)
	}
	if err := a.startCron(); err != nil {
		ln.Close()
		return err
	}

	a.httpServer = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("🌐 API server starting", "address", ln.Addr().String())
		// Serve returns http.ErrServerClosed on graceful shutdown.
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down.", "cause", context.Cause(ctx))
	case err = <-serveErr:
		logger.Error("API server failed unexpectedly", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return errors.Join(err, a.Close(shutdownCtx))
}

func (a *App) closeHTTPServer(ctx context.Context) error {
	if a.httpServer == nil {
		return nil
	}
	a.logger.Debug("Closing API server...")
	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("API server shutdown failed", "error", err)
		return err
	}
	a.logger.Debug("API server shut down gracefully.")
	return nil
}
