package shipyard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"tangled.sh/tangled.sh/shipyard/shipyard/config"
	"tangled.sh/tangled.sh/shipyard/shipyard/db"
)

const shutdownTimeout = 10 * time.Second

// Serve runs the HTTP API until ctx ends. Runs requested over the API
// execute one at a time on the queue's worker.
func Serve(ctx context.Context, cfg *config.Config) error {
	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	// starts a job queue runner in the background
	s.jq.StartRunner(ctx)
	defer s.jq.Close()

	if s.local != nil {
		defer s.local.Stop(context.Background())
	}

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: s.Router(),
	}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	s.l.Info("starting shipyard server", "address", cfg.Server.ListenAddr)
	err = srv.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	// ListenAndServe returns as soon as Shutdown begins; handlers may
	// still be enqueueing until it completes.
	<-stopped
	return nil
}

func (s *Shipyard) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Use(s.RequestLogger)
	mux.Use(s.tel.RequestInFlight())
	mux.Use(s.tel.RequestDuration())
	mux.Use(s.tel.WithRouteTag())

	mux.HandleFunc("/events", s.Events)
	mux.Route("/runs", func(r chi.Router) {
		r.Post("/", s.CreateRun)
		r.Get("/", s.ListRuns)
		r.Get("/{id}", s.GetRun)
		r.Get("/{id}/logs", s.Logs)
		r.Get("/{id}/reports", s.Reports)
	})

	return s.tel.Handler(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func runID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

type createRunResponse struct {
	RunID   int64 `json:"run_id"`
	Pending int   `json:"pending"`
}

func (s *Shipyard) CreateRun(w http.ResponseWriter, r *http.Request) {
	if s.skip {
		writeError(w, http.StatusConflict, ErrPipelineSkipped.Error())
		return
	}

	id, err := s.alloc.Next(r.Context())
	if err != nil {
		s.l.Error("failed to allocate build number", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to allocate build number")
		return
	}

	ok := s.jq.Enqueue(queueJob(s, id))
	if !ok {
		s.l.Error("failed to enqueue run: queue is full or shutting down", "run", id)
		writeError(w, http.StatusServiceUnavailable, "queue is full or shutting down")
		return
	}
	s.l.Info("run enqueued successfully", "run", id)

	writeJSON(w, http.StatusAccepted, createRunResponse{RunID: id, Pending: s.jq.Pending()})
}

func (s *Shipyard) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	runs, err := s.history.ListRuns(r.Context(), limit)
	if err != nil {
		s.l.Error("failed to list runs", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Shipyard) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := s.history.GetRun(r.Context(), id)
	if errors.Is(err, db.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.l.Error("failed to get run", "run", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Reports serves the archive manifest of a run.
func (s *Shipyard) Reports(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	m, err := s.agg.ReadManifest(id)
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, "no reports archived for run")
		return
	}
	if err != nil {
		s.l.Error("failed to read manifest", "run", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to read manifest")
		return
	}
	writeJSON(w, http.StatusOK, m)
}
