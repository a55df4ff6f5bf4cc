// Package server exposes the HTTP control API: job inspection and
// cancellation, scheduler control, manual source triggers, and tender
// queries.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bidwatch/internal/config"
	"bidwatch/internal/job"
	"bidwatch/internal/schedule"
	"bidwatch/internal/source"
	"bidwatch/internal/storage"
	"bidwatch/internal/tender"
	logx "bidwatch/pkg/logx"
)

// Orchestrator is what the API needs from the application layer.
type Orchestrator interface {
	// TriggerNow starts a collection run for one source, or all enabled
	// sources when target is "all". Unknown sources fail before any job
	// is created.
	TriggerNow(ctx context.Context, target string) ([]job.Job, error)

	GetJob(id string) (job.Job, bool)
	ListJobs(status job.Status, limit, offset int) ([]job.Job, int)
	CancelJob(id string) bool

	SchedulerStatus() schedule.Snapshot
	SchedulerStart()
	SchedulerStop(ctx context.Context) error

	Sources(ctx context.Context) []SourceStatus
	UpdateSource(id string, fc config.SourceConfig) error

	ListTenders(ctx context.Context, f storage.Filter) ([]tender.Record, int, error)
}

// SourceStatus is the registry entry plus persistence counters.
type SourceStatus struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	URL           string     `json:"url"`
	Enabled       bool       `json:"enabled"`
	Schedule      string     `json:"schedule"`
	TotalTenders  int        `json:"total_tenders"`
	RecentTenders int        `json:"recent_tenders"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	NextRun       *time.Time `json:"next_run,omitempty"`
}

// Options configures the HTTP server.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Log logx.Logger
}

type Server struct {
	orc  Orchestrator
	log  logx.Logger
	http *http.Server
}

func New(orc Orchestrator, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:8080"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = time.Minute
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}

	s := &Server{orc: orc, log: opts.Log}
	s.http = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.routes(),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)
		r.Post("/jobs/{id}/cancel", s.cancelJob)

		r.Get("/sources", s.listSources)
		r.Put("/sources/{id}", s.updateSource)
		r.Post("/sources/{id}/trigger", s.triggerSource)
		r.Post("/sources/trigger-all", s.triggerAll)

		r.Get("/scheduler/status", s.schedulerStatus)
		r.Post("/scheduler/start", s.schedulerStart)
		r.Post("/scheduler/stop", s.schedulerStop)

		r.Get("/tenders", s.listTenders)
	})
	return r
}

// Serve runs the listener until ctx is cancelled, then drains with a bounded
// shutdown. Intended to run under a supervisor.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutCtx); err != nil {
		return s.http.Close()
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	status := job.Status(strings.ToLower(r.URL.Query().Get("status")))
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	jobs, total := s.orc.ListJobs(status, limit, offset)
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, ok := s.orc.GetJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.orc.CancelJob(id) {
		writeError(w, http.StatusConflict, "job is not running")
		return
	}
	j, _ := s.orc.GetJob(id)
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.orc.Sources(r.Context())})
}

func (s *Server) updateSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var fc config.SourceConfig
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.orc.UpdateSource(id, fc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) triggerSource(w http.ResponseWriter, r *http.Request) {
	s.trigger(w, r, chi.URLParam(r, "id"))
}

func (s *Server) triggerAll(w http.ResponseWriter, r *http.Request) {
	s.trigger(w, r, "all")
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request, target string) {
	jobs, err := s.orc.TriggerNow(r.Context(), target)
	switch {
	case errors.Is(err, source.ErrUnknown):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobs": jobs})
}

func (s *Server) schedulerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orc.SchedulerStatus())
}

func (s *Server) schedulerStart(w http.ResponseWriter, _ *http.Request) {
	s.orc.SchedulerStart()
	writeJSON(w, http.StatusOK, s.orc.SchedulerStatus())
}

func (s *Server) schedulerStop(w http.ResponseWriter, r *http.Request) {
	if err := s.orc.SchedulerStop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.orc.SchedulerStatus())
}

func (s *Server) listTenders(w http.ResponseWriter, r *http.Request) {
	f := storage.Filter{
		Source: r.URL.Query().Get("source"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	records, total, err := s.orc.ListTenders(r.Context(), f)
	if errors.Is(err, storage.ErrDisabled) {
		writeError(w, http.StatusServiceUnavailable, "storage is disabled")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenders": records,
		"total":   total,
		"limit":   f.Limit,
		"offset":  f.Offset,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
