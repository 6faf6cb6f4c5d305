// Package api exposes the queue over HTTP: job submission and control,
// history reads, queue stats, and a server-sent-events stream of live
// job events.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mediagrab/mediagrab/engine"
	"github.com/mediagrab/mediagrab/queue"
)

// Server serves the public API for one queue manager.
type Server struct {
	mgr    *queue.Manager
	logger *slog.Logger
}

// New builds a server over mgr.
func New(mgr *queue.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{mgr: mgr, logger: logger}
}

// Router assembles the route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/api/jobs", s.handleSubmit)
	r.Get("/api/jobs", s.handleList)
	r.Get("/api/jobs/{id}", s.handleJob)
	r.Get("/api/jobs/{id}/events", s.handleJobEvents)
	r.Get("/api/jobs/{id}/items", s.handleJobItems)
	r.Post("/api/jobs/{id}/cancel", s.handleCancel)
	r.Post("/api/jobs/{id}/pause", s.handlePause)
	r.Post("/api/jobs/{id}/resume", s.handleResume)
	r.Get("/api/stats", s.handleStats)
	r.Post("/api/prune", s.handlePrune)
	r.Get("/api/events", s.handleEvents)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

type submitRequest struct {
	URL       string          `json:"url"`
	OutFolder string          `json:"out_folder,omitempty"`
	Options   *engine.Options `json:"options,omitempty"`
}

// jobView is the wire shape of a job.
type jobView struct {
	ID             string     `json:"id"`
	URL            string     `json:"url"`
	OutFolder      string     `json:"out_folder"`
	Engine         string     `json:"engine"`
	Status         string     `json:"status"`
	Priority       int        `json:"priority,omitempty"`
	TotalItems     int        `json:"total_items"`
	CompletedItems int        `json:"completed_items"`
	FailedItems    int        `json:"failed_items"`
	SkippedItems   int        `json:"skipped_items"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

func viewOf(j *queue.Job) jobView {
	return jobView{
		ID:             j.ID,
		URL:            j.URL,
		OutFolder:      j.OutFolder,
		Engine:         j.EngineName,
		Status:         string(j.Status),
		Priority:       j.Priority,
		TotalItems:     j.TotalItems,
		CompletedItems: j.CompletedItems,
		FailedItems:    j.FailedItems,
		SkippedItems:   j.SkippedItems,
		ErrorMessage:   j.ErrorMessage,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	opts := engine.DefaultOptions()
	if req.Options != nil {
		opts = *req.Options
	}
	j, err := s.mgr.Submit(r.Context(), req.URL, req.OutFolder, opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(j))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	status := queue.Status(r.URL.Query().Get("status"))
	jobs, err := s.mgr.Store().Jobs(r.Context(), status, limit)
	if err != nil {
		s.logger.Error("api: list jobs", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, viewOf(j))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.mgr.Store().Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("api: get job", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if j == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(j))
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.mgr.Store().Events(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.logger.Error("api: job events", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleJobItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.mgr.Store().Items(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("api: job items", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []queue.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.mgr.Cancel(r.Context(), id)
	if err != nil {
		s.logger.Error("api: cancel", "job", id, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "job not cancellable", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.togglePause(w, r, true)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.togglePause(w, r, false)
}

func (s *Server) togglePause(w http.ResponseWriter, r *http.Request, pause bool) {
	id := chi.URLParam(r, "id")
	var (
		ok  bool
		err error
	)
	if pause {
		ok, err = s.mgr.Pause(r.Context(), id)
	} else {
		ok, err = s.mgr.Resume(r.Context(), id)
	}
	if err != nil {
		s.logger.Error("api: pause toggle", "job", id, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "job not in a pausable state", http.StatusConflict)
		return
	}
	state := "paused"
	if !pause {
		state = "pending"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": state})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.mgr.Store().Stats(r.Context())
	if err != nil {
		s.logger.Error("api: stats", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	olderThan := 30 * 24 * time.Hour
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			http.Error(w, "invalid older_than duration", http.StatusBadRequest)
			return
		}
		olderThan = d
	}
	n, err := s.mgr.Store().Prune(r.Context(), time.Now().Add(-olderThan))
	if err != nil {
		s.logger.Error("api: prune", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pruned": n})
}

// handleEvents streams live queue events as server-sent events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsub := s.mgr.Subscribe()
	defer unsub()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
