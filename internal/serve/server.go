// Package serve exposes a read-only HTTP view of one session: the
// dashboard, agents, tasks, event timeline, and a live event stream.
// It never mutates state; every write path stays behind the tool
// façade.
package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/terraphim/agentmux/internal/dashboard"
	"github.com/terraphim/agentmux/internal/events"
	"github.com/terraphim/agentmux/internal/registry"
	"github.com/terraphim/agentmux/internal/state"
)

// Server serves the read-only session API.
type Server struct {
	Registry  *registry.Registry
	Dashboard *dashboard.Store
	Timeline  *state.Store // optional
	Bus       *events.Bus
	SessionID string

	httpServer *http.Server
}

// New creates a server for one session. timeline may be nil.
func New(reg *registry.Registry, dash *dashboard.Store, timeline *state.Store, bus *events.Bus, sessionID string) *Server {
	return &Server{
		Registry:  reg,
		Dashboard: dash,
		Timeline:  timeline,
		Bus:       bus,
		SessionID: sessionID,
	}
}

// Router builds the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/dashboard", s.handleDashboard)
		r.Get("/dashboard/markdown", s.handleDashboardMarkdown)
		r.Get("/agents", s.handleAgents)
		r.Get("/tasks", s.handleTasks)
		r.Get("/timeline", s.handleTimeline)
	})
	r.Get("/events", s.handleEvents)
	return r
}

// Listen starts serving on addr until ctx is cancelled.
func (s *Server) Listen(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "session_id": s.SessionID})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.Dashboard.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDashboardMarkdown(w http.ResponseWriter, r *http.Request) {
	d, err := s.Dashboard.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	fmt.Fprint(w, dashboard.Render(d))
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.Registry.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.Dashboard.ListTasks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if s.Timeline == nil {
		writeJSON(w, http.StatusOK, []state.TimelineEntry{})
		return
	}
	entries, err := s.Timeline.List(s.SessionID, 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleEvents streams bus events as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusNotImplemented, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsub := s.Bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
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
