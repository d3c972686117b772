// Package web serves the dashboard API: REST reads over the registry and
// incident store, Prometheus metrics, and a websocket event stream.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sre-sentinel/sentinel/internal/events"
	"github.com/sre-sentinel/sentinel/internal/incident"
	"github.com/sre-sentinel/sentinel/internal/logging"
	"github.com/sre-sentinel/sentinel/internal/monitor"
)

// ContainerSource reads the registry's view of the fleet.
type ContainerSource interface {
	Snapshot() []monitor.Descriptor
	Samples(id string) []monitor.ResourceSample
}

// IncidentSource reads the incident store.
type IncidentSource interface {
	List() []incident.Incident
	Get(id string) (incident.Incident, bool)
}

// Dependencies defines what the server needs from the rest of the daemon.
type Dependencies struct {
	Containers ContainerSource
	Incidents  IncidentSource
	EventBus   *events.Bus
	Log        *logging.Logger
}

// Server is the dashboard HTTP server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /containers", s.apiContainers)
	s.mux.HandleFunc("GET /containers/{id}/samples", s.apiContainerSamples)
	s.mux.HandleFunc("GET /incidents", s.apiIncidents)
	s.mux.HandleFunc("GET /incidents/{id}", s.apiIncidentDetail)
	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler exposes the route mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("dashboard listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) apiContainers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Containers.Snapshot())
}

func (s *Server) apiContainerSamples(w http.ResponseWriter, r *http.Request) {
	samples := s.deps.Containers.Samples(r.PathValue("id"))
	if samples == nil {
		samples = []monitor.ResourceSample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) apiIncidents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Incidents.List())
}

func (s *Server) apiIncidentDetail(w http.ResponseWriter, r *http.Request) {
	inc, ok := s.deps.Incidents.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
