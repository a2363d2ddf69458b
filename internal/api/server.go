package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"octoprintpsu/internal/entity"
	"octoprintpsu/internal/integration"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Switch is what the API reads and drives
type Switch interface {
	State() entity.State
	TurnOn(ctx context.Context)
	TurnOff(ctx context.Context)
}

// Switches lists and finds switches by entry id
type Switches interface {
	List() []Switch
	Get(id string) (Switch, bool)
}

// RemoveFunc removes a configured entry
type RemoveFunc func(ctx context.Context, id string) error

// IntegrationSwitches serves the switches loaded by an Integration
type IntegrationSwitches struct {
	Integration *integration.Integration
}

func (s IntegrationSwitches) List() []Switch {
	loaded := s.Integration.Switches()
	switches := make([]Switch, 0, len(loaded))
	for _, sw := range loaded {
		switches = append(switches, sw)
	}
	return switches
}

func (s IntegrationSwitches) Get(id string) (Switch, bool) {
	sw, ok := s.Integration.Switch(id)
	if !ok {
		return nil, false
	}
	return sw, true
}

// Options configures the optional routes of a Server
type Options struct {
	// Metrics is mounted at /metrics when set
	Metrics http.Handler
	// Remove enables DELETE /api/entries/{id} when set
	Remove RemoveFunc
}

// Server provides HTTP API endpoints for the PSU switches
type Server struct {
	switches Switches
	opts     Options
	logger   *zap.Logger
	router   chi.Router
	server   *http.Server
}

// NewServer creates a new API server
func NewServer(switches Switches, logger *zap.Logger, port int, opts Options) *Server {
	s := &Server{
		switches: switches,
		opts:     opts,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	s.RegisterRoutes(r)
	s.router = r

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// RegisterRoutes mounts the API on r
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/", s.handleSitemap)
	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/switches", s.handleListSwitches)
		r.Get("/switches/{id}", s.handleGetSwitch)
		r.Post("/switches/{id}/on", s.handleTurn(true))
		r.Post("/switches/{id}/off", s.handleTurn(false))
		if s.opts.Remove != nil {
			r.Delete("/entries/{id}", s.handleRemoveEntry)
		}
	})
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// SwitchesResponse represents the JSON response for the switches endpoint
type SwitchesResponse struct {
	Switches []entity.State `json:"switches"`
}

func (s *Server) handleListSwitches(w http.ResponseWriter, r *http.Request) {
	response := SwitchesResponse{Switches: []entity.State{}}
	for _, sw := range s.switches.List() {
		response.Switches = append(response.Switches, sw.State())
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetSwitch(w http.ResponseWriter, r *http.Request) {
	sw, ok := s.switches.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "switch not found"})
		return
	}
	writeJSON(w, http.StatusOK, sw.State())
}

// handleTurn sends the command and answers with the cached state; the
// socket reports the actual change.
func (s *Server) handleTurn(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sw, ok := s.switches.Get(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "switch not found"})
			return
		}

		if on {
			sw.TurnOn(r.Context())
		} else {
			sw.TurnOff(r.Context())
		}

		s.logger.Info("Switch command served",
			zap.String("entry_id", id),
			zap.Bool("on", on))
		writeJSON(w, http.StatusAccepted, sw.State())
	}
}

func (s *Server) handleRemoveEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.opts.Remove(r.Context(), id); err != nil {
		if errors.Is(err, integration.ErrEntryNotLoaded) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "entry not found"})
			return
		}
		s.logger.Error("Failed to remove entry", zap.String("entry_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to remove entry"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

func (s *Server) endpoints() []Endpoint {
	endpoints := []Endpoint{
		{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
		{Path: "/health", Method: "GET", Description: "Health check endpoint - returns {\"status\": \"ok\"}"},
		{Path: "/api/switches", Method: "GET", Description: "List all PSU switches with availability and state"},
		{Path: "/api/switches/{id}", Method: "GET", Description: "Get one PSU switch"},
		{Path: "/api/switches/{id}/on", Method: "POST", Description: "Turn the PSU on"},
		{Path: "/api/switches/{id}/off", Method: "POST", Description: "Turn the PSU off"},
	}
	if s.opts.Remove != nil {
		endpoints = append(endpoints, Endpoint{Path: "/api/entries/{id}", Method: "DELETE", Description: "Remove a configured printer"})
	}
	if s.opts.Metrics != nil {
		endpoints = append(endpoints, Endpoint{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"})
	}
	return endpoints
}

// handleSitemap lists all available endpoints as text, or as JSON when
// the client asks for it
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	endpoints := s.endpoints()

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusOK, endpoints)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "OctoPrint PSU API\n")
	fmt.Fprintf(w, "=================\n\n")
	fmt.Fprintf(w, "Available endpoints:\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-8s %-24s %s\n", ep.Method, ep.Path, ep.Description)
	}
	fmt.Fprintf(w, "\nExamples:\n\n")
	fmt.Fprintf(w, "  List switches:\n")
	fmt.Fprintf(w, "    curl http://localhost:8099/api/switches | jq\n\n")
	fmt.Fprintf(w, "  Turn a PSU on:\n")
	fmt.Fprintf(w, "    curl -X POST http://localhost:8099/api/switches/<id>/on\n\n")
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr))
	})
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
