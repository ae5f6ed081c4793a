// Package health serves the process's own liveness and readiness
// endpoints, plus a scheduler status view. This is the monitor's
// health, not the fleet's.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status    Status `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version,omitempty"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Ready      bool                       `json:"ready"`
	Timestamp  string                     `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}

// Checker is a function that checks the health of a component
type Checker func(ctx context.Context) ComponentHealth

// StatusFunc supplies the payload for the /status endpoint.
type StatusFunc func() interface{}

// Server provides health check endpoints
type Server struct {
	addr     string
	server   *http.Server
	version  string
	checkers map[string]Checker
	status   StatusFunc
	mu       sync.RWMutex
}

// NewServer creates a new health check server
func NewServer(addr, version string) *Server {
	return &Server{
		addr:     addr,
		version:  version,
		checkers: make(map[string]Checker),
	}
}

// RegisterChecker registers a health checker for a component
func (s *Server) RegisterChecker(name string, checker Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = checker
}

// RegisterStatus sets the /status payload source, typically the
// scheduler snapshot.
func (s *Server) RegisterStatus(fn StatusFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = fn
}

// Start starts the health check HTTP server
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readinessHandler)
	mux.HandleFunc("/status", s.statusHandler)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting health check server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Health server error")
		}
	}()

	return nil
}

// Stop gracefully stops the health check server
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	log.Info().Msg("Stopping health check server")
	return s.server.Shutdown(ctx)
}

// healthHandler handles the /health endpoint (liveness check)
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	// Basic liveness check - if we can respond, we're alive
	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   s.version,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// readinessHandler handles the /ready endpoint (readiness check)
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	s.mu.RLock()
	checkers := make(map[string]Checker, len(s.checkers))
	for name, checker := range s.checkers {
		checkers[name] = checker
	}
	s.mu.RUnlock()

	components := make(map[string]ComponentHealth)
	ready := true

	// Check all components in parallel
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, checker := range checkers {
		wg.Add(1)
		go func(componentName string, check Checker) {
			defer wg.Done()

			health := check(ctx)

			mu.Lock()
			components[componentName] = health
			if health.Status == StatusUnhealthy {
				ready = false
			}
			mu.Unlock()
		}(name, checker)
	}

	wg.Wait()

	response := ReadinessResponse{
		Ready:      ready,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: components,
	}

	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

// statusHandler handles the /status endpoint (scheduler state)
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	statusFn := s.status
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if statusFn == nil {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "no status source registered"})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(statusFn())
}

// ContextChecker creates a health checker with context support
func ContextChecker(name string, checkFunc func(ctx context.Context) error) Checker {
	return func(ctx context.Context) ComponentHealth {
		if err := checkFunc(ctx); err != nil {
			return ComponentHealth{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("%s unhealthy: %v", name, err),
			}
		}
		return ComponentHealth{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%s is healthy", name),
		}
	}
}

// ThresholdChecker reports degraded when value() crosses warn and
// unhealthy when it crosses fail. Used for the alert queue depth.
func ThresholdChecker(name string, value func() int, warn, fail int) Checker {
	return func(ctx context.Context) ComponentHealth {
		v := value()
		switch {
		case v >= fail:
			return ComponentHealth{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("%s at %d (limit %d)", name, v, fail),
			}
		case v >= warn:
			return ComponentHealth{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%s at %d", name, v),
			}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}
