package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/hochfrequenz/run-orchestrator/internal/controller"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// Admin is the operator surface the API exposes
type Admin interface {
	ListRuns(ctx context.Context, states []domain.RunState, limit int) ([]*domain.Run, error)
	GetRunStatus(ctx context.Context, runID string) (*controller.RunStatus, error)
	GetStalledRuns(ctx context.Context, threshold time.Duration) ([]string, error)
	RunHistory(ctx context.Context, runID string) ([]domain.StateTransition, error)
	VerifyHistory(ctx context.Context, runID string) error
	ForceCancel(ctx context.Context, runID, reason string) error
	ForceRetry(ctx context.Context, runID string) error
	Pause(ctx context.Context, runID, reason string) error
	Resume(ctx context.Context, runID string) error
}

// Server is the HTTP admin API server
type Server struct {
	admin  Admin
	addr   string
	mux    *http.ServeMux
	sseHub *SSEHub
	now    func() time.Time
}

// NewServer creates a new API server
func NewServer(admin Admin, addr string) *Server {
	s := &Server{
		admin:  admin,
		addr:   addr,
		mux:    http.NewServeMux(),
		sseHub: NewSSEHub(),
		now:    time.Now,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/runs", s.listRunsHandler())
	s.mux.HandleFunc("/api/runs/", s.runHandler())
	s.mux.HandleFunc("/api/stalled", s.stalledHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
}

// Handler returns the API's routes
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves the API until ctx is done
func (s *Server) Start(ctx context.Context) error {
	go s.sseHub.Run(ctx)

	server := &http.Server{Addr: s.addr, Handler: s.mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeDomainError maps the error taxonomy onto HTTP status codes
func writeDomainError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrConcurrencyConflict),
		errors.Is(err, domain.ErrLeaseExpired):
		code = http.StatusConflict
	}
	writeError(w, code, err.Error())
}
