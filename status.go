package devloop

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// StatusServer exposes the coordinator over HTTP for tooling:
//
//	GET  /status          current Status snapshot
//	POST /scan            user-initiated scan, ?force=true to force a restart
//	POST /restart         forced restart
//	POST /instrumentation toggle instrumentation, returns the new state
//	POST /live-reload     toggle live reload, returns the new state
//
// Snapshot reads never take the scan lock, so /status stays responsive while
// a scan is in flight.
type StatusServer struct {
	coordinator *ScanCoordinator
	logger      Logger
	server      *http.Server
}

// NewStatusServer builds the server for the given listen address.
func NewStatusServer(coordinator *ScanCoordinator, addr string, logger Logger) *StatusServer {
	if logger == nil {
		logger = noopLogger{}
	}
	s := &StatusServer{coordinator: coordinator, logger: logger}
	router := chi.NewRouter()
	router.Get("/status", s.handleStatus)
	router.Post("/scan", s.handleScan)
	router.Post("/restart", s.handleRestart)
	router.Post("/instrumentation", s.handleToggleInstrumentation)
	router.Post("/live-reload", s.handleToggleLiveReload)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router, for embedding in an existing server.
func (s *StatusServer) Handler() http.Handler { return s.server.Handler }

// Start begins serving in a background goroutine.
func (s *StatusServer) Start() {
	go func() {
		s.logger.Info("Status endpoint listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status endpoint failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *StatusServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.coordinator.Snapshot())
}

func (s *StatusServer) handleScan(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	restarted := s.coordinator.DoScan(true, force)
	writeJSON(w, http.StatusOK, map[string]bool{"restarted": restarted})
}

func (s *StatusServer) handleRestart(w http.ResponseWriter, _ *http.Request) {
	restarted := s.coordinator.DoScan(true, true)
	writeJSON(w, http.StatusOK, map[string]bool{"restarted": restarted})
}

func (s *StatusServer) handleToggleInstrumentation(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"instrumentationEnabled": s.coordinator.ToggleInstrumentation()})
}

func (s *StatusServer) handleToggleLiveReload(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"liveReloadEnabled": s.coordinator.ToggleLiveReload()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
