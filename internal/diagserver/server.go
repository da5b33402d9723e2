// Package diagserver exposes a small read-only HTTP surface for
// operators: liveness, Prometheus metrics, and the current state of
// every tracked scan (SPEC_FULL.md §2.H). It carries no write endpoints
// and is not a GUI, consistent with spec.md's GUI non-goal.
package diagserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"pst-send/internal/manager"
	"pst-send/pkg/ledger"
)

// Server is the diagnostics HTTP server: gorilla/mux router over
// /healthz, /metrics, /scans, grounded on the teacher's
// internal/app.initHTTPServer + registerHandlers shape.
type Server struct {
	httpServer *http.Server
	logger     *logrus.Logger
	manager    *manager.ScanManager
	ledger     *ledger.Ledger
	subsystem  string
	startedAt  time.Time
}

// New builds a Server bound to addr. mgr and led may be used
// concurrently with Run; both must be non-nil.
func New(addr, subsystem string, mgr *manager.ScanManager, led *ledger.Ledger, logger *logrus.Logger) *Server {
	s := &Server{
		logger:    logger,
		manager:   mgr,
		ledger:    led,
		subsystem: subsystem,
		startedAt: time.Now(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/scans", s.handleScans).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: router,
	}
	return s
}

// Run starts the HTTP server in the background and blocks until ctx is
// canceled, then shuts the server down with a bounded timeout.
func (s *Server) Run(ctx context.Context) {
	go func() {
		if s.logger != nil {
			s.logger.WithField("addr", s.httpServer.Addr).Info("diagnostics server listening")
		}
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.WithError(err).Error("diagnostics server error")
			}
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && s.logger != nil {
		s.logger.WithError(err).Warn("diagnostics server shutdown error")
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

type scansResponse struct {
	Subsystem string              `json:"subsystem"`
	Scans     []manager.ScanState `json:"scans"`
	Errored   []ledger.Entry      `json:"errored_scans"`
}

func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	resp := scansResponse{
		Subsystem: s.subsystem,
		Scans:     s.manager.Snapshot(r.Context()),
		Errored:   s.ledger.Entries(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
