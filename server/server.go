// Package server is the status server of target-helper: health, Prometheus
// metrics and a read-only view of the local job ledger.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/logger"
	"github.com/trellisfw/target-helper/metrics"
	"github.com/trellisfw/target-helper/pulse/async"
	"github.com/trellisfw/target-helper/version"
)

// DefaultShutdownTimeout bounds how long Stop waits for open requests
const DefaultShutdownTimeout = 10 * time.Second

const (
	defaultJobLimit = 50
	maxJobLimit     = 200
)

// ServerState represents the server lifecycle state
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

func (s ServerState) String() string {
	switch s {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config configures the status server
type Config struct {
	Port            int           // 0 picks a free port
	ShutdownTimeout time.Duration // 0 = DefaultShutdownTimeout
}

// Server serves /healthz, /metrics and /api/jobs
type Server struct {
	cfg       Config
	ledger    *async.Ledger
	worker    *async.Worker
	collector *metrics.Collector
	logger    *zap.SugaredLogger

	router   chi.Router
	http     *http.Server
	listener net.Listener
	state    atomic.Int32
	wg       sync.WaitGroup
}

// New creates a server. ledger, worker and collector may each be nil; the
// routes backed by a nil dependency answer 503.
func New(cfg Config, ledger *async.Ledger, worker *async.Worker, collector *metrics.Collector, log *zap.SugaredLogger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	s := &Server{
		cfg:       cfg,
		ledger:    ledger,
		worker:    worker,
		collector: collector,
		logger:    log.Named("server"),
	}
	s.state.Store(int32(ServerStateStopped))
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.collector != nil {
		r.Use(s.collector.Middleware().Handler)
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Route("/api/jobs", func(r chi.Router) {
		r.Get("/", s.handleJobs)
		// Job ids carry a slash ("resources/..."), so the id is the rest of the path
		r.Get("/*", s.handleJobHistory)
	})
	return r
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// State returns the current server state
func (s *Server) State() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(state ServerState) {
	s.state.Store(int32(state))
	s.logger.Infow("server state changed", "new_state", state.String())
}

// Start listens on the configured port and serves in the background.
// It fails when the port cannot be bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", s.cfg.Port)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setState(ServerStateRunning)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("status server stopped unexpectedly", logger.FieldError, err)
		}
	}()
	s.logger.Infow("status server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, empty before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains open requests, waiting at most the shutdown timeout
func (s *Server) Stop() error {
	if s.http == nil || s.State() == ServerStateStopped {
		return nil
	}
	s.setState(ServerStateDraining)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := s.http.Shutdown(ctx)
	s.wg.Wait()
	s.setState(ServerStateStopped)
	if err != nil {
		return errors.Wrap(err, "status server shutdown")
	}
	return nil
}

type healthResponse struct {
	Status     string `json:"status"`
	State      string `json:"state"`
	Version    string `json:"version"`
	Service    string `json:"service,omitempty"`
	ActiveJobs int    `json:"active_jobs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.State()
	resp := healthResponse{
		Status:  "ok",
		State:   state.String(),
		Version: version.Get().Short(),
	}
	if s.worker != nil {
		resp.Service = s.worker.Service()
		resp.ActiveJobs = s.worker.Active()
	}
	status := http.StatusOK
	if state == ServerStateDraining {
		resp.Status = "draining"
		status = http.StatusServiceUnavailable
	}
	_ = writeJSON(w, status, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics not enabled")
		return
	}
	s.collector.Handler().ServeHTTP(w, r)
}

type jobsResponse struct {
	Jobs  []async.Entry `json:"jobs"`
	Count int           `json:"count"`
}

// handleJobs lists the latest state of recent jobs
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "job ledger not available")
		return
	}
	limit := parseIntQueryParam(r, "limit", defaultJobLimit, 1, maxJobLimit)
	entries, err := s.ledger.Latest(limit)
	if err != nil {
		s.logger.Errorw("failed to list jobs", logger.FieldError, err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if entries == nil {
		entries = []async.Entry{}
	}
	_ = writeJSON(w, http.StatusOK, jobsResponse{Jobs: entries, Count: len(entries)})
}

// handleJobHistory returns every recorded transition of one job
func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "job ledger not available")
		return
	}
	id := chi.URLParam(r, "*")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}
	entries, err := s.ledger.History(id)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", id))
			return
		}
		s.logger.Errorw("failed to read job history", logger.FieldJobID, id, logger.FieldError, err)
		writeError(w, http.StatusInternalServerError, "failed to read job history")
		return
	}
	_ = writeJSON(w, http.StatusOK, jobsResponse{Jobs: entries, Count: len(entries)})
}
