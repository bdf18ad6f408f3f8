package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"loaddriver/internal/runner"
	"loaddriver/internal/storage"
	"loaddriver/internal/traffic"
)

const (
	DefaultListenAddr   = ":8080"
	DefaultMaxBodyBytes = 1 << 20
	defaultHistoryLimit = 50
)

// Experiments is the experiment slot the server drives.
type Experiments interface {
	Start(spec *traffic.TrafficSpec) (runner.Status, error)
	Abort() (runner.Status, error)
	Status() (runner.Status, bool)
}

// History is read by GET /experiments.
type History interface {
	List(limit int) ([]storage.HistoryItem, error)
	Get(id string) (*storage.HistoryItem, error)
}

// Config configures the control server.
type Config struct {
	ListenAddr string
	// ShutdownOnAbort makes DELETE /experiment and GET /stop stop the
	// server once the response is written.
	ShutdownOnAbort bool
	ShutdownDelay   time.Duration
	MaxBodyBytes    int64
}

// Server exposes the experiment slot over HTTP.
type Server struct {
	config  Config
	ctrl    Experiments
	history History
	metrics http.Handler
	logger  *zap.Logger

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewServer builds the server. history and metrics may be nil.
func NewServer(config Config, ctrl Experiments, history History, metrics http.Handler, logger *zap.Logger) *Server {
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Server{
		config:   config,
		ctrl:     ctrl,
		history:  history,
		metrics:  metrics,
		logger:   logger,
		shutdown: make(chan struct{}),
	}
}

// Handler returns the routes of the control surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/experiment", s.handleExperiment)
	mux.HandleFunc("/experiments", s.handleHistory)
	mux.HandleFunc("/experiments/", s.handleHistoryItem)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// ShutdownRequested is closed after an abort asked the process to exit.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdown }

func (s *Server) requestShutdown() {
	if !s.config.ShutdownOnAbort {
		return
	}
	s.shutdownOnce.Do(func() {
		s.logger.Info("Shutdown requested over control surface")
		close(s.shutdown)
	})
}

// ListenAndServe serves until ctx is done or a shutdown is requested.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting control server", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case <-s.shutdown:
		// Let the response that requested the shutdown reach the client.
		time.Sleep(s.config.ShutdownDelay)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) handleExperiment(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleStart(w, r)
	case http.MethodDelete:
		s.handleAbort(w, r)
	case http.MethodGet:
		s.handleStatus(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

// handleStart starts an experiment from the request body.
// POST /experiment
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	spec, err := traffic.Decode(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		s.logger.Warn("Rejected experiment", zap.String("client", r.RemoteAddr), zap.Error(err))
		writeError(w, http.StatusBadRequest, err)
		return
	}

	st, err := s.ctrl.Start(spec)
	switch {
	case errors.Is(err, runner.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err)
		return
	case errors.Is(err, traffic.ErrConfiguration):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		s.logger.Error("Failed to start experiment", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Info("Experiment accepted",
		zap.String("id", st.ID),
		zap.String("client", r.RemoteAddr))
	writeJSON(w, http.StatusCreated, st)
}

// handleAbort aborts the running experiment, then asks for shutdown.
// DELETE /experiment
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	defer s.requestShutdown()

	st, err := s.ctrl.Abort()
	if errors.Is(err, runner.ErrNotRunning) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("Experiment aborted", zap.String("id", st.ID), zap.String("client", r.RemoteAddr))
	writeJSON(w, http.StatusOK, st)
}

// handleStatus returns the current or most recent experiment.
// GET /experiment
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st, ok := s.ctrl.Status()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no experiment has been started"))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleStop is the stop hook polled by deployment scripts: abort whatever
// runs and exit.
// GET /stop
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	defer s.requestShutdown()

	_, err := s.ctrl.Abort()
	aborted := err == nil
	if err != nil && !errors.Is(err, runner.ErrNotRunning) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true, "aborted": aborted})
}

// GET /experiments?limit=n
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if s.history == nil {
		writeJSON(w, http.StatusOK, []storage.HistoryItem{})
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	items, err := s.history.List(limit)
	if err != nil {
		s.logger.Error("Failed to list history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// GET /experiments/{id}
func (s *Server) handleHistoryItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/experiments/")
	if id == "" || s.history == nil {
		writeError(w, http.StatusNotFound, storage.ErrNotFound)
		return
	}

	item, err := s.history.Get(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st, ok := s.ctrl.Status()
	running := ok && !st.Finished()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"running": running,
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
