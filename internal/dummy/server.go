// Package dummy serves fixed-size payloads in place of the server under test.
package dummy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"loaddriver/internal/traffic"
)

const (
	DefaultAddr = ":8080"
	// MaxPayload caps a single response.
	MaxPayload = 64 << 30
	chunkSize  = 32 << 10
)

type ServerConfig struct {
	Addr string
	// Latency delays the first byte of every payload.
	Latency time.Duration
}

// Server answers GET /{size} with size bytes.
type Server struct {
	cfg    ServerConfig
	logger *zap.Logger

	served atomic.Uint64
	bytes  atomic.Uint64
}

func NewServer(cfg ServerConfig, logger *zap.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Served returns the number of completed payloads and bytes written.
func (s *Server) Served() (payloads, bytes uint64) {
	return s.served.Load(), s.bytes.Load()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		payloads, n := s.Served()
		fmt.Fprintf(w, `{"status":"healthy","payloads":%d,"bytes":%d}`+"\n", payloads, n)
	})
	mux.HandleFunc("/", s.handlePayload)
	return mux
}

// handlePayload streams zeros. The size uses the same unit syntax as
// traffic specs, so "/1M" is 1048576 bytes.
// GET /{size}
func (s *Server) handlePayload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	size, err := traffic.ParseByteSize(strings.TrimPrefix(r.URL.Path, "/"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n := size.Int64()
	if n > MaxPayload {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	if s.cfg.Latency > 0 {
		select {
		case <-time.After(s.cfg.Latency):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(n, 10))
	if r.Method == http.MethodHead {
		return
	}

	written, err := io.CopyBuffer(w, io.LimitReader(zeros{}, n), make([]byte, chunkSize))
	s.bytes.Add(uint64(written))
	if err != nil {
		s.logger.Debug("payload interrupted",
			zap.String("client", r.RemoteAddr),
			zap.Int64("written", written),
			zap.Error(err))
		return
	}
	s.served.Add(1)
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Dummy server running", zap.String("addr", ln.Addr().String()))
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
