// Package server exposes a context store's health, statistics and metrics
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/context-store/refstore"
	"github.com/wolfeidau/context-store/telemetry"
	"golang.org/x/net/netutil"
)

// DefaultAddress is the listen address used when Config.Address is empty.
const DefaultAddress = ":9090"

// StatsSource reports store statistics.
type StatsSource interface {
	Stats() refstore.Stats
}

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":9090")
	Address string

	// MaxConns caps concurrent connections. Zero means unlimited.
	MaxConns int

	// AuthToken, when set, is required as a Bearer token on every path
	// except /health and /metrics.
	AuthToken string

	// ReadHeaderTimeout bounds how long a client may take to send headers.
	// Default is 10 seconds.
	ReadHeaderTimeout time.Duration

	// Logger for the server
	Logger *slog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	config     Config
	logger     *slog.Logger
	stats      StatsSource
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a server reporting on stats.
func New(cfg Config, stats StatsSource) (*Server, error) {
	if stats == nil {
		return nil, errors.New("stats source is required")
	}
	if cfg.MaxConns < 0 {
		return nil, fmt.Errorf("max conns must not be negative: %d", cfg.MaxConns)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		stats:  stats,
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s, nil
}

// Handler returns the server's routes with logging and authentication
// applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	if insp, ok := s.stats.(Inspector); ok {
		mux.HandleFunc("GET /refs/{ref}", s.handleRef(insp))
	}
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// Listen binds the listen address. It is separate from Serve so callers can
// learn the bound address before serving.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	if s.config.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConns)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Serve serves HTTP on the bound listener until Shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server is not listening")
	}

	s.logger.Info("starting server", "address", ln.Addr().String(), "max_conns", s.config.MaxConns)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start binds and serves.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the bound address once listening, otherwise the
// configured one.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statsResponse struct {
	TotalRecords     int              `json:"total_records"`
	TotalBlobs       int              `json:"total_blobs"`
	TotalBytesMemory int64            `json:"total_bytes_memory"`
	TotalBytesDisk   int64            `json:"total_bytes_disk"`
	RecordBytes      int64            `json:"record_bytes"`
	Hits             int64            `json:"hits"`
	Misses           int64            `json:"misses"`
	Inserts          int64            `json:"inserts"`
	DedupHits        int64            `json:"dedup_hits"`
	BlobDedupHits    int64            `json:"blob_dedup_hits"`
	Deletes          int64            `json:"deletes"`
	Evictions        map[string]int64 `json:"evictions_by_cause"`
	JanitorRuns      int64            `json:"janitor_runs"`
	JanitorErrors    int64            `json:"janitor_errors"`
	LastJanitorError string           `json:"last_janitor_error,omitempty"`
}

// handleStats handles store statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.stats.Stats()
	resp := statsResponse{
		TotalRecords:     st.TotalRecords,
		TotalBlobs:       st.TotalBlobs,
		TotalBytesMemory: st.TotalBytesMemory,
		TotalBytesDisk:   st.TotalBytesDisk,
		RecordBytes:      st.RecordBytes,
		Hits:             st.Hits,
		Misses:           st.Misses,
		Inserts:          st.Inserts,
		DedupHits:        st.DedupHits,
		BlobDedupHits:    st.BlobDedupHits,
		Deletes:          st.Deletes,
		Evictions:        make(map[string]int64, len(st.EvictionsByCause)),
		JanitorRuns:      st.JanitorRuns,
		JanitorErrors:    st.JanitorErrors,
		LastJanitorError: st.LastJanitorError,
	}
	for cause, n := range st.EvictionsByCause {
		resp.Evictions[string(cause)] = n
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode stats", "error", err)
	}
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
