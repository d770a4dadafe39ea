// Command context-store runs a context reference store under a synthetic
// multi-agent workload and exposes its statistics and metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/context-store/refstore"
	"github.com/wolfeidau/context-store/server"
	"github.com/wolfeidau/context-store/store/eviction"
	"github.com/wolfeidau/context-store/telemetry"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string           `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string           `help:"Log format." enum:"text,json" default:"text"`
	Version   kong.VersionFlag `help:"Print version and exit."`

	DiskPath         string        `help:"Disk tier directory (default: a temp dir removed on exit)." type:"path"`
	DiskBackend      string        `help:"Disk tier backend." enum:"filesystem,bolt" default:"filesystem"`
	Policy           string        `help:"Eviction policy." enum:"lru,lfu,ttl,memory_pressure" default:"lru"`
	MaxEntries       int           `help:"Maximum resident records (0 for unlimited)." default:"10000"`
	MaxBytes         int64         `help:"Maximum summed record size in bytes (0 for unlimited)." default:"0"`
	MemoryThreshold  int64         `help:"Blobs of at least this many bytes are stored on disk." default:"1048576"`
	MemoryBudget     uint64        `help:"Memory budget in bytes for the memory_pressure policy (0 uses GOMEMLIMIT or host memory)." default:"0"`
	DefaultTTL       time.Duration `help:"TTL applied to records stored without one (0 for none)." default:"0"`
	TTLCheckInterval time.Duration `help:"How often the janitor sweeps." default:"1m"`
	CompressText     bool          `help:"Compress large resident text parts."`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export (e.g. localhost:4317)." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

type cli struct {
	Globals

	Serve    ServeCmd    `cmd:"" help:"Serve health, stats and metrics while running the workload."`
	Simulate SimulateCmd `cmd:"" help:"Run the workload once and print store statistics."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("context-store"),
		kong.Description("Content-addressed context store for multi-agent workloads."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if err := kctx.Run(&c.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (g *Globals) logger() *slog.Logger {
	var level slog.Level
	switch g.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if g.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

func (g *Globals) storeConfig(logger *slog.Logger) refstore.Config {
	cfg := refstore.DefaultConfig()
	cfg.DiskPath = g.DiskPath
	cfg.DiskBackend = g.DiskBackend
	cfg.EvictionPolicy = eviction.Kind(g.Policy)
	cfg.MaxEntries = g.MaxEntries
	cfg.MaxBytes = g.MaxBytes
	cfg.MemoryThresholdBytes = g.MemoryThreshold
	cfg.MemoryBudgetBytes = g.MemoryBudget
	cfg.DefaultTTL = g.DefaultTTL
	cfg.TTLCheckInterval = g.TTLCheckInterval
	cfg.CompressText = g.CompressText
	cfg.Logger = logger
	return cfg
}

// openStore creates and starts a store. The returned close function stops
// it, bounded by a shutdown timeout.
func (g *Globals) openStore(ctx context.Context, logger *slog.Logger) (*refstore.Store, func() error, error) {
	s, err := refstore.New(g.storeConfig(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("creating store: %w", err)
	}
	if err := s.Start(ctx); err != nil {
		_ = s.Close(context.Background())
		return nil, nil, fmt.Errorf("starting store: %w", err)
	}
	closeFn := func() error {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Close(cctx)
	}
	return s, closeFn, nil
}

// initMetrics starts the metrics pipeline. Prometheus is only enabled when
// something will serve it.
func (g *Globals) initMetrics(ctx context.Context, prometheus bool) (func() error, error) {
	shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "context-store",
		ServiceVersion:   version,
		OTLPEndpoint:     g.OTLPEndpoint,
		EnablePrometheus: prometheus,
	})
	if err != nil {
		return nil, fmt.Errorf("initialising metrics: %w", err)
	}
	return func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(sctx)
	}, nil
}

// ServeCmd serves the admin endpoints and drives the workload until
// interrupted.
type ServeCmd struct {
	Address   string        `help:"Address to listen on." default:":9090"`
	MaxConns  int           `help:"Maximum concurrent connections (0 for unlimited)." default:"64"`
	AuthToken string        `help:"Bearer token required for /stats." env:"CONTEXT_STORE_AUTH_TOKEN"`
	Every     time.Duration `help:"Delay between workload runs." default:"5s"`

	Workload WorkloadFlags `embed:"" prefix:"workload-"`
}

func (c *ServeCmd) Run(g *Globals) error {
	logger := g.logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := g.initMetrics(ctx, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownMetrics(); err != nil {
			logger.Warn("failed to shut down metrics", "error", err)
		}
	}()

	s, closeStore, err := g.openStore(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address:   c.Address,
		MaxConns:  c.MaxConns,
		AuthToken: c.AuthToken,
		Logger:    logger,
	}, s)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()

	logger.Info("context store running",
		"address", srv.Address(),
		"stats_url", fmt.Sprintf("http://%s/stats", srv.Address()),
		"metrics_url", fmt.Sprintf("http://%s/metrics", srv.Address()),
		"policy", g.Policy,
	)

	go c.drive(ctx, s, logger)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// drive runs the workload repeatedly until ctx is done.
func (c *ServeCmd) drive(ctx context.Context, s *refstore.Store, logger *slog.Logger) {
	if c.Workload.Agents == 0 {
		return
	}
	ticker := time.NewTicker(c.Every)
	defer ticker.Stop()

	for run := 1; ; run++ {
		report, err := c.Workload.workload(logger).Run(ctx, s)
		switch {
		case errors.Is(err, context.Canceled):
			return
		case err != nil:
			logger.Warn("workload run failed", "run", run, "error", err)
		default:
			logger.Info("workload run complete", append([]any{"run", run}, report.attrs()...)...)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SimulateCmd runs the workload once.
type SimulateCmd struct {
	Sweep bool `help:"Run a janitor sweep before printing statistics." default:"true" negatable:""`

	Workload WorkloadFlags `embed:"" prefix:"workload-"`
}

func (c *SimulateCmd) Run(g *Globals) error {
	logger := g.logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := g.initMetrics(ctx, false)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownMetrics() }()

	s, closeStore, err := g.openStore(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}()

	report, err := c.Workload.workload(logger).Run(ctx, s)
	if err != nil {
		return err
	}
	if c.Sweep {
		if err := s.Sweep(ctx); err != nil {
			logger.Warn("janitor sweep failed", "error", err)
		}
	}

	printSummary(os.Stdout, report, s.Stats())
	return nil
}
