// Package expiry runs the background sweep that expires TTL'd records, decays
// warm marks and relieves memory pressure.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/wolfeidau/context-store/telemetry"
)

// Default janitor settings.
const (
	DefaultInterval         = 1 * time.Minute
	DefaultHighWatermark    = 85.0
	DefaultLowWatermark     = 70.0
	DefaultMaxEvictionBatch = 64
)

// Target is the store the janitor sweeps. Implementations must evict through
// the same locking and reference-counting path as foreground operations.
type Target interface {
	// EvictExpired removes every record whose TTL has passed at now.
	EvictExpired(ctx context.Context, now time.Time) (evicted int, bytes int64, err error)

	// SweepWarm drops decayed warm marks and returns how many remain.
	SweepWarm() int

	// EvictForPressure evicts policy victims until bytesToFree is covered or
	// maxVictims records have been removed.
	EvictForPressure(ctx context.Context, bytesToFree int64, maxVictims int) (evicted int, bytes int64, err error)
}

// Config holds janitor configuration.
type Config struct {
	// Interval is how often to sweep. Default is 1 minute.
	Interval time.Duration

	// Sampler reports memory utilization. Nil disables pressure relief.
	Sampler Sampler

	// HighWatermark is the utilization percentage that triggers relief.
	HighWatermark float64

	// LowWatermark is the utilization percentage relief aims for.
	LowWatermark float64

	// MaxEvictionBatch caps pressure evictions per sweep.
	MaxEvictionBatch int

	// OnSweep is called after every sweep, including failed ones.
	OnSweep func(*SweepResult)

	// Logger for janitor events.
	Logger *slog.Logger
}

// SweepResult contains the results of one sweep.
type SweepResult struct {
	StartedAt       time.Time
	Duration        time.Duration
	Expired         int
	ExpiredBytes    int64
	WarmRemaining   int
	Sampled         bool
	Memory          MemorySample
	PressureEvicted int
	PressureBytes   int64
	Errors          []error
}

// Err joins the errors of the sweep, or returns nil.
func (r *SweepResult) Err() error {
	return errors.Join(r.Errors...)
}

// Janitor periodically sweeps a Target. Start and Stop are explicit; a
// stopped janitor cannot be restarted.
type Janitor struct {
	config Config
	target Target
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	lastRun *SweepResult
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithNow sets the time function for testing.
func WithNow(fn func() time.Time) Option {
	return func(j *Janitor) {
		j.now = fn
	}
}

// New creates a janitor for target.
func New(target Target, cfg Config, opts ...Option) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = DefaultHighWatermark
	}
	if cfg.LowWatermark <= 0 {
		cfg.LowWatermark = DefaultLowWatermark
	}
	if cfg.MaxEvictionBatch <= 0 {
		cfg.MaxEvictionBatch = DefaultMaxEvictionBatch
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	j := &Janitor{
		config: cfg,
		target: target,
		logger: cfg.Logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start begins background sweeps. Calling Start on a running or stopped
// janitor does nothing.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	if j.running || j.stopped {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.mu.Unlock()

	go j.run(ctx)
}

// Stop signals the sweep loop to exit and waits for it, bounded by ctx.
// An in-flight sweep observes cancellation at its next record.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if j.stopped {
		j.mu.Unlock()
		return nil
	}
	j.stopped = true
	running := j.running
	j.mu.Unlock()

	close(j.stopCh)
	if !running {
		return nil
	}

	select {
	case <-j.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for janitor to stop: %w", ctx.Err())
	}
}

// LastRun returns the most recent sweep result, or nil.
func (j *Janitor) LastRun() *SweepResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRun
}

func (j *Janitor) run(ctx context.Context) {
	defer close(j.doneCh)

	// Sweeps stop promptly when either the caller's ctx ends or Stop is called.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-j.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	j.logger.Debug("janitor starting", "interval", j.config.Interval, "pressure_relief", j.config.Sampler != nil)

	for {
		select {
		case <-ctx.Done():
			j.logger.Debug("janitor stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep.
func (j *Janitor) RunOnce(ctx context.Context) *SweepResult {
	result := &SweepResult{StartedAt: j.now()}

	evicted, bytes, err := j.target.EvictExpired(ctx, result.StartedAt)
	result.Expired = evicted
	result.ExpiredBytes = bytes
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("expiring records: %w", err))
	}

	result.WarmRemaining = j.target.SweepWarm()

	if j.config.Sampler != nil && ctx.Err() == nil {
		j.relievePressure(ctx, result)
	}

	result.Duration = j.now().Sub(result.StartedAt)

	j.mu.Lock()
	j.lastRun = result
	j.mu.Unlock()

	telemetry.RecordJanitorRun(ctx, result.Duration, len(result.Errors) > 0)
	if j.config.OnSweep != nil {
		j.config.OnSweep(result)
	}

	switch {
	case len(result.Errors) > 0:
		j.logger.Warn("janitor sweep finished with errors",
			"expired", result.Expired,
			"pressure_evicted", result.PressureEvicted,
			"error", result.Err(),
		)
	case result.Expired > 0 || result.PressureEvicted > 0:
		j.logger.Info("janitor sweep complete",
			"expired", result.Expired,
			"expired_bytes", result.ExpiredBytes,
			"pressure_evicted", result.PressureEvicted,
			"pressure_bytes", result.PressureBytes,
			"duration", result.Duration,
		)
	default:
		j.logger.Debug("janitor sweep complete, nothing to evict")
	}

	return result
}

func (j *Janitor) relievePressure(ctx context.Context, result *SweepResult) {
	sample, err := j.config.Sampler.Sample(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("sampling memory: %w", err))
		return
	}
	result.Sampled = true
	result.Memory = sample

	percent := sample.Percent()
	telemetry.RecordMemoryUtilization(ctx, percent)
	if percent < j.config.HighWatermark {
		return
	}

	target := uint64(math.Round(j.config.LowWatermark / 100 * float64(sample.Total)))
	if sample.Used <= target {
		return
	}
	bytesToFree := int64(sample.Used - target) //nolint:gosec // bounded by sample.Used

	j.logger.Info("memory over high watermark, evicting",
		"percent", percent,
		"high_watermark", j.config.HighWatermark,
		"bytes_to_free", bytesToFree,
	)

	evicted, freed, err := j.target.EvictForPressure(ctx, bytesToFree, j.config.MaxEvictionBatch)
	result.PressureEvicted = evicted
	result.PressureBytes = freed
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("relieving memory pressure: %w", err))
	}
}
