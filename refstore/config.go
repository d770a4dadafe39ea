package refstore

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/context-store/envelope"
	"github.com/wolfeidau/context-store/expiry"
	"github.com/wolfeidau/context-store/store"
	"github.com/wolfeidau/context-store/store/eviction"
	"github.com/wolfeidau/context-store/store/meta"
)

// Disk backend names.
const (
	DiskBackendFilesystem = "filesystem"
	DiskBackendBolt       = "bolt"
)

// Config configures a Store. It is read once by New and never changes.
type Config struct {
	// MaxEntries bounds the number of resident records. Zero means unlimited.
	MaxEntries int

	// MaxBytes bounds the summed record size. Zero means unlimited.
	MaxBytes int64

	// EvictionPolicy is one of lru, lfu, ttl or memory_pressure.
	EvictionPolicy eviction.Kind

	// MemoryThresholdBytes is the blob size at which storage moves to disk.
	MemoryThresholdBytes int64

	// DiskPath is where the disk tier lives. Empty means a temporary
	// directory removed on Close.
	DiskPath string

	// DiskBackend is filesystem (one file per blob) or bolt (one bbolt file).
	DiskBackend string

	// DiskTimeout bounds each disk-tier operation.
	DiskTimeout time.Duration

	// TTLCheckInterval is how often the janitor sweeps.
	TTLCheckInterval time.Duration

	// DefaultTTL applies to records stored without a TTL. Zero means none.
	DefaultTTL time.Duration

	// WarmDuration is how long Warm protects a record.
	WarmDuration time.Duration

	// MemoryHighWatermark and MemoryLowWatermark are utilization percentages
	// used by the memory_pressure policy.
	MemoryHighWatermark float64
	MemoryLowWatermark  float64

	// MemoryBudgetBytes is the total the default sampler measures against.
	// Zero falls back to GOMEMLIMIT and then host memory.
	MemoryBudgetBytes uint64

	// MemorySampler overrides the default runtime sampler.
	MemorySampler expiry.Sampler

	// PinnedPriorityThreshold is the priority above which records are never
	// chosen as eviction victims.
	PinnedPriorityThreshold int

	// MaxEvictionBatch caps memory-pressure evictions per sweep.
	MaxEvictionBatch int

	// CompressText compresses resident text parts of at least
	// CompressionThreshold bytes.
	CompressText         bool
	CompressionThreshold int

	// Logger for store events.
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		EvictionPolicy:          eviction.KindLRU,
		MemoryThresholdBytes:    store.DefaultMemoryThreshold,
		DiskBackend:             DiskBackendFilesystem,
		DiskTimeout:             store.DefaultDiskTimeout,
		TTLCheckInterval:        expiry.DefaultInterval,
		WarmDuration:            meta.DefaultWarmDuration,
		MemoryHighWatermark:     expiry.DefaultHighWatermark,
		MemoryLowWatermark:      expiry.DefaultLowWatermark,
		PinnedPriorityThreshold: eviction.DefaultPinnedPriorityThreshold,
		MaxEvictionBatch:        expiry.DefaultMaxEvictionBatch,
		CompressionThreshold:    envelope.DefaultCompressionThreshold,
		Logger:                  slog.Default(),
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.EvictionPolicy == "" {
		c.EvictionPolicy = d.EvictionPolicy
	}
	if c.MemoryThresholdBytes == 0 {
		c.MemoryThresholdBytes = d.MemoryThresholdBytes
	}
	if c.DiskBackend == "" {
		c.DiskBackend = d.DiskBackend
	}
	if c.DiskTimeout == 0 {
		c.DiskTimeout = d.DiskTimeout
	}
	if c.TTLCheckInterval == 0 {
		c.TTLCheckInterval = d.TTLCheckInterval
	}
	if c.WarmDuration == 0 {
		c.WarmDuration = d.WarmDuration
	}
	if c.MemoryHighWatermark == 0 {
		c.MemoryHighWatermark = d.MemoryHighWatermark
	}
	if c.MemoryLowWatermark == 0 {
		c.MemoryLowWatermark = d.MemoryLowWatermark
	}
	if c.MaxEvictionBatch == 0 {
		c.MaxEvictionBatch = d.MaxEvictionBatch
	}
	if c.CompressionThreshold == 0 {
		c.CompressionThreshold = d.CompressionThreshold
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	return c
}

// Validate rejects inconsistent configuration.
func (c Config) Validate() error {
	var errs []error
	if c.MaxEntries < 0 {
		errs = append(errs, errors.New("max entries must not be negative"))
	}
	if c.MaxBytes < 0 {
		errs = append(errs, errors.New("max bytes must not be negative"))
	}
	if _, err := eviction.ParseKind(string(c.EvictionPolicy)); err != nil {
		errs = append(errs, err)
	}
	if c.MemoryThresholdBytes <= 0 {
		errs = append(errs, errors.New("memory threshold must be positive"))
	}
	if c.DiskBackend != DiskBackendFilesystem && c.DiskBackend != DiskBackendBolt {
		errs = append(errs, fmt.Errorf("unknown disk backend %q", c.DiskBackend))
	}
	if c.DiskTimeout <= 0 {
		errs = append(errs, errors.New("disk timeout must be positive"))
	}
	if c.TTLCheckInterval <= 0 {
		errs = append(errs, errors.New("ttl check interval must be positive"))
	}
	if c.DefaultTTL < 0 {
		errs = append(errs, errors.New("default ttl must not be negative"))
	}
	if c.WarmDuration <= 0 {
		errs = append(errs, errors.New("warm duration must be positive"))
	}
	if c.MemoryLowWatermark <= 0 || c.MemoryHighWatermark > 100 || c.MemoryLowWatermark >= c.MemoryHighWatermark {
		errs = append(errs, fmt.Errorf("watermarks must satisfy 0 < low (%v) < high (%v) <= 100",
			c.MemoryLowWatermark, c.MemoryHighWatermark))
	}
	if c.MaxEvictionBatch <= 0 {
		errs = append(errs, errors.New("max eviction batch must be positive"))
	}
	if c.CompressionThreshold <= 0 {
		errs = append(errs, errors.New("compression threshold must be positive"))
	}
	return errors.Join(errs...)
}
