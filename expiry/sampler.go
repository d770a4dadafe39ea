package expiry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"runtime/debug"
	"runtime/metrics"
	"strconv"
	"strings"
)

// MemorySample is one utilization reading.
type MemorySample struct {
	Used  uint64
	Total uint64
}

// Percent returns Used as a percentage of Total.
func (s MemorySample) Percent() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Used) / float64(s.Total) * 100
}

// Sampler reports memory utilization.
type Sampler interface {
	Sample(ctx context.Context) (MemorySample, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (MemorySample, error)

func (f SamplerFunc) Sample(ctx context.Context) (MemorySample, error) {
	return f(ctx)
}

// ErrNoMemoryLimit is returned when RuntimeSampler cannot find a total to
// measure against.
var ErrNoMemoryLimit = errors.New("no memory budget, GOMEMLIMIT or MemTotal available")

const (
	metricTotal    = "/memory/classes/total:bytes"
	metricReleased = "/memory/classes/heap/released:bytes"
)

// RuntimeSampler measures Go runtime memory against a budget. The budget is
// Budget when set, otherwise GOMEMLIMIT, otherwise the host's MemTotal.
type RuntimeSampler struct {
	Budget      uint64
	MeminfoPath string // defaults to /proc/meminfo
}

// NewRuntimeSampler creates a sampler with an optional explicit budget.
func NewRuntimeSampler(budget uint64) *RuntimeSampler {
	return &RuntimeSampler{Budget: budget}
}

func (s *RuntimeSampler) Sample(ctx context.Context) (MemorySample, error) {
	if err := ctx.Err(); err != nil {
		return MemorySample{}, err
	}

	samples := []metrics.Sample{{Name: metricTotal}, {Name: metricReleased}}
	metrics.Read(samples)

	var used uint64
	if samples[0].Value.Kind() == metrics.KindUint64 {
		used = samples[0].Value.Uint64()
	}
	if samples[1].Value.Kind() == metrics.KindUint64 {
		used -= min(used, samples[1].Value.Uint64())
	}

	total, err := s.total()
	if err != nil {
		return MemorySample{}, err
	}
	return MemorySample{Used: used, Total: total}, nil
}

func (s *RuntimeSampler) total() (uint64, error) {
	if s.Budget > 0 {
		return s.Budget, nil
	}
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit != math.MaxInt64 {
		return uint64(limit), nil
	}

	path := s.MeminfoPath
	if path == "" {
		path = "/proc/meminfo"
	}
	total, err := readMemTotal(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoMemoryLimit, err)
	}
	return total, nil
}

// readMemTotal parses the MemTotal line of a meminfo file.
func readMemTotal(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "MemTotal:" {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing MemTotal: %w", err)
		}
		return kb * 1024, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, errors.New("MemTotal not found")
}
