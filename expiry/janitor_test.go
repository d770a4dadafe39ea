package expiry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	mu sync.Mutex

	expiredCalls  int
	expiredNow    time.Time
	expireErr     error
	pressureCalls int
	bytesToFree   int64
	maxVictims    int
	warmSweeps    int
	block         chan struct{}
}

func (f *fakeTarget) EvictExpired(ctx context.Context, now time.Time) (int, int64, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiredCalls++
	f.expiredNow = now
	if f.expireErr != nil {
		return 0, 0, f.expireErr
	}
	return 2, 200, nil
}

func (f *fakeTarget) SweepWarm() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warmSweeps++
	return 1
}

func (f *fakeTarget) EvictForPressure(_ context.Context, bytesToFree int64, maxVictims int) (int, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pressureCalls++
	f.bytesToFree = bytesToFree
	f.maxVictims = maxVictims
	return 3, bytesToFree, nil
}

func (f *fakeTarget) calls() (expired, pressure int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expiredCalls, f.pressureCalls
}

func fixedSampler(used, total uint64) Sampler {
	return SamplerFunc(func(context.Context) (MemorySample, error) {
		return MemorySample{Used: used, Total: total}, nil
	})
}

func TestRunOnceExpiresAndSweepsWarm(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	target := &fakeTarget{}
	j := New(target, Config{}, WithNow(func() time.Time { return now }))

	result := j.RunOnce(context.Background())
	require.Equal(t, 2, result.Expired)
	require.Equal(t, int64(200), result.ExpiredBytes)
	require.Equal(t, 1, result.WarmRemaining)
	require.False(t, result.Sampled)
	require.NoError(t, result.Err())
	require.Equal(t, now, target.expiredNow)
	require.Same(t, result, j.LastRun())
}

func TestRunOnceRecordsErrors(t *testing.T) {
	target := &fakeTarget{expireErr: errors.New("disk on fire")}
	var seen *SweepResult
	j := New(target, Config{OnSweep: func(r *SweepResult) { seen = r }})

	result := j.RunOnce(context.Background())
	require.ErrorContains(t, result.Err(), "disk on fire")
	require.Same(t, result, seen)
}

func TestPressureRelief(t *testing.T) {
	target := &fakeTarget{}
	j := New(target, Config{
		Sampler:          fixedSampler(900, 1000),
		HighWatermark:    85,
		LowWatermark:     70,
		MaxEvictionBatch: 5,
	})

	result := j.RunOnce(context.Background())
	require.True(t, result.Sampled)
	require.InDelta(t, 90.0, result.Memory.Percent(), 1e-9)
	require.Equal(t, 3, result.PressureEvicted)
	require.Equal(t, int64(200), target.bytesToFree)
	require.Equal(t, 5, target.maxVictims)
}

func TestPressureBelowWatermark(t *testing.T) {
	target := &fakeTarget{}
	j := New(target, Config{Sampler: fixedSampler(500, 1000)})

	result := j.RunOnce(context.Background())
	require.True(t, result.Sampled)
	_, pressure := target.calls()
	require.Zero(t, pressure)
}

func TestSamplerErrorIsRecorded(t *testing.T) {
	target := &fakeTarget{}
	j := New(target, Config{Sampler: SamplerFunc(func(context.Context) (MemorySample, error) {
		return MemorySample{}, errors.New("meminfo unreadable")
	})})

	result := j.RunOnce(context.Background())
	require.False(t, result.Sampled)
	require.ErrorContains(t, result.Err(), "meminfo unreadable")
	require.Equal(t, 2, result.Expired)
}

func TestStartSweepsPeriodically(t *testing.T) {
	target := &fakeTarget{}
	j := New(target, Config{Interval: 5 * time.Millisecond})
	j.Start(context.Background())

	require.Eventually(t, func() bool {
		expired, _ := target.calls()
		return expired >= 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, j.Stop(context.Background()))
	require.NoError(t, j.Stop(context.Background()))

	expired, _ := target.calls()
	time.Sleep(20 * time.Millisecond)
	after, _ := target.calls()
	require.Equal(t, expired, after)
}

func TestStopWithoutStart(t *testing.T) {
	j := New(&fakeTarget{}, Config{})
	require.NoError(t, j.Stop(context.Background()))

	// A stopped janitor stays stopped.
	j.Start(context.Background())
	require.Nil(t, j.LastRun())
}

func TestStopCancelsInFlightSweep(t *testing.T) {
	target := &fakeTarget{block: make(chan struct{})}
	j := New(target, Config{Interval: time.Millisecond})
	j.Start(context.Background())

	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, j.Stop(ctx))
}

func TestStopBoundedByContext(t *testing.T) {
	target := &fakeTarget{}
	j := New(target, Config{Interval: time.Hour})
	j.Start(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The loop exits promptly, but an already-cancelled ctx may win the race.
	err := j.Stop(ctx)
	if err != nil {
		require.ErrorIs(t, err, context.Canceled)
	}
}

func TestMemorySamplePercent(t *testing.T) {
	require.Zero(t, MemorySample{Used: 10}.Percent())
	require.InDelta(t, 25.0, MemorySample{Used: 1, Total: 4}.Percent(), 1e-9)
}

func TestRuntimeSamplerBudget(t *testing.T) {
	s := NewRuntimeSampler(1 << 40)
	sample, err := s.Sample(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1<<40), sample.Total)
	require.Positive(t, sample.Used)
}

func TestReadMemTotal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meminfo")
	require.NoError(t, os.WriteFile(path, []byte("MemFree:  100 kB\nMemTotal:  2048 kB\n"), 0o600))

	total, err := readMemTotal(path)
	require.NoError(t, err)
	require.Equal(t, uint64(2048*1024), total)

	require.NoError(t, os.WriteFile(path, []byte("MemFree: 1 kB\n"), 0o600))
	_, err = readMemTotal(path)
	require.Error(t, err)

	_, err = readMemTotal(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
