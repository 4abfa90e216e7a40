package sysmon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisor/internal/broadcast"
)

type fakeSource struct {
	name  string
	apply Reading
	err   error
	calls atomic.Int32
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Collect(context.Context) (Reading, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.apply, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []broadcast.EventType
}

func (c *capturePublisher) Publish(t broadcast.EventType, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, t)
	return nil
}

func (c *capturePublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func cpuSource(v float64) *fakeSource {
	return &fakeSource{name: "cpu", apply: func(s *Sample) { s.CPUUsage = v }}
}

func memSource(used, total float64) *fakeSource {
	return &fakeSource{name: "memory", apply: func(s *Sample) {
		s.MemoryUsed = used
		s.MemoryTotal = total
	}}
}

func TestLatestBeforeFirstSample(t *testing.T) {
	s := New(Config{}, nil, cpuSource(1))
	_, ok := s.Latest()
	assert.False(t, ok)
	assert.Empty(t, s.History(10))
}

func TestSampleOnceMergesSources(t *testing.T) {
	pub := &capturePublisher{}
	s := New(Config{}, pub, cpuSource(42.5), memSource(512, 2048))

	got := s.SampleOnce(context.Background())
	assert.Equal(t, 42.5, got.CPUUsage)
	assert.Equal(t, 512.0, got.MemoryUsed)
	assert.Equal(t, 2048.0, got.MemoryTotal)
	assert.NotEmpty(t, got.ID)
	assert.Empty(t, got.Unavailable)

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, got.ID, latest.ID)
	assert.Equal(t, []broadcast.EventType{broadcast.EventSystemStats}, pub.events)
}

func TestFailingSourceDegradesOnlyItsFields(t *testing.T) {
	broken := &fakeSource{name: "disk", err: errors.New("permission denied")}
	s := New(Config{}, nil, cpuSource(10), memSource(100, 200), broken)

	got := s.SampleOnce(context.Background())
	assert.Equal(t, 10.0, got.CPUUsage)
	assert.Equal(t, 100.0, got.MemoryUsed)
	assert.Zero(t, got.DiskUsed)
	assert.Zero(t, got.DiskTotal)
	assert.Equal(t, []string{"disk"}, got.Unavailable)
}

func TestHistoryIsBounded(t *testing.T) {
	s := New(Config{HistorySize: 3}, nil, cpuSource(1))
	var taken []Sample
	for i := 0; i < 7; i++ {
		taken = append(taken, s.SampleOnce(context.Background()))
	}
	h := s.History(0)
	require.Len(t, h, 3)
	assert.Equal(t, []string{taken[4].ID, taken[5].ID, taken[6].ID}, []string{h[0].ID, h[1].ID, h[2].ID})

	h = s.History(2)
	require.Len(t, h, 2)
	assert.Equal(t, taken[5].ID, h[0].ID)
	assert.Equal(t, taken[6].ID, h[1].ID)
}

func TestStartSamplesImmediatelyAndPeriodically(t *testing.T) {
	pub := &capturePublisher{}
	src := cpuSource(5)
	s := New(Config{Interval: 20 * time.Millisecond}, pub, src)
	s.Start()
	s.Start()

	require.Eventually(t, func() bool { return pub.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	n := src.calls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, src.calls.Load(), "no samples after Stop")
	s.Stop()
}

func TestNetworkSourceRates(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	counters := [][2]uint64{{1024 * 100, 1024 * 50}, {1024 * 200, 1024 * 60}, {10, 10}}
	times := []time.Time{base, base.Add(2 * time.Second), base.Add(3 * time.Second)}

	src := &NetworkSource{
		counters: func(context.Context) (uint64, uint64, error) {
			c := counters[calls]
			return c[0], c[1], nil
		},
		now: func() time.Time {
			at := times[calls]
			calls++
			return at
		},
	}

	var first, second, third Sample
	r, err := src.Collect(context.Background())
	require.NoError(t, err)
	r(&first)
	assert.Zero(t, first.NetworkIn)
	assert.Zero(t, first.NetworkOut)

	r, err = src.Collect(context.Background())
	require.NoError(t, err)
	r(&second)
	assert.InDelta(t, 50.0, second.NetworkIn, 0.001)
	assert.InDelta(t, 5.0, second.NetworkOut, 0.001)

	// counters went backwards (interface reset)
	r, err = src.Collect(context.Background())
	require.NoError(t, err)
	r(&third)
	assert.Zero(t, third.NetworkIn)
}

func TestNetworkSourceError(t *testing.T) {
	src := &NetworkSource{counters: func(context.Context) (uint64, uint64, error) {
		return 0, 0, errors.New("no /proc")
	}}
	_, err := src.Collect(context.Background())
	require.Error(t, err)
}

func TestDefaultSourcesAgainstHost(t *testing.T) {
	if testing.Short() {
		t.Skip("reads live host counters")
	}
	s := New(Config{DiskPath: t.TempDir()}, nil)
	got := s.SampleOnce(context.Background())
	assert.Greater(t, got.MemoryTotal, 0.0)
	assert.Greater(t, got.DiskTotal, 0.0)
}
