// Package sysmon samples host resource usage on a fixed interval.
package sysmon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/botvisor/internal/broadcast"
	"github.com/loykin/botvisor/internal/metrics"
	"github.com/loykin/botvisor/internal/store"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultHistorySize = 100
)

type Config struct {
	Interval    time.Duration `mapstructure:"interval"`
	DiskPath    string        `mapstructure:"disk_path"`
	HistorySize int           `mapstructure:"history_size"`
}

// Sampler periodically collects a Sample from every source and keeps a bounded history.
type Sampler struct {
	interval time.Duration
	sources  []Source
	pub      broadcast.Publisher
	history  *store.Bounded[Sample]

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a sampler. With no sources the gopsutil defaults are used. pub may be nil.
func New(cfg Config, pub broadcast.Publisher, sources ...Source) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if len(sources) == 0 {
		sources = DefaultSources(cfg.DiskPath)
	}
	return &Sampler{
		interval: cfg.Interval,
		sources:  sources,
		pub:      pub,
		history:  store.NewBounded[Sample](cfg.HistorySize),
		stopCh:   make(chan struct{}),
	}
}

// Start takes a first sample immediately and then one per interval until Stop.
func (s *Sampler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.SampleOnce(ctx)
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.SampleOnce(ctx)
			}
		}
	}()
	go func() {
		<-s.stopCh
		cancel()
	}()
}

// Stop halts sampling and waits for an in-flight sample to finish.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// SampleOnce collects all sources concurrently, appends the result to the
// history and broadcasts it. A failing source leaves only its own fields zero.
func (s *Sampler) SampleOnce(ctx context.Context) Sample {
	type result struct {
		name    string
		reading Reading
		err     error
	}
	results := make([]result, len(s.sources))
	var wg sync.WaitGroup
	for i, src := range s.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			r, err := src.Collect(ctx)
			results[i] = result{name: src.Name(), reading: r, err: err}
		}(i, src)
	}
	wg.Wait()

	sample := Sample{ID: uuid.NewString(), Timestamp: time.Now().UTC()}
	for _, r := range results {
		if r.err != nil || r.reading == nil {
			err := r.err
			if err == nil {
				err = errors.New("empty reading")
			}
			err = fmt.Errorf("%s: %w: %w", r.name, ErrMetricUnavailable, err)
			slog.Warn("resource source failed", "source", r.name, "error", err)
			metrics.IncSourceFailure(r.name)
			sample.Unavailable = append(sample.Unavailable, r.name)
			continue
		}
		r.reading(&sample)
	}

	s.history.Append(sample)
	metrics.SetHostSample(metrics.HostSample{
		CPUPercent:     sample.CPUUsage,
		MemoryUsedMB:   sample.MemoryUsed,
		MemoryTotalMB:  sample.MemoryTotal,
		DiskUsedMB:     sample.DiskUsed,
		DiskTotalMB:    sample.DiskTotal,
		NetworkInKBps:  sample.NetworkIn,
		NetworkOutKBps: sample.NetworkOut,
	})
	if s.pub != nil {
		if err := s.pub.Publish(broadcast.EventSystemStats, sample); err != nil {
			slog.Warn("publish system stats", "error", err)
		}
	}
	return sample
}

// Latest returns the most recent sample, or false before the first one.
func (s *Sampler) Latest() (Sample, bool) {
	return s.history.Latest()
}

// History returns the most recent limit samples in chronological order.
// A limit <= 0 returns every retained sample.
func (s *Sampler) History(limit int) []Sample {
	out := s.history.Recent(limit)
	slices.Reverse(out)
	return out
}
