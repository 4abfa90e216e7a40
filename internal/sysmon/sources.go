package sysmon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

const mb = 1024 * 1024

// Source collects one metric family.
type Source interface {
	Name() string
	Collect(ctx context.Context) (Reading, error)
}

// DefaultSources returns the gopsutil-backed CPU, memory, disk and network sources.
func DefaultSources(diskPath string) []Source {
	return []Source{
		&CPUSource{Window: 200 * time.Millisecond},
		MemorySource{},
		DiskSource{Path: diskPath},
		&NetworkSource{},
	}
}

// CPUSource measures overall CPU utilisation over Window.
type CPUSource struct {
	Window time.Duration
}

func (s *CPUSource) Name() string { return "cpu" }

func (s *CPUSource) Collect(ctx context.Context) (Reading, error) {
	pct, err := cpu.PercentWithContext(ctx, s.Window, false)
	if err != nil {
		return nil, err
	}
	if len(pct) == 0 {
		return nil, fmt.Errorf("no cpu readings")
	}
	v := pct[0]
	return func(sm *Sample) { sm.CPUUsage = v }, nil
}

type MemorySource struct{}

func (MemorySource) Name() string { return "memory" }

func (MemorySource) Collect(ctx context.Context) (Reading, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	used, total := float64(vm.Used)/mb, float64(vm.Total)/mb
	return func(sm *Sample) {
		sm.MemoryUsed = used
		sm.MemoryTotal = total
	}, nil
}

// DiskSource reports usage of the filesystem holding Path ("/" when empty).
type DiskSource struct {
	Path string
}

func (DiskSource) Name() string { return "disk" }

func (s DiskSource) Collect(ctx context.Context) (Reading, error) {
	path := s.Path
	if path == "" {
		path = "/"
	}
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return nil, err
	}
	used, total := float64(u.Used)/mb, float64(u.Total)/mb
	return func(sm *Sample) {
		sm.DiskUsed = used
		sm.DiskTotal = total
	}, nil
}

// NetworkSource turns cumulative interface counters into KB/s rates. The
// first collection only establishes the baseline and reports zero.
type NetworkSource struct {
	counters func(ctx context.Context) (recv, sent uint64, err error)
	now      func() time.Time

	mu       sync.Mutex
	primed   bool
	lastRecv uint64
	lastSent uint64
	lastAt   time.Time
}

func (s *NetworkSource) Name() string { return "network" }

func (s *NetworkSource) Collect(ctx context.Context) (Reading, error) {
	read := s.counters
	if read == nil {
		read = hostCounters
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}

	recv, sent, err := read(ctx)
	if err != nil {
		return nil, err
	}
	at := now()

	s.mu.Lock()
	defer s.mu.Unlock()
	var in, out float64
	if s.primed {
		if secs := at.Sub(s.lastAt).Seconds(); secs > 0 {
			in = rate(recv, s.lastRecv, secs)
			out = rate(sent, s.lastSent, secs)
		}
	}
	s.primed = true
	s.lastRecv, s.lastSent, s.lastAt = recv, sent, at
	return func(sm *Sample) {
		sm.NetworkIn = in
		sm.NetworkOut = out
	}, nil
}

// rate returns KB/s; counter resets yield zero.
func rate(cur, prev uint64, secs float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) / 1024 / secs
}

func hostCounters(ctx context.Context) (uint64, uint64, error) {
	stats, err := net.IOCountersWithContext(ctx, true)
	if err != nil {
		return 0, 0, err
	}
	var recv, sent uint64
	for _, st := range stats {
		if st.Name == "lo" || st.Name == "lo0" {
			continue
		}
		recv += st.BytesRecv
		sent += st.BytesSent
	}
	return recv, sent, nil
}
