package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSnapshot is a point-in-time read of process/host resource usage
// (SPEC_FULL.md §FULL-3 HostSnapshot), sampled with gopsutil the way
// adred-codev-ws_poc's SystemMetrics does.
type HostSnapshot struct {
	SampledAt      time.Time
	CPUPercent     float64
	MemoryUsedMB   float64
	MemoryTotalMB  float64
	Goroutines     int
}

// HostSampler maintains an exponentially-smoothed CPU reading so a fast
// polling cadence doesn't report noisy spikes.
type HostSampler struct {
	mu         sync.Mutex
	cpuPercent float64
	primed     bool
}

// NewHostSampler builds a HostSampler. Callers own the polling cadence.
func NewHostSampler() *HostSampler {
	return &HostSampler{}
}

// Sample takes a fresh HostSnapshot, blocking briefly to measure CPU usage
// over a short window.
func (s *HostSampler) Sample() HostSnapshot {
	cpuPercents, err := cpu.Percent(100*time.Millisecond, false)
	var current float64
	if err == nil && len(cpuPercents) > 0 {
		current = cpuPercents[0]
	}

	s.mu.Lock()
	if !s.primed {
		s.cpuPercent = current
		s.primed = true
	} else {
		const alpha = 0.3
		s.cpuPercent = alpha*current + (1-alpha)*s.cpuPercent
	}
	smoothed := s.cpuPercent
	s.mu.Unlock()

	snap := HostSnapshot{
		SampledAt:  time.Now(),
		CPUPercent: smoothed,
		Goroutines: runtime.NumGoroutine(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryUsedMB = float64(vm.Used) / (1 << 20)
		snap.MemoryTotalMB = float64(vm.Total) / (1 << 20)
	}
	return snap
}
