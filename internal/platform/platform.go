// Package platform reports host resource usage for the realtime
// edge's /stats endpoint: goroutine count, heap usage, and the host's
// CPU percentage, smoothed the way a long-lived server samples it.
package platform

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// Snapshot is one point-in-time resource reading.
type Snapshot struct {
	Goroutines   int     `json:"goroutines"`
	HeapAllocMB  float64 `json:"heap_alloc_mb"`
	HeapSysMB    float64 `json:"heap_sys_mb"`
	GCCount      uint32  `json:"gc_count"`
	CPUPercent   float64 `json:"cpu_percent"`
	UptimeSecs   float64 `json:"uptime_seconds"`
}

// Sampler tracks a smoothed CPU percentage across calls, avoiding the
// noise a single instantaneous sample would show.
type Sampler struct {
	mu         sync.Mutex
	cpuPercent float64
	startedAt  time.Time
}

// NewSampler builds a Sampler stamped with the process start time.
func NewSampler() *Sampler {
	return &Sampler{startedAt: time.Now()}
}

// Sample reads current runtime and CPU stats. CPU sampling blocks for
// up to 200ms to measure a delta; call this from a background loop or
// an endpoint handler that can tolerate the latency, not a hot path.
func (s *Sampler) Sample() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	percents, err := cpu.Percent(200*time.Millisecond, false)
	s.mu.Lock()
	if err == nil && len(percents) > 0 {
		const alpha = 0.3
		if s.cpuPercent == 0 {
			s.cpuPercent = percents[0]
		} else {
			s.cpuPercent = alpha*percents[0] + (1-alpha)*s.cpuPercent
		}
	}
	current := s.cpuPercent
	uptime := time.Since(s.startedAt).Seconds()
	s.mu.Unlock()

	return Snapshot{
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(mem.HeapAlloc) / 1024 / 1024,
		HeapSysMB:   float64(mem.HeapSys) / 1024 / 1024,
		GCCount:     mem.NumGC,
		CPUPercent:  current,
		UptimeSecs:  uptime,
	}
}
