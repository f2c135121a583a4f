// Package diagnostics reports process/host resource stats for /selftest.
// Grounded on the teacher's internal/server.getSystemStats (cpu.Percent +
// mem.VirtualMemory), generalized into a standalone component so the server
// package doesn't import gopsutil directly.
package diagnostics

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a point-in-time resource reading.
type Snapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
}

// Collect samples CPU over a short window (100ms, matching the teacher's
// rationale of staying fast under a polling caller) and instantaneous
// memory usage.
func Collect() Snapshot {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	avg := 0.0
	if err == nil && len(cpuPercent) > 0 {
		avg = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		return Snapshot{CPUPercent: avg}
	}

	return Snapshot{
		CPUPercent:    avg,
		MemoryPercent: memStat.UsedPercent,
		MemoryUsedMB:  float64(memStat.Used) / 1024 / 1024,
	}
}
