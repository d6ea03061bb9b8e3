package async

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/pawnx/errors"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`  // Number of workers currently executing jobs
	WorkersTotal  int     `json:"workers_total"`   // Total configured workers
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
	JobsQueued    int     `json:"jobs_queued"`     // Waiting and delayed jobs
	JobsRunning   int     `json:"jobs_running"`    // Active jobs
}

// getMemoryStats returns total and available system memory in bytes
func getMemoryStats() (total, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to read virtual memory stats")
	}
	return v.Total, v.Available, nil
}

// calculateSafeWorkerCount recommends a total worker count for the
// available memory. Each worker holds at most one ledger batch in flight.
func calculateSafeWorkerCount(availableGB float64) int {
	const memoryPerWorker = 0.25 // GB
	const memoryBuffer = 1.0     // GB reserved for the OS

	if availableGB < memoryBuffer {
		return 1
	}
	recommended := int((availableGB - memoryBuffer) / memoryPerWorker)
	if recommended < 1 {
		return 1
	}
	if recommended > 64 {
		return 64
	}
	return recommended
}

// GetSystemMetrics aggregates worker and memory usage across all pools
func (r *Registry) GetSystemMetrics(ctx context.Context) SystemMetrics {
	var m SystemMetrics

	if total, available, err := getMemoryStats(); err == nil && total > 0 {
		m.MemoryTotalGB = float64(total) / 1024 / 1024 / 1024
		m.MemoryUsedGB = float64(total-available) / 1024 / 1024 / 1024
		m.MemoryPercent = (m.MemoryUsedGB / m.MemoryTotalGB) * 100
	}

	r.mu.Lock()
	for _, pool := range r.pools {
		active, total, _ := pool.Stats()
		m.WorkersActive += active
		m.WorkersTotal += total
	}
	r.mu.Unlock()

	// database errors leave the job counts at zero
	for _, name := range r.queue.Names() {
		stats, err := r.queue.GetStats(ctx, name)
		if err != nil {
			continue
		}
		m.JobsQueued += stats.Counts[JobStateWaiting] + stats.Counts[JobStateDelayed]
		m.JobsRunning += stats.Counts[JobStateActive]
	}
	return m
}

// checkMemoryPressure returns a warning when the total worker count may be
// too high for available memory, or an empty string.
func checkMemoryPressure(workers int) string {
	total, available, err := getMemoryStats()
	if err != nil {
		return ""
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafeWorkerCount(availableGB)

	if workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider reducing queue concurrency.",
			workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
