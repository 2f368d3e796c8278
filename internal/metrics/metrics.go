// Package metrics tracks process-wide gateway counters. Counters reset
// on restart; nothing here persists.
package metrics

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

type Collector struct {
	start time.Time

	mu           sync.Mutex
	requestCount int64
	errorCount   int64
	totalMs      float64
}

func NewCollector() *Collector {
	return &Collector{start: time.Now()}
}

// Record counts one finished request. Errors are any response with
// status >= 400.
func (c *Collector) Record(elapsed time.Duration, isError bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestCount++
	c.totalMs += float64(elapsed.Milliseconds())
	if isError {
		c.errorCount++
	}
}

type Snapshot struct {
	UptimeSeconds     int64   `json:"uptime_seconds"`
	UptimeFormatted   string  `json:"uptime_formatted"`
	TotalRequests     int64   `json:"total_requests"`
	TotalErrors       int64   `json:"total_errors"`
	ErrorRate         float64 `json:"error_rate"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	MemoryUsageMB     float64 `json:"memory_usage_mb"`
	CPUPercent        float64 `json:"cpu_percent"`
	Goroutines        int     `json:"goroutines"`
	Timestamp         string  `json:"timestamp"`
}

// Snapshot derives the metrics view for the gateway process itself,
// not the tenant containers.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	requests := c.requestCount
	errors := c.errorCount
	totalMs := c.totalMs
	c.mu.Unlock()

	uptime := time.Since(c.start)

	snap := Snapshot{
		UptimeSeconds:   int64(uptime.Seconds()),
		UptimeFormatted: formatUptime(uptime),
		TotalRequests:   requests,
		TotalErrors:     errors,
		Goroutines:      runtime.NumGoroutine(),
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}
	if requests > 0 {
		snap.ErrorRate = float64(errors) / float64(requests)
		snap.AvgResponseTimeMs = totalMs / float64(requests)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snap.MemoryUsageMB = float64(mem.Alloc) / 1024 / 1024

	// Cumulative CPU time over uptime; best-effort, Linux only.
	if proc, err := procfs.Self(); err == nil {
		if stat, err := proc.Stat(); err == nil && uptime.Seconds() > 0 {
			snap.CPUPercent = stat.CPUTime() / uptime.Seconds() * 100
		}
	}

	return snap
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
