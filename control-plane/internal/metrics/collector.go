// Package metrics provides server health metrics for the admin API.
package metrics

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/fieldsignal/rf-range/control-plane/internal/store"
)

// ServerHealth aggregates control plane, database, and fleet metrics.
type ServerHealth struct {
	Timestamp    time.Time           `json:"timestamp"`
	ControlPlane ControlPlaneHealth  `json:"control_plane"`
	Database     DatabaseHealth      `json:"database"`
	Fleet        store.FleetOverview `json:"fleet"`
}

// ControlPlaneHealth describes the server process itself.
type ControlPlaneHealth struct {
	Status        string  `json:"status"` // "healthy" or "degraded"
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// DatabaseHealth describes the Postgres backing store.
type DatabaseHealth struct {
	Status        string          `json:"status"`
	SizeBytes     int64           `json:"size_bytes"`
	SizeFormatted string          `json:"size_formatted"`
	Pool          store.PoolStats `json:"pool"`
}

// HealthStore is the store surface the collector reads.
type HealthStore interface {
	GetPoolStats() store.PoolStats
	GetDatabaseSize(ctx context.Context) (int64, error)
	GetFleetOverview(ctx context.Context) (*store.FleetOverview, error)
}

// Collector gathers server health metrics with caching.
type Collector struct {
	store HealthStore

	startTime time.Time

	mu            sync.RWMutex
	cachedHealth  *ServerHealth
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewCollector creates a metrics collector.
func NewCollector(st HealthStore) *Collector {
	return &Collector{
		store:         st,
		startTime:     time.Now(),
		cacheDuration: 30 * time.Second,
	}
}

// GetServerHealth returns current health metrics. Results are cached for 30
// seconds to keep the dashboard from hammering the database.
func (c *Collector) GetServerHealth(ctx context.Context) (*ServerHealth, error) {
	c.mu.RLock()
	if c.cachedHealth != nil && time.Now().Before(c.cacheExpiry) {
		health := *c.cachedHealth
		c.mu.RUnlock()
		return &health, nil
	}
	c.mu.RUnlock()

	health, err := c.collectHealth(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cachedHealth = health
	c.cacheExpiry = time.Now().Add(c.cacheDuration)
	c.mu.Unlock()

	return health, nil
}

func (c *Collector) collectHealth(ctx context.Context) (*ServerHealth, error) {
	health := &ServerHealth{
		Timestamp: time.Now(),
	}

	health.ControlPlane = c.collectControlPlaneHealth()

	dbHealth, err := c.collectDatabaseHealth(ctx)
	if err != nil {
		health.Database = DatabaseHealth{Status: "error"}
	} else {
		health.Database = *dbHealth
	}

	overview, err := c.store.GetFleetOverview(ctx)
	if err == nil {
		health.Fleet = *overview
	}

	return health, nil
}

func (c *Collector) collectControlPlaneHealth() ControlPlaneHealth {
	health := ControlPlaneHealth{
		Status:        "healthy",
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			health.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			health.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if memPct, err := proc.MemoryPercent(); err == nil {
			health.MemoryPercent = float64(memPct)
		}
	}

	if health.MemoryPercent > 90 || health.CPUPercent > 90 {
		health.Status = "degraded"
	}

	return health
}

func (c *Collector) collectDatabaseHealth(ctx context.Context) (*DatabaseHealth, error) {
	health := &DatabaseHealth{
		Status: "healthy",
	}

	health.Pool = c.store.GetPoolStats()
	if health.Pool.AcquiredConnections >= health.Pool.MaxConnections-2 {
		health.Status = "degraded"
	}

	size, err := c.store.GetDatabaseSize(ctx)
	if err != nil {
		return nil, err
	}
	health.SizeBytes = size
	health.SizeFormatted = formatBytes(size)

	return health, nil
}

// formatBytes converts bytes to a human-readable string.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.1f TB", float64(bytes)/TB)
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
