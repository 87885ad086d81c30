// Package sysinfo collects lightweight host metrics from Linux procfs for
// the daemon's health endpoint. Collection is procfs-only (no exec calls)
// and results are cached briefly to absorb rapid polling.
package sysinfo

import (
	"bufio"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Metrics is the health-endpoint enrichment payload.
type Metrics struct {
	CPULoadAvg1   float64 `json:"cpuLoadAvg1"`
	MemoryPercent float64 `json:"memoryPercent"`
	DiskPercent   float64 `json:"diskPercent"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Goroutines    int     `json:"goroutines"`
	NumCPU        int     `json:"numCpu"`
}

// CollectorConfig holds collector tunables.
type CollectorConfig struct {
	CacheTTL      time.Duration // how long results stay fresh (default 5s)
	DiskMountPath string        // filesystem path for disk usage (default "/")
}

// Collector gathers host metrics.
type Collector struct {
	config CollectorConfig

	mu       sync.RWMutex
	cached   *Metrics
	cachedAt time.Time

	// Injectable for testing.
	readFile func(path string) (string, error)
	statFS   func(path string) (*syscall.Statfs_t, error)
}

// NewCollector creates a metrics collector.
func NewCollector(cfg CollectorConfig) *Collector {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Second
	}
	if cfg.DiskMountPath == "" {
		cfg.DiskMountPath = "/"
	}
	return &Collector{
		config:   cfg,
		readFile: defaultReadFile,
		statFS:   defaultStatFS,
	}
}

// Collect returns current host metrics, serving a cached copy within the TTL.
func (c *Collector) Collect() (*Metrics, error) {
	c.mu.RLock()
	if c.cached != nil && time.Since(c.cachedAt) < c.config.CacheTTL {
		result := *c.cached
		c.mu.RUnlock()
		return &result, nil
	}
	c.mu.RUnlock()

	load, err := c.collectLoadAvg()
	if err != nil {
		return nil, fmt.Errorf("cpu: %w", err)
	}
	memPercent, err := c.collectMemoryPercent()
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	diskPercent, err := c.collectDiskPercent()
	if err != nil {
		return nil, fmt.Errorf("disk: %w", err)
	}

	result := &Metrics{
		CPULoadAvg1:   load,
		MemoryPercent: memPercent,
		DiskPercent:   diskPercent,
		UptimeSeconds: c.collectUptime(),
		Goroutines:    runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
	}

	c.mu.Lock()
	c.cached = result
	c.cachedAt = time.Now()
	c.mu.Unlock()

	return result, nil
}

func (c *Collector) collectLoadAvg() (float64, error) {
	content, err := c.readFile("/proc/loadavg")
	if err != nil {
		return 0, err
	}
	return ParseLoadAvg(content), nil
}

// ParseLoadAvg extracts the 1-minute load average from /proc/loadavg content.
func ParseLoadAvg(content string) float64 {
	fields := strings.Fields(strings.TrimSpace(content))
	if len(fields) == 0 {
		return 0
	}
	load, _ := strconv.ParseFloat(fields[0], 64)
	return load
}

func (c *Collector) collectMemoryPercent() (float64, error) {
	content, err := c.readFile("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	return ParseMemInfo(content), nil
}

// ParseMemInfo computes used-memory percent from /proc/meminfo content.
// Used = MemTotal - MemAvailable, matching what free(1) reports.
func ParseMemInfo(content string) float64 {
	fields := make(map[string]uint64)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 {
			continue
		}
		key := strings.TrimSuffix(parts[0], ":")
		if v, err := strconv.ParseUint(parts[1], 10, 64); err == nil {
			fields[key] = v // kB
		}
	}
	total := fields["MemTotal"]
	available := fields["MemAvailable"]
	if total == 0 || available > total {
		return 0
	}
	return float64(total-available) / float64(total) * 100
}

func (c *Collector) collectDiskPercent() (float64, error) {
	stat, err := c.statFS(c.config.DiskMountPath)
	if err != nil {
		return 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return 0, nil
	}
	free := stat.Bavail * uint64(stat.Bsize)
	return float64(total-free) / float64(total) * 100, nil
}

// collectUptime reads /proc/uptime; returns 0 when unavailable.
func (c *Collector) collectUptime() float64 {
	content, err := c.readFile("/proc/uptime")
	if err != nil {
		return 0
	}
	fields := strings.Fields(strings.TrimSpace(content))
	if len(fields) == 0 {
		return 0
	}
	uptime, _ := strconv.ParseFloat(fields[0], 64)
	return uptime
}
