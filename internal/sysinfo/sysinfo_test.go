package sysinfo

import (
	"errors"
	"syscall"
	"testing"
	"time"
)

func TestParseLoadAvg(t *testing.T) {
	cases := []struct {
		content string
		want    float64
	}{
		{"0.52 0.58 0.59 1/467 12345\n", 0.52},
		{"12.00 8.00 4.00 2/100 99\n", 12.0},
		{"", 0},
		{"garbage", 0},
	}
	for _, c := range cases {
		if got := ParseLoadAvg(c.content); got != c.want {
			t.Errorf("ParseLoadAvg(%q) = %v, want %v", c.content, got, c.want)
		}
	}
}

func TestParseMemInfo(t *testing.T) {
	content := "MemTotal:       16000000 kB\nMemFree:         2000000 kB\nMemAvailable:    8000000 kB\nBuffers:          500000 kB\n"
	if got := ParseMemInfo(content); got != 50.0 {
		t.Fatalf("ParseMemInfo = %v, want 50", got)
	}
	if got := ParseMemInfo(""); got != 0 {
		t.Fatalf("ParseMemInfo(empty) = %v, want 0", got)
	}
}

func fakeCollector(ttl time.Duration) *Collector {
	c := NewCollector(CollectorConfig{CacheTTL: ttl})
	c.readFile = func(path string) (string, error) {
		switch path {
		case "/proc/loadavg":
			return "1.50 1.00 0.75 1/100 42", nil
		case "/proc/meminfo":
			return "MemTotal: 1000 kB\nMemAvailable: 250 kB\n", nil
		case "/proc/uptime":
			return "3600.00 7200.00", nil
		}
		return "", errors.New("unexpected path " + path)
	}
	c.statFS = func(path string) (*syscall.Statfs_t, error) {
		return &syscall.Statfs_t{Blocks: 100, Bavail: 40, Bsize: 4096}, nil
	}
	return c
}

func TestCollect(t *testing.T) {
	c := fakeCollector(time.Minute)
	m, err := c.Collect()
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if m.CPULoadAvg1 != 1.5 {
		t.Errorf("load = %v", m.CPULoadAvg1)
	}
	if m.MemoryPercent != 75.0 {
		t.Errorf("mem = %v", m.MemoryPercent)
	}
	if m.DiskPercent != 60.0 {
		t.Errorf("disk = %v", m.DiskPercent)
	}
	if m.UptimeSeconds != 3600 {
		t.Errorf("uptime = %v", m.UptimeSeconds)
	}
	if m.Goroutines <= 0 || m.NumCPU <= 0 {
		t.Errorf("process info = %+v", m)
	}
}

func TestCollectUsesCache(t *testing.T) {
	c := fakeCollector(time.Minute)
	if _, err := c.Collect(); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	// Subsequent reads within the TTL never touch procfs again.
	c.readFile = func(path string) (string, error) {
		t.Errorf("readFile(%q) called while cached", path)
		return "", errors.New("boom")
	}
	m, err := c.Collect()
	if err != nil {
		t.Fatalf("cached Collect: %v", err)
	}
	if m.CPULoadAvg1 != 1.5 {
		t.Errorf("cached load = %v", m.CPULoadAvg1)
	}
}

func TestCollectPropagatesErrors(t *testing.T) {
	c := fakeCollector(time.Minute)
	c.readFile = func(path string) (string, error) { return "", errors.New("no procfs") }
	if _, err := c.Collect(); err == nil {
		t.Fatal("expected an error without procfs")
	}
}
