package governor

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HostCollector samples CPU load, memory, and disk usage from /proc and
// statfs, and active connection/scan counts from the store pool. Reading
// /proc/loadavg this way is grounded on ManuGH-xg2g's
// internal/admission/cpu_sampler.go.
type HostCollector struct {
	Pool        *pgxpool.Pool
	DiskPath    string
	MaxScans    float64
	scansGetter func(ctx context.Context) (float64, error)
}

// NewHostCollector creates a collector that reports concurrent_scans as the
// count of scan_results rows currently running.
func NewHostCollector(pool *pgxpool.Pool, diskPath string) *HostCollector {
	c := &HostCollector{Pool: pool, DiskPath: diskPath}
	c.scansGetter = c.countInProgressScans
	return c
}

func (c *HostCollector) Sample(ctx context.Context) (Sample, error) {
	load1, err := readLoadAvg()
	if err != nil {
		return Sample{}, fmt.Errorf("reading load average: %w", err)
	}

	memPercent, err := readMemPercent()
	if err != nil {
		return Sample{}, fmt.Errorf("reading memory usage: %w", err)
	}

	diskPercent, err := readDiskPercent(c.DiskPath)
	if err != nil {
		return Sample{}, fmt.Errorf("reading disk usage: %w", err)
	}

	var activeConns float64
	if c.Pool != nil {
		stat := c.Pool.Stat()
		activeConns = float64(stat.AcquiredConns())
	}

	var scans float64
	if c.scansGetter != nil {
		scans, err = c.scansGetter(ctx)
		if err != nil {
			return Sample{}, fmt.Errorf("counting in-progress scans: %w", err)
		}
	}

	return Sample{
		CPUPercent:      load1 * 100 / float64(maxCPUCores()),
		MemPercent:      memPercent,
		DiskPercent:     diskPercent,
		Load1:           load1,
		ActiveDBConns:   activeConns,
		ConcurrentScans: scans,
	}, nil
}

func (c *HostCollector) countInProgressScans(ctx context.Context) (float64, error) {
	var n int64
	err := c.Pool.QueryRow(ctx, `SELECT count(*) FROM scan_results WHERE status = 'running'`).Scan(&n)
	if err != nil {
		return 0, err
	}
	return float64(n), nil
}

func readLoadAvg() (float64, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("loadavg parse: no fields")
	}
	return strconv.ParseFloat(fields[0], 64)
}

func readMemPercent() (float64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	values := map[string]float64{}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		n, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		values[key] = n
	}
	total := values["MemTotal"]
	if total == 0 {
		return 0, fmt.Errorf("meminfo parse: MemTotal missing")
	}
	available := values["MemAvailable"]
	used := total - available
	return used / total * 100, nil
}

func readDiskPercent(path string) (float64, error) {
	if path == "" {
		path = "/"
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	if total == 0 {
		return 0, fmt.Errorf("statfs: zero total blocks for %s", path)
	}
	used := total - free
	return float64(used) / float64(total) * 100, nil
}

func maxCPUCores() int {
	n := os.Getenv("SECURESCAN_CPU_CORES")
	if n != "" {
		if v, err := strconv.Atoi(n); err == nil && v > 0 {
			return v
		}
	}
	return 1
}
