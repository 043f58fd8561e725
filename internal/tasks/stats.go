// Package tasks runs the agent's periodic background work: reporting
// instance resource usage to the controller on a ticker, the Go
// equivalent of the original heartbeat loop's stats-reporting leg.
package tasks

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/qudata/agent/internal/controller"
	"github.com/qudata/agent/internal/metrics"
	"github.com/qudata/agent/internal/state"
)

// StatsReporter is satisfied by internal/controller.Client.
type StatsReporter interface {
	SendStats(ctx context.Context, stats controller.StatsReport) error
}

// InstanceLookup is satisfied by internal/instance.Manager.
type InstanceLookup interface {
	Current() (*state.Instance, error)
}

// StatsTask periodically samples host CPU/RAM utilization and reports it
// for the currently managed instance, skipping silently when there is no
// instance record or the instance is destroyed.
type StatsTask struct {
	Lookup   InstanceLookup
	Reporter StatsReporter
	Interval time.Duration
	Log      *slog.Logger

	// TextfilePath, if set, also exports the agent's own Prometheus
	// metrics to this path on every tick for node_exporter's textfile
	// collector, independent of whether an instance is currently running.
	TextfilePath string

	sampler cpuSampler
}

// Run blocks, sampling and reporting on Interval until ctx is cancelled.
func (t *StatsTask) Run(ctx context.Context) {
	if t.Interval <= 0 {
		t.Interval = 15 * time.Second
	}
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.reportOnce(ctx)
			t.writeTextfile()
		}
	}
}

func (t *StatsTask) reportOnce(ctx context.Context) {
	inst, err := t.Lookup.Current()
	if err != nil {
		t.Log.Error("stats: read current instance", "error", err)
		return
	}
	if inst == nil || inst.Status == state.StatusDestroyed {
		return
	}

	cpu, err := t.sampler.cpuPercent()
	if err != nil {
		t.Log.Warn("stats: cpu sample failed", "error", err)
	}
	ram, err := ramPercent()
	if err != nil {
		t.Log.Warn("stats: ram sample failed", "error", err)
	}

	report := controller.StatsReport{InstanceID: inst.InstanceID, CPUPercent: cpu, RAMPercent: ram}
	if err := t.Reporter.SendStats(ctx, report); err != nil {
		t.Log.Warn("stats: report failed", "error", err)
	}
}

func (t *StatsTask) writeTextfile() {
	if t.TextfilePath == "" {
		return
	}
	if err := metrics.WriteTextfile(t.TextfilePath); err != nil {
		t.Log.Warn("stats: textfile export failed", "error", err)
	}
}

// cpuSampler tracks the previous /proc/stat totals so cpuPercent can
// report utilization over the interval since the last call, rather than
// the cumulative average since boot.
type cpuSampler struct {
	prevIdle, prevTotal uint64
	initialized         bool
}

func (c *cpuSampler) cpuPercent() (float64, error) {
	idle, total, err := readProcStat()
	if err != nil {
		return 0, err
	}
	if !c.initialized {
		c.prevIdle, c.prevTotal = idle, total
		c.initialized = true
		return 0, nil
	}

	deltaIdle := float64(idle - c.prevIdle)
	deltaTotal := float64(total - c.prevTotal)
	c.prevIdle, c.prevTotal = idle, total

	if deltaTotal <= 0 {
		return 0, nil
	}
	return (1 - deltaIdle/deltaTotal) * 100, nil
}

func readProcStat() (idle, total uint64, err error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, fmt.Errorf("open /proc/stat: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, 0, fmt.Errorf("read /proc/stat: empty")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, fmt.Errorf("unexpected /proc/stat format")
	}

	var sum uint64
	for _, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("parse /proc/stat field %q: %w", f, err)
		}
		sum += v
	}
	// Field order: user nice system idle iowait irq softirq ...
	idleField, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse idle field: %w", err)
	}
	return idleField, sum, nil
}

func ramPercent() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("open /proc/meminfo: %w", err)
	}
	defer f.Close()

	var total, available uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total = parseMeminfoValue(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			available = parseMeminfoValue(line)
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("MemTotal not found in /proc/meminfo")
	}
	used := total - available
	return float64(used) / float64(total) * 100, nil
}

func parseMeminfoValue(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseUint(fields[1], 10, 64)
	return v
}
