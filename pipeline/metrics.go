package pipeline

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Stats is a point-in-time snapshot of queue depth and process resource
// usage, served by the metrics endpoint and the db stats command.
type Stats struct {
	Timestamp time.Time        `json:"timestamp"`
	Queue     map[JobState]int `json:"queue"`

	Workers       int `json:"workers"`
	ActiveWorkers int `json:"active_workers"`

	ProcessRSSMB     float64 `json:"process_rss_mb"`
	SystemMemUsedPct float64 `json:"system_mem_used_pct"`
}

// Snapshot gathers current stats. Resource metrics are best-effort: a
// gopsutil failure zeroes the field rather than failing the snapshot.
func (d *Dispatcher) Snapshot(ctx context.Context) (*Stats, error) {
	counts, err := d.queue.CountByState(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Timestamp:     time.Now().UTC(),
		Queue:         counts,
		Workers:       cap(d.sem),
		ActiveWorkers: len(d.sem),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil {
			stats.ProcessRSSMB = float64(info.RSS) / (1024 * 1024)
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.SystemMemUsedPct = vm.UsedPercent
	}

	return stats, nil
}
