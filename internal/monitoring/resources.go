package monitoring

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceSampleInterval is how often ResourceMonitor refreshes its
// gauges, independent of the engine's own status-message cadence.
const ResourceSampleInterval = 15 * time.Second

// ResourceMonitor periodically samples this process's CPU and memory
// usage via gopsutil and feeds the two resulting gauges into Metrics,
// replacing the teacher's hand-rolled cgroup reader now that gopsutil
// (already a dependency) covers the same ground.
type ResourceMonitor struct {
	proc    *process.Process
	metrics *Metrics
	logger  zerolog.Logger
}

// NewResourceMonitor builds a monitor for the current process.
func NewResourceMonitor(metrics *Metrics, logger zerolog.Logger) (*ResourceMonitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &ResourceMonitor{proc: proc, metrics: metrics, logger: logger.With().Str("component", "resource_monitor").Logger()}, nil
}

// Run samples on ResourceSampleInterval until ctx is cancelled.
func (r *ResourceMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(ResourceSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sample()
		}
	}
}

func (r *ResourceMonitor) sample() {
	if pct, err := r.proc.CPUPercent(); err == nil {
		r.metrics.ProcessCPUPercent.Set(pct)
	} else {
		r.logger.Warn().Err(err).Msg("failed to sample cpu percent")
	}
	if mem, err := r.proc.MemoryInfo(); err == nil && mem != nil {
		r.metrics.ProcessRSSBytes.Set(float64(mem.RSS))
	} else if err != nil {
		r.logger.Warn().Err(err).Msg("failed to sample memory info")
	}
}
