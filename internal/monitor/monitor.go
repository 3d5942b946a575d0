package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"hdr-transcoder/pkg/models"
)

// Busy thresholds in percent.
const (
	BusyCPUPercent = 80.0
	BusyRAMPercent = 90.0
)

// CapabilityProber lists what the local platform can produce.
type CapabilityProber interface {
	ProbeCapabilities() []string
	Encoders() []string
}

// SystemMonitor reports host load and the worker's static capabilities.
type SystemMonitor struct {
	prober CapabilityProber
	log    hclog.Logger

	once sync.Once
	caps models.WorkerCapabilities

	// Overridable for tests.
	cpuPercent func(ctx context.Context, interval time.Duration) (float64, error)
	memPercent func(ctx context.Context) (float64, error)
}

func NewSystemMonitor(prober CapabilityProber, logger hclog.Logger) *SystemMonitor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &SystemMonitor{
		prober:     prober,
		log:        logger.Named("monitor"),
		cpuPercent: hostCPUPercent,
		memPercent: hostMemPercent,
	}
}

// GetCapabilities runs once to discover what this worker can do.
// Codec and GPU support do not change at runtime.
func (m *SystemMonitor) GetCapabilities(ctx context.Context) models.WorkerCapabilities {
	m.once.Do(func() {
		model := "unknown"
		if info, err := cpu.InfoWithContext(ctx); err != nil {
			m.log.Warn("cpu info unavailable", "error", err)
		} else if len(info) > 0 {
			model = info[0].ModelName
		}
		m.caps = models.WorkerCapabilities{
			CPUModel:     model,
			TotalThreads: runtime.NumCPU(),
			Encoders:     m.prober.Encoders(),
			Features:     m.prober.ProbeCapabilities(),
		}
		m.log.Info("capabilities detected", "cpu", model, "features", m.caps.Features)
	})
	return m.caps
}

// GetStats gathers real-time CPU and RAM usage.
func (m *SystemMonitor) GetStats(ctx context.Context) (models.HardwareStats, error) {
	stats := models.HardwareStats{}

	// 1. Memory
	ram, err := m.memPercent(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to get mem stats: %w", err)
	}
	stats.RAMPercent = ram

	// 2. CPU over a short window; an instant reading is too noisy.
	c, err := m.cpuPercent(ctx, 500*time.Millisecond)
	if err != nil {
		return stats, fmt.Errorf("failed to get cpu stats: %w", err)
	}
	stats.CPUPercent = c

	// 3. A loaded host asks the orchestrator to skip it.
	stats.IsBusy = stats.CPUPercent > BusyCPUPercent || stats.RAMPercent > BusyRAMPercent
	return stats, nil
}

func hostCPUPercent(ctx context.Context, interval time.Duration) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, nil
	}
	return pct[0], nil
}

func hostMemPercent(ctx context.Context) (float64, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return v.UsedPercent, nil
}
