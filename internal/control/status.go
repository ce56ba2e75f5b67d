package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStatus is host resource usage in percent.
type SystemStatus struct {
	CPUUsage int `json:"cpuUsage"`
	RAMUsage int `json:"ramUsage"`
}

type (
	cpuFunc func(context.Context, time.Duration, bool) ([]float64, error)
	ramFunc func() (*mem.VirtualMemoryStat, error)
)

// systemMonitor samples CPU and memory usage in the background so status
// requests never wait on a CPU sampling interval.
type systemMonitor struct {
	cpu      cpuFunc
	ram      ramFunc
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	status SystemStatus
}

func newSystemMonitor(log *slog.Logger) *systemMonitor {
	return &systemMonitor{
		cpu:      cpu.PercentWithContext,
		ram:      mem.VirtualMemory,
		interval: 5 * time.Second,
		log:      log,
	}
}

func (s *systemMonitor) update(ctx context.Context) error {
	cpuUsage, err := s.cpu(ctx, s.interval, false)
	if err != nil {
		return fmt.Errorf("could not get cpu usage: %w", err)
	}
	if len(cpuUsage) == 0 {
		return fmt.Errorf("could not get cpu usage: no samples")
	}
	ramUsage, err := s.ram()
	if err != nil {
		return fmt.Errorf("could not get ram usage: %w", err)
	}

	s.mu.Lock()
	s.status = SystemStatus{
		CPUUsage: int(cpuUsage[0]),
		RAMUsage: int(ramUsage.UsedPercent),
	}
	s.mu.Unlock()
	return nil
}

// run updates the status until ctx is cancelled. Each CPU sample blocks
// for the sampling interval.
func (s *systemMonitor) run(ctx context.Context) {
	for ctx.Err() == nil {
		if err := s.update(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("could not update system status", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(s.interval):
			}
		}
	}
}

func (s *systemMonitor) get() SystemStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
