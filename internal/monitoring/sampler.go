package monitoring

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sampler reads the system metrics threshold rules compare against.
// Usage values are percentages.
type Sampler interface {
	LoadAverage(ctx context.Context) (load1, load5, load15 float64, err error)
	SwapUsage(ctx context.Context) (float64, error)
	VolumeUsage(ctx context.Context, path string) (float64, error)
}

type SystemSampler struct{}

func NewSystemSampler() *SystemSampler { return &SystemSampler{} }

func (s *SystemSampler) LoadAverage(ctx context.Context) (float64, float64, float64, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to read load average: %w", err)
	}
	return avg.Load1, avg.Load5, avg.Load15, nil
}

func (s *SystemSampler) SwapUsage(ctx context.Context) (float64, error) {
	swap, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read swap usage: %w", err)
	}
	// no swap configured
	if swap.Total == 0 {
		return 0, nil
	}
	return swap.UsedPercent, nil
}

func (s *SystemSampler) VolumeUsage(ctx context.Context, path string) (float64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return usage.UsedPercent, nil
}
