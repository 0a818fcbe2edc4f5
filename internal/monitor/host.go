package monitor

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

const bytesPerMB = 1024 * 1024

// HostSampler reads whole-host CPU utilisation and used memory
type HostSampler struct{}

// Sample implements Sampler. CPU is the utilisation since the previous
// call across all cores.
func (HostSampler) Sample(ctx context.Context) (float64, float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}

	var cpuPercent float64
	if len(percents) > 0 {
		cpuPercent = percents[0]
	}
	return cpuPercent, float64(vm.Used) / bytesPerMB, nil
}
