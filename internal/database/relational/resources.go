package relational

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	gib = 1 << 30

	// Share of available memory handed to DuckDB; the rest stays with the OS
	// page cache that backs spilled intermediates.
	memoryShare = 0.75

	// Below this much free space in the spill directory a run is likely to fail
	// mid-join on KG-sized inputs.
	lowSpillSpaceBytes = 10 * gib
)

// ResourcePlan is the engine sizing derived from the host.
type ResourcePlan struct {
	Threads         int
	MemoryLimitGB   int
	AvailableMemory uint64
	SpillDirectory  string
	SpillFreeBytes  uint64
}

// LowSpillSpace reports whether the spill directory is known to be short on
// free space.
func (p ResourcePlan) LowSpillSpace() bool {
	return p.SpillFreeBytes > 0 && p.SpillFreeBytes < lowSpillSpaceBytes
}

// ProbeResources inspects the host and proposes engine settings. Probe failures
// leave the corresponding field at zero, which keeps DuckDB's own default.
func ProbeResources(ctx context.Context, spillDir string) (ResourcePlan, error) {
	var plan ResourcePlan

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil && cores > 0 {
		plan.Threads = cores
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return plan, fmt.Errorf("failed to get virtual memory: %w", err)
	}
	plan.AvailableMemory = vm.Available
	if gb := int(float64(vm.Available) * memoryShare / gib); gb > 0 {
		plan.MemoryLimitGB = gb
	}

	if spillDir == "" {
		spillDir = os.TempDir()
	}
	plan.SpillDirectory = spillDir
	if usage, err := disk.UsageWithContext(ctx, spillDir); err == nil {
		plan.SpillFreeBytes = usage.Free
	}

	return plan, nil
}
