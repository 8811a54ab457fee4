package queue

import (
	"fmt"
	"log"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceGate checks that the host has headroom before a worker starts a
// transcode-heavy job. Thresholds of zero disable the corresponding check.
type ResourceGate struct {
	MinIdleCPU  float64 // percent of CPU that must be idle
	MinFreeMem  int64   // bytes
	MinFreeDisk int64   // bytes
	ScratchPath string  // filesystem the temp dirs live on
}

// Check returns an error describing the first exhausted resource, or nil.
func (g *ResourceGate) Check() error {
	if g == nil {
		return nil
	}

	if g.MinIdleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			log.Printf("Warning: could not get CPU usage: %v", err)
		} else if len(p) > 0 && p[0] > (100.0-g.MinIdleCPU) {
			return fmt.Errorf("not enough idle CPU: current usage %.2f%%, idle threshold %.2f%%", p[0], g.MinIdleCPU)
		}
	}

	if g.MinFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			log.Printf("Warning: could not get memory usage: %v", err)
		} else if vm.Available < uint64(g.MinFreeMem) {
			return fmt.Errorf("not enough free memory: available %d, required %d", vm.Available, g.MinFreeMem)
		}
	}

	if g.MinFreeDisk > 0 && g.ScratchPath != "" {
		d, err := disk.Usage(g.ScratchPath)
		if err != nil {
			log.Printf("Warning: could not get disk usage for %s: %v", g.ScratchPath, err)
		} else if d.Free < uint64(g.MinFreeDisk) {
			return fmt.Errorf("not enough free disk space: available %d, required %d", d.Free, g.MinFreeDisk)
		}
	}

	return nil
}
