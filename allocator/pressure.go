package allocator

import (
	"github.com/shirou/gopsutil/mem"
)

// A PressureProbe tells whether the system is low on memory.
type PressureProbe interface {
	UnderPressure() (bool, error)
}

// DefaultMemoryPressureThreshold is the used-memory percentage above which
// SystemMemoryProbe reports pressure.
const DefaultMemoryPressureThreshold = 90.0

// SystemMemoryProbe reports pressure when the used share of the virtual
// memory reaches Threshold percent.
type SystemMemoryProbe struct {
	Threshold float64
}

// UnderPressure reads the system memory statistics.
func (p SystemMemoryProbe) UnderPressure() (bool, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return false, err
	}

	return vm.UsedPercent >= p.Threshold, nil
}
