package scheduler

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// logicalCPUs returns the number of logical CPUs, falling back to the Go
// runtime's view when the host cannot be queried.
func logicalCPUs() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}

// memoryPerArchiveWorkerMB approximates the peak resident size of one
// extraction: a decompressed crate plus its selected entries.
const memoryPerArchiveWorkerMB = 256

// checkMemoryPressure compares CPU-stage worker count against available memory.
// Returns a warning message if the count looks too high, empty string if OK.
func checkMemoryPressure(cpuWorkers int) string {
	v, err := mem.VirtualMemory()
	if err != nil {
		return "" // Can't check, assume OK
	}
	availableMB := v.Available / 1024 / 1024
	recommended := safeWorkerCount(availableMB)
	if cpuWorkers > recommended {
		return fmt.Sprintf(
			"CPU-stage workers (%d) exceed recommended (%d) for available memory (%dMB of %dMB)",
			cpuWorkers, recommended, availableMB, v.Total/1024/1024)
	}
	return ""
}

func safeWorkerCount(availableMB uint64) int {
	n := int(availableMB / memoryPerArchiveWorkerMB)
	if n < 1 {
		return 1
	}
	return n
}
