//go:build linux

package config

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// DefaultNCPU is the number of CPUs in this process's affinity mask.
func DefaultNCPU() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return runtime.NumCPU()
	}
	if n := set.Count(); n > 0 {
		return n
	}
	return runtime.NumCPU()
}
