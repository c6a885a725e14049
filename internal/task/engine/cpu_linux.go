//go:build linux

package engine

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// CPUCount returns the number of CPUs this process may run on.
func CPUCount() int {
	var mask unix.CPUSet
	if err := unix.SchedGetaffinity(0, &mask); err == nil {
		if n := mask.Count(); n > 0 {
			return n
		}
	}
	return runtime.NumCPU()
}
