//go:build !linux

package engine

import "runtime"

// CPUCount returns the number of logical CPUs.
func CPUCount() int { return runtime.NumCPU() }
