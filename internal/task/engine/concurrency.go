package engine

import (
	"fmt"
	"runtime"
	"strings"
)

// Platform is the CPU topology class used to scale concurrency.
type Platform int

const (
	PlatformAuto Platform = iota
	PlatformStandard
	// PlatformAsymmetric hosts mix performance and efficiency cores.
	PlatformAsymmetric
)

func (p Platform) String() string {
	switch p {
	case PlatformStandard:
		return "standard"
	case PlatformAsymmetric:
		return "asymmetric"
	default:
		return "auto"
	}
}

func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return PlatformAuto, nil
	case "standard":
		return PlatformStandard, nil
	case "asymmetric":
		return PlatformAsymmetric, nil
	default:
		return PlatformAuto, fmt.Errorf("unknown platform %q (want auto, standard or asymmetric)", s)
	}
}

// DetectPlatform classifies the running host.
func DetectPlatform() Platform {
	return platformFor(runtime.GOOS)
}

func platformFor(goos string) Platform {
	if goos == "darwin" {
		return PlatformAsymmetric
	}
	return PlatformStandard
}

// MaxConcurrency derives the concurrency limit from the CPU count.
// The result is always at least 2.
func MaxConcurrency(cpuCount int, p Platform) int {
	if cpuCount < 0 {
		cpuCount = 0
	}
	var n int
	if p == PlatformAsymmetric {
		n = cpuCount / 2
	} else {
		n = cpuCount * 3 / 4
	}
	return max(2, n)
}
