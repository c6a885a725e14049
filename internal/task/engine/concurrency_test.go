package engine

import "testing"

func TestMaxConcurrency(t *testing.T) {
	t.Parallel()
	cases := []struct {
		cpu  int
		p    Platform
		want int
	}{
		{0, PlatformStandard, 2},
		{1, PlatformStandard, 2},
		{2, PlatformStandard, 2},
		{4, PlatformStandard, 3},
		{8, PlatformStandard, 6},
		{10, PlatformStandard, 7},
		{16, PlatformStandard, 12},
		{1, PlatformAsymmetric, 2},
		{4, PlatformAsymmetric, 2},
		{8, PlatformAsymmetric, 4},
		{10, PlatformAsymmetric, 5},
		{11, PlatformAsymmetric, 5},
		{8, PlatformAuto, 6},
		{-3, PlatformStandard, 2},
	}
	for _, tc := range cases {
		if got := MaxConcurrency(tc.cpu, tc.p); got != tc.want {
			t.Fatalf("MaxConcurrency(%d, %s) = %d, want %d", tc.cpu, tc.p, got, tc.want)
		}
	}
}

func TestPlatformFor(t *testing.T) {
	t.Parallel()
	if platformFor("darwin") != PlatformAsymmetric {
		t.Fatal("darwin should be asymmetric")
	}
	for _, goos := range []string{"linux", "windows", "freebsd"} {
		if platformFor(goos) != PlatformStandard {
			t.Fatalf("%s should be standard", goos)
		}
	}
}

func TestConfigLimitOverride(t *testing.T) {
	t.Parallel()
	if got := (Config{Concurrency: 1}).Limit(); got != 1 {
		t.Fatalf("override limit = %d, want 1", got)
	}
	if got := (Config{}).Limit(); got < 2 {
		t.Fatalf("derived limit = %d, want >= 2", got)
	}
	if CPUCount() < 1 {
		t.Fatal("CPUCount should be positive")
	}
}

func TestParsePlatformAndPriority(t *testing.T) {
	t.Parallel()
	if p, err := ParsePlatform("Asymmetric"); err != nil || p != PlatformAsymmetric {
		t.Fatalf("ParsePlatform = %v, %v", p, err)
	}
	if _, err := ParsePlatform("quantum"); err == nil {
		t.Fatal("expected error for unknown platform")
	}
	if p, err := ParsePriority("HIGH"); err != nil || p != PriorityHigh {
		t.Fatalf("ParsePriority = %v, %v", p, err)
	}
	if p, err := ParsePriority(""); err != nil || p != PriorityNormal {
		t.Fatalf("ParsePriority(empty) = %v, %v", p, err)
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Fatal("expected error for unknown priority")
	}
}
