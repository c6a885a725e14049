package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "engine"))
	log.Info("job.completed", String("id", "a"), Duration("dur", 2*time.Second), Int("attempts", 1))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if m["message"] != "job.completed" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["comp"] != "engine" || m["id"] != "a" {
		t.Fatalf("missing fields: %v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q, want short file:line", c)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Debug("hidden")
	log.Warn("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("debug line written at warn level: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn line missing: %q", buf.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, lv := range []string{"", "debug", "INFO", "warning", "error", "trace"} {
		if !ValidLevel(lv) {
			t.Fatalf("ValidLevel(%q) = false", lv)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true")
	}
}

func TestThrottleAllowsOncePerInterval(t *testing.T) {
	th := NewThrottle(time.Hour)
	if !th.Allow("job-1") {
		t.Fatal("first line should pass")
	}
	if th.Allow("job-1") {
		t.Fatal("second line within interval should be dropped")
	}
	if !th.Allow("job-2") {
		t.Fatal("other keys have their own budget")
	}
	th.Forget("job-1")
	if !th.Allow("job-1") {
		t.Fatal("forgotten key should start fresh")
	}
}
