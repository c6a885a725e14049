package app

import (
	"strings"
	"testing"
	"time"

	"tubeq/internal/config"
	"tubeq/internal/task/engine"
)

func TestMapEngineConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Scheduler = config.SchedulerConfig{
		Concurrency:   3,
		Platform:      "asymmetric",
		MaxRetries:    -1,
		RetryBase:     "250ms",
		RetryMaxDelay: "10s",
		RetryJitter:   0.2,
		GracePeriod:   "2s",
		HistorySize:   10,
	}
	got, err := mapEngineConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if got.Concurrency != 3 || got.Platform != engine.PlatformAsymmetric || got.HistorySize != 10 {
		t.Fatalf("unexpected config: %+v", got)
	}
	if got.Retry.MaxRetries != -1 || got.Retry.Base != 250*time.Millisecond || got.Retry.MaxDelay != 10*time.Second || got.Retry.Jitter != 0.2 {
		t.Fatalf("unexpected retry policy: %+v", got.Retry)
	}
	if got.GracePeriod != 2*time.Second {
		t.Fatalf("grace = %v", got.GracePeriod)
	}

	cfg.Scheduler.Platform = "risc"
	if _, err := mapEngineConfig(cfg); err == nil || !strings.Contains(err.Error(), "scheduler.platform") {
		t.Fatalf("expected platform error, got %v", err)
	}
}

func TestMapDownloaderConfigTranscodeOnlyWhenEnabled(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Downloader = config.DownloaderConfig{
		OutputDir: "/srv/media",
		ExtraArgs: []string{"--limit-rate", "1M"},
		Transcode: &config.TranscodeConfig{Enabled: false, VideoCodec: "libx265"},
	}
	got := mapDownloaderConfig(cfg)
	if got.OutputDir != "/srv/media" || got.Transcode != nil {
		t.Fatalf("unexpected downloader config: %+v", got)
	}
	cfg.Downloader.ExtraArgs[0] = "--mutated"
	if got.ExtraArgs[0] != "--limit-rate" {
		t.Fatalf("extra args alias the config slice")
	}

	cfg.Downloader.Transcode.Enabled = true
	got = mapDownloaderConfig(cfg)
	if got.Transcode == nil || got.Transcode.VideoCodec != "libx265" {
		t.Fatalf("expected transcode options, got %+v", got.Transcode)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      *config.StorageConfig
		enabled bool
		busy    time.Duration
		wantErr bool
	}{
		{name: "nil", in: nil},
		{name: "none", in: &config.StorageConfig{Driver: " None "}},
		{name: "file", in: &config.StorageConfig{Driver: "file", Path: "out.jsonl"}, enabled: true, busy: 5 * time.Second},
		{name: "sqlite busy", in: &config.StorageConfig{Driver: "SQLite", Path: "q.db", BusyTimeout: "750ms"}, enabled: true, busy: 750 * time.Millisecond},
		{name: "bad busy", in: &config.StorageConfig{Driver: "sqlite", Path: "q.db", BusyTimeout: "soon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Storage = tt.in
			sc, enabled, err := mapStorageConfig(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if enabled != tt.enabled {
				t.Fatalf("enabled = %v, want %v", enabled, tt.enabled)
			}
			if enabled && sc.BusyTimeout != tt.busy {
				t.Fatalf("busy = %v, want %v", sc.BusyTimeout, tt.busy)
			}
			if enabled && sc.Driver != strings.ToLower(strings.TrimSpace(tt.in.Driver)) {
				t.Fatalf("driver = %q", sc.Driver)
			}
		})
	}
}

func TestMapTriggerConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	if _, enabled, err := mapTriggerConfig(cfg); err != nil || enabled {
		t.Fatalf("nil triggers should be disabled: enabled=%v err=%v", enabled, err)
	}

	cfg.Triggers = &config.TriggersConfig{
		Timezone: "UTC",
		Schedules: []config.ScheduleConfig{
			{Name: "nightly", Schedule: "at:03:00", URLs: []string{"https://a"}, Priority: "high"},
			{Name: "feed", Schedule: "6h", URLs: []string{"https://b"}},
		},
	}
	tc, enabled, err := mapTriggerConfig(cfg)
	if err != nil || !enabled {
		t.Fatalf("map: enabled=%v err=%v", enabled, err)
	}
	if len(tc.Schedules) != 2 || tc.Schedules[0].Priority != engine.PriorityHigh || tc.Schedules[1].Priority != engine.PriorityNormal {
		t.Fatalf("unexpected schedules: %+v", tc.Schedules)
	}

	cfg.Triggers.Schedules[1].Priority = "urgent"
	if _, _, err := mapTriggerConfig(cfg); err == nil || !strings.Contains(err.Error(), "schedules[1].priority") {
		t.Fatalf("expected priority error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{name: "defaults", mutate: func(*config.Config) {}},
		{name: "bad duration", mutate: func(c *config.Config) { c.Scheduler.GracePeriod = "later" }, want: "scheduler.grace_period"},
		{name: "bad timezone", mutate: func(c *config.Config) {
			c.Triggers = &config.TriggersConfig{Timezone: "Mars/Olympus"}
		}, want: "triggers.timezone"},
		{name: "bad schedule", mutate: func(c *config.Config) {
			c.Triggers = &config.TriggersConfig{Schedules: []config.ScheduleConfig{{Name: "x", Schedule: "whenever"}}}
		}, want: "triggers.schedules[0].schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := validate(cfg)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %v should mention %q", err, tt.want)
			}
		})
	}
}
