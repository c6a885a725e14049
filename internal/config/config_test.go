package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.uber.org/multierr"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  concurrency: 3
  max_retries: 2
  retry_base: 500ms
  grace_period: 3s
downloader:
  output_dir: /tmp/videos
  format: "bv*+ba/b"
  extra_args: ["--no-mtime"]
  transcode:
    enabled: true
    video_codec: libx264
    crf: 23
storage:
  driver: sqlite
  path: ./tubeq.db
triggers:
  timezone: UTC
  schedules:
    - name: nightly
      schedule: "0 3 * * *"
      urls: ["https://example.com/v/1"]
      priority: low
debug:
  enabled: true
  addr: 127.0.0.1:6061
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "tubeq.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.Concurrency != 3 || cfg.Scheduler.RetryBase != "500ms" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Downloader.Transcode == nil || cfg.Downloader.Transcode.CRF != 23 {
		t.Fatalf("transcode = %+v", cfg.Downloader.Transcode)
	}
	if !reflect.DeepEqual(cfg.Downloader.ExtraArgs, []string{"--no-mtime"}) {
		t.Fatalf("extra_args = %v", cfg.Downloader.ExtraArgs)
	}
	if cfg.Triggers == nil || len(cfg.Triggers.Schedules) != 1 || cfg.Triggers.Schedules[0].Priority != "low" {
		t.Fatalf("triggers = %+v", cfg.Triggers)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit the config")
	}
}

func TestDecodeJSONStrict(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{"logging":{"level":"info"},"telegram":{}}`)); err == nil {
		t.Fatal("unknown field should be rejected")
	}
	if _, err := Decode("c.json", []byte(`{"logging":{}} {"logging":{}}`)); err == nil {
		t.Fatal("trailing data should be rejected")
	}
	if _, err := Decode("c.yml", []byte("")); err != nil {
		t.Fatalf("empty yaml: %v", err)
	}
}

func TestEmptyPathUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := NewConfigManager("").Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "info" || !cfg.Logging.Console {
		t.Fatalf("defaults = %+v", cfg.Logging)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Logging:   LoggingConfig{Level: "loud"},
		Scheduler: SchedulerConfig{Concurrency: -1, RetryBase: "soon", RetryJitter: 2},
		Storage:   &StorageConfig{Driver: "mongo"},
		Triggers: &TriggersConfig{Schedules: []ScheduleConfig{
			{Name: "a", Schedule: "@every 1h", URLs: []string{"u"}},
			{Name: "a", Priority: "urgent"},
		}},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	errs := multierr.Errors(err)
	for _, want := range []string{
		"logging.level", "scheduler.concurrency", "scheduler.retry_base",
		"scheduler.retry_jitter", "storage.driver", "storage.path",
		"triggers.schedules[1].name", "triggers.schedules[1].schedule",
		"triggers.schedules[1].urls", "triggers.schedules[1].priority",
	} {
		found := false
		for _, e := range errs {
			if strings.HasPrefix(e.Error(), want) {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("missing error for %s in %v", want, errs)
		}
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative should fail")
	}
	if d, err := ParseDurationOrDefault("x", "0s", 5*time.Second); err != nil || d != 5*time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	b.Scheduler.Concurrency = 4
	b.Downloader.CookiesFile = "/secret/cookies.txt"
	b.Storage = &StorageConfig{Driver: "file", Path: "x.jsonl"}

	changed, attrs := SummarizeConfigChange(a, b)
	if want := []string{"downloader", "scheduler", "storage"}; !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if got := RestartRequired(a, b, changed); !reflect.DeepEqual(got, []string{"storage"}) {
		t.Fatalf("restart = %v, want [storage]", got)
	}
	b.Scheduler.MaxRetries = 5
	if got := RestartRequired(a, b, changed); !reflect.DeepEqual(got, []string{"scheduler", "storage"}) {
		t.Fatalf("restart = %v", got)
	}
}

func TestWatchPublishesValidatedChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "tubeq.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Scheduler.Concurrency == 99 {
			return os.ErrInvalid
		}
		return nil
	})
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"logging":{"level":"info"},"scheduler":{"concurrency":99}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * reloadDebounce)
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"},"scheduler":{"concurrency":2}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-ch:
		if cfg.Scheduler.Concurrency != 2 {
			t.Fatalf("published concurrency = %d, want 2 (99 is rejected)", cfg.Scheduler.Concurrency)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("committed level = %q", m.Get().Logging.Level)
	}
}
