package config

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"

	logx "tubeq/pkg/logx"
)

// Validate checks static constraints and returns every problem found.
// Schedule expressions are checked by the trigger package at startup.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}

	sc := cfg.Scheduler
	if sc.Concurrency < 0 {
		add("scheduler.concurrency: must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(sc.Platform)) {
	case "", "auto", "standard", "asymmetric":
	default:
		add("scheduler.platform: unknown platform %q", sc.Platform)
	}
	dur("scheduler.retry_base", sc.RetryBase)
	dur("scheduler.retry_max_delay", sc.RetryMaxDelay)
	dur("scheduler.grace_period", sc.GracePeriod)
	if sc.RetryJitter < 0 || sc.RetryJitter > 1 {
		add("scheduler.retry_jitter: must be within [0, 1]")
	}
	if sc.HistorySize < 0 {
		add("scheduler.history_size: must be >= 0")
	}

	if pc := cfg.Downloader.Playlists; pc != nil {
		if pc.Limit < 0 {
			add("downloader.playlists.limit: must be >= 0")
		}
		dur("downloader.playlists.timeout", pc.Timeout)
	}
	if tc := cfg.Downloader.Transcode; tc != nil && tc.Enabled {
		if tc.CRF < 0 || tc.CRF > 63 {
			add("downloader.transcode.crf: must be within [0, 63]")
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "file", "jsonl", "sqlite", "sqlite3":
		default:
			add("storage.driver: unknown driver %q", st.Driver)
		}
		if strings.TrimSpace(st.Path) == "" {
			add("storage.path: required")
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}

	if tr := cfg.Triggers; tr != nil {
		seen := map[string]bool{}
		for i, s := range tr.Schedules {
			path := fmt.Sprintf("triggers.schedules[%d]", i)
			name := strings.TrimSpace(s.Name)
			if name == "" {
				add("%s.name: required", path)
			} else if seen[name] {
				add("%s.name: duplicate %q", path, name)
			}
			seen[name] = true
			if strings.TrimSpace(s.Schedule) == "" {
				add("%s.schedule: required", path)
			}
			if len(s.URLs) == 0 {
				add("%s.urls: at least one URL required", path)
			}
			switch strings.ToLower(strings.TrimSpace(s.Priority)) {
			case "", "normal", "default", "high", "low":
			default:
				add("%s.priority: unknown priority %q", path, s.Priority)
			}
		}
	}
	return errs
}
