package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tubeq/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{
	"storage":  true,
	"triggers": true,
}

// SummarizeConfigChange returns the changed section names and safe log
// attributes for them. Cookie file paths and URLs are never logged.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.concurrency", newCfg.Scheduler.Concurrency),
			logx.String("scheduler.platform", newCfg.Scheduler.Platform),
			logx.Int("scheduler.max_retries", newCfg.Scheduler.MaxRetries),
		)
	}

	if !reflect.DeepEqual(oldCfg.Downloader, newCfg.Downloader) {
		d := newCfg.Downloader
		changed = append(changed, "downloader")
		attrs = append(attrs,
			logx.String("downloader.output_dir", d.OutputDir),
			logx.String("downloader.format", d.Format),
			logx.Bool("downloader.cookies_set", strings.TrimSpace(d.CookiesFile) != ""),
			logx.Int("downloader.extra_args", len(d.ExtraArgs)),
			logx.Bool("downloader.transcode", d.Transcode != nil && d.Transcode.Enabled),
			logx.Bool("downloader.playlists", d.Playlists != nil && d.Playlists.Expand),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		var driver string
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	if !reflect.DeepEqual(oldCfg.Triggers, newCfg.Triggers) {
		changed = append(changed, "triggers")
		n := 0
		if newCfg.Triggers != nil {
			n = len(newCfg.Triggers.Schedules)
		}
		attrs = append(attrs, logx.Int("triggers.schedules", n))
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters changed down to sections that cannot be hot-applied.
// Scheduler changes other than concurrency also need a restart.
func RestartRequired(oldCfg, newCfg *Config, changed []string) []string {
	var out []string
	for _, s := range changed {
		if restartSections[s] {
			out = append(out, s)
			continue
		}
		if s == "scheduler" && oldCfg != nil && newCfg != nil {
			o, n := oldCfg.Scheduler, newCfg.Scheduler
			o.Concurrency, n.Concurrency = 0, 0
			if o != n {
				out = append(out, s)
			}
		}
	}
	return out
}
