package app

import (
	"fmt"
	"strings"
	"time"

	"tubeq/internal/config"
	"tubeq/internal/downloader"
	"tubeq/internal/observability/debug"
	"tubeq/internal/storage"
	"tubeq/internal/task/engine"
	"tubeq/internal/task/trigger"
	logx "tubeq/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	sc := cfg.Scheduler
	platform, err := engine.ParsePlatform(sc.Platform)
	if err != nil {
		return engine.Config{}, fmt.Errorf("scheduler.platform: %w", err)
	}
	base, err := config.ParseDurationField("scheduler.retry_base", sc.RetryBase)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("scheduler.retry_max_delay", sc.RetryMaxDelay)
	if err != nil {
		return engine.Config{}, err
	}
	grace, err := config.ParseDurationField("scheduler.grace_period", sc.GracePeriod)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Concurrency: sc.Concurrency,
		Platform:    platform,
		Retry: engine.RetryPolicy{
			MaxRetries: sc.MaxRetries,
			Base:       base,
			MaxDelay:   maxDelay,
			Jitter:     sc.RetryJitter,
		},
		GracePeriod: grace,
		HistorySize: sc.HistorySize,
	}, nil
}

func mapDownloaderConfig(cfg *config.Config) downloader.Config {
	dc := cfg.Downloader
	out := downloader.Config{
		YtDlpPath:      dc.YtDlpPath,
		FFmpegPath:     dc.FFmpegPath,
		FFprobePath:    dc.FFprobePath,
		OutputDir:      dc.OutputDir,
		Format:         dc.Format,
		OutputTemplate: dc.OutputTemplate,
		CookiesFile:    dc.CookiesFile,
		ExtraArgs:      append([]string(nil), dc.ExtraArgs...),
	}
	if tc := dc.Transcode; tc != nil && tc.Enabled {
		out.Transcode = &downloader.TranscodeOptions{
			Container:    tc.Container,
			VideoCodec:   tc.VideoCodec,
			CRF:          tc.CRF,
			Preset:       tc.Preset,
			AudioCodec:   tc.AudioCodec,
			AudioBitrate: tc.AudioBitrate,
			KeepOriginal: tc.KeepOriginal,
		}
	}
	return out
}

func mapPlaylistOptions(cfg *config.Config) (downloader.PlaylistOptions, bool) {
	if cfg == nil || cfg.Downloader.Playlists == nil || !cfg.Downloader.Playlists.Expand {
		return downloader.PlaylistOptions{}, false
	}
	pc := cfg.Downloader.Playlists
	// Validated on load.
	timeout, _ := config.ParseDurationField("downloader.playlists.timeout", pc.Timeout)
	return downloader.PlaylistOptions{Limit: pc.Limit, Timeout: timeout}, true
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, true, nil
}

func mapTriggerConfig(cfg *config.Config) (trigger.Config, bool, error) {
	tr := cfg.Triggers
	if tr == nil || len(tr.Schedules) == 0 {
		return trigger.Config{}, false, nil
	}
	out := trigger.Config{Timezone: tr.Timezone}
	for i, s := range tr.Schedules {
		p, err := engine.ParsePriority(s.Priority)
		if err != nil {
			return trigger.Config{}, false, fmt.Errorf("triggers.schedules[%d].priority: %w", i, err)
		}
		out.Schedules = append(out.Schedules, trigger.Schedule{
			Name:     s.Name,
			Spec:     s.Schedule,
			URLs:     append([]string(nil), s.URLs...),
			Priority: p,
		})
	}
	return out, true, nil
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	return debug.Config{Enabled: cfg.Debug.Enabled, Addr: cfg.Debug.Addr, Token: cfg.Debug.Token}
}

// validate runs the checks that need component parsers; config.Validate
// already covered the structural ones.
func validate(cfg *config.Config) error {
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if cfg.Triggers != nil {
		if tz := strings.TrimSpace(cfg.Triggers.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("triggers.timezone: invalid %q: %w", tz, err)
			}
		}
		for i, s := range cfg.Triggers.Schedules {
			if _, err := trigger.ParseSchedule(s.Schedule); err != nil {
				return fmt.Errorf("triggers.schedules[%d].schedule: %w", i, err)
			}
		}
	}
	if _, _, err := mapTriggerConfig(cfg); err != nil {
		return err
	}
	return nil
}
