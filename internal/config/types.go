package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Downloader DownloaderConfig `json:"downloader"`

	// Storage records terminal job outcomes. Nil disables it.
	Storage *StorageConfig `json:"storage,omitempty"`
	// Triggers submit URLs on a schedule. Nil disables them.
	Triggers *TriggersConfig `json:"triggers,omitempty"`

	Debug DebugConfig `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the download scheduler.
//
// Defaults (when fields are omitted/zero):
//   - concurrency: derived from CPU count and platform
//   - platform: "auto" (darwin is asymmetric, everything else standard)
//   - max_retries: 3 (negative disables retries)
//   - retry_base: "1s", retry_max_delay: "1m", retry_jitter: 0
//   - grace_period: "5s"
//   - history_size: 200
type SchedulerConfig struct {
	Concurrency   int     `json:"concurrency,omitempty"`
	Platform      string  `json:"platform,omitempty"`
	MaxRetries    int     `json:"max_retries,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`
	GracePeriod   string  `json:"grace_period,omitempty"`
	HistorySize   int     `json:"history_size,omitempty"`
}

// DownloaderConfig controls the yt-dlp/ffmpeg collaborator.
type DownloaderConfig struct {
	YtDlpPath      string   `json:"ytdlp_path,omitempty"`
	FFmpegPath     string   `json:"ffmpeg_path,omitempty"`
	FFprobePath    string   `json:"ffprobe_path,omitempty"`
	OutputDir      string   `json:"output_dir,omitempty"`
	Format         string   `json:"format,omitempty"`
	OutputTemplate string   `json:"output_template,omitempty"`
	CookiesFile    string   `json:"cookies_file,omitempty"`
	ExtraArgs      []string `json:"extra_args,omitempty"`

	Transcode *TranscodeConfig `json:"transcode,omitempty"`

	// Playlists expands YouTube playlist URLs into one job per video.
	Playlists *PlaylistConfig `json:"playlists,omitempty"`
}

// PlaylistConfig is read at submit time, so changes apply without a restart.
type PlaylistConfig struct {
	Expand  bool   `json:"expand"`
	Limit   int    `json:"limit,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type TranscodeConfig struct {
	Enabled      bool   `json:"enabled"`
	Container    string `json:"container,omitempty"`
	VideoCodec   string `json:"video_codec,omitempty"`
	CRF          int    `json:"crf,omitempty"`
	Preset       string `json:"preset,omitempty"`
	AudioCodec   string `json:"audio_codec,omitempty"`
	AudioBitrate string `json:"audio_bitrate,omitempty"`
	KeepOriginal bool   `json:"keep_original,omitempty"`
}

// StorageConfig selects the outcome store.
//
// driver: "file" (JSON Lines) or "sqlite".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type TriggersConfig struct {
	Timezone  string           `json:"timezone,omitempty"`
	Schedules []ScheduleConfig `json:"schedules"`
}

// ScheduleConfig submits every URL each time Schedule fires.
//
// Schedule accepts cron ("0 3 * * *"), "@every 30m", a bare duration ("6h"),
// an "HH:MM" interval or a daily wall-clock "at:03:15".
type ScheduleConfig struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	URLs     []string `json:"urls"`
	Priority string   `json:"priority,omitempty"`
}

type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// Token is required when Addr is not a loopback address.
	Token string `json:"token,omitempty"`
}

// Default is used when no config file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
	}
}
