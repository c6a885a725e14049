package downloader

// Stage names the external tool currently running for a job.
type Stage string

const (
	StageDownload  Stage = "download"
	StageTranscode Stage = "transcode"
)

// Request is the job payload handed to Runner.Execute.
// Empty fields fall back to the runner's configured defaults.
type Request struct {
	URL            string   `json:"url"`
	OutputDir      string   `json:"output_dir,omitempty"`
	Format         string   `json:"format,omitempty"`
	OutputTemplate string   `json:"output_template,omitempty"`
	CookiesFile    string   `json:"cookies_file,omitempty"`
	ExtraArgs      []string `json:"extra_args,omitempty"`

	Transcode *TranscodeOptions `json:"transcode,omitempty"`
}

// TranscodeOptions configures the optional ffmpeg pass after download.
type TranscodeOptions struct {
	Container    string `json:"container,omitempty"`
	VideoCodec   string `json:"video_codec,omitempty"`
	CRF          int    `json:"crf,omitempty"`
	Preset       string `json:"preset,omitempty"`
	AudioCodec   string `json:"audio_codec,omitempty"`
	AudioBitrate string `json:"audio_bitrate,omitempty"`
	KeepOriginal bool   `json:"keep_original,omitempty"`
}

// Result is returned by a successful Execute.
type Result struct {
	OutputPath     string `json:"output_path"`
	TranscodedPath string `json:"transcoded_path,omitempty"`
	Bytes          int64  `json:"bytes,omitempty"`
}

// Path returns the final artifact path.
func (r Result) Path() string {
	if r.TranscodedPath != "" {
		return r.TranscodedPath
	}
	return r.OutputPath
}

// Progress is forwarded to the engine's progress callback.
// Fields that the tool did not report are zero.
type Progress struct {
	Stage      Stage   `json:"stage"`
	Percent    float64 `json:"percent"`
	TotalBytes int64   `json:"total_bytes,omitempty"`
	Speed      string  `json:"speed,omitempty"`
	ETA        string  `json:"eta,omitempty"`
}
