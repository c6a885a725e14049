package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"tubeq/internal/task/engine"
	logx "tubeq/pkg/logx"
)

const (
	DefaultYtDlp          = "yt-dlp"
	DefaultFFmpeg         = "ffmpeg"
	DefaultFFprobe        = "ffprobe"
	DefaultFormat         = "bv*+ba/b"
	DefaultOutputTemplate = "%(title)s [%(id)s].%(ext)s"

	defaultWaitDelay = 10 * time.Second
	rateLimitBackoff = 30 * time.Second
)

// Config holds runner-wide defaults. Request fields override them.
type Config struct {
	YtDlpPath      string
	FFmpegPath     string
	FFprobePath    string
	OutputDir      string
	Format         string
	OutputTemplate string
	CookiesFile    string
	ExtraArgs      []string

	// Transcode applies to requests without their own options. Nil disables.
	Transcode *TranscodeOptions

	// WaitDelay bounds how long a cancelled process may linger before Go kills it.
	WaitDelay time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.YtDlpPath) == "" {
		c.YtDlpPath = DefaultYtDlp
	}
	if strings.TrimSpace(c.FFmpegPath) == "" {
		c.FFmpegPath = DefaultFFmpeg
	}
	if strings.TrimSpace(c.FFprobePath) == "" {
		c.FFprobePath = DefaultFFprobe
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		c.OutputDir = "."
	}
	if strings.TrimSpace(c.Format) == "" {
		c.Format = DefaultFormat
	}
	if strings.TrimSpace(c.OutputTemplate) == "" {
		c.OutputTemplate = DefaultOutputTemplate
	}
	if c.WaitDelay <= 0 {
		c.WaitDelay = defaultWaitDelay
	}
	return c
}

// resolve fills empty request fields from the runner defaults.
func (c Config) resolve(req Request) Request {
	req.URL = strings.TrimSpace(req.URL)
	if req.OutputDir == "" {
		req.OutputDir = c.OutputDir
	}
	if req.Format == "" {
		req.Format = c.Format
	}
	if req.OutputTemplate == "" {
		req.OutputTemplate = c.OutputTemplate
	}
	if req.CookiesFile == "" {
		req.CookiesFile = c.CookiesFile
	}
	if len(req.ExtraArgs) == 0 && len(c.ExtraArgs) > 0 {
		req.ExtraArgs = append([]string(nil), c.ExtraArgs...)
	}
	if req.Transcode == nil && c.Transcode != nil {
		tc := *c.Transcode
		req.Transcode = &tc
	}
	if req.Transcode != nil {
		tc := req.Transcode.withDefaults()
		req.Transcode = &tc
	}
	return req
}

func (o TranscodeOptions) withDefaults() TranscodeOptions {
	if o.Container == "" {
		o.Container = "mp4"
	}
	if o.VideoCodec == "" {
		o.VideoCodec = "libx264"
	}
	if o.CRF == 0 {
		o.CRF = 23
	}
	if o.Preset == "" {
		o.Preset = "medium"
	}
	if o.AudioCodec == "" {
		o.AudioCodec = "aac"
	}
	return o
}

// Runner executes download requests with yt-dlp and, optionally, ffmpeg.
type Runner struct {
	mu  sync.RWMutex
	cfg Config
	log logx.Logger
}

func NewRunner(cfg Config, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "downloader"))}
}

// Update swaps the defaults used by attempts started afterwards.
func (r *Runner) Update(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

func (r *Runner) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Execute runs one attempt. Its signature matches engine.ExecuteFunc[Request].
func (r *Runner) Execute(ctx context.Context, req Request, onHandle func(engine.Handle) error, onProgress func(any)) (any, error) {
	cfg := r.Config()
	req = cfg.resolve(req)
	if req.URL == "" {
		return nil, engine.NoRetry(errors.New("empty url"))
	}
	if onProgress == nil {
		onProgress = func(any) {}
	}

	h := NewProcessHandle()
	if onHandle != nil {
		if err := onHandle(h); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, engine.NoRetry(fmt.Errorf("output dir: %w", err))
	}

	out, err := r.download(ctx, h, cfg, req, onProgress)
	if err != nil {
		return nil, err
	}
	res := Result{OutputPath: out}

	if req.Transcode != nil {
		if out == "" {
			return nil, engine.NoRetry(errors.New("transcode: yt-dlp did not report an output file"))
		}
		if h.Stopping() {
			return nil, engine.ErrCancelled
		}
		tc, err := r.transcode(ctx, h, cfg, out, *req.Transcode, onProgress)
		if err != nil {
			return nil, err
		}
		res.TranscodedPath = tc
		if !req.Transcode.KeepOriginal {
			if err := os.Remove(out); err != nil && !errors.Is(err, os.ErrNotExist) {
				r.log.Warn("remove original failed", logx.String("path", out), logx.Err(err))
			}
		}
	}

	if path := res.Path(); path != "" {
		if fi, err := os.Stat(path); err == nil {
			res.Bytes = fi.Size()
		}
	}
	return res, nil
}

func (r *Runner) download(ctx context.Context, h *ProcessHandle, cfg Config, req Request, onProgress func(any)) (string, error) {
	var (
		dest    string
		lastErr string
	)
	stdout := func(line string) {
		if p, ok := parseDownloadLine(line); ok {
			onProgress(p)
			return
		}
		if d, ok := parseDestination(line); ok {
			dest = d
		}
	}
	stderr := func(line string) {
		if strings.HasPrefix(line, "ERROR:") {
			lastErr = line
		}
	}

	r.log.Debug("download starting", logx.String("url", req.URL), logx.String("dir", req.OutputDir))
	err := r.run(ctx, h, cfg, cfg.YtDlpPath, ytDlpArgs(req), stdout, stderr)
	if err != nil {
		return "", toolError(ctx, h, "yt-dlp", lastErr, err)
	}
	return dest, nil
}

func (r *Runner) transcode(ctx context.Context, h *ProcessHandle, cfg Config, in string, opts TranscodeOptions, onProgress func(any)) (string, error) {
	out := transcodeTarget(in, opts.Container)
	fp := &ffmpegProgress{duration: probeDuration(ctx, cfg.FFprobePath, in)}

	var lastErr string
	stderr := func(line string) {
		if p, ok := fp.feed(line); ok {
			onProgress(p)
			return
		}
		if !strings.Contains(line, "=") {
			lastErr = line
		}
	}

	r.log.Debug("transcode starting", logx.String("in", in), logx.String("out", out))
	onProgress(Progress{Stage: StageTranscode})
	if err := r.run(ctx, h, cfg, cfg.FFmpegPath, ffmpegArgs(in, out, opts), nil, stderr); err != nil {
		_ = os.Remove(out)
		return "", toolError(ctx, h, "ffmpeg", lastErr, err)
	}
	return out, nil
}

// run starts one external process bound to h and streams its output by line.
func (r *Runner) run(ctx context.Context, h *ProcessHandle, cfg Config, name string, args []string, onStdout, onStderr func(string)) error {
	if h.Stopping() {
		return errStopRequested
	}
	cmd := exec.CommandContext(ctx, name, args...)
	prepareCommand(cmd)
	cmd.Cancel = h.GracefulStop
	cmd.WaitDelay = cfg.WaitDelay

	outW := &lineWriter{fn: onStdout}
	errW := &lineWriter{fn: onStderr}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return engine.NoRetry(fmt.Errorf("%s: %w", filepath.Base(name), err))
		}
		return err
	}
	if err := h.attach(cmd.Process); err != nil {
		_ = cmd.Wait()
		h.detach()
		return err
	}
	err := cmd.Wait()
	h.detach()
	outW.flush()
	errW.flush()
	return err
}

func toolError(ctx context.Context, h *ProcessHandle, tool, lastErr string, err error) error {
	if engine.IsNoRetry(err) {
		return err
	}
	if h.Stopping() || ctx.Err() != nil || errors.Is(err, errStopRequested) {
		return engine.ErrCancelled
	}
	if lastErr == "" {
		return fmt.Errorf("%s: %w", tool, err)
	}
	e := errors.New(lastErr)
	if strings.Contains(strings.ToLower(lastErr), "http error 429") {
		return engine.RetryAfter(e, rateLimitBackoff)
	}
	return e
}

func ytDlpArgs(req Request) []string {
	args := []string{"--newline", "--no-playlist", "--no-colors"}
	if req.Format != "" {
		args = append(args, "-f", req.Format)
	}
	args = append(args, "-o", filepath.Join(req.OutputDir, req.OutputTemplate))
	if req.CookiesFile != "" {
		args = append(args, "--cookies", req.CookiesFile)
	}
	args = append(args, req.ExtraArgs...)
	return append(args, "--", req.URL)
}

func ffmpegArgs(in, out string, o TranscodeOptions) []string {
	args := []string{"-hide_banner", "-nostats", "-y", "-i", in}
	if o.VideoCodec != "" {
		args = append(args, "-c:v", o.VideoCodec)
		if o.VideoCodec != "copy" {
			if o.CRF > 0 {
				args = append(args, "-crf", strconv.Itoa(o.CRF))
			}
			if o.Preset != "" {
				args = append(args, "-preset", o.Preset)
			}
		}
	}
	if o.AudioCodec != "" {
		args = append(args, "-c:a", o.AudioCodec)
		if o.AudioBitrate != "" && o.AudioCodec != "copy" {
			args = append(args, "-b:a", o.AudioBitrate)
		}
	}
	return append(args, "-progress", "pipe:2", out)
}

func transcodeTarget(in, container string) string {
	container = strings.TrimPrefix(strings.TrimSpace(container), ".")
	if container == "" {
		container = "mp4"
	}
	base := strings.TrimSuffix(in, filepath.Ext(in))
	out := base + "." + container
	if out == in {
		out = base + ".transcoded." + container
	}
	return out
}

// probeDuration is best-effort; zero means unknown.
func probeDuration(ctx context.Context, ffprobe, in string) time.Duration {
	out, err := exec.CommandContext(ctx, ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		in,
	).Output()
	if err != nil {
		return 0
	}
	return parseProbeDuration(string(out))
}

// lineWriter splits a byte stream on \n and \r.
// ffmpeg and yt-dlp redraw progress with bare carriage returns.
type lineWriter struct {
	fn  func(string)
	buf []byte
}

const maxLine = 64 * 1024

func (w *lineWriter) Write(p []byte) (int, error) {
	if w.fn == nil {
		return len(p), nil
	}
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLine {
		w.emit(w.buf)
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if w.fn != nil && len(w.buf) > 0 {
		w.emit(w.buf)
	}
	w.buf = nil
}

func (w *lineWriter) emit(b []byte) {
	if line := strings.TrimSpace(string(b)); line != "" {
		w.fn(line)
	}
}
