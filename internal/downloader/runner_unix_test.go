//go:build !windows

package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tubeq/internal/task/engine"
	logx "tubeq/pkg/logx"
)

// Scripts are written by serial tests only: a fork in a parallel test can
// inherit the write descriptor and make exec fail with ETXTBSY.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

type progressLog struct {
	mu    sync.Mutex
	items []Progress
	first chan struct{}
	once  sync.Once
}

func newProgressLog() *progressLog { return &progressLog{first: make(chan struct{})} }

func (p *progressLog) add(v any) {
	pr, ok := v.(Progress)
	if !ok {
		return
	}
	p.mu.Lock()
	p.items = append(p.items, pr)
	p.mu.Unlock()
	p.once.Do(func() { close(p.first) })
}

func (p *progressLog) snapshot() []Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Progress(nil), p.items...)
}

func TestExecuteDownloadsAndReportsProgress(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "clip [abc].mp4")
	ytdlp := writeScript(t, dir, "yt-dlp", fmt.Sprintf(`
echo "[youtube] abc: Downloading webpage"
echo "[download] Destination: %[1]s"
echo "[download]  50.0%% of 1.00KiB at 1.00KiB/s ETA 00:01"
printf 'hello world' > "%[1]s"
echo "[download] 100%% of 1.00KiB in 00:00:01 at 1.00KiB/s"
`, out))

	r := NewRunner(Config{YtDlpPath: ytdlp, OutputDir: dir}, logx.Nop())
	pl := newProgressLog()
	var handles int
	res, err := r.Execute(context.Background(), Request{URL: "https://youtu.be/abc"},
		func(h engine.Handle) error { handles++; return nil }, pl.add)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if handles != 1 {
		t.Fatalf("expected exactly one handle registration, got %d", handles)
	}
	got := res.(Result)
	if got.OutputPath != out || got.Bytes != int64(len("hello world")) {
		t.Fatalf("unexpected result: %+v", got)
	}
	steps := pl.snapshot()
	if len(steps) != 2 || steps[0].Percent != 50 || steps[1].Percent != 100 {
		t.Fatalf("unexpected progress: %+v", steps)
	}
}

func TestExecuteSurfacesLastErrorLine(t *testing.T) {
	dir := t.TempDir()
	ytdlp := writeScript(t, dir, "yt-dlp", `
echo "WARNING: something minor" >&2
echo "ERROR: [youtube] abc: first" >&2
echo "ERROR: [youtube] abc: Video unavailable" >&2
exit 1
`)
	r := NewRunner(Config{YtDlpPath: ytdlp, OutputDir: dir}, logx.Nop())
	_, err := r.Execute(context.Background(), Request{URL: "u"}, nil, nil)
	if err == nil || err.Error() != "ERROR: [youtube] abc: Video unavailable" {
		t.Fatalf("unexpected error: %v", err)
	}
	if engine.IsRetryable(err) {
		t.Fatalf("unavailable video must not be retryable")
	}
}

func TestExecuteMissingBinaryIsPermanent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := NewRunner(Config{YtDlpPath: filepath.Join(dir, "nope"), OutputDir: dir}, logx.Nop())
	_, err := r.Execute(context.Background(), Request{URL: "u"}, nil, nil)
	if !engine.IsNoRetry(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestExecuteRejectsEmptyURL(t *testing.T) {
	t.Parallel()

	r := NewRunner(Config{OutputDir: t.TempDir()}, logx.Nop())
	if _, err := r.Execute(context.Background(), Request{URL: "  "}, nil, nil); !engine.IsNoRetry(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestExecuteTranscodes(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "clip.webm")
	ytdlp := writeScript(t, dir, "yt-dlp", fmt.Sprintf(`
printf 'raw' > "%[1]s"
echo '[Merger] Merging formats into "%[1]s"'
`, src))
	ffprobe := writeScript(t, dir, "ffprobe", `echo 10.0`)
	ffmpeg := writeScript(t, dir, "ffmpeg", `
for a; do out="$a"; done
printf 'out_time_us=5000000\nprogress=continue\nout_time_us=10000000\nprogress=end\n' >&2
printf 'encoded!' > "$out"
`)

	r := NewRunner(Config{
		YtDlpPath:   ytdlp,
		FFmpegPath:  ffmpeg,
		FFprobePath: ffprobe,
		OutputDir:   dir,
		Transcode:   &TranscodeOptions{Container: "mp4"},
	}, logx.Nop())
	pl := newProgressLog()
	res, err := r.Execute(context.Background(), Request{URL: "u"}, nil, pl.add)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	got := res.(Result)
	if got.TranscodedPath != filepath.Join(dir, "clip.mp4") || got.Bytes != int64(len("encoded!")) {
		t.Fatalf("unexpected result: %+v", got)
	}
	if _, err := os.Stat(src); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("original should be removed, stat err=%v", err)
	}

	var pcts []float64
	for _, p := range pl.snapshot() {
		if p.Stage == StageTranscode {
			pcts = append(pcts, p.Percent)
		}
	}
	if len(pcts) != 3 || pcts[0] != 0 || pcts[1] != 50 || pcts[2] != 100 {
		t.Fatalf("unexpected transcode progress: %v", pcts)
	}
}

func TestGracefulStopInterruptsRunningStage(t *testing.T) {
	dir := t.TempDir()
	ytdlp := writeScript(t, dir, "yt-dlp", `
echo "[download]  10.0% of 1.00MiB at 1.00KiB/s ETA 00:10"
exec sleep 30
`)
	r := NewRunner(Config{YtDlpPath: ytdlp, OutputDir: dir}, logx.Nop())
	pl := newProgressLog()

	var h engine.Handle
	done := make(chan error, 1)
	go func() {
		_, err := r.Execute(context.Background(), Request{URL: "u"},
			func(got engine.Handle) error { h = got; return nil }, pl.add)
		done <- err
	}()

	select {
	case <-pl.first:
	case <-time.After(5 * time.Second):
		t.Fatalf("no progress from fake yt-dlp")
	}
	if h.Terminated() {
		t.Fatalf("handle reports terminated before stop")
	}
	if err := h.GracefulStop(); err != nil {
		t.Fatalf("graceful stop: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, engine.ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("execute did not return after SIGINT")
	}
	if !h.Terminated() {
		t.Fatalf("handle should report terminated")
	}
}

func TestAttachAfterStopKillsProcess(t *testing.T) {
	t.Parallel()

	h := NewProcessHandle()
	if err := h.GracefulStop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	cmd := exec.Command("sleep", "30")
	prepareCommand(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.attach(cmd.Process); !errors.Is(err, errStopRequested) {
		t.Fatalf("expected errStopRequested, got %v", err)
	}

	waited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatalf("process survived kill")
	}
	h.detach()
	if !h.Terminated() {
		t.Fatalf("expected terminated after detach")
	}
}
