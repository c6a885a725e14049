package downloader

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// [download]  42.1% of ~  10.00MiB at    1.21MiB/s ETA 00:05 (frag 3/9)
	// [download] 100% of   10.00MiB in 00:00:03 at 2.80MiB/s
	downloadRe = regexp.MustCompile(`^\[download\]\s+([\d.]+)%\s+of\s+~?\s*([\d.]+\s*[KMGTP]?i?B)(?:\s+in\s+\S+)?(?:\s+at\s+(.+?/s))?(?:\s+ETA\s+(\S+))?`)

	destinationRe = regexp.MustCompile(`^\[download\]\s+Destination:\s+(.+)$`)
	alreadyRe     = regexp.MustCompile(`^\[download\]\s+(.+) has already been downloaded`)
	mergerRe      = regexp.MustCompile(`^\[Merger\]\s+Merging formats into\s+"(.+)"$`)
	extractRe     = regexp.MustCompile(`^\[ExtractAudio\]\s+Destination:\s+(.+)$`)
	sizeRe        = regexp.MustCompile(`^([\d.]+)\s*([KMGTP]?)(i?)B$`)
)

// parseDownloadLine reads one yt-dlp --newline progress line.
func parseDownloadLine(line string) (Progress, bool) {
	m := downloadRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return Progress{}, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Progress{}, false
	}
	p := Progress{
		Stage:      StageDownload,
		Percent:    clampPercent(pct),
		TotalBytes: parseSize(m[2]),
		Speed:      strings.TrimSpace(m[3]),
		ETA:        m[4],
	}
	return p, true
}

// parseDestination extracts the output file path announced by yt-dlp.
// Later announcements (merger, audio extraction) supersede earlier ones.
func parseDestination(line string) (string, bool) {
	line = strings.TrimSpace(line)
	for _, re := range []*regexp.Regexp{mergerRe, extractRe, destinationRe, alreadyRe} {
		if m := re.FindStringSubmatch(line); m != nil {
			return strings.TrimSpace(m[1]), true
		}
	}
	return "", false
}

func parseSize(s string) int64 {
	m := sizeRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	base := 1000.0
	if m[3] == "i" {
		base = 1024
	}
	mult := 1.0
	switch m[2] {
	case "K":
		mult = base
	case "M":
		mult = base * base
	case "G":
		mult = base * base * base
	case "T":
		mult = base * base * base * base
	case "P":
		mult = base * base * base * base * base
	}
	return int64(v * mult)
}

// ffmpegProgress accumulates `-progress pipe:2` key=value output.
type ffmpegProgress struct {
	duration time.Duration
	outTime  time.Duration
}

// feed consumes one line and reports whether a progress block just ended.
func (f *ffmpegProgress) feed(line string) (Progress, bool) {
	key, val, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return Progress{}, false
	}
	switch key {
	case "out_time_us", "out_time_ms":
		// ffmpeg reports microseconds under both keys.
		if us, err := strconv.ParseInt(val, 10, 64); err == nil && us >= 0 {
			f.outTime = time.Duration(us) * time.Microsecond
		}
	case "progress":
		p := Progress{Stage: StageTranscode}
		if val == "end" {
			p.Percent = 100
			return p, true
		}
		if f.duration > 0 {
			p.Percent = clampPercent(float64(f.outTime) / float64(f.duration) * 100)
		}
		return p, true
	}
	return Progress{}, false
}

func parseProbeDuration(out string) time.Duration {
	secs, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func clampPercent(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
