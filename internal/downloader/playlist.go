package downloader

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ytget/ytdlp/v2"
)

const (
	watchURLTemplate       = "https://www.youtube.com/watch?v=%s"
	defaultPlaylistTimeout = 60 * time.Second
)

// PlaylistEntry is one video of an expanded playlist.
type PlaylistEntry struct {
	VideoID string
	Title   string
	URL     string
}

// PlaylistLister resolves a playlist id to its videos.
type PlaylistLister interface {
	ListPlaylist(ctx context.Context, playlistID string, limit int) ([]PlaylistEntry, error)
}

type youtubeLister struct{}

// NewPlaylistLister returns a lister backed by the YouTube playlist API.
func NewPlaylistLister() PlaylistLister { return youtubeLister{} }

func (youtubeLister) ListPlaylist(ctx context.Context, playlistID string, limit int) ([]PlaylistEntry, error) {
	items, err := ytdlp.New().GetPlaylistItemsAll(ctx, playlistID, limit)
	if err != nil {
		return nil, fmt.Errorf("list playlist %s: %w", playlistID, err)
	}
	out := make([]PlaylistEntry, 0, len(items))
	for _, it := range items {
		if it.VideoID == "" {
			continue
		}
		out = append(out, PlaylistEntry{
			VideoID: it.VideoID,
			Title:   it.Title,
			URL:     fmt.Sprintf(watchURLTemplate, it.VideoID),
		})
	}
	return out, nil
}

// PlaylistID extracts the list id from a YouTube URL. Mixes (ids starting
// with "RD") are endless and are not treated as playlists.
func PlaylistID(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")
	switch host {
	case "youtube.com", "music.youtube.com", "youtu.be":
	default:
		return "", false
	}
	id := u.Query().Get("list")
	if id == "" || strings.HasPrefix(id, "RD") {
		return "", false
	}
	return id, true
}

// PlaylistOptions bound an expansion.
type PlaylistOptions struct {
	Limit   int
	Timeout time.Duration
}

// ExpandPlaylist returns the video URLs of raw when it names a playlist, or
// raw itself otherwise. An empty playlist is an error.
func ExpandPlaylist(ctx context.Context, l PlaylistLister, raw string, opts PlaylistOptions) ([]string, error) {
	id, ok := PlaylistID(raw)
	if !ok || l == nil {
		return []string{raw}, nil
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultPlaylistTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries, err := l.ListPlaylist(ctx, id, opts.Limit)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("playlist %s has no videos", id)
	}
	seen := make(map[string]struct{}, len(entries))
	urls := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, dup := seen[e.URL]; dup {
			continue
		}
		seen[e.URL] = struct{}{}
		urls = append(urls, e.URL)
		if opts.Limit > 0 && len(urls) == opts.Limit {
			break
		}
	}
	return urls, nil
}
