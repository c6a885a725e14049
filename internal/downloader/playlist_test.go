package downloader

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestPlaylistID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		id   string
		isPL bool
	}{
		{raw: "https://www.youtube.com/playlist?list=PL123", id: "PL123", isPL: true},
		{raw: "https://youtube.com/watch?v=abc&list=PLxyz&index=2", id: "PLxyz", isPL: true},
		{raw: "https://m.youtube.com/playlist?list=OLAK5", id: "OLAK5", isPL: true},
		{raw: "https://music.youtube.com/playlist?list=PLm", id: "PLm", isPL: true},
		{raw: "https://www.youtube.com/watch?v=abc&list=RDabc", isPL: false},
		{raw: "https://www.youtube.com/watch?v=abc", isPL: false},
		{raw: "https://vimeo.com/123?list=PL1", isPL: false},
		{raw: "not a url", isPL: false},
	}
	for _, tt := range tests {
		id, ok := PlaylistID(tt.raw)
		if ok != tt.isPL || id != tt.id {
			t.Fatalf("PlaylistID(%q) = %q, %v; want %q, %v", tt.raw, id, ok, tt.id, tt.isPL)
		}
	}
}

type fakeLister struct {
	entries []PlaylistEntry
	err     error
	gotID   string
	gotLim  int
}

func (f *fakeLister) ListPlaylist(ctx context.Context, id string, limit int) ([]PlaylistEntry, error) {
	f.gotID, f.gotLim = id, limit
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("expected a deadline")
	}
	return f.entries, f.err
}

func TestExpandPlaylist(t *testing.T) {
	t.Parallel()

	l := &fakeLister{entries: []PlaylistEntry{
		{VideoID: "a", URL: "https://www.youtube.com/watch?v=a"},
		{VideoID: "b", URL: "https://www.youtube.com/watch?v=b"},
		{VideoID: "a", URL: "https://www.youtube.com/watch?v=a"},
		{VideoID: "c", URL: "https://www.youtube.com/watch?v=c"},
	}}
	got, err := ExpandPlaylist(context.Background(), l, "https://www.youtube.com/playlist?list=PL9", PlaylistOptions{Limit: 2})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	want := []string{"https://www.youtube.com/watch?v=a", "https://www.youtube.com/watch?v=b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if l.gotID != "PL9" || l.gotLim != 2 {
		t.Fatalf("lister called with %q/%d", l.gotID, l.gotLim)
	}

	plain := "https://www.youtube.com/watch?v=z"
	if got, err := ExpandPlaylist(context.Background(), l, plain, PlaylistOptions{}); err != nil || !reflect.DeepEqual(got, []string{plain}) {
		t.Fatalf("plain URL should pass through, got %v, %v", got, err)
	}
}

func TestExpandPlaylistErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	if _, err := ExpandPlaylist(context.Background(), &fakeLister{err: boom}, "https://youtube.com/playlist?list=PL1", PlaylistOptions{}); !errors.Is(err, boom) {
		t.Fatalf("expected lister error, got %v", err)
	}
	if _, err := ExpandPlaylist(context.Background(), &fakeLister{}, "https://youtube.com/playlist?list=PL1", PlaylistOptions{}); err == nil {
		t.Fatalf("expected error for an empty playlist")
	}
}
