// Package playlist expands YouTube playlist URLs into per-video watch URLs.
package playlist

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ytget/ytdlp/v2"
)

const (
	defaultTimeout = 60 * time.Second
	watchURL       = "https://www.youtube.com/watch?v=%s"
)

// Item is a single playlist entry.
type Item struct {
	VideoID string
	Title   string
}

// Lister fetches every item of the playlist with the given id.
type Lister func(ctx context.Context, playlistID string) ([]Item, error)

// Expander resolves playlist URLs.
type Expander struct {
	list    Lister
	timeout time.Duration
}

// New returns an Expander backed by the ytdlp library.
func New(timeout time.Duration) *Expander {
	return NewWithLister(libraryLister, timeout)
}

// NewWithLister returns an Expander using list to fetch items.
func NewWithLister(list Lister, timeout time.Duration) *Expander {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Expander{list: list, timeout: timeout}
}

// Expand returns the watch URL of every video in the playlist referenced by
// rawURL, in playlist order.
func (e *Expander) Expand(ctx context.Context, rawURL string) ([]string, error) {
	id := PlaylistID(rawURL)
	if id == "" {
		return nil, fmt.Errorf("no playlist id in %q", rawURL)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	items, err := e.list(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list playlist %s: %w", id, err)
	}
	urls := make([]string, 0, len(items))
	for _, it := range items {
		if it.VideoID == "" {
			continue
		}
		urls = append(urls, fmt.Sprintf(watchURL, it.VideoID))
	}
	if len(urls) == 0 {
		return nil, errors.New("playlist has no videos")
	}
	return urls, nil
}

// PlaylistID extracts the list= parameter from rawURL.
func PlaylistID(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(u.Query().Get("list"))
}

// IsPlaylist reports whether rawURL references a playlist.
func IsPlaylist(rawURL string) bool {
	return PlaylistID(rawURL) != ""
}

func libraryLister(ctx context.Context, playlistID string) ([]Item, error) {
	items, err := ytdlp.New().GetPlaylistItemsAll(ctx, playlistID, 0)
	if err != nil {
		return nil, err
	}
	out := make([]Item, 0, len(items))
	for _, it := range items {
		out = append(out, Item{VideoID: it.VideoID, Title: it.Title})
	}
	return out, nil
}
