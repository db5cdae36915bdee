package pathmap

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	m := New([]Rule{
		{Keyword: "bilibili", Subdir: "bili"},
		{Keyword: "YouTube", Subdir: "yt"},
		{Keyword: "youtube.com/shorts", Subdir: "shorts"},
		{Keyword: " ", Subdir: "ignored"},
	})

	tests := []struct {
		name string
		url  string
		path string
		want string
	}{
		{"first match wins", "https://www.youtube.com/shorts/abc", "./downloads", filepath.Join("downloads", "yt")},
		{"case insensitive", "https://WWW.BILIBILI.COM/video/1", "/data", filepath.Join("/data", "bili")},
		{"no match cleans path", "https://vimeo.com/1", "./downloads/", "downloads"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, m.Resolve(tt.url, tt.path))
		})
	}
}

func TestNilMapper(t *testing.T) {
	t.Parallel()

	var m *Mapper
	require.Equal(t, "out", m.Resolve("https://x", "out/"))
}
