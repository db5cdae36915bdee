package sha256

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const helloDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestHashReaderCountsBytes(t *testing.T) {
	t.Parallel()

	got, n, err := New().HashReader(strings.NewReader("hello world"))
	require.NoError(t, err)
	require.Equal(t, helloDigest, got)
	require.Equal(t, int64(11), n)
}

func TestHashFile(t *testing.T) {
	t.Parallel()

	h := New()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o600))

	got, n, err := h.HashFile(path)
	require.NoError(t, err)
	require.Equal(t, helloDigest, got)
	require.Equal(t, int64(11), n)

	_, _, err = h.HashFile(filepath.Join(t.TempDir(), "missing"))
	require.ErrorContains(t, err, "open")
}
