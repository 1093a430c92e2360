package images

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz/lzma"
)

func compress(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestUploadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)

	needed, err := c.UploadRequirements([]string{"a", "b"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, needed)

	_, err = c.UploadSlab("a", 0, compress(t, "hello"))
	require.NoError(t, err)
	_, err = c.UploadSlab("a", 1, compress(t, " world"))
	require.NoError(t, err)

	logLine, err := c.UploadComplete("a")
	require.NoError(t, err)
	assert.Contains(t, logLine, "a")

	needed, err = c.UploadRequirements([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, needed)

	content, err := os.ReadFile(filepath.Join(dir, "a"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))
}

func TestUploadRequirementsDedupAndNulls(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	needed, err := c.UploadRequirements([]string{"a", "", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, needed)
}

func TestUploadRequirementsTooLarge(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	offer := make([]string, 300)
	for i := range offer {
		offer[i] = string(rune('a'+i%26)) + string(rune('0'+i/26))
	}
	_, err = c.UploadRequirements(offer)
	assert.Error(t, err)
}

func TestLiveUploadRefused(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)

	_, err = c.UploadSlab("busy", 0, compress(t, "partial"))
	require.NoError(t, err)

	// the partial file was just written, so its uploader is live
	_, err = c.UploadRequirements([]string{"busy"})
	assert.Error(t, err)
}

func TestStaleUploadReclaimed(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)

	_, err = c.UploadSlab("stale", 0, compress(t, "partial"))
	require.NoError(t, err)

	// age the partial file past the liveness window
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "stale"+uploadingSuffix), old, old))

	needed, err := c.UploadRequirements([]string{"stale"})
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, needed)
	assert.NoFileExists(t, filepath.Join(dir, "stale"+uploadingSuffix))
}

func TestStartupSweep(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "done"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "half"+uploadingSuffix), []byte("x"), 0644))

	c, err := New(dir)
	require.NoError(t, err)

	assert.True(t, c.Cached("done"))
	assert.False(t, c.Cached("half"))
	assert.NoFileExists(t, filepath.Join(dir, "half"+uploadingSuffix))
}
