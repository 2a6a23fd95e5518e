package provider_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchrelay/fetchrelay/internal/provider"
)

// fakeYTDLP writes a shell script standing in for the yt-dlp binary.
func fakeYTDLP(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake binary requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "yt-dlp")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func newYTDLP(t *testing.T, script string) provider.Provider {
	t.Helper()
	return provider.NewYTDLP(provider.YTDLPSettings{
		Name:     "ytdlp",
		Priority: 10,
		Binary:   fakeYTDLP(t, script),
	}, newTestStore(t))
}

func TestYTDLPMetadata(t *testing.T) {
	p := newYTDLP(t, `echo '{"title":"test clip","duration":12.5,"uploader":"someone","formats":[{"format_id":"22","ext":"mp4","resolution":"1280x720"}]}'`)

	meta, err := p.FetchMetadata(context.Background(), testURL, provider.Options{})
	require.NoError(t, err)
	assert.Equal(t, "test clip", meta.Title)
	assert.Equal(t, 12500*time.Millisecond, meta.Duration)
	assert.Equal(t, "someone", meta.Uploader)
	require.Len(t, meta.Formats, 1)
	assert.Equal(t, "22", meta.Formats[0].ID)
	assert.Equal(t, "ytdlp", meta.Provider)
}

func TestYTDLPMetadataBadOutput(t *testing.T) {
	p := newYTDLP(t, `echo 'not json'`)

	_, err := p.FetchMetadata(context.Background(), testURL, provider.Options{})
	assert.ErrorIs(t, err, provider.ErrProtocol)
	assert.Equal(t, 1, p.Health().ConsecutiveFailures)
}

func TestYTDLPDownload(t *testing.T) {
	// The script finds the -o template, drops a file beside it and emits
	// progress lines the way yt-dlp --newline does.
	script := `
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-o" ]; then out="$a"; fi
  prev="$a"
done
dir=$(dirname "$out")
printf 'content' > "$dir/video.mp4"
echo '[download]  50.0% of 14.00B'
echo '[download] 100.0% of 14.00B'
`
	p := newYTDLP(t, script)

	var pcts []float64
	result, err := p.FetchContent(context.Background(), testURL, "sess-1", provider.Options{},
		func(pct float64) { pcts = append(pcts, pct) })
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []float64{50, 100}, pcts)
	assert.Equal(t, int64(len("content")), result.FileSize)

	data, err := os.ReadFile(result.FilePath)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestYTDLPNotFound(t *testing.T) {
	p := newYTDLP(t, `echo 'ERROR: Video not available' >&2; exit 1`)

	_, err := p.FetchMetadata(context.Background(), testURL, provider.Options{})
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

func TestYTDLPCancel(t *testing.T) {
	p := newYTDLP(t, `sleep 30`)

	done := make(chan error, 1)
	go func() {
		_, err := p.FetchContent(context.Background(), testURL, "sess-slow", provider.Options{}, nil)
		done <- err
	}()

	// Give the process a moment to start before cancelling.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, p.Cancel("sess-slow"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, provider.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not stop after cancel")
	}

	assert.Zero(t, p.Health().RequestCount)
}

func TestYTDLPTimeout(t *testing.T) {
	p := newYTDLP(t, `sleep 30`)

	_, err := p.FetchMetadata(context.Background(), testURL, provider.Options{
		Timeout: 100 * time.Millisecond,
	})
	assert.ErrorIs(t, err, provider.ErrTimeout)
	assert.Equal(t, 1, p.Health().ConsecutiveFailures)
}

func TestYTDLPValidation(t *testing.T) {
	p := newYTDLP(t, `exit 0`)

	_, err := p.FetchMetadata(context.Background(), "not a url", provider.Options{})
	assert.ErrorIs(t, err, provider.ErrValidation)

	_, err = p.FetchContent(context.Background(), testURL, "", provider.Options{}, nil)
	assert.ErrorIs(t, err, provider.ErrValidation)
}
