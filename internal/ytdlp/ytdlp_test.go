package ytdlp

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/goodtune/kfetch/internal/config"
	"github.com/goodtune/kfetch/internal/media"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(binary string) *Client {
	return New(config.FetcherConfig{
		Binary:            binary,
		SocketTimeout:     "30s",
		ResolveTimeout:    "10s",
		SubtitleLanguages: []string{"en", "ar"},
		DefaultQuality:    720,
	}, 50*1024*1024, zerolog.Nop())
}

func argValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func TestFetchArgs(t *testing.T) {
	c := newTestClient("")
	c.proxy = "socks5://127.0.0.1:1080"

	t.Run("video default height", func(t *testing.T) {
		args := c.fetchArgs(media.FetchRequest{URL: "https://example.com/v", Kind: media.KindVideo, Dir: "/tmp/x"})
		assert.Equal(t, "bv*[height<=720]+ba/b[height<=720]/b", argValue(args, "-f"))
		assert.Equal(t, "/tmp/x", argValue(args, "-P"))
		assert.Equal(t, "30", argValue(args, "--socket-timeout"))
		assert.Equal(t, "socks5://127.0.0.1:1080", argValue(args, "--proxy"))
		assert.Equal(t, "52428800", argValue(args, "--max-filesize"))
		assert.Equal(t, []string{"--", "https://example.com/v"}, args[len(args)-2:])
	})

	t.Run("video explicit format", func(t *testing.T) {
		args := c.fetchArgs(media.FetchRequest{Kind: media.KindVideo, Options: media.Options{FormatID: "22", MaxHeight: 360}})
		assert.Equal(t, "22", argValue(args, "-f"))
	})

	t.Run("video height cap", func(t *testing.T) {
		args := c.fetchArgs(media.FetchRequest{Kind: media.KindVideo, Options: media.Options{MaxHeight: 360}})
		assert.Equal(t, "bv*[height<=360]+ba/b[height<=360]/b", argValue(args, "-f"))
	})

	t.Run("audio", func(t *testing.T) {
		args := c.fetchArgs(media.FetchRequest{Kind: media.KindAudio})
		assert.Contains(t, args, "-x")
		assert.Equal(t, "mp3", argValue(args, "--audio-format"))
	})

	t.Run("subtitles", func(t *testing.T) {
		args := c.fetchArgs(media.FetchRequest{Kind: media.KindSubtitles})
		assert.Contains(t, args, "--skip-download")
		assert.Equal(t, "en,ar", argValue(args, "--sub-langs"))
		assert.Empty(t, argValue(args, "--max-filesize"))

		args = c.fetchArgs(media.FetchRequest{Kind: media.KindSubtitles, Options: media.Options{Languages: []string{"fr"}}})
		assert.Equal(t, "fr", argValue(args, "--sub-langs"))
	})
}

func TestParseInfo(t *testing.T) {
	data := `{
		"_type": "video", "id": "abc", "title": "A clip", "webpage_url": "https://example.com/v/abc",
		"duration": 61.5, "extractor_key": "Youtube", "uploader": "someone",
		"formats": [
			{"format_id": "140", "ext": "m4a", "vcodec": "none", "acodec": "mp4a.40.2", "filesize": 1000},
			{"format_id": "18", "ext": "mp4", "height": 360, "vcodec": "avc1", "acodec": "mp4a", "filesize_approx": 2048.7},
			{"format_id": "137", "ext": "mp4", "height": 1080, "vcodec": "avc1", "acodec": "none", "format_note": "1080p"}
		],
		"subtitles": {"fr": [], "en": []},
		"automatic_captions": {"en": [], "de": [], "live_chat": []}
	}`
	info, err := parseInfo([]byte(data))
	require.NoError(t, err)

	assert.Equal(t, "A clip", info.Title)
	assert.Equal(t, "https://example.com/v/abc", info.URL)
	assert.Equal(t, "youtube", info.Platform)
	assert.Equal(t, 61500*time.Millisecond, info.Duration)
	assert.False(t, info.IsPlaylist)
	require.Len(t, info.Formats, 3)
	assert.False(t, info.Formats[0].HasVideo)
	assert.True(t, info.Formats[0].HasAudio)
	assert.Equal(t, int64(2048), info.Formats[1].Size)
	assert.True(t, info.Formats[2].HasVideo)
	assert.False(t, info.Formats[2].HasAudio)
	assert.Equal(t, []int{1080, 360}, info.Heights())
	assert.Equal(t, []string{"de", "en", "fr"}, info.Subtitles)
}

func TestParseInfo_Playlist(t *testing.T) {
	data := `{"_type": "playlist", "title": "Mix", "entries": [
		{"id": "1", "url": "https://example.com/v/1", "title": "one", "duration": 10},
		{"id": "2", "webpage_url": "https://example.com/v/2", "title": "two"},
		{"id": "3", "title": "no url"}
	]}`
	info, err := parseInfo([]byte(data))
	require.NoError(t, err)
	assert.True(t, info.IsPlaylist)
	require.Len(t, info.Entries, 2)
	assert.Equal(t, "https://example.com/v/2", info.Entries[1].URL)
	assert.Equal(t, 10*time.Second, info.Entries[0].Duration)
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		line    string
		ok      bool
		pct     float64
		message string
	}{
		{"[download]  42.3% of  12.34MiB at  1.21MiB/s ETA 00:08", true, 42.3, "42.3% of 12.34MiB at 1.21MiB/s ETA 00:08"},
		{"[download] 100% of 3.00MiB in 00:02", true, 100, "100% of 3.00MiB"},
		{"[download]   5.0% of ~ 100.00MiB at 2.00MiB/s ETA 00:50 (frag 1/20)", true, 5, "5.0% of 100.00MiB at 2.00MiB/s ETA 00:50"},
		{"[download] Destination: clip.mp4", false, 0, ""},
		{"[youtube] abc: Downloading webpage", false, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			pct, msg, ok := parseProgress(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.pct, pct, 0.001)
			assert.Equal(t, tt.message, msg)
		})
	}
}

func TestClassifyStderr(t *testing.T) {
	tests := []struct {
		stderr string
		want   error
	}{
		{"ERROR: Unsupported URL: https://example.com", media.ErrUnsupportedFormat},
		{"ERROR: [youtube] abc: Requested format is not available", media.ErrUnsupportedFormat},
		{"ERROR: unable to download video data: <urlopen error timed out>", media.ErrNetwork},
		{"ERROR: Unable to download webpage: HTTP Error 503", media.ErrNetwork},
		{"[download] File is larger than max-filesize (1000 bytes > 10 bytes). Aborting.", media.ErrSizeExceeded},
		{"ERROR: [generic] Sign in to confirm your age", media.ErrExtraction},
		{"", media.ErrExtraction},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, classifyStderr(tt.stderr), tt.want, tt.stderr)
	}
}

func TestOutputs_SkipsPartials(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mp4"), make([]byte, 10), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.mp4"), make([]byte, 100), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.mp4.part"), make([]byte, 1000), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	files, err := outputs(dir)
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.Equal(t, filepath.Join(dir, "b.mp4"), largest(files))
}

func TestBundle(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"clip.en.srt", "clip.fr.srt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("1\n00:00:01,000 --> 00:00:02,000\nhi\n"), 0644))
	}
	files, err := outputs(dir)
	require.NoError(t, err)

	path, err := bundle(dir, "subtitles.zip", files)
	require.NoError(t, err)

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"clip.en.srt", "clip.fr.srt"}, names)
}

// fakeBinary writes an executable shell script standing in for yt-dlp.
func fakeBinary(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts required")
	}
	path := filepath.Join(t.TempDir(), "yt-dlp")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

const outDirScript = `dir=""
while [ $# -gt 0 ]; do
  case "$1" in
    -P) dir="$2"; shift 2 ;;
    *) shift ;;
  esac
done
`

func TestFetch_FakeBinary(t *testing.T) {
	bin := fakeBinary(t, outDirScript+`
echo "[download]  10.0% of 1.00MiB at 1.00MiB/s ETA 00:01"
printf '\r[download]  60.0%% of 1.00MiB at 1.00MiB/s ETA 00:01\n'
echo "[download] 100% of 1.00MiB in 00:01"
printf 'data' > "$dir/clip [abc].mp4"
`)
	c := newTestClient(bin)
	dir := t.TempDir()

	var pcts []float64
	path, err := c.Fetch(context.Background(), media.FetchRequest{URL: "https://example.com/v", Kind: media.KindVideo, Dir: dir},
		func(p float64, _ string) { pcts = append(pcts, p) })
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "clip [abc].mp4"), path)
	assert.Equal(t, []float64{10, 60, 100}, pcts)
}

func TestFetch_SubtitlesBundled(t *testing.T) {
	bin := fakeBinary(t, outDirScript+`
printf 'x' > "$dir/clip.en.srt"
printf 'y' > "$dir/clip.fr.srt"
`)
	path, err := newTestClient(bin).Fetch(context.Background(),
		media.FetchRequest{URL: "https://example.com/v", Kind: media.KindSubtitles, Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "subtitles.zip"))
}

func TestFetch_NoSubtitles(t *testing.T) {
	bin := fakeBinary(t, "exit 0")
	_, err := newTestClient(bin).Fetch(context.Background(),
		media.FetchRequest{URL: "https://example.com/v", Kind: media.KindSubtitles, Dir: t.TempDir()}, nil)
	assert.ErrorIs(t, err, media.ErrUnsupportedFormat)
}

func TestFetch_ClassifiesFailure(t *testing.T) {
	bin := fakeBinary(t, `echo "ERROR: Unsupported URL: https://nope" >&2
exit 1`)
	_, err := newTestClient(bin).Fetch(context.Background(),
		media.FetchRequest{URL: "https://nope", Kind: media.KindVideo, Dir: t.TempDir()}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, media.ErrUnsupportedFormat)
	assert.Contains(t, err.Error(), "Unsupported URL")
}

func TestFetch_OversizedFileSkipped(t *testing.T) {
	bin := fakeBinary(t, `echo "[youtube] abc: Downloading webpage"
echo "[download] File is larger than max-filesize (1048576 bytes > 1024 bytes). Aborting."
exit 0`)
	_, err := newTestClient(bin).Fetch(context.Background(),
		media.FetchRequest{URL: "https://example.com/v", Kind: media.KindVideo, Dir: t.TempDir()}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, media.ErrSizeExceeded)
	assert.Equal(t, "size_exceeded", media.Code(err))
	assert.Contains(t, err.Error(), "max-filesize")
}

func TestFetch_Cancelled(t *testing.T) {
	bin := fakeBinary(t, "exec sleep 5")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	c := newTestClient(bin)
	_, err := c.Fetch(ctx, media.FetchRequest{URL: "https://example.com/v", Kind: media.KindVideo, Dir: t.TempDir()}, nil)
	require.Error(t, err)
	assert.True(t, media.Retryable(err) || media.IsCancelled(err))
}

func TestResolveInfo_FakeBinary(t *testing.T) {
	bin := fakeBinary(t, `echo '{"_type":"video","id":"abc","title":"From stub","extractor_key":"Generic","formats":[{"format_id":"0","ext":"mp4","height":480,"vcodec":"h264","acodec":"aac"}]}'`)
	info, err := newTestClient(bin).ResolveInfo(context.Background(), "https://example.com/v")
	require.NoError(t, err)
	assert.Equal(t, "From stub", info.Title)
	assert.Equal(t, "https://example.com/v", info.URL)
	assert.Equal(t, []int{480}, info.Heights())
}

func TestResolveInfo_MissingBinary(t *testing.T) {
	c := newTestClient(filepath.Join(t.TempDir(), "does-not-exist"))
	_, err := c.ResolveInfo(context.Background(), "https://example.com/v")
	assert.ErrorIs(t, err, media.ErrExtraction)
}
