package ytdlp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goodtune/kfetch/internal/media"
)

const outputTemplate = "%(title).150B [%(id)s].%(ext)s"

func (c *Client) commonArgs() []string {
	var args []string
	if c.cookiesFile != "" {
		args = append(args, "--cookies", c.cookiesFile)
	}
	if c.proxy != "" {
		args = append(args, "--proxy", c.proxy)
	}
	if c.socketTimeout > 0 {
		args = append(args, "--socket-timeout", strconv.Itoa(int(c.socketTimeout.Seconds())))
	}
	return args
}

func (c *Client) fetchArgs(req media.FetchRequest) []string {
	args := []string{
		"--no-playlist",
		"--newline",
		"--no-colors",
		"--restrict-filenames",
		"-P", req.Dir,
		"-o", outputTemplate,
	}
	args = append(args, c.commonArgs()...)

	switch req.Kind {
	case media.KindAudio:
		codec := req.Options.AudioFormat
		if codec == "" {
			codec = "mp3"
		}
		args = append(args,
			"-f", "bestaudio/best",
			"-x",
			"--audio-format", codec,
			"--audio-quality", "320K",
		)
	case media.KindSubtitles:
		langs := req.Options.Languages
		if len(langs) == 0 {
			langs = c.subLangs
		}
		if len(langs) == 0 {
			langs = []string{"en"}
		}
		args = append(args,
			"--skip-download",
			"--write-subs",
			"--write-auto-subs",
			"--sub-langs", strings.Join(langs, ","),
			"--convert-subs", "srt",
		)
	default:
		args = append(args,
			"-f", c.videoFormat(req.Options),
			"--merge-output-format", "mp4",
		)
	}

	if c.maxFileSize > 0 && req.Kind != media.KindSubtitles {
		args = append(args, "--max-filesize", strconv.FormatInt(c.maxFileSize, 10))
	}
	return append(args, "--", req.URL)
}

// videoFormat picks an explicit format ID when one was chosen, otherwise
// the best rendition at or below the height cap.
func (c *Client) videoFormat(o media.Options) string {
	if o.FormatID != "" {
		return o.FormatID
	}
	h := o.MaxHeight
	if h <= 0 {
		h = c.defaultHeight
	}
	if h <= 0 {
		return "bv*+ba/b"
	}
	return fmt.Sprintf("bv*[height<=%d]+ba/b[height<=%d]/b", h, h)
}
