package ytdlp

import (
	"strings"

	"github.com/goodtune/kfetch/internal/media"
)

// stderrPatterns map yt-dlp diagnostics onto categories. The first match
// wins, so more specific patterns come first.
var stderrPatterns = []struct {
	needle string
	kind   error
}{
	{"file is larger than max-filesize", media.ErrSizeExceeded},
	{"max-filesize", media.ErrSizeExceeded},
	{"unsupported url", media.ErrUnsupportedFormat},
	{"requested format is not available", media.ErrUnsupportedFormat},
	{"no video formats found", media.ErrUnsupportedFormat},
	{"is not a valid url", media.ErrUnsupportedFormat},
	{"timed out", media.ErrNetwork},
	{"connection reset", media.ErrNetwork},
	{"connection refused", media.ErrNetwork},
	{"temporary failure in name resolution", media.ErrNetwork},
	{"name or service not known", media.ErrNetwork},
	{"network is unreachable", media.ErrNetwork},
	{"unable to download webpage", media.ErrNetwork},
	{"http error 429", media.ErrNetwork},
	{"http error 5", media.ErrNetwork},
	{"incomplete read", media.ErrNetwork},
}

func classifyStderr(stderr string) error {
	s := strings.ToLower(stderr)
	for _, p := range stderrPatterns {
		if strings.Contains(s, p.needle) {
			return p.kind
		}
	}
	return media.ErrExtraction
}
