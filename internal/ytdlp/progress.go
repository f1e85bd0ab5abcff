package ytdlp

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	rePct = regexp.MustCompile(`^\[download\]\s+([0-9]+(?:\.[0-9]+)?)%`)
	reOf  = regexp.MustCompile(`\bof\s+~?\s*([^\s]+)`)
	reAt  = regexp.MustCompile(`\bat\s+([^\s]+/s)`)
	reETA = regexp.MustCompile(`\bETA\s+([0-9:]+)`)
)

// parseProgress extracts the percentage from a yt-dlp --newline progress
// line, along with a short human message.
func parseProgress(line string) (float64, string, bool) {
	line = strings.TrimSpace(line)
	m := rePct.FindStringSubmatch(line)
	if m == nil {
		return 0, "", false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, "", false
	}
	pct = min(max(pct, 0), 100)

	parts := []string{m[1] + "%"}
	if of := reOf.FindStringSubmatch(line); of != nil {
		parts = append(parts, "of "+of[1])
	}
	if at := reAt.FindStringSubmatch(line); at != nil {
		parts = append(parts, "at "+at[1])
	}
	if eta := reETA.FindStringSubmatch(line); eta != nil {
		parts = append(parts, "ETA "+eta[1])
	}
	return pct, strings.Join(parts, " "), true
}
