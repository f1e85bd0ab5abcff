// Package media holds the types shared between the orchestration core and
// the extraction backend it drives.
package media

import (
	"context"
	"slices"
	"time"
)

// UserID identifies the caller. It is supplied by the transport and never
// interpreted.
type UserID string

// Kind is what a task produces.
type Kind string

const (
	KindVideo     Kind = "video"
	KindAudio     Kind = "audio"
	KindSubtitles Kind = "subtitles"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindVideo, KindAudio, KindSubtitles:
		return true
	}
	return false
}

// Options selects format, quality and language for a task.
type Options struct {
	FormatID    string   `json:"format_id,omitempty"`
	MaxHeight   int      `json:"max_height,omitempty"`
	AudioFormat string   `json:"audio_format,omitempty"`
	Languages   []string `json:"languages,omitempty"`
}

// Task is one unit of download work. Tasks live for the duration of a
// single dispatch and are never persisted.
type Task struct {
	ID       string  `json:"id"`
	URL      string  `json:"url"`
	Kind     Kind    `json:"kind"`
	Options  Options `json:"options"`
	Owner    UserID  `json:"owner"`
	Title    string  `json:"title,omitempty"`
	Platform string  `json:"platform,omitempty"`

	// Admitted is set when the rate limiter already accepted the user
	// action this task belongs to.
	Admitted bool `json:"-"`
}

// Format is one downloadable rendition reported by the backend.
type Format struct {
	ID       string `json:"id"`
	Ext      string `json:"ext"`
	Height   int    `json:"height,omitempty"`
	Note     string `json:"note,omitempty"`
	Size     int64  `json:"size,omitempty"`
	HasVideo bool   `json:"has_video"`
	HasAudio bool   `json:"has_audio"`
}

// Entry is one item of a playlist.
type Entry struct {
	ID       string        `json:"id"`
	URL      string        `json:"url"`
	Title    string        `json:"title"`
	Duration time.Duration `json:"duration"`
}

// Info is the resolved metadata for a URL.
type Info struct {
	URL        string        `json:"url"`
	Title      string        `json:"title"`
	Duration   time.Duration `json:"duration"`
	Platform   string        `json:"platform"`
	Uploader   string        `json:"uploader,omitempty"`
	Formats    []Format      `json:"formats,omitempty"`
	Subtitles  []string      `json:"subtitles,omitempty"`
	IsPlaylist bool          `json:"is_playlist"`
	Entries    []Entry       `json:"entries,omitempty"`
}

// Heights returns the distinct video heights on offer, highest first.
func (i *Info) Heights() []int {
	seen := make(map[int]bool)
	var out []int
	for _, f := range i.Formats {
		if !f.HasVideo || f.Height <= 0 || seen[f.Height] {
			continue
		}
		seen[f.Height] = true
		out = append(out, f.Height)
	}
	slices.Sort(out)
	slices.Reverse(out)
	return out
}

// FetchRequest describes one Fetch call.
type FetchRequest struct {
	URL     string
	Kind    Kind
	Options Options
	// Dir is a private, empty directory the fetcher writes into.
	Dir string
}

// ProgressSink receives raw progress from a fetch. It may be called very
// frequently and must not block.
type ProgressSink func(percent float64, message string)

// Fetcher is the extraction backend.
type Fetcher interface {
	ResolveInfo(ctx context.Context, url string) (*Info, error)
	Fetch(ctx context.Context, req FetchRequest, sink ProgressSink) (string, error)
}
