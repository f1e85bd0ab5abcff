package engine

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/goodtune/kfetch/internal/media"
	"github.com/goodtune/kfetch/internal/session"
)

const (
	maxTokenLen    = 64
	tokenPrefixLen = 8
	maxHeights     = 6
)

var playlistSizes = []int{5, 10, 20}

// Option is one selectable choice. Token is opaque to the transport and
// replayed unchanged to SubmitChoice.
type Option struct {
	Token  string         `json:"token"`
	Label  string         `json:"label"`
	Choice session.Choice `json:"choice"`
}

// Prompt is what a submitted URL resolves to.
type Prompt struct {
	SessionID string      `json:"session_id"`
	Resumed   bool        `json:"resumed,omitempty"`
	Info      *media.Info `json:"info"`
	Options   []Option    `json:"options"`
}

func (e *Engine) prompt(sess session.Session, resumed bool) *Prompt {
	return &Prompt{
		SessionID: sess.ID,
		Resumed:   resumed,
		Info:      sess.Info,
		Options:   e.menu(sess),
	}
}

func tokenPrefix(sessionID string) string {
	id := strings.ReplaceAll(sessionID, "-", "")
	if len(id) > tokenPrefixLen {
		id = id[:tokenPrefixLen]
	}
	return id
}

func encodeToken(sessionID string, c session.Choice) string {
	return tokenPrefix(sessionID) + ":" + string(c.Action) + ":" + c.Param
}

// decodeToken splits a token into its session prefix and choice.
func decodeToken(token string) (string, session.Choice, error) {
	parts := strings.Split(token, ":")
	if len(token) > maxTokenLen || len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", session.Choice{}, media.NewError(media.ErrInvalidTransition, "choice", "malformed token", nil)
	}
	return parts[0], session.Choice{Action: session.Action(parts[1]), Param: parts[2]}, nil
}

// menu lists the choices for a session's resolved media.
func (e *Engine) menu(sess session.Session) []Option {
	info := sess.Info
	if info == nil {
		return nil
	}

	var opts []Option
	add := func(c session.Choice, label string) {
		opts = append(opts, Option{Token: encodeToken(sess.ID, c), Label: label, Choice: c})
	}

	if info.IsPlaylist {
		limit := min(len(info.Entries), e.cfg.MaxPlaylistItems)
		for _, n := range playlistSizes {
			if n < limit {
				add(session.Choice{Action: session.ActionPlaylist, Param: strconv.Itoa(n)}, fmt.Sprintf("First %d videos", n))
			}
		}
		add(session.Choice{Action: session.ActionPlaylist, Param: "all"}, fmt.Sprintf("All %d videos", limit))
		return opts
	}

	heights := info.Heights()
	if len(heights) > maxHeights {
		heights = heights[:maxHeights]
	}
	for _, h := range heights {
		label := fmt.Sprintf("Video %dp", h)
		if size := sizeAt(info, h); size > 0 {
			label += fmt.Sprintf(" (~%.1f MB)", float64(size)/(1024*1024))
		}
		add(session.Choice{Action: session.ActionVideo, Param: strconv.Itoa(h)}, label)
	}
	if len(heights) == 0 {
		add(session.Choice{Action: session.ActionVideo, Param: "best"}, "Video")
	}
	add(session.Choice{Action: session.ActionAudio, Param: "mp3"}, "Audio (MP3)")

	langs := e.subtitleLanguages(info)
	for _, lang := range langs {
		add(session.Choice{Action: session.ActionSubtitles, Param: lang}, "Subtitles: "+lang)
	}
	if len(langs) > 1 {
		add(session.Choice{Action: session.ActionSubtitles, Param: "all"}, "All subtitles")
	}
	return opts
}

// subtitleLanguages intersects what the media offers with the configured
// languages, in configured order.
func (e *Engine) subtitleLanguages(info *media.Info) []string {
	if len(e.cfg.SubtitleLanguages) == 0 {
		return info.Subtitles
	}
	var out []string
	for _, lang := range e.cfg.SubtitleLanguages {
		if slices.Contains(info.Subtitles, lang) {
			out = append(out, lang)
		}
	}
	return out
}

// sizeAt returns the largest known size among formats of height h.
func sizeAt(info *media.Info, h int) int64 {
	var size int64
	for _, f := range info.Formats {
		if f.Height == h && f.Size > size {
			size = f.Size
		}
	}
	return size
}

// tasks expands a validated choice into download tasks.
func (e *Engine) tasks(sess session.Session, c session.Choice) []media.Task {
	info := sess.Info
	base := media.Task{
		URL:      sess.URL,
		Owner:    sess.User,
		Title:    info.Title,
		Platform: info.Platform,
		Admitted: true,
	}

	switch c.Action {
	case session.ActionPlaylist:
		entries := info.Entries
		n := min(len(entries), e.cfg.MaxPlaylistItems)
		if v, err := strconv.Atoi(c.Param); err == nil && v < n {
			n = v
		}
		tasks := make([]media.Task, 0, n)
		for i, entry := range entries[:n] {
			t := base
			t.ID = taskID(sess.ID, i)
			t.URL = entry.URL
			t.Title = entry.Title
			t.Kind = media.KindVideo
			tasks = append(tasks, t)
		}
		return tasks

	case session.ActionAudio:
		base.Kind = media.KindAudio
		base.Options.AudioFormat = c.Param

	case session.ActionSubtitles:
		base.Kind = media.KindSubtitles
		if c.Param == "all" {
			base.Options.Languages = e.subtitleLanguages(info)
		} else {
			base.Options.Languages = []string{c.Param}
		}

	default:
		base.Kind = media.KindVideo
		if h, err := strconv.Atoi(c.Param); err == nil {
			base.Options.MaxHeight = h
		}
	}
	base.ID = taskID(sess.ID, 0)
	return []media.Task{base}
}

func taskID(sessionID string, i int) string {
	return sessionID + "/" + strconv.Itoa(i)
}
