package ytdlp

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/goodtune/kfetch/internal/media"
)

type rawInfo struct {
	Type        string                     `json:"_type"`
	ID          string                     `json:"id"`
	Title       string                     `json:"title"`
	WebpageURL  string                     `json:"webpage_url"`
	Duration    float64                    `json:"duration"`
	Extractor   string                     `json:"extractor_key"`
	Uploader    string                     `json:"uploader"`
	Formats     []rawFormat                `json:"formats"`
	Subtitles   map[string]json.RawMessage `json:"subtitles"`
	AutoCaption map[string]json.RawMessage `json:"automatic_captions"`
	Entries     []rawEntry                 `json:"entries"`
}

type rawFormat struct {
	ID             string  `json:"format_id"`
	Ext            string  `json:"ext"`
	Height         int     `json:"height"`
	Note           string  `json:"format_note"`
	FileSize       float64 `json:"filesize"`
	FileSizeApprox float64 `json:"filesize_approx"`
	VCodec         string  `json:"vcodec"`
	ACodec         string  `json:"acodec"`
}

type rawEntry struct {
	ID         string  `json:"id"`
	URL        string  `json:"url"`
	WebpageURL string  `json:"webpage_url"`
	Title      string  `json:"title"`
	Duration   float64 `json:"duration"`
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func parseInfo(data []byte) (*media.Info, error) {
	var raw rawInfo
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	info := &media.Info{
		URL:        raw.WebpageURL,
		Title:      raw.Title,
		Duration:   seconds(raw.Duration),
		Platform:   strings.ToLower(raw.Extractor),
		Uploader:   raw.Uploader,
		IsPlaylist: raw.Type == "playlist",
	}

	for _, f := range raw.Formats {
		size := f.FileSize
		if size == 0 {
			size = f.FileSizeApprox
		}
		info.Formats = append(info.Formats, media.Format{
			ID:       f.ID,
			Ext:      f.Ext,
			Height:   f.Height,
			Note:     f.Note,
			Size:     int64(size),
			HasVideo: f.VCodec != "none" && (f.VCodec != "" || f.Height > 0),
			HasAudio: f.ACodec != "none" && f.ACodec != "",
		})
	}

	langs := make(map[string]bool)
	for _, m := range []map[string]json.RawMessage{raw.Subtitles, raw.AutoCaption} {
		for lang := range m {
			if lang != "live_chat" {
				langs[lang] = true
			}
		}
	}
	for lang := range langs {
		info.Subtitles = append(info.Subtitles, lang)
	}
	slices.Sort(info.Subtitles)

	for _, e := range raw.Entries {
		url := e.URL
		if url == "" {
			url = e.WebpageURL
		}
		if url == "" {
			continue
		}
		info.Entries = append(info.Entries, media.Entry{
			ID:       e.ID,
			URL:      url,
			Title:    e.Title,
			Duration: seconds(e.Duration),
		})
	}
	return info, nil
}
