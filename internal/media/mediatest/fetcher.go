// Package mediatest provides a scriptable media.Fetcher for tests.
package mediatest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/goodtune/kfetch/internal/media"
)

// FetchFunc is the behaviour of one Fetch call.
type FetchFunc func(ctx context.Context, req media.FetchRequest, sink media.ProgressSink) (string, error)

// Fetcher is an in-memory media.Fetcher. The zero value resolves every URL
// to a single video and fetches a small file.
type Fetcher struct {
	mu      sync.Mutex
	infos   map[string]*media.Info
	infoErr map[string]error

	// OnFetch overrides the default fetch behaviour when set.
	OnFetch FetchFunc

	resolves    atomic.Int32
	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// SetInfo registers the info returned for url.
func (f *Fetcher) SetInfo(url string, info *media.Info) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infos == nil {
		f.infos = make(map[string]*media.Info)
	}
	f.infos[url] = info
}

// SetInfoError makes ResolveInfo fail for url.
func (f *Fetcher) SetInfoError(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoErr == nil {
		f.infoErr = make(map[string]error)
	}
	f.infoErr[url] = err
}

func (f *Fetcher) ResolveInfo(ctx context.Context, url string) (*media.Info, error) {
	f.resolves.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.infoErr[url]; ok {
		return nil, err
	}
	if info, ok := f.infos[url]; ok {
		return info, nil
	}
	return &media.Info{
		URL:      url,
		Title:    "Test clip",
		Platform: "example",
		Formats: []media.Format{
			{ID: "18", Ext: "mp4", Height: 360, HasVideo: true, HasAudio: true},
			{ID: "22", Ext: "mp4", Height: 720, HasVideo: true, HasAudio: true},
			{ID: "140", Ext: "m4a", HasAudio: true},
		},
		Subtitles: []string{"en", "fr"},
	}, nil
}

func (f *Fetcher) Fetch(ctx context.Context, req media.FetchRequest, sink media.ProgressSink) (string, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	if f.OnFetch != nil {
		return f.OnFetch(ctx, req, sink)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sink(50, "halfway")
	return WriteFile(req.Dir, "out."+ext(req.Kind), 1024)
}

// Resolves returns the number of ResolveInfo calls.
func (f *Fetcher) Resolves() int { return int(f.resolves.Load()) }

// Calls returns the number of Fetch calls.
func (f *Fetcher) Calls() int { return int(f.calls.Load()) }

// MaxInFlight returns the highest number of concurrent Fetch calls seen.
func (f *Fetcher) MaxInFlight() int { return int(f.maxInFlight.Load()) }

// WriteFile creates dir/name with size bytes and returns its path.
func WriteFile(dir, name string, size int) (string, error) {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

func ext(k media.Kind) string {
	switch k {
	case media.KindAudio:
		return "mp3"
	case media.KindSubtitles:
		return "srt"
	default:
		return "mp4"
	}
}
