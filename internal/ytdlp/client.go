// Package ytdlp implements media.Fetcher by driving the yt-dlp command.
package ytdlp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/kfetch/internal/config"
	"github.com/goodtune/kfetch/internal/media"
	"github.com/rs/zerolog"
)

// Client runs yt-dlp. It holds no per-call state and is safe for
// concurrent use.
type Client struct {
	binary         string
	cookiesFile    string
	proxy          string
	socketTimeout  time.Duration
	resolveTimeout time.Duration
	subLangs       []string
	defaultHeight  int
	maxFileSize    int64
	logger         zerolog.Logger
}

// New creates a client from the fetcher configuration. maxFileSize is
// passed to yt-dlp so oversize downloads are abandoned early; 0 disables it.
func New(cfg config.FetcherConfig, maxFileSize int64, logger zerolog.Logger) *Client {
	c := &Client{
		binary:        cfg.Binary,
		cookiesFile:   cfg.CookiesFile,
		proxy:         cfg.Proxy,
		subLangs:      cfg.SubtitleLanguages,
		defaultHeight: cfg.DefaultQuality,
		maxFileSize:   maxFileSize,
		logger:        logger.With().Str("component", "ytdlp").Logger(),
	}
	if c.binary == "" {
		c.binary = "yt-dlp"
	}
	c.socketTimeout, _ = time.ParseDuration(cfg.SocketTimeout)
	c.resolveTimeout, _ = time.ParseDuration(cfg.ResolveTimeout)
	return c
}

// Version runs yt-dlp --version.
func (c *Client) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, c.binary, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("failed to run %s: %w", c.binary, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ResolveInfo fetches metadata for url without downloading. Playlists are
// resolved flat, so entries carry only their URL and title.
func (c *Client) ResolveInfo(ctx context.Context, url string) (*media.Info, error) {
	if c.resolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.resolveTimeout)
		defer cancel()
	}

	args := append([]string{"-J", "--flat-playlist", "--no-warnings"}, c.commonArgs()...)
	args = append(args, "--", url)

	var stdout strings.Builder
	stderr, err := c.run(ctx, args, func(line string) { stdout.WriteString(line) })
	if err != nil {
		return nil, c.failure(ctx, "resolve", stderr, err)
	}

	info, err := parseInfo([]byte(stdout.String()))
	if err != nil {
		return nil, media.NewError(media.ErrExtraction, "resolve", "unreadable metadata", err)
	}
	if info.URL == "" {
		info.URL = url
	}
	return info, nil
}

// Fetch downloads req into req.Dir and returns the artifact path. Several
// subtitle files are bundled into one zip archive.
func (c *Client) Fetch(ctx context.Context, req media.FetchRequest, sink media.ProgressSink) (string, error) {
	args := c.fetchArgs(req)
	c.logger.Debug().Str("url", req.URL).Strs("args", args).Msg("Starting yt-dlp")

	// yt-dlp skips an oversized file with a notice on stdout and exits 0.
	var skipped string
	stderr, err := c.run(ctx, args, func(line string) {
		if skipped == "" && classifyStderr(line) == media.ErrSizeExceeded {
			skipped = strings.TrimSpace(line)
		}
		if pct, msg, ok := parseProgress(line); ok && sink != nil {
			sink(pct, msg)
		}
	})
	if err != nil {
		return "", c.failure(ctx, "fetch", stderr, err)
	}

	files, err := outputs(req.Dir)
	if err != nil {
		return "", media.NewError(media.ErrExtraction, "fetch", "reading output", err)
	}
	switch {
	case len(files) == 0 && skipped != "":
		return "", media.NewError(media.ErrSizeExceeded, "fetch", skipped, nil)
	case len(files) == 0 && req.Kind == media.KindSubtitles:
		return "", media.NewError(media.ErrUnsupportedFormat, "fetch", "no subtitles in the requested languages", nil)
	case len(files) == 0:
		return "", media.NewError(media.ErrExtraction, "fetch", "no output produced", nil)
	case req.Kind == media.KindSubtitles && len(files) > 1:
		return bundle(req.Dir, "subtitles.zip", files)
	default:
		return largest(files), nil
	}
}

// failure classifies a failed run. Cancellation is reported as the raw
// context error so the caller can tell it apart from a backend failure.
func (c *Client) failure(ctx context.Context, op, stderr string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return media.NewError(media.ErrNetwork, op, "timed out", ctxErr)
		}
		return ctxErr
	}
	kind := classifyStderr(stderr)
	c.logger.Debug().Str("op", op).Str("category", media.Code(kind)).Str("stderr", stderr).Msg("yt-dlp failed")
	return media.NewError(kind, op, lastLine(stderr), err)
}

const maxStderr = 8192

// run executes yt-dlp, passing every stdout line to onLine, and returns
// the tail of stderr.
func (c *Client) run(ctx context.Context, args []string, onLine func(string)) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	// Children such as ffmpeg may outlive a killed yt-dlp and hold the
	// output open.
	cmd.WaitDelay = 5 * time.Second

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	var errBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scan(outR, onLine)
	}()
	go func() {
		defer wg.Done()
		scan(errR, func(line string) {
			if errBuf.Len() < maxStderr {
				errBuf.WriteString(line)
				errBuf.WriteByte('\n')
			}
		})
	}()

	err := cmd.Start()
	if err == nil {
		err = cmd.Wait()
	} else {
		err = fmt.Errorf("start %s: %w", c.binary, err)
	}
	outW.Close()
	errW.Close()
	wg.Wait()

	return strings.TrimSpace(errBuf.String()), err
}

func scan(r io.Reader, onLine func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	scanner.Split(splitLines)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	// Drain so the process never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

// splitLines splits on either \n or \r, since yt-dlp redraws progress
// with carriage returns.
func splitLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
