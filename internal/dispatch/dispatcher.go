// Package dispatch runs single download tasks against the media fetcher
// under a process-wide concurrency limit.
package dispatch

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/goodtune/kfetch/internal/media"
	"github.com/goodtune/kfetch/internal/metrics"
	"github.com/goodtune/kfetch/internal/progress"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent is the global slot count used when none is configured.
const DefaultMaxConcurrent = 5

// Admitter decides whether a user action may proceed.
type Admitter interface {
	Admit(ctx context.Context, user media.UserID, limit int) bool
}

// Reporter receives task progress. Implementations must not block.
type Reporter interface {
	Emit(taskID string, phase progress.Phase, percent float64, message string) bool
}

// Config bounds the dispatcher.
type Config struct {
	MaxConcurrent int
	MaxFileSize   int64 // bytes, 0 disables the check
	RatePerHour   int
	WorkDir       string
}

// Result is a successfully fetched artifact. The caller owns WorkDir and
// must call Cleanup once the artifact has been handed off.
type Result struct {
	Task    media.Task
	Path    string
	Size    int64
	WorkDir string
	Elapsed time.Duration
}

// Cleanup removes the artifact and its work directory.
func (r *Result) Cleanup() error {
	if r == nil || r.WorkDir == "" {
		return nil
	}
	return os.RemoveAll(r.WorkDir)
}

// Dispatcher executes tasks, holding one global slot per running fetch.
type Dispatcher struct {
	fetcher  media.Fetcher
	admitter Admitter
	cfg      Config
	slots    *semaphore.Weighted
	inUse    atomic.Int64
	logger   zerolog.Logger
}

// New creates a dispatcher. admitter may be nil when every task arrives
// pre-admitted.
func New(fetcher media.Fetcher, admitter Admitter, cfg Config, logger zerolog.Logger) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	return &Dispatcher{
		fetcher:  fetcher,
		admitter: admitter,
		cfg:      cfg,
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Capacity returns the global slot count.
func (d *Dispatcher) Capacity() int { return d.cfg.MaxConcurrent }

// InUse returns the number of slots currently held.
func (d *Dispatcher) InUse() int { return int(d.inUse.Load()) }

type nopReporter struct{}

func (nopReporter) Emit(string, progress.Phase, float64, string) bool { return false }

// Run executes task. It admits the task unless task.Admitted is set, waits
// for a global slot, fetches into a private work directory and classifies
// any failure. Every exit path releases the slot, and on failure or
// cancellation the work directory is removed.
func (d *Dispatcher) Run(ctx context.Context, task media.Task, rep Reporter) (*Result, error) {
	if rep == nil {
		rep = nopReporter{}
	}
	log := d.logger.With().Str("task", task.ID).Str("user", string(task.Owner)).Str("kind", string(task.Kind)).Logger()

	if !task.Admitted && d.admitter != nil {
		if !d.admitter.Admit(ctx, task.Owner, d.cfg.RatePerHour) {
			err := media.NewError(media.ErrRateLimited, "dispatch", "", nil)
			d.finish(log, task, rep, 0, err)
			return nil, err
		}
	}

	rep.Emit(task.ID, progress.PhaseQueued, 0, "waiting for a download slot")

	waitStart := time.Now()
	if err := d.slots.Acquire(ctx, 1); err != nil {
		err = media.NewError(media.ErrCancelled, "dispatch", "while waiting for a slot", err)
		d.finish(log, task, rep, 0, err)
		return nil, err
	}
	metrics.DownloadSlotWait.Observe(time.Since(waitStart).Seconds())
	metrics.DownloadSlotsInUse.Set(float64(d.inUse.Add(1)))
	defer func() {
		metrics.DownloadSlotsInUse.Set(float64(d.inUse.Add(-1)))
		d.slots.Release(1)
	}()

	// Acquire may succeed on an already cancelled context.
	if err := ctx.Err(); err != nil {
		err = media.NewError(media.ErrCancelled, "dispatch", "before fetch", err)
		d.finish(log, task, rep, 0, err)
		return nil, err
	}

	res, lastPct, err := d.fetch(ctx, task, rep)
	if err != nil {
		d.finish(log, task, rep, lastPct, err)
		return nil, err
	}

	d.finish(log, task, rep, 100, nil)
	log.Info().
		Str("path", res.Path).
		Int64("size", res.Size).
		Dur("elapsed", res.Elapsed).
		Msg("Download finished")
	return res, nil
}

// fetch runs the fetcher with a slot held. It owns the work directory until
// it returns a result.
func (d *Dispatcher) fetch(ctx context.Context, task media.Task, rep Reporter) (res *Result, lastPct float64, err error) {
	if err := os.MkdirAll(d.cfg.WorkDir, 0755); err != nil {
		return nil, 0, media.NewError(media.ErrExtraction, "dispatch", "work directory", err)
	}
	dir, err := os.MkdirTemp(d.cfg.WorkDir, "task-*")
	if err != nil {
		return nil, 0, media.NewError(media.ErrExtraction, "dispatch", "work directory", err)
	}
	kept := false
	defer func() {
		if !kept {
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				d.logger.Error().Err(rmErr).Str("dir", dir).Msg("Failed to remove partial output")
			}
		}
	}()

	var pct atomic.Uint64 // float64 bits
	sink := func(percent float64, message string) {
		pct.Store(math.Float64bits(percent))
		rep.Emit(task.ID, progress.PhaseRunning, percent, message)
	}

	rep.Emit(task.ID, progress.PhaseRunning, 0, "starting")
	start := time.Now()

	path, err := d.fetcher.Fetch(ctx, media.FetchRequest{
		URL:     task.URL,
		Kind:    task.Kind,
		Options: task.Options,
		Dir:     dir,
	}, sink)
	elapsed := time.Since(start)
	metrics.DownloadDuration.WithLabelValues(string(task.Kind)).Observe(elapsed.Seconds())
	lastPct = math.Float64frombits(pct.Load())

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, lastPct, media.NewError(media.ErrCancelled, "fetch", "", ctxErr)
		}
		return nil, lastPct, media.Wrap("fetch", err)
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, lastPct, media.NewError(media.ErrExtraction, "fetch", "artifact missing", err)
	}
	if d.cfg.MaxFileSize > 0 && info.Size() > d.cfg.MaxFileSize {
		return nil, lastPct, media.NewError(media.ErrSizeExceeded, "fetch",
			fmt.Sprintf("%d bytes exceeds limit of %d", info.Size(), d.cfg.MaxFileSize), nil)
	}

	kept = true
	return &Result{
		Task:    task,
		Path:    path,
		Size:    info.Size(),
		WorkDir: dir,
		Elapsed: elapsed,
	}, lastPct, nil
}

// finish records the task outcome and emits its terminal event.
func (d *Dispatcher) finish(log zerolog.Logger, task media.Task, rep Reporter, pct float64, err error) {
	if err == nil {
		metrics.DownloadsTotal.WithLabelValues(string(task.Kind), "success").Inc()
		rep.Emit(task.ID, progress.PhaseFinished, 100, "done")
		return
	}

	code := media.Code(err)
	metrics.DownloadsTotal.WithLabelValues(string(task.Kind), code).Inc()
	rep.Emit(task.ID, progress.PhaseFailed, pct, media.Describe(err))

	switch {
	case media.IsCancelled(err):
		log.Info().Msg("Download cancelled")
	default:
		log.Warn().Err(err).Str("category", code).Msg("Download failed")
	}
}
