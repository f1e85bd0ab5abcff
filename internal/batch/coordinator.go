// Package batch fans playlist downloads out over the dispatcher and
// collects exactly one outcome per task.
package batch

import (
	"context"
	"fmt"
	"sync"

	"github.com/goodtune/kfetch/internal/dispatch"
	"github.com/goodtune/kfetch/internal/media"
	"github.com/goodtune/kfetch/internal/metrics"
	"github.com/goodtune/kfetch/internal/progress"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the per-batch fan-out width.
const DefaultConcurrency = 3

// Runner executes one task. *dispatch.Dispatcher implements it.
type Runner interface {
	Run(ctx context.Context, task media.Task, rep dispatch.Reporter) (*dispatch.Result, error)
}

// Outcome is the terminal result of one task. Exactly one of Result and
// Err is set. Ran is false when the outcome was decided without the
// runner returning, for a task that never started or one that panicked.
type Outcome struct {
	Task   media.Task
	Result *dispatch.Result
	Err    error
	Ran    bool
}

// Result aggregates a batch. Succeeded, Failed and Cancelled partition Total.
type Result struct {
	ID        string
	Total     int
	Succeeded int
	Failed    int
	Cancelled int
	// Outcomes is indexed by submission order.
	Outcomes []Outcome
	// Errors holds the failures and cancellations in completion order.
	Errors []error
}

// Completed returns the number of tasks with a recorded outcome.
func (r *Result) Completed() int {
	return r.Succeeded + r.Failed + r.Cancelled
}

// Artifacts returns the successful results in submission order.
func (r *Result) Artifacts() []*dispatch.Result {
	var out []*dispatch.Result
	for _, o := range r.Outcomes {
		if o.Result != nil {
			out = append(out, o.Result)
		}
	}
	return out
}

// Summary is a one-line human description of the batch.
func (r *Result) Summary() string {
	s := fmt.Sprintf("%d of %d downloaded", r.Succeeded, r.Total)
	if r.Failed > 0 {
		s += fmt.Sprintf(", %d failed", r.Failed)
	}
	if r.Cancelled > 0 {
		s += fmt.Sprintf(", %d cancelled", r.Cancelled)
	}
	return s
}

// Coordinator runs batches against a shared Runner.
type Coordinator struct {
	runner      Runner
	globalLimit int
	logger      zerolog.Logger
}

// New creates a coordinator. globalLimit is the runner's own slot count;
// batch concurrency is never allowed above it.
func New(runner Runner, globalLimit int, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		runner:      runner,
		globalLimit: globalLimit,
		logger:      logger.With().Str("component", "batch").Logger(),
	}
}

type nopReporter struct{}

func (nopReporter) Emit(string, progress.Phase, float64, string) bool { return false }

// Run executes tasks with at most concurrency of them in flight and
// returns once every task has an outcome. When ctx is cancelled, tasks
// not yet started are recorded as cancelled and running tasks are asked
// to stop; a task that completes anyway keeps its result.
//
// Aggregate progress is reported under batchID as completed/total.
func (c *Coordinator) Run(ctx context.Context, batchID string, tasks []media.Task, concurrency int, rep dispatch.Reporter) *Result {
	if rep == nil {
		rep = nopReporter{}
	}
	limit := c.clamp(concurrency)
	log := c.logger.With().Str("batch", batchID).Int("tasks", len(tasks)).Int("concurrency", limit).Logger()

	acc := newAccumulator(batchID, tasks)
	rep.Emit(batchID, progress.PhaseQueued, 0, fmt.Sprintf("%d items queued", len(tasks)))
	log.Info().Msg("Batch started")

	var g errgroup.Group
	g.SetLimit(limit)
	for i, task := range tasks {
		if err := ctx.Err(); err != nil {
			acc.record(i, false, nil, media.NewError(media.ErrCancelled, "batch", "not started", err))
			continue
		}
		g.Go(func() error {
			c.runOne(ctx, log, acc, rep, i, task)
			return nil
		})
	}
	_ = g.Wait()

	res := acc.result()
	phase := progress.PhaseFinished
	if res.Total > 0 && res.Succeeded == 0 {
		phase = progress.PhaseFailed
	}
	rep.Emit(batchID, phase, 100, res.Summary())

	log.Info().
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("cancelled", res.Cancelled).
		Msg("Batch finished")
	return res
}

func (c *Coordinator) clamp(concurrency int) int {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if c.globalLimit > 0 && concurrency > c.globalLimit {
		concurrency = c.globalLimit
	}
	return concurrency
}

// runOne executes a single task, turning a panic into a failure of that
// task alone.
func (c *Coordinator) runOne(ctx context.Context, log zerolog.Logger, acc *accumulator, rep dispatch.Reporter, i int, task media.Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("task", task.ID).Interface("panic", r).Msg("Task panicked")
			acc.record(i, false, nil, media.NewError(media.ErrExtraction, "batch", fmt.Sprintf("panic: %v", r), nil))
			rep.Emit(task.ID, progress.PhaseFailed, 0, media.Describe(media.ErrExtraction))
		}
	}()

	if err := ctx.Err(); err != nil {
		acc.record(i, false, nil, media.NewError(media.ErrCancelled, "batch", "not started", err))
		return
	}

	res, err := c.runner.Run(ctx, task, rep)
	done, total := acc.record(i, true, res, err)
	rep.Emit(acc.id, progress.PhaseRunning, 100*float64(done)/float64(total), fmt.Sprintf("%d/%d", done, total))
}

// accumulator records one outcome per task index.
type accumulator struct {
	id string

	mu       sync.Mutex
	res      Result
	recorded []bool
}

func newAccumulator(id string, tasks []media.Task) *accumulator {
	a := &accumulator{
		id:       id,
		res:      Result{ID: id, Total: len(tasks), Outcomes: make([]Outcome, len(tasks))},
		recorded: make([]bool, len(tasks)),
	}
	for i, t := range tasks {
		a.res.Outcomes[i].Task = t
	}
	return a
}

// record stores the outcome of task i unless one was already stored, and
// returns the completed and total counts.
func (a *accumulator) record(i int, ran bool, r *dispatch.Result, err error) (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.recorded[i] {
		return a.res.Completed(), a.res.Total
	}
	a.recorded[i] = true

	o := &a.res.Outcomes[i]
	o.Ran = ran
	switch {
	case err == nil && r != nil:
		o.Result = r
		a.res.Succeeded++
		metrics.BatchTasksTotal.WithLabelValues("success").Inc()
	case media.IsCancelled(err):
		o.Err = err
		a.res.Cancelled++
		a.res.Errors = append(a.res.Errors, err)
		metrics.BatchTasksTotal.WithLabelValues("cancelled").Inc()
	default:
		if err == nil {
			err = media.NewError(media.ErrExtraction, "batch", "no result", nil)
		}
		o.Err = err
		a.res.Failed++
		a.res.Errors = append(a.res.Errors, err)
		metrics.BatchTasksTotal.WithLabelValues("failed").Inc()
	}

	return a.res.Completed(), a.res.Total
}

func (a *accumulator) result() *Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	res := a.res
	res.Outcomes = append([]Outcome(nil), a.res.Outcomes...)
	res.Errors = append([]error(nil), a.res.Errors...)
	return &res
}
