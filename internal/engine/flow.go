package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kfetch/internal/dispatch"
	"github.com/goodtune/kfetch/internal/media"
	"github.com/goodtune/kfetch/internal/progress"
	"github.com/goodtune/kfetch/internal/session"
	"github.com/goodtune/kfetch/internal/storage"
)

// flow is a dispatched session's running work.
type flow struct {
	sessionID string
	stream    *progress.Stream
}

// Ticket acknowledges a dispatched choice. Progress is reported under
// SessionID for the whole flow and under SessionID/<n> for each task.
type Ticket struct {
	SessionID string         `json:"session_id"`
	Action    session.Action `json:"action"`
	Tasks     int            `json:"task_count"`

	// Stream is the flow's progress, available even if the flow ends
	// before the caller gets to GetProgressStream.
	Stream *progress.Stream `json:"-"`
}

// SubmitChoice applies a choice token to the user's flow and starts the
// download in the background. The flow's quota was charged by SubmitURL,
// however many tasks the choice expands into.
func (e *Engine) SubmitChoice(ctx context.Context, user media.UserID, token string) (*Ticket, error) {
	prefix, choice, err := decodeToken(token)
	if err != nil {
		return nil, err
	}

	sess, err := e.sessions.Get(user)
	if err != nil {
		return nil, err
	}
	if tokenPrefix(sess.ID) != prefix {
		return nil, media.NewError(media.ErrSessionAbsent, "choice", "token belongs to an earlier request", nil)
	}
	if !e.offered(sess, token) {
		return nil, media.NewError(media.ErrInvalidTransition, "choice", fmt.Sprintf("%s is not on offer", choice.Action), nil)
	}
	if err := e.authorize(ctx, user, choice.Action, sess.URL); err != nil {
		return nil, err
	}

	// Serializes rapid repeated choices: only the first one advances.
	sess, err = e.sessions.Advance(user, session.SelectAction(choice))
	if err != nil {
		return nil, err
	}

	tasks := e.tasks(sess, choice)
	f := &flow{sessionID: sess.ID, stream: progress.NewStream(e.cfg.StreamBuffer)}
	runCtx, cancel := context.WithCancel(e.ctx)

	e.mu.Lock()
	if old, ok := e.flows[user]; ok {
		old.stream.Close()
	}
	e.flows[user] = f
	e.mu.Unlock()

	if _, err := e.sessions.Advance(user, session.Dispatch(cancel)); err != nil {
		cancel()
		e.endFlow(user, f)
		e.sessions.CloseIf(user, sess.ID)
		return nil, err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.execute(runCtx, sess, choice, tasks, f)
	}()

	e.logger.Info().
		Str("user", string(user)).
		Str("session", sess.ID).
		Str("action", string(choice.Action)).
		Int("tasks", len(tasks)).
		Msg("Flow dispatched")

	return &Ticket{SessionID: sess.ID, Action: choice.Action, Tasks: len(tasks), Stream: f.stream}, nil
}

func (e *Engine) offered(sess session.Session, token string) bool {
	for _, o := range e.menu(sess) {
		if o.Token == token {
			return true
		}
	}
	return false
}

// execute runs a dispatched flow to completion and closes its session.
func (e *Engine) execute(ctx context.Context, sess session.Session, choice session.Choice, tasks []media.Task, f *flow) {
	throttle := progress.NewThrottle(e.cfg.ProgressInterval, e.clock, f.stream.Publish)
	defer e.endFlow(sess.User, f)

	var ok bool
	var failure error
	if choice.Action == session.ActionPlaylist {
		res := e.batches.Run(ctx, sess.ID, tasks, e.cfg.BatchConcurrency, throttle)
		// The runner records what it ran; the rest still belongs in the log.
		for _, o := range res.Outcomes {
			if !o.Ran {
				e.record(o.Task, nil, o.Err, 0)
			}
		}
		ok = res.Succeeded > 0
		if !ok && len(res.Errors) > 0 {
			failure = res.Errors[0]
		}
	} else {
		throttle.Emit(sess.ID, progress.PhaseQueued, 0, "download queued")
		failure = e.runSingle(ctx, tasks[0], throttle)
		ok = failure == nil
		if ok {
			throttle.Emit(sess.ID, progress.PhaseFinished, 100, "download complete")
		} else {
			throttle.Emit(sess.ID, progress.PhaseFailed, 0, media.Describe(failure))
		}
	}

	// Fails harmlessly when the flow was cancelled or closed meanwhile.
	if ok {
		e.sessions.Advance(sess.User, session.Succeed())
	} else {
		e.sessions.Advance(sess.User, session.Fail(failure))
	}
	e.sessions.CloseIf(sess.User, sess.ID)
}

// runSingle runs a one-task flow, turning a panic into a failure of the
// flow alone.
func (e *Engine) runSingle(ctx context.Context, task media.Task, rep dispatch.Reporter) (err error) {
	start := e.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("task", task.ID).Interface("panic", r).Msg("Task panicked")
			err = media.NewError(media.ErrExtraction, "fetch", fmt.Sprintf("panic: %v", r), nil)
			e.record(task, nil, err, e.clock.Now().Sub(start))
		}
	}()

	_, err = deliveringRunner{e}.Run(ctx, task, rep)
	return err
}

func (e *Engine) endFlow(user media.UserID, f *flow) {
	f.stream.Close()
	e.mu.Lock()
	if e.flows[user] == f {
		delete(e.flows, user)
	}
	e.mu.Unlock()
}

// deliveringRunner runs a task on the dispatcher, hands the artifact to
// the deliverer and records the outcome.
type deliveringRunner struct {
	e *Engine
}

func (r deliveringRunner) Run(ctx context.Context, task media.Task, rep dispatch.Reporter) (*dispatch.Result, error) {
	e := r.e
	start := e.clock.Now()

	res, err := e.dispatcher.Run(ctx, task, rep)
	if err == nil {
		err = e.deliver(ctx, task, res)
		if cerr := res.Cleanup(); cerr != nil {
			e.logger.Warn().Err(cerr).Str("dir", res.WorkDir).Msg("Failed to remove work directory")
		}
		if err != nil {
			res = nil
		}
	}

	e.record(task, res, err, e.clock.Now().Sub(start))
	return res, err
}

func (e *Engine) deliver(ctx context.Context, task media.Task, res *dispatch.Result) error {
	err := e.deliverer.Deliver(ctx, Delivery{
		User:  task.Owner,
		Task:  task,
		Path:  res.Path,
		Size:  res.Size,
		Title: task.Title,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("task", task.ID).Msg("Delivery failed")
		return media.Wrap("deliver", err)
	}
	return nil
}

// record appends the task outcome to the download log. Failures to write
// the log never affect the flow.
func (e *Engine) record(task media.Task, res *dispatch.Result, err error, elapsed time.Duration) {
	if e.history == nil {
		return
	}
	rec := storage.Record{
		User:      string(task.Owner),
		URL:       task.URL,
		Title:     task.Title,
		Platform:  task.Platform,
		Kind:      string(task.Kind),
		Elapsed:   elapsed,
		Status:    storage.StatusSuccess,
		CreatedAt: e.clock.Now(),
	}
	if res != nil {
		rec.FileSize = res.Size
	}
	if err != nil {
		rec.Status = storage.StatusFailed
		if media.IsCancelled(err) {
			rec.Status = storage.StatusCancelled
		}
		rec.ErrorCode = media.Code(err)
		rec.ErrorMessage = err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.history.Append(ctx, rec); err != nil {
		e.logger.Error().Err(err).Str("user", rec.User).Msg("Failed to record download")
	}
}
