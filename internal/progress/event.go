// Package progress turns high-frequency fetch progress into a bounded-rate
// event stream.
package progress

import "time"

// Phase is the lifecycle stage a progress event reports.
type Phase string

const (
	PhaseQueued   Phase = "queued"
	PhaseRunning  Phase = "running"
	PhaseFinished Phase = "finished"
	PhaseFailed   Phase = "failed"
)

// Terminal reports whether p ends a task.
func (p Phase) Terminal() bool {
	return p == PhaseFinished || p == PhaseFailed
}

// Event is one progress report for a task.
type Event struct {
	TaskID  string    `json:"task_id"`
	Phase   Phase     `json:"phase"`
	Percent float64   `json:"percent"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}
