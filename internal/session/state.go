package session

import (
	"context"

	"github.com/goodtune/kfetch/internal/media"
)

// State is a session's position in the interaction flow.
type State string

const (
	Idle           State = "idle"
	AwaitingChoice State = "awaiting_choice"
	Resolving      State = "resolving"
	Executing      State = "executing"
	Completed      State = "completed"
	Failed         State = "failed"
	Cancelled      State = "cancelled"
)

// Terminal reports whether no further transitions leave s.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Action is what the user chose to do with a submitted URL.
type Action string

const (
	ActionVideo     Action = "download-video"
	ActionAudio     Action = "extract-audio"
	ActionSubtitles Action = "fetch-subtitles"
	ActionPlaylist  Action = "download-playlist-batch"
)

// Choice is a selected action with its parameter (quality, language or
// playlist item count).
type Choice struct {
	Action Action `json:"action"`
	Param  string `json:"param,omitempty"`
}

// EventKind names a state machine input.
type EventKind string

const (
	EventSubmitURL    EventKind = "submit_url"
	EventSelectAction EventKind = "select_action"
	EventDispatch     EventKind = "dispatch"
	EventSucceed      EventKind = "succeed"
	EventFail         EventKind = "fail"
	EventCancel       EventKind = "cancel"
)

// transitions is the complete edge set. Anything not listed is rejected.
var transitions = map[State]map[EventKind]State{
	Idle: {
		EventSubmitURL: AwaitingChoice,
		EventCancel:    Cancelled,
	},
	AwaitingChoice: {
		EventSelectAction: Resolving,
		EventCancel:       Cancelled,
	},
	Resolving: {
		EventDispatch: Executing,
		EventFail:     Failed,
		EventCancel:   Cancelled,
	},
	Executing: {
		EventSucceed: Completed,
		EventFail:    Failed,
		EventCancel:  Cancelled,
	},
}

// Next returns the state reached from s on kind.
func Next(s State, kind EventKind) (State, bool) {
	next, ok := transitions[s][kind]
	return next, ok
}

// Event is a state machine input with its payload.
type Event struct {
	Kind   EventKind
	Info   *media.Info
	Choice Choice
	Cancel context.CancelFunc
	Err    error
}

// SubmitURL records the resolved metadata for the session's URL.
func SubmitURL(info *media.Info) Event { return Event{Kind: EventSubmitURL, Info: info} }

// SelectAction records the user's choice.
func SelectAction(c Choice) Event { return Event{Kind: EventSelectAction, Choice: c} }

// Dispatch marks work as started. cancel stops it and is invoked when the
// session is cancelled or closed.
func Dispatch(cancel context.CancelFunc) Event { return Event{Kind: EventDispatch, Cancel: cancel} }

// Succeed marks the work as completed.
func Succeed() Event { return Event{Kind: EventSucceed} }

// Fail marks the work as failed with err.
func Fail(err error) Event { return Event{Kind: EventFail, Err: err} }

// Cancel aborts the flow from any non-terminal state.
func Cancel() Event { return Event{Kind: EventCancel} }
