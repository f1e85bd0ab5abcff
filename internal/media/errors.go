package media

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error categories. Every failure surfaced by the core matches exactly one
// of these through errors.Is.
var (
	ErrRateLimited       = errors.New("rate limited")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrSessionAbsent     = errors.New("session expired or absent")
	ErrSizeExceeded      = errors.New("size exceeded")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrNetwork           = errors.New("network failure")
	ErrExtraction        = errors.New("extraction failure")
	ErrCancelled         = errors.New("cancelled")
	ErrForbidden         = errors.New("forbidden")
)

var categories = []struct {
	kind    error
	code    string
	message string
}{
	{ErrRateLimited, "rate_limited", "You have reached the hourly download limit. Please try again later."},
	{ErrInvalidTransition, "invalid_transition", "That action is not available right now."},
	{ErrSessionAbsent, "session_expired", "The session has expired. Please send the link again."},
	{ErrSizeExceeded, "size_exceeded", "The file is larger than the allowed maximum."},
	{ErrUnsupportedFormat, "unsupported_format", "This link or format is not supported."},
	{ErrNetwork, "network_failure", "A network error occurred. Please try again."},
	{ErrExtraction, "extraction_failure", "The media could not be extracted from this link."},
	{ErrCancelled, "cancelled", "The download was cancelled."},
	{ErrForbidden, "forbidden", "You are not allowed to use this service."},
}

// Error is a classified failure. Kind is one of the category sentinels and
// Err, when set, holds the raw cause.
type Error struct {
	Kind   error
	Op     string
	Detail string
	Err    error
}

// NewError builds a classified error.
func NewError(kind error, op, detail string, err error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Classify maps err onto a category sentinel. Errors that already carry a
// category keep it. Context cancellation is Cancelled, deadlines and net
// errors are NetworkFailure, and anything else is ExtractionFailure.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) && me.Kind != nil {
		return me.Kind
	}
	for _, c := range categories {
		if errors.Is(err, c.kind) {
			return c.kind
		}
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ErrNetwork
	}
	return ErrExtraction
}

// Wrap classifies err and returns it as an *Error, leaving already
// classified errors untouched.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return err
	}
	return &Error{Kind: Classify(err), Op: op, Err: err}
}

// Code returns the stable machine-readable category name for err.
func Code(err error) string {
	kind := Classify(err)
	for _, c := range categories {
		if c.kind == kind {
			return c.code
		}
	}
	return "unknown"
}

// Describe returns the human-readable message for the category of err.
func Describe(err error) string {
	kind := Classify(err)
	for _, c := range categories {
		if c.kind == kind {
			return c.message
		}
	}
	return fmt.Sprintf("unexpected error: %v", err)
}

// Retryable reports whether resubmitting the same request may succeed.
func Retryable(err error) bool {
	return errors.Is(Classify(err), ErrNetwork)
}

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool {
	return errors.Is(Classify(err), ErrCancelled)
}
