// Package apperr classifies errors along the axis that the broker adapter and
// worker runtime need in order to decide between ack, retry-with-backoff, and
// dead-letter: is this failure the caller's fault, a blip in someone else's
// system, a permanent rejection from someone else's system, a deadline, or a
// message that can never be processed no matter how many times it's retried.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the dimension the worker runtime and broker adapter branch on when
// deciding what to do with a failed message.
type Kind string

const (
	// Validation means the envelope or its payload is structurally wrong.
	// Retrying without a code change will never succeed. Nack without requeue,
	// route straight to the DLQ.
	Validation Kind = "validation"

	// TransientExternal means a downstream dependency (generator, git remote,
	// broker transport) failed in a way likely to clear on its own. Nack with
	// requeue and exponential backoff.
	TransientExternal Kind = "transient_external"

	// PermanentExternal means a downstream dependency rejected the request in
	// a way that will not change on retry (403, 404, invalid credentials).
	// Nack without requeue, route to the DLQ.
	PermanentExternal Kind = "permanent_external"

	// Deadline means the stage's own timeout elapsed. Treated like
	// TransientExternal for retry purposes, but counted separately in metrics.
	Deadline Kind = "deadline"

	// Poison means the handler itself panicked or produced output that fails
	// invariant checks. Never retried — these bugs need a human, not a nack.
	Poison Kind = "poison"
)

// Error wraps an underlying error with the Kind the broker adapter uses for
// routing, plus enough context to show up usefully in logs and traces.
type Error struct {
	Kind    Kind
	Stage   string
	Err     error
	Attempt int
}

func (e *Error) Error() string {
	if e == nil || e.Err == nil {
		return string(e.kindOrUnknown())
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s[%s]: %v", e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) kindOrUnknown() Kind {
	if e == nil || e.Kind == "" {
		return "unknown"
	}
	return e.Kind
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind and the stage name that produced it.
func New(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Wrap is New but keeps an existing *Error's Kind/Stage if err already carries one,
// otherwise falls back to kind/stage. Useful for transforms that call into
// another layer (generator, artifact store) and want to preserve the deepest
// classification made.
func Wrap(kind Kind, stage string, err error) *Error {
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	return New(kind, stage, err)
}

// KindOf extracts the Kind from err, defaulting to TransientExternal — the
// safest default for an unclassified failure is "retry a bounded number of
// times", not "drop silently" or "never retry".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return TransientExternal
}

// Retryable reports whether kind should ever be retried by the worker runtime.
func Retryable(kind Kind) bool {
	switch kind {
	case Validation, PermanentExternal, Poison:
		return false
	default:
		return true
	}
}
