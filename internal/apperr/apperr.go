// Package apperr defines the error kinds crossing component boundaries,
// per the propagation policy: each kind is recovered at the layer that
// owns its retry budget, and structured context (symbol/timeframe/job id)
// is added, never losing the original cause.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the Control Surface's status mapping and
// for component-level recovery decisions.
type Kind string

const (
	KindInput       Kind = "input"
	KindNotFound    Kind = "not_found"
	KindTransient   Kind = "transient_upstream"
	KindValidation  Kind = "validation"
	KindStore       Kind = "persistent_store"
	KindConcurrency Kind = "concurrency"
	KindSubscriber  Kind = "subscriber"
	KindFatal       Kind = "fatal"
)

// Sentinel errors for conditions callers branch on by identity.
var (
	ErrProviderExhausted     = errors.New("provider_exhausted")
	ErrAllBotsRejected       = errors.New("all_bots_rejected")
	ErrTrainingAlreadyQueued = errors.New("training_already_queued")
	ErrNotFound              = errors.New("not_found")
)

// Error wraps an underlying cause with a Kind and structured context,
// without discarding the cause.
type Error struct {
	Kind   Kind
	Symbol string
	TF     string
	JobID  string
	Cause  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Symbol != "" {
		msg += " symbol=" + e.Symbol
	}
	if e.TF != "" {
		msg += " tf=" + e.TF
	}
	if e.JobID != "" {
		msg += " job=" + e.JobID
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Wrap attaches Kind and context to cause without losing it.
func Wrap(kind Kind, symbol, tf string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Symbol: symbol, TF: tf, Cause: cause}
}

// WithJob attaches a job id, for training-queue and scheduler errors.
func WithJob(kind Kind, jobID string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, JobID: jobID, Cause: cause}
}

// KindOf unwraps e looking for an *Error and returns its Kind, or ""
// if e does not carry one.
func KindOf(e error) Kind {
	var ae *Error
	if errors.As(e, &ae) {
		return ae.Kind
	}
	return ""
}

// Fatalf builds a Fatal-kind error for startup aborts.
func Fatalf(format string, args ...any) error {
	return &Error{Kind: KindFatal, Cause: fmt.Errorf(format, args...)}
}
