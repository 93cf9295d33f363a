// Package failure describes what should happen to a message that could not
// be processed, and computes retry timing.
//
// A handler signals its decision by returning a *Failure built with Retry,
// Drop or Error. Any other error is treated as Error.
package failure

import (
	"errors"
	"fmt"
	"time"

	crdberrors "github.com/cockroachdb/errors"
)

// Kind is the disposition of a failed message.
type Kind int

const (
	// KindError routes the message to the error destination.
	KindError Kind = iota
	// KindRetry resends the message after a delay.
	KindRetry
	// KindDrop acknowledges and discards the message.
	KindDrop
)

func (k Kind) String() string {
	switch k {
	case KindRetry:
		return "retry"
	case KindDrop:
		return "drop"
	default:
		return "error"
	}
}

// Style selects how the retry wait grows with the delivery count.
type Style int

const (
	Linear Style = iota
	Exponential
)

func (s Style) String() string {
	if s == Exponential {
		return "exponential"
	}
	return "linear"
}

const (
	// DefaultRetryWait applies to Retry failures built without WithWait.
	DefaultRetryWait = 5 * time.Minute
	// DefaultMultiplier is the exponential backoff base when none is given.
	DefaultMultiplier = 1.5
	// MaxRetryWait caps exponential waits. A base wait above it is kept as is.
	MaxRetryWait = 24 * time.Hour
	// DefaultRetryThreshold is the delivery count after which retries turn
	// into error routing.
	DefaultRetryThreshold = 3
)

// Decision is everything the worker needs to act on a failure.
type Decision struct {
	Kind Kind

	// Retry
	Wait       time.Duration
	Style      Style
	Multiplier float64
	// MaxRetries overrides the worker's retry threshold when > 0.
	MaxRetries int

	// Error
	ShortDescription string
	SourceSystem     string
}

// Failure is an error carrying a Decision.
type Failure struct {
	Decision
	cause error
	err   error
}

func (f *Failure) Error() string {
	if f.err == nil {
		return f.Kind.String()
	}
	return f.err.Error()
}

func (f *Failure) Unwrap() error { return f.err }

// Cause returns the error given to WithCause, if any.
func (f *Failure) Cause() error { return f.cause }

// Format lets %+v print the stack captured at construction.
func (f *Failure) Format(s fmt.State, verb rune) { crdberrors.FormatError(f.err, s, verb) }

// Option adjusts a Failure under construction.
type Option func(*Failure)

// WithCause records the underlying error.
func WithCause(cause error) Option {
	return func(f *Failure) { f.cause = cause }
}

// WithWait sets the base retry wait.
func WithWait(d time.Duration) Option { return func(f *Failure) { f.Wait = d } }

// WithExponentialBackoff switches to exponential waits. A multiplier <= 0
// means DefaultMultiplier.
func WithExponentialBackoff(multiplier float64) Option {
	return func(f *Failure) {
		f.Style = Exponential
		f.Multiplier = multiplier
	}
}

// WithMaxRetries overrides the worker's retry threshold.
func WithMaxRetries(n int) Option { return func(f *Failure) { f.MaxRetries = n } }

// WithShortDescription sets the summary used in error records.
func WithShortDescription(s string) Option { return func(f *Failure) { f.ShortDescription = s } }

// WithSourceSystem names the system that produced the failing message.
func WithSourceSystem(s string) Option { return func(f *Failure) { f.SourceSystem = s } }

func build(kind Kind, msg string, opts []Option) *Failure {
	f := &Failure{Decision: Decision{Kind: kind}}
	if kind == KindRetry {
		f.Wait = DefaultRetryWait
	}
	for _, o := range opts {
		o(f)
	}
	// depth 2 skips build and the exported constructor
	if f.cause != nil {
		f.err = crdberrors.WrapWithDepth(2, f.cause, msg)
	} else {
		f.err = crdberrors.NewWithDepth(2, msg)
	}
	return f
}

// Retry asks for the message to be redelivered later.
func Retry(msg string, opts ...Option) *Failure { return build(KindRetry, msg, opts) }

// Drop asks for the message to be acknowledged and discarded.
func Drop(msg string, opts ...Option) *Failure { return build(KindDrop, msg, opts) }

// Error asks for the message to be routed to the error destination.
func Error(msg string, opts ...Option) *Failure { return build(KindError, msg, opts) }

// Decide extracts the decision carried by err. Errors without one yield an
// Error decision and ok=false.
func Decide(err error) (d Decision, ok bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Decision, true
	}
	return Decision{Kind: KindError}, false
}
