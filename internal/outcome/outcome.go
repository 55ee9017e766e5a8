// Package outcome defines the shared three-variant result type used by the
// download manager, manifest repository and auth coordinator.
package outcome

import (
	"fmt"
	"time"
)

// Kind discriminates the three result variants.
type Kind int

const (
	// KindSuccess carries a value and nothing else.
	KindSuccess Kind = iota
	// KindRecoverable is a failure that may succeed if retried, optionally
	// after a server-suggested delay.
	KindRecoverable
	// KindFatal is a failure that will not succeed without a state change
	// (new token, corrected input, fixed server data).
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRecoverable:
		return "recoverable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result is a tagged union over T. Exactly one variant is populated;
// callers switch on Kind for exhaustive handling.
type Result[T any] struct {
	Kind Kind

	// Value is set only when Kind == KindSuccess.
	Value T

	// Failure fields, set only for the error variants.
	Message        string
	Cause          error
	RetryAfter     time.Duration // recoverable only; zero means "no hint"
	SupportContact string        // fatal only
	TelemetryID    string

	// Context is a string map recorded by telemetry. It is never used
	// for control flow.
	Context map[string]string
}

// Unit is the empty success payload for operations with no return value.
type Unit struct{}

// Ok returns a success result.
func Ok[T any](value T) Result[T] {
	return Result[T]{Kind: KindSuccess, Value: value}
}

// Recoverable returns a retryable failure. cause may be nil.
func Recoverable[T any](message string, cause error) Result[T] {
	return Result[T]{Kind: KindRecoverable, Message: message, Cause: cause}
}

// Fatal returns a terminal failure. cause may be nil.
func Fatal[T any](message string, cause error) Result[T] {
	return Result[T]{Kind: KindFatal, Message: message, Cause: cause}
}

// WithRetryAfter sets the server-suggested retry delay.
func (r Result[T]) WithRetryAfter(d time.Duration) Result[T] {
	r.RetryAfter = d
	return r
}

// WithSupportContact sets the human escalation path for a fatal failure.
func (r Result[T]) WithSupportContact(contact string) Result[T] {
	r.SupportContact = contact
	return r
}

// WithContext merges structured telemetry context into the result.
func (r Result[T]) WithContext(kv map[string]string) Result[T] {
	merged := make(map[string]string, len(r.Context)+len(kv))
	for k, v := range r.Context {
		merged[k] = v
	}
	for k, v := range kv {
		merged[k] = v
	}
	r.Context = merged
	return r
}

// IsSuccess reports whether the result holds a value.
func (r Result[T]) IsSuccess() bool { return r.Kind == KindSuccess }

// IsRecoverable reports whether the failure is retryable.
func (r Result[T]) IsRecoverable() bool { return r.Kind == KindRecoverable }

// IsFatal reports whether the failure is terminal.
func (r Result[T]) IsFatal() bool { return r.Kind == KindFatal }

// Err converts the failure variants into an error for callers that only
// care about success/failure. Success yields nil.
func (r Result[T]) Err() error {
	if r.Kind == KindSuccess {
		return nil
	}
	if r.Cause != nil {
		return fmt.Errorf("%s: %w", r.Message, r.Cause)
	}
	return fmt.Errorf("%s", r.Message)
}

// MapFailure carries a failure across payload types, preserving every
// failure field. Calling it on a success panics; check Kind first.
func MapFailure[U, T any](r Result[T]) Result[U] {
	if r.Kind == KindSuccess {
		panic("outcome: MapFailure called on a success result")
	}
	return Result[U]{
		Kind:           r.Kind,
		Message:        r.Message,
		Cause:          r.Cause,
		RetryAfter:     r.RetryAfter,
		SupportContact: r.SupportContact,
		TelemetryID:    r.TelemetryID,
		Context:        r.Context,
	}
}
