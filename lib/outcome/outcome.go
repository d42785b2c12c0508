// Package outcome classifies errors into the three ways a caller can react to them:
// skip the unit of work, retry it later, or abort the whole operation.
package outcome

import (
	"context"
	"fmt"

	"golang.org/x/xerrors"
)

type Kind uint8

const (
	// Unknown is only returned for a nil error.
	Unknown Kind = iota
	// Skip means the unit of work is irrelevant or unusable and should be dropped.
	Skip
	// Retryable means the failure is transient (I/O); the same work may succeed later.
	Retryable
	// Fatal means continuing would produce meaningless results.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Skip:
		return "skip"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error tags an error with a Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Skipf, Retryablef and Fatalf format like xerrors.Errorf, so a trailing ": %w" wraps,
// and tag the result.
func Skipf(format string, args ...any) error {
	return &Error{Kind: Skip, Err: xerrors.Errorf(format, args...)}
}

func Retryablef(format string, args ...any) error {
	return &Error{Kind: Retryable, Err: xerrors.Errorf(format, args...)}
}

func Fatalf(format string, args ...any) error {
	return &Error{Kind: Fatal, Err: xerrors.Errorf(format, args...)}
}

// KindOf returns the outermost Kind attached to err. Untagged errors are assumed to be
// transient I/O failures, except for context cancellation which is fatal.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var oe *Error
	if xerrors.As(err, &oe) {
		return oe.Kind
	}
	if xerrors.Is(err, context.Canceled) || xerrors.Is(err, context.DeadlineExceeded) {
		return Fatal
	}
	return Retryable
}

func IsFatal(err error) bool {
	return KindOf(err) == Fatal
}
