// Package emerr defines the error taxonomy shared by every EM-√ component.
package emerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind distinguishes the fatal-ness and handling of an error at the engine
// boundary.
type Kind int

const (
	// Internal is the zero value on purpose: an un-tagged error defaults to
	// the most conservative (always-fatal) handling.
	Internal Kind = iota
	Config
	Budget
	Spill
	Source
	Sink
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "Config"
	case Budget:
		return "Budget"
	case Spill:
		return "Spill"
	case Source:
		return "Source"
	case Sink:
		return "Sink"
	case Cancelled:
		return "Cancelled"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with a Kind and the operation that raised
// it, so callers can errors.As to the Kind while still walking the wrapped
// chain with errors.Cause/errors.Unwrap.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a new tagged error, wrapping err with pkg/errors so a stack
// trace is captured at the raise site the way the rest of this codebase
// wraps errors.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.Wrap(err, op)}
}

// Newf builds a tagged error from a format string, matching errors.Errorf's
// signature for call sites that don't already have an error value.
func Newf(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if as, ok := err.(*Error); ok {
			e = as
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		err = errors.Unwrap(err)
	}
	return false
}

// KindOf returns the Kind of the first tagged Error found in err's chain,
// defaulting to Internal if none is found (matching the taxonomy's fatal
// default for un-tagged errors).
func KindOf(err error) Kind {
	for err != nil {
		if as, ok := err.(*Error); ok {
			return as.Kind
		}
		err = errors.Unwrap(err)
	}
	return Internal
}
