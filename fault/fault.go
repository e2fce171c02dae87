// Package fault defines the error taxonomy of a migration run. Every fatal
// outcome of the engine is surfaced to callers as a *fault.Error, whose Kind
// tells the caller whether the run was aborted before any destructive action,
// by a failover, by a data problem, and so on.
package fault

import "github.com/pkg/errors"

// Kind classifies an Error.
type Kind int

const (
	// Unknown is the Kind of errors which are not a *Error.
	Unknown Kind = iota
	// Precondition errors indicate missing tables or malformed configuration.
	// They are raised immediately and never retried.
	Precondition
	// Retryable errors are transient (lock wait timeout, deadlock, interrupted
	// query, read-only server). They are surfaced only after the retry policy
	// is exhausted.
	Retryable
	// ConnectionLost errors indicate the session is unusable and could not be
	// (or was not permitted to be) re-established.
	ConnectionLost
	// Consistency errors indicate the server identity changed underneath the
	// run, ie a failover occurred. They are always fatal.
	Consistency
	// Verification errors indicate the expected triggers vanished, or a
	// custom verifier refused to let the run proceed.
	Verification
	// DataWarning errors indicate an unexpected warning while copying rows.
	DataWarning
	// ResourceExhaustion errors indicate a chunk could not be shrunk further
	// to fit within server transaction limits.
	ResourceExhaustion
)

func (k Kind) String() string {
	switch k {
	case Precondition:
		return "precondition"
	case Retryable:
		return "retryable"
	case ConnectionLost:
		return "connection-lost"
	case Consistency:
		return "consistency"
	case Verification:
		return "verification"
	case DataWarning:
		return "data-warning"
	case ResourceExhaustion:
		return "resource-exhaustion"
	default:
		return "unknown"
	}
}

// Error is an error of a specific Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Cause returns the underlying error, for compatibility with pkg/errors.
func (e *Error) Cause() error { return e.Err }

// New returns an Error of Kind |k| with message |msg|.
func New(k Kind, msg string) error {
	return &Error{Kind: k, Err: errors.New(msg)}
}

// Errorf returns an Error of Kind |k| with a formatted message.
func Errorf(k Kind, format string, args ...interface{}) error {
	return &Error{Kind: k, Err: errors.Errorf(format, args...)}
}

// Wrap |err| as an Error of Kind |k|. If |err| is nil, Wrap returns nil.
func Wrap(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Err: err}
}

// KindOf returns the Kind of the outermost *Error in the chain of |err|,
// or Unknown if there is none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is returns true if KindOf(err) is |k|.
func Is(err error, k Kind) bool { return err != nil && KindOf(err) == k }
