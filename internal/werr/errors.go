// Package werr defines the small vocabulary of error kinds shared across the
// connection core, so that every layer — transports, crypto, handshake,
// sharder — can fail with a kind the orchestrator knows how to react to.
package werr

import "github.com/pkg/errors"

// Kind identifies the category of a connection-core failure, per the error
// handling policy table.
type Kind int

const (
	// KindTimeout is returned when a retry budget is exhausted.
	KindTimeout Kind = iota
	// KindProtocol marks a malformed frame or unknown message kind.
	KindProtocol
	// KindSecurity marks a decryption/authentication or key-exchange failure.
	KindSecurity
	// KindIO marks a disk or socket failure unrelated to protocol framing.
	KindIO
	// KindCancelled marks an operation abandoned because its context ended,
	// or a pending datagram/sliding-window send unblocked by close().
	KindCancelled
	// KindClosed marks a recv() unblocked by close(), or any call on an
	// already-closed client.
	KindClosed
	// KindClockUnsync marks a clock-sync round that failed to converge.
	KindClockUnsync
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindProtocol:
		return "Protocol"
	case KindSecurity:
		return "Security"
	case KindIO:
		return "IO"
	case KindCancelled:
		return "Cancelled"
	case KindClosed:
		return "Closed"
	case KindClockUnsync:
		return "ClockUnsync"
	default:
		return "Unknown"
	}
}

// kindError is the sentinel wrapped by errors.Wrap at each boundary crossing.
type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.kind.String() + ": " + e.msg }

// New creates a new error of the given kind, ready to be wrapped with
// errors.Wrap at call sites the way the teacher wraps dial()/createConn()
// failures.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// Wrap attaches context to an existing error while preserving its Kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(&kindError{kind: kind, msg: msg + ": " + err.Error()}, msg)
}

// KindOf extracts the Kind carried by err, walking wrapped causes. The
// second return value is false when err carries no known Kind.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind, true
		}
		cause := errors.Cause(err)
		if cause == err {
			return 0, false
		}
		err = cause
	}
	return 0, false
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
