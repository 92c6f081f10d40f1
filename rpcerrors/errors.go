// Package rpcerrors defines the error taxonomy shared by the client and
// server dispatch engines.
package rpcerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a dispatch failure so callers can branch on it with
// errors.As instead of string matching.
type Kind int

const (
	// NoEndpoints means the resolver returned an empty candidate set.
	NoEndpoints Kind = iota + 1
	// SendTimeout means the deadline elapsed while offering bytes to the
	// publication (back-pressure never cleared in time).
	SendTimeout
	// ReplyTimeout means the deadline elapsed awaiting a reply.
	ReplyTimeout
	// RateLimited means the admission limiter denied the call.
	RateLimited
	// ServiceNotFound means the server had no handler for the named service.
	ServiceNotFound
	// HandlerError means the user handler returned an error; the message is
	// forwarded verbatim as the wire ERROR payload.
	HandlerError
	// Overloaded means the server's worker queue was saturated.
	Overloaded
	// MalformedFrame means the codec rejected a frame; the frame is dropped
	// and no pending completion is affected.
	MalformedFrame
	// SerializationError means payload encode/decode failed.
	SerializationError
	// Cancelled means the client closed with the request still pending.
	Cancelled
	// HandlerKindMismatch means the wire FlagStreaming bit disagreed with
	// the registered handler's kind (see codec.FlagStreaming).
	HandlerKindMismatch
)

func (k Kind) String() string {
	switch k {
	case NoEndpoints:
		return "NoEndpoints"
	case SendTimeout:
		return "SendTimeout"
	case ReplyTimeout:
		return "ReplyTimeout"
	case RateLimited:
		return "RateLimited"
	case ServiceNotFound:
		return "ServiceNotFound"
	case HandlerError:
		return "HandlerError"
	case Overloaded:
		return "Overloaded"
	case MalformedFrame:
		return "MalformedFrame"
	case SerializationError:
		return "SerializationError"
	case Cancelled:
		return "Cancelled"
	case HandlerKindMismatch:
		return "HandlerKindMismatch"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is a Kind-tagged error. The wrapped cause (if any) is preserved for
// errors.Unwrap / errors.Cause chains.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a bare *Error of the given kind with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds a bare *Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an existing error, preserving its stack trace via
// github.com/pkg/errors.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: errors.WithStack(err)}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, returning ok=false if err is not a
// *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
