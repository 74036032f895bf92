package relay

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by this package wraps exactly one.
var (
	ErrListenBind      = errors.New("cannot bind listener")
	ErrDecode          = errors.New("decode error")
	ErrFrameTooLarge   = errors.New("frame exceeds size limit")
	ErrUnsupportedKind = errors.New("unsupported message kind")
	ErrIO              = errors.New("workspace I/O error")
	ErrProcessSpawn    = errors.New("cannot spawn interpreter")
	ErrProcessIO       = errors.New("cannot attach interpreter output")
	ErrStreamRead      = errors.New("interpreter output read error")
	ErrClientWrite     = errors.New("client write error")
	ErrProcessWait     = errors.New("interpreter wait error")
)

// Error ties a failure kind to the operation and underlying cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func wrap(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Outcome maps an error from this package to a short metric label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrFrameTooLarge):
		return "frame_too_large"
	case errors.Is(err, ErrDecode):
		return "decode_error"
	case errors.Is(err, ErrUnsupportedKind):
		return "unsupported_kind"
	case errors.Is(err, ErrIO):
		return "io_error"
	case errors.Is(err, ErrProcessSpawn):
		return "spawn_error"
	case errors.Is(err, ErrProcessIO):
		return "process_io_error"
	case errors.Is(err, ErrStreamRead):
		return "stream_read_error"
	case errors.Is(err, ErrClientWrite):
		return "client_write_error"
	case errors.Is(err, ErrProcessWait):
		return "wait_error"
	default:
		return "error"
	}
}
