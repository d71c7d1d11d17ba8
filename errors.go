package rpcsvc

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error is a structured rpcsvc error carrying the request/transport
// context a bare error string would drop.
type Error struct {
	Op           string // operation that failed, e.g. "dispatch", "accept"
	TransportID  int    // transport id, -1 if not applicable
	Program      uint32
	Procedure    uint32
	Code         ErrorCode
	Errno        syscall.Errno // 0 if not applicable
	Msg          string
	Inner        error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.TransportID >= 0 {
		parts = append(parts, fmt.Sprintf("xprt=%d", e.TransportID))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("rpcsvc: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("rpcsvc: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode classifies an Error into one of the six failure categories
// a server built on this runtime can surface: malformed/undecodable
// requests, an application dispatch function returning an error,
// authentication rejection, a fatal transport condition (dead
// connection, accept failure), resource exhaustion (registry/id-space
// full), and invariant violations (guard/magic corruption, lock
// ordering misuse) caught by internal consistency checks.
type ErrorCode string

const (
	CodeProtocol      ErrorCode = "protocol error"
	CodeApplication   ErrorCode = "application error"
	CodeAuth          ErrorCode = "authentication error"
	CodeTransportFatal ErrorCode = "transport fatal"
	CodeResource      ErrorCode = "resource exhausted"
	CodeInvariant     ErrorCode = "invariant violation"
)

// NewError builds an Error with no transport/program context.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, TransportID: -1, Code: code, Msg: msg}
}

// NewTransportError builds an Error scoped to a transport id.
func NewTransportError(op string, xprtID int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, TransportID: xprtID, Code: code, Msg: msg}
}

// NewRequestError builds an Error scoped to a transport and the
// (program, procedure) pair being serviced when it occurred.
func NewRequestError(op string, xprtID int, program, procedure uint32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, TransportID: xprtID, Program: program, Procedure: procedure, Code: code, Msg: msg}
}

// WrapError wraps inner with rpcsvc context, mapping a bare
// syscall.Errno to its matching code.
func WrapError(op string, xprtID int, inner error) *Error {
	if inner == nil {
		return nil
	}
	if e, ok := inner.(*Error); ok {
		return &Error{Op: op, TransportID: e.TransportID, Program: e.Program, Procedure: e.Procedure, Code: e.Code, Errno: e.Errno, Msg: e.Msg, Inner: e.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, TransportID: xprtID, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, TransportID: xprtID, Code: CodeTransportFatal, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EINVAL, syscall.EPROTO:
		return CodeProtocol
	case syscall.ENOMEM, syscall.EMFILE, syscall.ENFILE:
		return CodeResource
	case syscall.EPIPE, syscall.ECONNRESET, syscall.ETIMEDOUT:
		return CodeTransportFatal
	default:
		return CodeTransportFatal
	}
}

// IsCode reports whether err (or any error it wraps) carries code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsErrno reports whether err (or any error it wraps) carries errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno == errno
	}
	return false
}
