// Package errs defines the coded error taxonomy shared by the collaboration
// core.
//
// Every failure that crosses a package boundary is an *Error carrying a Code.
// Callers branch on the code with the IsX helpers, which see through
// fmt.Errorf("%w") wrapping:
//
//   - DECODE: malformed update or awareness payload. Local, recover by resync.
//   - SYNC_TIMEOUT: handshake did not complete. Recover by reconnect/backoff.
//   - PERSISTENCE: durable store call failed or timed out. Caller may retry.
//   - AUTHORIZATION: store rejected a write. Surfaced verbatim, never retried.
//   - CAPACITY: relay dropped a slow connection. Client must fully resync.
//   - NOT_FOUND: document or snapshot does not exist.
//   - INVALID_CONTENT: structured content failed validation.
package errs

import (
	"errors"
	"fmt"
)

// Code categorizes an Error.
type Code string

const (
	CodeDecode         Code = "DECODE"
	CodeSyncTimeout    Code = "SYNC_TIMEOUT"
	CodePersistence    Code = "PERSISTENCE"
	CodeAuthorization  Code = "AUTHORIZATION"
	CodeCapacity       Code = "CAPACITY"
	CodeNotFound       Code = "NOT_FOUND"
	CodeInvalidContent Code = "INVALID_CONTENT"
)

// Error is a categorized failure with optional document context.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Op names the operation that failed (e.g. "save snapshot").
	Op string

	// DocumentID identifies the affected document, if any.
	DocumentID string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.DocumentID != "" {
		msg += fmt.Sprintf(" (doc=%s)", e.DocumentID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with the given code.
func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Newf creates an Error whose cause is a formatted message.
func Newf(code Code, op string, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// ForDocument returns a copy of e tagged with a document id.
func (e *Error) ForDocument(id string) *Error {
	cp := *e
	cp.DocumentID = id
	return &cp
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func IsDecode(err error) bool         { return is(err, CodeDecode) }
func IsSyncTimeout(err error) bool    { return is(err, CodeSyncTimeout) }
func IsPersistence(err error) bool    { return is(err, CodePersistence) }
func IsAuthorization(err error) bool  { return is(err, CodeAuthorization) }
func IsCapacity(err error) bool       { return is(err, CodeCapacity) }
func IsNotFound(err error) bool       { return is(err, CodeNotFound) }
func IsInvalidContent(err error) bool { return is(err, CodeInvalidContent) }

// Retryable reports whether the caller may retry the failed operation.
// Authorization, decode and content errors are permanent for the same input.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodePersistence, CodeSyncTimeout, CodeCapacity:
		return true
	default:
		return false
	}
}
