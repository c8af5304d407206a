// Package failure defines the terminating error type surfaced to operators.
//
// Every fatal condition carries a stable Code (suitable for scripts) and the
// target it concerns (an entity path, a session id, a message id). Partial
// results already emitted before the failure remain valid; there is no
// rollback.
package failure

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	// Configuration errors: detected before any I/O, never retried.
	CodeInvalidArgument  Code = "InvalidArgument"
	CodeParallelConflict Code = "ParallelConflict"
	CodeSessionMissing   Code = "SessionMissing"
	CodeMixedSessionID   Code = "MixedSessionId"
	CodeEmptyInput       Code = "EmptyInput"
	CodeMultipleActions  Code = "MultipleActions"

	// Broker-side faults.
	CodeSessionLockLost Code = "SessionLockLost"
	CodeMessageTooLarge Code = "MessageTooLarge"
	CodeEntityNotFound  Code = "EntityNotFound"

	// Operation wrappers for everything else.
	CodeReceiveFailed Code = "ReceiveFailed"
	CodeSendFailed    Code = "SendFailed"
	CodeSettleFailed  Code = "SettleFailed"
	CodeStateFailed   Code = "SessionStateFailed"
	CodePurgeFailed   Code = "PurgeFailed"
)

// Error is a terminating failure with a stable code and target context.
type Error struct {
	Code   Code
	Target string
	Err    error
}

func (e *Error) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Target, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error from a message.
func New(code Code, target, msg string) *Error {
	return &Error{Code: code, Target: target, Err: errors.New(msg)}
}

// Wrap attaches code and target to err. A nil err yields nil. An err that
// already carries a code keeps it; only an empty target is filled in.
func Wrap(code Code, target string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Target == "" && target != "" {
			return &Error{Code: fe.Code, Target: target, Err: fe.Err}
		}
		return err
	}
	return &Error{Code: code, Target: target, Err: err}
}

// CodeOf returns the code carried by err, or "" when there is none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is reports whether err carries code.
func Is(err error, code Code) bool { return CodeOf(err) == code }
