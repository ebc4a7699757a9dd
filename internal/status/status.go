// Package status carries the error taxonomy shared by every fallible
// operation in the runtime. Each error is tagged with a Code so transport
// layers can map it without string matching.
package status

import (
	"errors"
	"fmt"

	"inferd/pkg/types"
)

// Code classifies an error.
type Code int

const (
	CodeOK Code = iota
	CodeInvalidArgument
	CodeFailedPrecondition
	CodeNotFound
	CodeAlreadyExists
	CodeUnimplemented
	CodeCancelled
	CodeDeadlineExceeded
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeFailedPrecondition:
		return "failed_precondition"
	case CodeNotFound:
		return "not_found"
	case CodeAlreadyExists:
		return "already_exists"
	case CodeUnimplemented:
		return "unimplemented"
	case CodeCancelled:
		return "cancelled"
	case CodeDeadlineExceeded:
		return "deadline_exceeded"
	case CodeInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a tagged error value.
type Error struct {
	Code Code
	Msg  string
	// Cancel carries structured cancellation details when Code is
	// CodeCancelled and the cancel originated inside the runtime.
	Cancel *CancelDetails
	cause  error
}

// CancelDetails describes where and why a cancellation happened.
type CancelDetails struct {
	ReasonCode string
	Origin     string
	SessionID  types.SessionID
	IsPrefill  bool
	IsDecode   bool
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Code.String() + ": " + e.Msg + ": " + e.cause.Error()
	}
	return e.Code.String() + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.cause }

// New returns a tagged error with the given code.
func New(code Code, msg string) *Error { return &Error{Code: code, Msg: msg} }

// Errorf formats a tagged error.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. A nil err
// yields nil.
func Wrap(code Code, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Msg: msg, cause: err}
}

// InvalidArgumentf tags a caller-precondition violation.
func InvalidArgumentf(format string, args ...any) *Error {
	return Errorf(CodeInvalidArgument, format, args...)
}

// FailedPreconditionf tags a wrong-state error.
func FailedPreconditionf(format string, args ...any) *Error {
	return Errorf(CodeFailedPrecondition, format, args...)
}

// NotFoundf tags an unknown-resource error.
func NotFoundf(format string, args ...any) *Error {
	return Errorf(CodeNotFound, format, args...)
}

// AlreadyExistsf tags a duplicate-registration error.
func AlreadyExistsf(format string, args ...any) *Error {
	return Errorf(CodeAlreadyExists, format, args...)
}

// Unimplementedf tags a missing optional capability.
func Unimplementedf(format string, args ...any) *Error {
	return Errorf(CodeUnimplemented, format, args...)
}

// DeadlineExceededf tags a timed-out synchronous wait.
func DeadlineExceededf(format string, args ...any) *Error {
	return Errorf(CodeDeadlineExceeded, format, args...)
}

// Internalf tags an invariant violation. Fatal to the current operation
// only; the runtime stays usable for other sessions.
func Internalf(format string, args ...any) *Error {
	return Errorf(CodeInternal, format, args...)
}

// Cancelledf tags a cancellation without structured details.
func Cancelledf(format string, args ...any) *Error {
	return Errorf(CodeCancelled, format, args...)
}

// CancelledWith builds a structured cancellation error.
func CancelledWith(d CancelDetails) *Error {
	return &Error{
		Code: CodeCancelled,
		Msg: fmt.Sprintf(
			"cancel_reason_code=%s origin=%s session_id=%d is_prefill=%t is_decode=%t",
			d.ReasonCode, d.Origin, d.SessionID, d.IsPrefill, d.IsDecode),
		Cancel: &d,
	}
}

// CodeOf extracts the code from err, CodeInternal for untagged non-nil
// errors and CodeOK for nil.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsInvalidArgument reports whether err is tagged CodeInvalidArgument.
func IsInvalidArgument(err error) bool { return is(err, CodeInvalidArgument) }

// IsFailedPrecondition reports whether err is tagged CodeFailedPrecondition.
func IsFailedPrecondition(err error) bool { return is(err, CodeFailedPrecondition) }

// IsNotFound reports whether err is tagged CodeNotFound.
func IsNotFound(err error) bool { return is(err, CodeNotFound) }

// IsAlreadyExists reports whether err is tagged CodeAlreadyExists.
func IsAlreadyExists(err error) bool { return is(err, CodeAlreadyExists) }

// IsUnimplemented reports whether err is tagged CodeUnimplemented.
func IsUnimplemented(err error) bool { return is(err, CodeUnimplemented) }

// IsCancelled reports whether err is tagged CodeCancelled.
func IsCancelled(err error) bool { return is(err, CodeCancelled) }

// IsDeadlineExceeded reports whether err is tagged CodeDeadlineExceeded.
func IsDeadlineExceeded(err error) bool { return is(err, CodeDeadlineExceeded) }

// IsInternal reports whether err is tagged CodeInternal.
func IsInternal(err error) bool { return is(err, CodeInternal) }
