package capture

import "errors"

// ErrorCode classifies a capture failure.
type ErrorCode string

const (
	CodeMissingOption    ErrorCode = "MISSING_OPTION"
	CodeInvalidOption    ErrorCode = "INVALID_OPTION"
	CodeAlreadyRunning   ErrorCode = "ALREADY_RUNNING"
	CodeInvalidMode      ErrorCode = "INVALID_MODE"
	CodeMissingTimelapse ErrorCode = "MISSING_TIMELAPSE"
	CodeNotRunning       ErrorCode = "NOT_RUNNING"
	CodeProcessFailed    ErrorCode = "PROCESS_FAILED"
	CodeSpawnFailed      ErrorCode = "SPAWN_FAILED"
)

// Error is a capture failure with a stable code. Two Errors match under
// errors.Is when their codes are equal, so the sentinels below can be used
// to test errors that carry extra detail.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface. The text keeps the "Error: " prefix
// listeners have always seen.
func (e *Error) Error() string {
	return "Error: " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrMissingOption    = &Error{Code: CodeMissingOption, Message: "must define mode and output"}
	ErrInvalidOption    = &Error{Code: CodeInvalidOption, Message: "invalid option value"}
	ErrAlreadyRunning   = &Error{Code: CodeAlreadyRunning, Message: "a capture process is already running"}
	ErrInvalidMode      = &Error{Code: CodeInvalidMode, Message: "mode must be photo, timelapse or video"}
	ErrMissingTimelapse = &Error{Code: CodeMissingTimelapse, Message: "must specify timelapse frequency option"}
	ErrNotRunning       = &Error{Code: CodeNotRunning, Message: "no process was running"}
	ErrProcessFailed    = &Error{Code: CodeProcessFailed, Message: "capture process failed"}
	ErrSpawnFailed      = &Error{Code: CodeSpawnFailed, Message: "could not start capture process"}
)

// newError returns an error with the given code, a custom message and an
// optional cause.
func newError(code ErrorCode, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Err: cause}
}

// CodeOf returns the code of err if it is (or wraps) an *Error.
func CodeOf(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
