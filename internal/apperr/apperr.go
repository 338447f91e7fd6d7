package apperr

import (
	"errors"
	"fmt"
)

const (
	CodeValidation      = "VALIDATION"
	CodeTabNotFound     = "TAB_NOT_FOUND"
	CodeNoRouting       = "NO_ROUTING"
	CodeCaptureFailed   = "CAPTURE_FAILED"
	CodeNoHandler       = "NO_HANDLER"
	CodeTimeout         = "TIMEOUT"
	CodeTargetGone      = "TARGET_GONE"
	CodeHostUnavailable = "HOST_UNAVAILABLE"
	CodeEvalFailure     = "EVAL_FAILURE"
	CodeEvalTimeout     = "EVAL_TIMEOUT"
	CodeCDPUnavailable  = "CDP_UNAVAILABLE"
	CodeInternal        = "INTERNAL"
)

// CodedError is a typed error used for stable API mapping. Codes survive
// a trip across the message bus; causes do not.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// New builds a CodedError.
func New(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// Errorf builds a CodedError with a formatted message and no cause.
func Errorf(code, format string, args ...any) error {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first CodedError in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	if err == nil {
		return false
	}
	var coded *CodedError
	return errors.As(err, &coded) && coded.Code == code
}
