package apperror

import (
	"errors"
	"fmt"
)

type AppError struct {
	Code    Code              `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	Cause   error             `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Constructors
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func InvalidArg(msg string) error {
	return New(CodeInvalidArgument, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func AlreadyExists(msg string) error {
	return New(CodeAlreadyExists, msg)
}

func FailedPrecondition(msg string) error {
	return New(CodeFailedPrecondition, msg)
}

func PermissionDenied(msg string) error {
	return New(CodePermissionDenied, msg)
}

// Validation carries per-field messages so callers can show them next to the input.
func Validation(fields map[string]string) error {
	return &AppError{Code: CodeInvalidArgument, Message: "validation failed", Fields: fields}
}

// Store marks a failure of the durable store during op.
func Store(op string, cause error) error {
	return Wrap(CodeUnavailable, "store: "+op, cause)
}

// PartialFailure reports work that was committed before a later step failed.
func PartialFailure(msg string, cause error) error {
	return Wrap(CodePartialFailure, msg, cause)
}

// CodeOf returns the code of the first AppError in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
