package protocol

import (
	"errors"
	"fmt"
)

// Code is the closed set of outcome codes returned to callers.
type Code string

const (
	CodeOK Code = "OK"

	CodeInvalidSchema Code = "INVALID_SCHEMA"

	CodePolicyNotFound  Code = "POLICY_NOT_FOUND"
	CodePolicyInvalid   Code = "POLICY_INVALID"
	CodePolicyDeny      Code = "POLICY_DENY"
	CodeCommandDisabled Code = "COMMAND_DISABLED"

	CodeUnsupportedSignatureAlgorithm Code = "UNSUPPORTED_SIGNATURE_ALGORITHM"
	CodeInvalidSignature              Code = "INVALID_SIGNATURE"
	CodeDeviceIDMismatch              Code = "DEVICE_ID_MISMATCH"

	CodeRequestExpired     Code = "REQUEST_EXPIRED"
	CodeRequestNotYetValid Code = "REQUEST_NOT_YET_VALID"
	CodeNonceReplay        Code = "NONCE_REPLAY"

	CodeCommandIDConflict Code = "COMMAND_ID_CONFLICT"

	CodeSessionRequired Code = "SESSION_REQUIRED"
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeSessionExpired  Code = "SESSION_EXPIRED"

	CodeInvalidParameter Code = "INVALID_PARAMETER"
	CodePathNotFound     Code = "PATH_NOT_FOUND"
	CodePathNotAllowed   Code = "PATH_NOT_ALLOWED"

	CodeCommandExecutionFailed Code = "COMMAND_EXECUTION_FAILED"
	CodeInternalError          Code = "INTERNAL_ERROR"

	CodePolicyUpdateInvalidSignature Code = "POLICY_UPDATE_INVALID_SIGNATURE"
	CodePolicyUpdateVersionRejected  Code = "POLICY_UPDATE_VERSION_REJECTED"
	CodePolicyUpdateRollback         Code = "POLICY_UPDATE_ROLLBACK"
)

// Error is a failure that already carries the code the caller will see.
type Error struct {
	Code    Code
	Message string
	// Field names the offending request parameter, when there is one.
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %q)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a coded error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FieldError builds an error naming the parameter that violated its constraint.
func FieldError(code Code, field, format string, args ...any) *Error {
	return &Error{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the code from err. Anything uncoded is an internal error.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternalError
}

// MessageOf returns the caller-safe message for err. Uncoded errors are
// reduced to a generic message so internal detail never crosses the boundary.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Field != "" {
			return fmt.Sprintf("%s (field %q)", pe.Message, pe.Field)
		}
		return pe.Message
	}
	return "internal error"
}
