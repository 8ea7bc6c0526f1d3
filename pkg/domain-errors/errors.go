// Package domainerrors carries a machine-readable code alongside every failure
// that crosses a service boundary. Stores return sentinel errors
// (pkg/platform/sentinel); services translate them into coded errors here and
// the HTTP layer maps codes to status codes.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a failure. Values are stable and appear in API responses.
type Code string

const (
	CodeInternal           Code = "internal_error"
	CodeInvariantViolation Code = "invariant_violation"
	CodeValidation         Code = "validation_error"
	CodeBadRequest         Code = "bad_request"
	CodeInvalidInput       Code = "invalid_input"
	CodeInvalidRequest     Code = "invalid_request"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeForbidden          Code = "forbidden"
	CodeUnauthorized       Code = "unauthorized"
	CodeTimeout            Code = "timeout"

	// Certificate custody.
	CodeInvalidCertificate  Code = "invalid_certificate"
	CodeCertificateExpired  Code = "certificate_expired"
	CodeCertificateNotFound Code = "certificate_not_found"
	CodeMasterSecretMissing Code = "master_secret_missing"

	// Chain integrity.
	CodeChainIntegrity  Code = "chain_integrity"
	CodeChainBlocked    Code = "chain_blocked"
	CodeConcurrentWrite Code = "concurrent_write"
	CodeAuditChainBreak Code = "audit_chain_break"

	// Authority transport.
	CodeTransportTimeout     Code = "transport_timeout"
	CodeTransportUnavailable Code = "transport_unavailable"
	CodeProtocol             Code = "protocol_error"
)

// Action is the user-visible class of remedy for a code.
type Action string

const (
	ActionFixCertificate Action = "fix_certificate"
	ActionRetryLater     Action = "retry_later"
	ActionContactSupport Action = "contact_support"
	ActionFixInput       Action = "fix_input"
)

// Error is a coded domain error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a coded error with no underlying cause.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to an underlying error.
// A nil err still yields a coded error so callers can wrap unconditionally.
func Wrap(err error, code Code, msg string) error {
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode reports whether any error in the chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// Is reports whether the outermost coded error in the chain carries code.
func Is(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// CodeOf returns the outermost code in the chain, or CodeInternal when the
// error is not coded.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// ActionFor maps a code to the remedy shown to the user.
func ActionFor(code Code) Action {
	switch code {
	case CodeInvalidCertificate, CodeCertificateExpired, CodeCertificateNotFound:
		return ActionFixCertificate
	case CodeTransportTimeout, CodeTransportUnavailable, CodeConcurrentWrite, CodeTimeout:
		return ActionRetryLater
	case CodeValidation, CodeBadRequest, CodeInvalidInput, CodeInvalidRequest,
		CodeInvariantViolation, CodeConflict, CodeNotFound:
		return ActionFixInput
	default:
		return ActionContactSupport
	}
}
