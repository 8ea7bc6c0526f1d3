package authority

import (
	"errors"
	"fmt"

	dErrors "verifactu/pkg/domain-errors"
)

// Category is the normalized failure taxonomy of authority calls.
type Category string

const (
	// CategoryCertificate: TLS handshake or certificate verification failed.
	CategoryCertificate Category = "certificate"
	// CategoryTimeout: no answer in time; the caller may retry.
	CategoryTimeout Category = "timeout"
	// CategoryConnection: the endpoint could not be reached.
	CategoryConnection Category = "connection"
	// CategoryHTTPStatus: a non-200 answer without a SOAP body.
	CategoryHTTPStatus Category = "http_status"
	// CategoryParse: the answer could not be understood.
	CategoryParse Category = "parse"
)

// Error wraps a transport failure with its category.
type Error struct {
	Category   Category
	Message    string
	StatusCode int
	Err        error
	Retryable  bool
	// Raw is the response body when one was received.
	Raw []byte
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("authority [%s]: %s", e.Category, e.Message)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(category Category, message string, err error) *Error {
	return &Error{
		Category:  category,
		Message:   message,
		Err:       err,
		Retryable: category == CategoryTimeout || category == CategoryConnection,
	}
}

// domain wraps e with the matching domain code.
func (e *Error) domain() error {
	code := dErrors.CodeTransportUnavailable
	switch e.Category {
	case CategoryCertificate:
		code = dErrors.CodeInvalidCertificate
	case CategoryTimeout:
		code = dErrors.CodeTransportTimeout
	case CategoryParse:
		code = dErrors.CodeProtocol
	case CategoryHTTPStatus:
		if e.StatusCode >= 400 && e.StatusCode < 500 {
			code = dErrors.CodeProtocol
		}
	}
	return dErrors.Wrap(e, code, e.Message)
}

// CategoryOf extracts the category of an authority failure.
func CategoryOf(err error) (Category, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Category, true
	}
	return "", false
}

// RawResponseOf returns the response body carried by an authority failure.
func RawResponseOf(err error) []byte {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Raw
	}
	return nil
}

// IsRetryable reports whether a failed call may be repeated as is.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}
