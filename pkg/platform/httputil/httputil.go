package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "verifactu/pkg/domain-errors"
)

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	Action           string `json:"action,omitempty"`
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps a domain error to an HTTP status and JSON body. Internal
// errors never leak their message.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	body := errorBody{Error: string(code)}
	if code != dErrors.CodeInternal {
		var de *dErrors.Error
		if errors.As(err, &de) {
			body.ErrorDescription = de.Message
		}
		body.Action = string(dErrors.ActionFor(code))
	}
	WriteJSON(w, StatusFor(code), body)
}

// StatusFor returns the HTTP status used for a code.
func StatusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeBadRequest, dErrors.CodeValidation, dErrors.CodeInvalidInput,
		dErrors.CodeInvalidRequest, dErrors.CodeInvariantViolation, dErrors.CodeInvalidCertificate:
		return http.StatusBadRequest
	case dErrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case dErrors.CodeForbidden:
		return http.StatusForbidden
	case dErrors.CodeNotFound, dErrors.CodeCertificateNotFound:
		return http.StatusNotFound
	case dErrors.CodeConflict, dErrors.CodeConcurrentWrite, dErrors.CodeChainBlocked, dErrors.CodeChainIntegrity,
		dErrors.CodeAuditChainBreak:
		return http.StatusConflict
	case dErrors.CodeCertificateExpired:
		return http.StatusUnprocessableEntity
	case dErrors.CodeTimeout, dErrors.CodeTransportTimeout:
		return http.StatusGatewayTimeout
	case dErrors.CodeTransportUnavailable, dErrors.CodeProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
