package authority

import (
	"time"
)

// OutcomeKind is the variant of a submission result.
type OutcomeKind string

const (
	OutcomeAccepted        OutcomeKind = "accepted"
	OutcomeRejected        OutcomeKind = "rejected"
	OutcomeTransportFailed OutcomeKind = "transport_failed"
)

const (
	StatusCorrect           = "Correcto"
	StatusAcceptedWithError = "AceptadoConErrores"
	StatusPartiallyCorrect  = "ParcialmenteCorrecto"
	StatusIncorrect         = "Incorrecto"
	StatusSOAPFault         = "SOAP_FAULT"

	DefaultWaitSeconds = 60
)

// LineResult is one RespuestaLinea of the answer.
type LineResult struct {
	IssuerNIF        string `json:"issuer_nif,omitempty"`
	DocumentNumber   string `json:"document_number,omitempty"`
	DocumentDate     string `json:"document_date,omitempty"`
	Status           string `json:"status"`
	ErrorCode        string `json:"error_code,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// SubmissionResult is the authority's answer to one submission. Status keeps
// the raw EstadoEnvio (or SOAP_FAULT) next to the interpreted Kind.
type SubmissionResult struct {
	Kind         OutcomeKind  `json:"kind"`
	Status       string       `json:"status"`
	CSV          string       `json:"csv,omitempty"`
	WaitSeconds  int          `json:"wait_seconds"`
	Lines        []LineResult `json:"lines,omitempty"`
	FaultMessage string       `json:"fault_message,omitempty"`
	// Heuristic is set when the answer was not well-formed XML and the
	// outcome was inferred from its text.
	Heuristic   bool          `json:"heuristic,omitempty"`
	HTTPStatus  int           `json:"http_status"`
	Duration    time.Duration `json:"-"`
	RawResponse []byte        `json:"-"`
}

func (r *SubmissionResult) Accepted() bool {
	return r.Kind == OutcomeAccepted
}

// ErrorCodes lists the per-line error codes.
func (r *SubmissionResult) ErrorCodes() []string {
	var codes []string
	for _, l := range r.Lines {
		if l.ErrorCode != "" {
			codes = append(codes, l.ErrorCode)
		}
	}
	return codes
}

// Message summarizes the answer for logs and the submission log.
func (r *SubmissionResult) Message() string {
	if r.FaultMessage != "" {
		return r.FaultMessage
	}
	for _, l := range r.Lines {
		if l.ErrorDescription != "" {
			return l.ErrorDescription
		}
	}
	return r.Status
}

// AuthorityRecord is one record as the authority holds it.
type AuthorityRecord struct {
	IssuerNIF      string
	DocumentNumber string
	DocumentDate   time.Time
	Hash           string
	Status         string
}
