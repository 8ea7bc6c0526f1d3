package models

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the recorded kind of one submission attempt.
type Outcome string

const (
	OutcomeAccepted        Outcome = "accepted"
	OutcomeRejected        Outcome = "rejected"
	OutcomeTransportFailed Outcome = "transport_failed"
	// OutcomeError: no answer was obtained (timeout, TLS, unreachable endpoint).
	OutcomeError Outcome = "error"
)

// LogEntry is the write-once record of one submission attempt.
type LogEntry struct {
	ID                     uuid.UUID `json:"id"`
	OwnerID                string    `json:"owner_id"`
	ChainRecordID          uuid.UUID `json:"chain_record_id"`
	NIF                    string    `json:"nif"`
	DocumentNumber         string    `json:"document_number"`
	Environment            string    `json:"environment"`
	Endpoint               string    `json:"endpoint"`
	RequestHash            string    `json:"request_hash"`
	Outcome                Outcome   `json:"outcome"`
	Success                bool      `json:"success"`
	CSV                    string    `json:"csv,omitempty"`
	ResponseCode           string    `json:"response_code,omitempty"`
	ResponseMessage        string    `json:"response_message,omitempty"`
	ErrorCodes             []string  `json:"error_codes,omitempty"`
	DurationMS             int64     `json:"duration_ms"`
	CertificateFingerprint string    `json:"certificate_fingerprint,omitempty"`
	ArchiveKey             string    `json:"archive_key,omitempty"`
	SubmittedAt            time.Time `json:"submitted_at"`
}

// Meta carries optional caller context for a submission.
type Meta struct {
	// IssuerName is the legal name written as NombreRazonEmisor; the NIF is
	// used when empty.
	IssuerName string
}
