package reconcile

import (
	"time"

	"github.com/google/uuid"

	"verifactu/internal/chain/models"
)

// Status classifies one document after comparing both ledgers.
type Status string

const (
	StatusMatched            Status = "matched"
	StatusHashMismatch       Status = "hash_mismatch"
	StatusMissingInAuthority Status = "missing_in_authority"
	StatusMissingLocally     Status = "missing_locally"
)

// Detail is the comparison of one document number.
type Detail struct {
	DocumentNumber  string     `json:"document_number"`
	DocumentDate    time.Time  `json:"document_date"`
	Status          Status     `json:"status"`
	LocalHash       string     `json:"local_hash,omitempty"`
	AuthorityHash   string     `json:"authority_hash,omitempty"`
	AuthorityStatus string     `json:"authority_status,omitempty"`
	RecordID        *uuid.UUID `json:"record_id,omitempty"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	Key                models.ChainKey `json:"-"`
	NIF                string          `json:"nif"`
	SoftwareID         string          `json:"software_id"`
	Period             string          `json:"period"`
	LocalRecords       int             `json:"local_records"`
	AuthorityRecords   int             `json:"authority_records"`
	Matched            int             `json:"matched"`
	HashMismatches     int             `json:"hash_mismatches"`
	MissingInAuthority int             `json:"missing_in_authority"`
	MissingLocally     int             `json:"missing_locally"`
	// Pending counts local records without a recorded outcome; they are not
	// expected at the authority yet.
	Pending      int       `json:"pending"`
	OverallValid bool      `json:"overall_valid"`
	Details      []Detail  `json:"details"`
	CheckedAt    time.Time `json:"checked_at"`
}

func (r *Report) add(d Detail) {
	switch d.Status {
	case StatusMatched:
		r.Matched++
	case StatusHashMismatch:
		r.HashMismatches++
	case StatusMissingInAuthority:
		r.MissingInAuthority++
	case StatusMissingLocally:
		r.MissingLocally++
	}
	r.Details = append(r.Details, d)
}

// ByStatus returns the details with the given classification.
func (r *Report) ByStatus(status Status) []Detail {
	var out []Detail
	for _, d := range r.Details {
		if d.Status == status {
			out = append(out, d)
		}
	}
	return out
}
