package models

import (
	"time"

	"github.com/google/uuid"
)

// RecordStatus is the lifecycle state of a chain record.
type RecordStatus string

const (
	// StatusReserved: hash computed and appended, not yet confirmed by the authority.
	StatusReserved RecordStatus = "reserved"
	StatusAccepted RecordStatus = "accepted"
	StatusRejected RecordStatus = "rejected"
	// StatusImported: found at the authority but not locally; kept outside the chain.
	StatusImported RecordStatus = "imported"
)

// ChainRecord is one fiscal record in a per-(NIF, software) hash chain.
//
// Invariants:
//   - Hash = upper(hex(sha256(HashInput)))
//   - PreviousHash equals the Hash of the preceding chained record, "" for the first
//   - created once on append; the authority outcome is written exactly once
//   - imported records have Chained=false and never act as a predecessor
type ChainRecord struct {
	ID             uuid.UUID
	NIF            string
	SoftwareID     string
	DocumentNumber string
	DocumentDate   time.Time
	Facts          DocumentFacts

	Hash         string
	PreviousHash string
	// PreviousNumber and PreviousDate identify the predecessor in the
	// Encadenamiento block.
	PreviousNumber string
	PreviousDate   time.Time
	HashInput      string
	GeneratedAt    time.Time
	// Timestamp is GeneratedAt exactly as it appears in the hash input.
	Timestamp string

	Environment     Environment
	Status          RecordStatus
	Chained         bool
	CSV             string
	Accepted        bool
	AuthorityStatus string
	OutcomeRecorded bool
	CreatedAt       time.Time
	SubmittedAt     *time.Time
}

func (r *ChainRecord) Key() ChainKey {
	return ChainKey{NIF: r.NIF, SoftwareID: r.SoftwareID}
}

// IsFirst reports whether the record opens its chain.
func (r *ChainRecord) IsFirst() bool {
	return r.PreviousHash == ""
}

// HashResult is the output of computing the next link without persisting it.
type HashResult struct {
	Hash         string
	PreviousHash string
	HashInput    string
	GeneratedAt  time.Time
	Timestamp    string
	Previous     *ChainRecord
}

// Outcome is the authority's verdict on a submitted record.
type Outcome struct {
	Accepted        bool
	CSV             string
	AuthorityStatus string
	SubmittedAt     time.Time
}

// ChainInfo summarizes the head of a chain.
type ChainInfo struct {
	Key           ChainKey
	TotalRecords  int
	LastHash      string
	LastNumber    string
	LastDate      time.Time
	LastCSV       string
	IsFirstRecord bool
	Blocked       bool
	BlockedReason string
}

// ChainVerification is the result of walking a full chain.
type ChainVerification struct {
	Key           ChainKey
	Valid         bool
	TotalRecords  int
	VerifiedCount int
	FirstBrokenID *uuid.UUID
	Errors        []string
}

// ChainBlock marks a chain that must not be extended until resolved.
type ChainBlock struct {
	Key       ChainKey
	Reason    string
	BlockedAt time.Time
}
