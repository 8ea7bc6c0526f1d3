package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers return
// these (optionally wrapped) so services can translate them into domain errors.
//
//   - ErrNotFound: record, certificate or log entry does not exist
//   - ErrConflict: uniqueness constraint hit (document number already chained)
//   - ErrAlreadyUsed: write-once field already written (chain record outcome)
//   - ErrInvalidState: entity in wrong state for requested operation
//   - ErrLocked: exclusive lock could not be acquired in time
//   - ErrUnavailable: backing service temporarily unavailable
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrLocked       = errors.New("locked")
	ErrUnavailable  = errors.New("unavailable")
)
