package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"verifactu/internal/chain/models"
)

// ChainGapError reports a stored chain that no longer links correctly. The
// chain is blocked until it is resolved by hand.
type ChainGapError struct {
	Key      models.ChainKey
	RecordID uuid.UUID
	Reason   string
}

func (e *ChainGapError) Error() string {
	return fmt.Sprintf("chain %s broken at record %s: %s", e.Key, e.RecordID, e.Reason)
}

// ConcurrentWriteError reports that another writer held the chain for longer
// than the acquire timeout, or moved the head between read and write.
type ConcurrentWriteError struct {
	Key    models.ChainKey
	Waited time.Duration
}

func (e *ConcurrentWriteError) Error() string {
	return fmt.Sprintf("chain %s is being extended by another writer (waited %s)", e.Key, e.Waited)
}
