package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"verifactu/internal/submission/models"
	"verifactu/pkg/platform/sentinel"
)

// InMemory keeps the submission log in process memory.
type InMemory struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*models.LogEntry
}

func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[uuid.UUID]*models.LogEntry)}
}

func (s *InMemory) Append(_ context.Context, entry *models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.ID]; ok {
		return sentinel.ErrConflict
	}
	s.entries[entry.ID] = clone(entry)
	return nil
}

// ListByOwner returns the owner's entries, newest first.
func (s *InMemory) ListByOwner(_ context.Context, ownerID string, limit int) ([]*models.LogEntry, error) {
	return s.list(func(e *models.LogEntry) bool { return e.OwnerID == ownerID }, limit), nil
}

// ListByRecord returns the attempts for one chain record, newest first.
func (s *InMemory) ListByRecord(_ context.Context, recordID uuid.UUID) ([]*models.LogEntry, error) {
	return s.list(func(e *models.LogEntry) bool { return e.ChainRecordID == recordID }, 0), nil
}

func (s *InMemory) list(match func(*models.LogEntry) bool, limit int) []*models.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.LogEntry
	for _, e := range s.entries {
		if match(e) {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func clone(e *models.LogEntry) *models.LogEntry {
	c := *e
	c.ErrorCodes = append([]string(nil), e.ErrorCodes...)
	return &c
}
