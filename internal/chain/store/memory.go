package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"verifactu/internal/chain/models"
	"verifactu/pkg/platform/sentinel"
)

// InMemory is a process-local chain store for development and tests.
type InMemory struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*models.ChainRecord
	order   map[models.ChainKey][]uuid.UUID
	blocks  map[models.ChainKey]models.ChainBlock
}

func NewInMemory() *InMemory {
	return &InMemory{
		records: make(map[uuid.UUID]*models.ChainRecord),
		order:   make(map[models.ChainKey][]uuid.UUID),
		blocks:  make(map[models.ChainKey]models.ChainBlock),
	}
}

func (s *InMemory) Latest(_ context.Context, key models.ChainKey) (*models.ChainRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	head := s.headLocked(key)
	if head == nil {
		return nil, sentinel.ErrNotFound
	}
	return clone(head), nil
}

// headLocked returns the last chained record for key. Caller holds mu.
func (s *InMemory) headLocked(key models.ChainKey) *models.ChainRecord {
	ids := s.order[key]
	for i := len(ids) - 1; i >= 0; i-- {
		if r := s.records[ids[i]]; r.Chained {
			return r
		}
	}
	return nil
}

// Append stores rec. A chained record must link to the current head;
// otherwise sentinel.ErrInvalidState is returned and nothing is written.
func (s *InMemory) Append(_ context.Context, rec *models.ChainRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Key()
	for _, id := range s.order[key] {
		if s.records[id].DocumentNumber == rec.DocumentNumber {
			return sentinel.ErrConflict
		}
	}
	if rec.Chained {
		headHash := ""
		if head := s.headLocked(key); head != nil {
			headHash = head.Hash
		}
		if headHash != rec.PreviousHash {
			return sentinel.ErrInvalidState
		}
	}
	s.records[rec.ID] = clone(rec)
	s.order[key] = append(s.order[key], rec.ID)
	return nil
}

func (s *InMemory) FindByID(_ context.Context, id uuid.UUID) (*models.ChainRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(r), nil
}

func (s *InMemory) FindByNumber(_ context.Context, key models.ChainKey, number string) (*models.ChainRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order[key] {
		if r := s.records[id]; r.DocumentNumber == number {
			return clone(r), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

// FindByHash returns the chained record of key carrying hash.
func (s *InMemory) FindByHash(_ context.Context, key models.ChainKey, hash string) (*models.ChainRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order[key] {
		if r := s.records[id]; r.Chained && r.Hash == hash {
			return clone(r), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) FindByNumbers(_ context.Context, key models.ChainKey, numbers []string) ([]*models.ChainRecord, error) {
	want := make(map[string]struct{}, len(numbers))
	for _, n := range numbers {
		want[n] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ChainRecord
	for _, id := range s.order[key] {
		r := s.records[id]
		if _, ok := want[r.DocumentNumber]; ok {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

// ListByKey returns every record of the chain in append order.
func (s *InMemory) ListByKey(_ context.Context, key models.ChainKey) ([]*models.ChainRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ChainRecord, 0, len(s.order[key]))
	for _, id := range s.order[key] {
		out = append(out, clone(s.records[id]))
	}
	return out, nil
}

// ListByPeriod returns records whose document date falls in [from, to].
func (s *InMemory) ListByPeriod(_ context.Context, key models.ChainKey, from, to time.Time) ([]*models.ChainRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ChainRecord
	for _, id := range s.order[key] {
		r := s.records[id]
		if r.DocumentDate.Before(from) || r.DocumentDate.After(to) {
			continue
		}
		out = append(out, clone(r))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DocumentDate.Before(out[j].DocumentDate) })
	return out, nil
}

// RecordOutcome writes the authority verdict once.
func (s *InMemory) RecordOutcome(_ context.Context, id uuid.UUID, outcome models.Outcome, status models.RecordStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if r.OutcomeRecorded {
		return sentinel.ErrAlreadyUsed
	}
	submittedAt := outcome.SubmittedAt
	r.Accepted = outcome.Accepted
	r.CSV = outcome.CSV
	r.AuthorityStatus = outcome.AuthorityStatus
	r.SubmittedAt = &submittedAt
	r.Status = status
	r.OutcomeRecorded = true
	return nil
}

func (s *InMemory) Count(_ context.Context, key models.ChainKey) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order[key]), nil
}

func (s *InMemory) DeleteChain(_ context.Context, key models.ChainKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.order[key]
	for _, id := range ids {
		delete(s.records, id)
	}
	delete(s.order, key)
	delete(s.blocks, key)
	return len(ids), nil
}

func (s *InMemory) Block(_ context.Context, block models.ChainBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[block.Key]; ok {
		return nil
	}
	s.blocks[block.Key] = block
	return nil
}

func (s *InMemory) Unblock(_ context.Context, key models.ChainKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[key]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.blocks, key)
	return nil
}

func (s *InMemory) FindBlock(_ context.Context, key models.ChainKey) (*models.ChainBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[key]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &b, nil
}

func clone(r *models.ChainRecord) *models.ChainRecord {
	c := *r
	if r.Facts.Recipient != nil {
		rc := *r.Facts.Recipient
		c.Facts.Recipient = &rc
	}
	if r.SubmittedAt != nil {
		t := *r.SubmittedAt
		c.SubmittedAt = &t
	}
	return &c
}
