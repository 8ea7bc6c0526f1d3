package store

import (
	"context"
	"sync"
	"time"

	"verifactu/internal/certificate/models"
	"verifactu/pkg/platform/sentinel"
)

// InMemory keeps encrypted certificates in process memory.
type InMemory struct {
	mu    sync.RWMutex
	certs map[string]*models.CertificateRecord
}

func NewInMemory() *InMemory {
	return &InMemory{certs: make(map[string]*models.CertificateRecord)}
}

// Upsert stores rec as the owner's only certificate, replacing any previous one.
func (s *InMemory) Upsert(_ context.Context, rec *models.CertificateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs[rec.OwnerID] = clone(rec)
	return nil
}

func (s *InMemory) FindActive(_ context.Context, ownerID string) (*models.CertificateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.certs[ownerID]
	if !ok || !rec.Active {
		return nil, sentinel.ErrNotFound
	}
	return clone(rec), nil
}

func (s *InMemory) Delete(_ context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.certs[ownerID]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.certs, ownerID)
	return nil
}

func (s *InMemory) MarkUsed(_ context.Context, ownerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.certs[ownerID]
	if !ok {
		return sentinel.ErrNotFound
	}
	rec.UseCount++
	rec.LastUsedAt = &at
	return nil
}

func clone(r *models.CertificateRecord) *models.CertificateRecord {
	c := *r
	c.EncryptedCertificate = append([]byte(nil), r.EncryptedCertificate...)
	c.EncryptedPassword = append([]byte(nil), r.EncryptedPassword...)
	c.Salt = append([]byte(nil), r.Salt...)
	if r.LastUsedAt != nil {
		t := *r.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}
