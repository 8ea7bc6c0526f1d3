//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"verifactu/internal/submission/models"
	"verifactu/internal/submission/store"
	"verifactu/pkg/platform/sentinel"
	"verifactu/pkg/testutil/containers"
)

type PostgresSubmissionStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
}

func TestPostgresSubmissionStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresSubmissionStoreSuite))
}

func (s *PostgresSubmissionStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresSubmissionStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "submission_log"))
}

func entry(owner string, recordID uuid.UUID, at time.Time) *models.LogEntry {
	return &models.LogEntry{
		ID:             uuid.New(),
		OwnerID:        owner,
		ChainRecordID:  recordID,
		NIF:            "B12345674",
		DocumentNumber: "F-1",
		Environment:    "sandbox",
		Endpoint:       "https://prewww1.aeat.es/wlpl/TIKE-CONT/ws/SistemaFacturacion/VerifactuSOAP",
		RequestHash:    "ab12",
		Outcome:        models.OutcomeRejected,
		ResponseCode:   "Incorrecto",
		ErrorCodes:     []string{"4102", "1100"},
		DurationMS:     120,
		SubmittedAt:    at.UTC().Truncate(time.Microsecond),
	}
}

func (s *PostgresSubmissionStoreSuite) TestAppendAndList() {
	ctx := context.Background()
	recordID := uuid.New()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	first := entry("owner-1", recordID, base)
	second := entry("owner-1", recordID, base.Add(time.Minute))
	second.Outcome = models.OutcomeAccepted
	second.Success = true
	second.CSV = "CSV-1"
	second.ErrorCodes = nil
	other := entry("owner-2", uuid.New(), base)

	for _, e := range []*models.LogEntry{first, second, other} {
		s.Require().NoError(s.store.Append(ctx, e))
	}

	got, err := s.store.ListByOwner(ctx, "owner-1", 0)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(second.ID, got[0].ID)
	s.Equal(models.OutcomeAccepted, got[0].Outcome)
	s.Equal("CSV-1", got[0].CSV)
	s.Empty(got[0].ErrorCodes)
	s.Equal([]string{"4102", "1100"}, got[1].ErrorCodes)
	s.True(first.SubmittedAt.Equal(got[1].SubmittedAt))

	limited, err := s.store.ListByOwner(ctx, "owner-1", 1)
	s.Require().NoError(err)
	s.Len(limited, 1)

	byRecord, err := s.store.ListByRecord(ctx, recordID)
	s.Require().NoError(err)
	s.Len(byRecord, 2)

	none, err := s.store.ListByRecord(ctx, uuid.New())
	s.Require().NoError(err)
	s.Empty(none)
}

func (s *PostgresSubmissionStoreSuite) TestAppendIsWriteOnce() {
	ctx := context.Background()
	e := entry("owner-1", uuid.New(), time.Now())
	s.Require().NoError(s.store.Append(ctx, e))
	s.ErrorIs(s.store.Append(ctx, e), sentinel.ErrConflict)
}
