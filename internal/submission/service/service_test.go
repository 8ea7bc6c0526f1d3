package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks CredentialSource,Transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"verifactu/internal/archive"
	"verifactu/internal/audit"
	"verifactu/internal/authority"
	"verifactu/internal/certificate/vault"
	"verifactu/internal/chain/lock"
	chainmodels "verifactu/internal/chain/models"
	chainservice "verifactu/internal/chain/service"
	chainstore "verifactu/internal/chain/store"
	"verifactu/internal/record"
	"verifactu/internal/submission/models"
	"verifactu/internal/submission/service/mocks"
	"verifactu/internal/submission/store"
	dErrors "verifactu/pkg/domain-errors"
	"verifactu/pkg/requestcontext"
)

const testEndpoint = "https://authority.test/soap"

type SubmissionSuite struct {
	suite.Suite
	ctrl        *gomock.Controller
	credentials *mocks.MockCredentialSource
	transport   *mocks.MockTransport
	chain       *chainservice.Service
	auditLog    *audit.Log
	archive     *archive.InMemory
	log         *store.InMemory
	service     *Service
	key         chainmodels.ChainKey
	ctx         context.Context
}

func TestSubmissionSuite(t *testing.T) {
	suite.Run(t, new(SubmissionSuite))
}

func (s *SubmissionSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.credentials = mocks.NewMockCredentialSource(s.ctrl)
	s.transport = mocks.NewMockTransport(s.ctrl)
	s.transport.EXPECT().URL().Return(testEndpoint).AnyTimes()

	madrid, err := time.LoadLocation("Europe/Madrid")
	s.Require().NoError(err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.auditLog = audit.NewLog(audit.NewInMemoryStore())
	s.chain = chainservice.New(chainstore.NewInMemory(), lock.NewLocal(), chainmodels.EnvironmentSandbox, madrid,
		chainservice.WithLogger(logger), chainservice.WithAuditLog(s.auditLog))
	s.archive = archive.NewInMemory()
	s.log = store.NewInMemory()

	formatter := record.NewFormatter(record.SoftwareInfo{
		ProducerName: "Facturas SL", ProducerNIF: "B12345674", SystemName: "verifactu", SystemID: "VF", Version: "1.0.0",
	})
	s.service, err = New(s.chain, formatter, s.credentials, s.transport, s.log,
		WithLogger(logger), WithArchive(s.archive), WithAuditLog(s.auditLog))
	s.Require().NoError(err)

	s.key = chainmodels.NewChainKey("Z0117657V", "pos-1")
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 1, 8, 20, 41, 52, 0, time.UTC))
}

func (s *SubmissionSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *SubmissionSuite) reserve(number string) *chainmodels.ChainRecord {
	rec, err := s.chain.Reserve(s.ctx, s.key, chainmodels.DocumentFacts{
		IssuerNIF:      "Z0117657V",
		DocumentNumber: number,
		DocumentDate:   time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC),
		InvoiceType:    chainmodels.InvoiceTypeSimplified,
		VATRate:        decimal.RequireFromString("21"),
		BaseAmount:     decimal.RequireFromString("10"),
		VATAmount:      decimal.RequireFromString("2.1"),
		TotalAmount:    decimal.RequireFromString("12.1"),
	})
	s.Require().NoError(err)
	return rec
}

func (s *SubmissionSuite) expectCredentials() *vault.Credentials {
	creds := &vault.Credentials{OwnerID: "owner-1", SubjectNIF: "Z0117657V", Fingerprint: "ab12cd34"}
	s.credentials.EXPECT().Credentials(gomock.Any(), "owner-1").Return(creds, nil)
	return creds
}

func (s *SubmissionSuite) TestNew() {
	s.Run("missing dependencies", func() {
		_, err := New(nil, nil, nil, nil, nil)
		s.ErrorContains(err, "chain service is required")
		_, err = New(s.chain, record.NewFormatter(record.SoftwareInfo{}), s.credentials, s.transport, nil)
		s.ErrorContains(err, "submission log store is required")
	})
}

func (s *SubmissionSuite) TestAccepted() {
	rec := s.reserve("A-1")
	creds := s.expectCredentials()

	var sent []byte
	s.transport.EXPECT().Submit(gomock.Any(), gomock.Any(), creds).DoAndReturn(
		func(_ context.Context, envelope []byte, _ authority.Identity) (*authority.SubmissionResult, error) {
			sent = envelope
			return &authority.SubmissionResult{
				Kind: authority.OutcomeAccepted, Status: "Correcto", CSV: "A-CSV1", WaitSeconds: 60,
				HTTPStatus: 200, Duration: 150 * time.Millisecond, RawResponse: []byte("<ok/>"),
			}, nil
		})

	result, err := s.service.Submit(s.ctx, "owner-1", rec.ID, models.Meta{IssuerName: "Tienda Uno"})
	s.Require().NoError(err)
	s.True(result.Outcome.Accepted())
	s.True(bytes.Contains(sent, []byte("<sum1:Huella>"+rec.Hash+"</sum1:Huella>")))
	s.True(bytes.Contains(sent, []byte("Tienda Uno")))

	stored, err := s.chain.Get(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(chainmodels.StatusAccepted, stored.Status)
	s.Equal("A-CSV1", stored.CSV)
	s.Equal("Correcto", stored.AuthorityStatus)
	s.True(stored.OutcomeRecorded)

	entry := result.Entry
	sum := sha256.Sum256(sent)
	s.Equal(hex.EncodeToString(sum[:]), entry.RequestHash)
	s.Equal(models.OutcomeAccepted, entry.Outcome)
	s.True(entry.Success)
	s.Equal(testEndpoint, entry.Endpoint)
	s.Equal("sandbox", entry.Environment)
	s.Equal("ab12cd34", entry.CertificateFingerprint)
	s.EqualValues(150, entry.DurationMS)
	s.NotEmpty(entry.ArchiveKey)

	archived, ok := s.archive.Object(entry.ArchiveKey + "/response.xml")
	s.True(ok)
	s.Equal("<ok/>", string(archived))

	history, err := s.service.History(s.ctx, "owner-1", 10)
	s.Require().NoError(err)
	s.Require().Len(history, 1)
	s.Equal(entry.ID, history[0].ID)

	events, err := s.auditLog.List(s.ctx, rec.ID.String())
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(audit.EventRecordSubmitted, events[1].EventType)
	s.Equal(rec.Hash, events[1].HashBefore)
	ok, _, err = s.auditLog.VerifyIntegrity(s.ctx, rec.ID.String())
	s.Require().NoError(err)
	s.True(ok)
}

func (s *SubmissionSuite) TestRejectedIsAResult() {
	rec := s.reserve("A-2")
	s.expectCredentials()
	s.transport.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Return(&authority.SubmissionResult{
		Kind:   authority.OutcomeRejected,
		Status: "Incorrecto",
		Lines:  []authority.LineResult{{Status: "Incorrecto", ErrorCode: "4102", ErrorDescription: "El XML no cumple el esquema"}},
	}, nil)

	result, err := s.service.Submit(s.ctx, "owner-1", rec.ID, models.Meta{})
	s.Require().NoError(err)
	s.Equal(authority.OutcomeRejected, result.Outcome.Kind)
	s.Equal([]string{"4102"}, result.Entry.ErrorCodes)
	s.Equal("El XML no cumple el esquema", result.Entry.ResponseMessage)
	s.Equal(chainmodels.StatusRejected, result.Record.Status)

	_, err = s.service.Submit(s.ctx, "owner-1", rec.ID, models.Meta{})
	s.Equal(dErrors.CodeConflict, dErrors.CodeOf(err), "an outcome is recorded once")
}

func (s *SubmissionSuite) TestTransportErrorLeavesRecordReserved() {
	rec := s.reserve("A-3")
	s.expectCredentials()
	s.transport.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, dErrors.New(dErrors.CodeTransportTimeout, "authority did not answer in time"))

	_, err := s.service.Submit(s.ctx, "owner-1", rec.ID, models.Meta{})
	s.Equal(dErrors.CodeTransportTimeout, dErrors.CodeOf(err))

	stored, err := s.chain.Get(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(chainmodels.StatusReserved, stored.Status)
	s.False(stored.OutcomeRecorded)

	entries, err := s.service.RecordHistory(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(models.OutcomeError, entries[0].Outcome)
	s.Equal("transport_timeout", entries[0].ResponseCode)

	events, err := s.auditLog.List(s.ctx, rec.ID.String())
	s.Require().NoError(err)
	s.Equal(audit.EventSystemError, events[len(events)-1].EventType)
}

func (s *SubmissionSuite) TestSOAPFaultKeepsRecordSubmittable() {
	rec := s.reserve("A-4")
	s.expectCredentials()
	s.transport.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Return(&authority.SubmissionResult{
		Kind: authority.OutcomeTransportFailed, Status: authority.StatusSOAPFault, FaultMessage: "Error interno",
	}, nil)

	result, err := s.service.Submit(s.ctx, "owner-1", rec.ID, models.Meta{})
	s.Require().NoError(err)
	s.Equal(models.OutcomeTransportFailed, result.Entry.Outcome)

	stored, err := s.chain.Get(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.NoError(s.chain.EnsureSubmittable(s.ctx, stored))
}

func (s *SubmissionSuite) TestCredentialFailureSendsNothing() {
	rec := s.reserve("A-5")
	s.credentials.EXPECT().Credentials(gomock.Any(), "owner-1").
		Return(nil, dErrors.New(dErrors.CodeCertificateExpired, "certificate expired"))

	_, err := s.service.Submit(s.ctx, "owner-1", rec.ID, models.Meta{})
	s.Equal(dErrors.CodeCertificateExpired, dErrors.CodeOf(err))
	s.Equal(dErrors.ActionFixCertificate, dErrors.ActionFor(dErrors.CodeOf(err)))

	entries, err := s.service.RecordHistory(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Empty(entries)
}

func (s *SubmissionSuite) TestUnknownRecord() {
	_, err := s.service.Submit(s.ctx, "owner-1", uuid.New(), models.Meta{})
	s.Equal(dErrors.CodeNotFound, dErrors.CodeOf(err))
}

func (s *SubmissionSuite) TestHistoryRequiresOwner() {
	_, err := s.service.History(s.ctx, "", 10)
	s.Equal(dErrors.CodeValidation, dErrors.CodeOf(err))
}

func (s *SubmissionSuite) TestConcurrentSubmitIsAConflict() {
	rec := s.reserve("A-6")
	s.expectCredentials()

	entered := make(chan struct{})
	proceed := make(chan struct{})
	s.transport.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Times(1).DoAndReturn(
		func(context.Context, []byte, authority.Identity) (*authority.SubmissionResult, error) {
			close(entered)
			<-proceed
			return &authority.SubmissionResult{Kind: authority.OutcomeAccepted, Status: "Correcto", CSV: "A-CSV6"}, nil
		})

	type outcome struct {
		result *Result
		err    error
	}
	first := make(chan outcome, 1)
	go func() {
		result, err := s.service.Submit(s.ctx, "owner-1", rec.ID, models.Meta{})
		first <- outcome{result, err}
	}()
	<-entered

	_, err := s.service.Submit(s.ctx, "owner-1", rec.ID, models.Meta{})
	s.Equal(dErrors.CodeConflict, dErrors.CodeOf(err))

	close(proceed)
	got := <-first
	s.Require().NoError(got.err)
	s.Equal("A-CSV6", got.result.Entry.CSV)

	entries, err := s.service.RecordHistory(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Len(entries, 1, "only the claiming caller transmits")
}

func (s *SubmissionSuite) TestUnreadableAnswerIsArchived() {
	rec := s.reserve("A-7")
	s.expectCredentials()
	raw := []byte("<html><body>maintenance</body></html>")
	s.transport.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil,
		dErrors.Wrap(&authority.Error{Category: authority.CategoryParse, Message: "unreadable answer", Raw: raw},
			dErrors.CodeProtocol, "unreadable answer"))

	_, err := s.service.Submit(s.ctx, "owner-1", rec.ID, models.Meta{})
	s.Equal(dErrors.CodeProtocol, dErrors.CodeOf(err))

	entries, err := s.service.RecordHistory(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Require().NotEmpty(entries[0].ArchiveKey)

	archived, ok := s.archive.Object(entries[0].ArchiveKey + "/response.xml")
	s.True(ok)
	s.Equal(raw, archived)
}
