package httptransport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"verifactu/internal/audit"
	"verifactu/internal/authority"
	certmodels "verifactu/internal/certificate/models"
	"verifactu/internal/chain/models"
	"verifactu/internal/platform/metrics"
	"verifactu/internal/reconcile"
	submissionmodels "verifactu/internal/submission/models"
	"verifactu/internal/submission/service"
	"verifactu/internal/transport/http/mocks"
	dErrors "verifactu/pkg/domain-errors"
	"verifactu/pkg/testutil"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks ChainService,SubmissionService,CertificateVault,Reconciler,AuditLog
type HandlerSuite struct {
	suite.Suite
	chain       *mocks.MockChainService
	submissions *mocks.MockSubmissionService
	vault       *mocks.MockCertificateVault
	reconciler  *mocks.MockReconciler
	audit       *mocks.MockAuditLog
	router      http.Handler
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.chain = mocks.NewMockChainService(ctrl)
	s.submissions = mocks.NewMockSubmissionService(ctrl)
	s.vault = mocks.NewMockCertificateVault(ctrl)
	s.reconciler = mocks.NewMockReconciler(ctrl)
	s.audit = mocks.NewMockAuditLog(ctrl)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	h := New(s.chain, s.submissions, s.vault, s.reconciler, s.audit, WithLogger(logger), WithMetrics(m))
	s.router = NewRouter(h, RouterConfig{Logger: logger, Metrics: m, Gatherer: reg})
}

func (s *HandlerSuite) do(method, path string, body any) *httptest.ResponseRecorder {
	return testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), method, path, body))
}

func sampleRecord() *models.ChainRecord {
	date := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	return &models.ChainRecord{
		ID:             uuid.New(),
		NIF:            "B12345674",
		SoftwareID:     "erp-1",
		DocumentNumber: "F-2025-001",
		DocumentDate:   date,
		Facts: models.DocumentFacts{
			IssuerNIF:      "B12345674",
			DocumentNumber: "F-2025-001",
			DocumentDate:   date,
			InvoiceType:    models.InvoiceTypeSimplified,
			BaseAmount:     decimal.RequireFromString("100"),
			VATRate:        decimal.RequireFromString("21"),
			VATAmount:      decimal.RequireFromString("21"),
			TotalAmount:    decimal.RequireFromString("121"),
		},
		Hash:        "ABCDEF",
		Timestamp:   "2025-01-15T10:00:00+01:00",
		Environment: models.EnvironmentSandbox,
		Status:      models.StatusReserved,
		Chained:     true,
		CreatedAt:   date,
	}
}

func (s *HandlerSuite) TestReserve() {
	rec := sampleRecord()
	s.Run("creates a record from the request facts", func() {
		s.chain.EXPECT().Reserve(gomock.Any(), models.NewChainKey("b12345674", "erp-1"), gomock.Any()).
			DoAndReturn(func(_ context.Context, key models.ChainKey, facts models.DocumentFacts) (*models.ChainRecord, error) {
				s.Equal("B12345674", facts.IssuerNIF)
				s.Equal(models.InvoiceTypeSimplified, facts.InvoiceType)
				s.True(facts.TotalAmount.Equal(decimal.RequireFromString("121.00")))
				s.Equal(time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), facts.DocumentDate)
				return rec, nil
			})

		w := s.do(http.MethodPost, "/v1/chains/b12345674/erp-1/records", map[string]any{
			"document_number": "F-2025-001",
			"document_date":   "2025-01-15",
			"invoice_type":    "F2",
			"base_amount":     "100.00",
			"vat_rate":        "21",
			"vat_amount":      "21.00",
			"total_amount":    "121.00",
		})
		s.Require().Equal(http.StatusCreated, w.Code)
		resp := testutil.UnmarshalResponse[RecordResponse](s.T(), w)
		s.Equal(rec.ID, resp.ID)
		s.Equal("ABCDEF", resp.Hash)
		s.Equal("F2", resp.InvoiceType)
		s.Equal("121.00", resp.TotalAmount)
		s.Contains(resp.QRURL, "numserie=F-2025-001")
		s.NotEmpty(w.Header().Get("X-Request-ID"))
	})

	s.Run("bad date is a validation error", func() {
		w := s.do(http.MethodPost, "/v1/chains/B12345674/erp-1/records", map[string]any{
			"document_number": "F-1",
			"document_date":   "15/01/2025",
			"invoice_type":    "F2",
		})
		testutil.AssertError(s.T(), w, http.StatusBadRequest, string(dErrors.CodeValidation), string(dErrors.ActionFixInput))
	})

	s.Run("unknown invoice type is a validation error", func() {
		w := s.do(http.MethodPost, "/v1/chains/B12345674/erp-1/records", map[string]any{
			"document_number": "F-1",
			"document_date":   "2025-01-15",
			"invoice_type":    "ZZ",
		})
		s.Equal(http.StatusBadRequest, w.Code)
	})

	s.Run("blocked chain maps to conflict", func() {
		s.chain.EXPECT().Reserve(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeChainBlocked, "chain is blocked"))
		w := s.do(http.MethodPost, "/v1/chains/B12345674/erp-1/records", map[string]any{
			"document_number": "F-1",
			"document_date":   "2025-01-15",
			"invoice_type":    "F2",
			"total_amount":    "10",
		})
		testutil.AssertError(s.T(), w, http.StatusConflict, string(dErrors.CodeChainBlocked), "")
	})

	s.Run("non JSON body is rejected", func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/chains/B12345674/erp-1/records", strings.NewReader("a=b"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		s.Equal(http.StatusBadRequest, w.Code)
	})
}

func (s *HandlerSuite) TestChainInfoAndVerify() {
	key := models.NewChainKey("B12345674", "erp-1")
	s.chain.EXPECT().Info(gomock.Any(), key).Return(&models.ChainInfo{
		Key:          key,
		TotalRecords: 2,
		LastHash:     "FFFF",
		LastNumber:   "F-2",
		LastDate:     time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	}, nil)
	w := s.do(http.MethodGet, "/v1/chains/B12345674/erp-1", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	info := testutil.UnmarshalResponse[ChainInfoResponse](s.T(), w)
	s.Equal(2, info.TotalRecords)
	s.Equal("2025-02-01", info.LastDate)

	broken := uuid.New()
	s.chain.EXPECT().VerifyChain(gomock.Any(), key).Return(&models.ChainVerification{
		Key:           key,
		TotalRecords:  3,
		VerifiedCount: 1,
		FirstBrokenID: &broken,
		Errors:        []string{"hash mismatch"},
	}, nil)
	w = s.do(http.MethodGet, "/v1/chains/B12345674/erp-1/verify", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	v := testutil.UnmarshalResponse[ChainVerificationResponse](s.T(), w)
	s.False(v.Valid)
	s.Equal(&broken, v.FirstBrokenID)
}

func (s *HandlerSuite) TestUnblockAndReset() {
	key := models.NewChainKey("B12345674", "erp-1")
	s.chain.EXPECT().Unblock(gomock.Any(), key).Return(nil)
	w := s.do(http.MethodPost, "/v1/chains/B12345674/erp-1/unblock", nil)
	s.Equal(http.StatusNoContent, w.Code)

	s.chain.EXPECT().Reset(gomock.Any(), key, false).
		Return(0, dErrors.New(dErrors.CodeValidation, "reset requires confirmation"))
	w = s.do(http.MethodPost, "/v1/chains/B12345674/erp-1/reset", ResetRequest{})
	s.Equal(http.StatusBadRequest, w.Code)

	s.chain.EXPECT().Reset(gomock.Any(), key, true).Return(4, nil)
	w = s.do(http.MethodPost, "/v1/chains/B12345674/erp-1/reset", ResetRequest{Confirm: true})
	s.Require().Equal(http.StatusOK, w.Code)
	s.Equal(map[string]int{"deleted": 4}, testutil.UnmarshalResponse[map[string]int](s.T(), w))
}

func (s *HandlerSuite) TestGetRecord() {
	rec := sampleRecord()
	s.chain.EXPECT().Get(gomock.Any(), rec.ID).Return(rec, nil)
	w := s.do(http.MethodGet, "/v1/records/"+rec.ID.String(), nil)
	s.Require().Equal(http.StatusOK, w.Code)
	s.Equal("reserved", testutil.UnmarshalResponse[RecordResponse](s.T(), w).Status)

	w = s.do(http.MethodGet, "/v1/records/not-a-uuid", nil)
	s.Equal(http.StatusBadRequest, w.Code)

	missing := uuid.New()
	s.chain.EXPECT().Get(gomock.Any(), missing).Return(nil, dErrors.New(dErrors.CodeNotFound, "record not found"))
	w = s.do(http.MethodGet, "/v1/records/"+missing.String(), nil)
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *HandlerSuite) TestSubmit() {
	rec := sampleRecord()

	s.Run("owner defaults to the record NIF", func() {
		s.chain.EXPECT().Get(gomock.Any(), rec.ID).Return(rec, nil)
		s.submissions.EXPECT().Submit(gomock.Any(), "B12345674", rec.ID, submissionmodels.Meta{IssuerName: "Empresa SL"}).
			Return(&service.Result{
				Record:  rec,
				Outcome: &authority.SubmissionResult{Kind: authority.OutcomeAccepted, Status: authority.StatusCorrect, CSV: "CSV123"},
				Entry:   &submissionmodels.LogEntry{ID: uuid.New(), Outcome: submissionmodels.OutcomeAccepted, CSV: "CSV123"},
			}, nil)
		w := s.do(http.MethodPost, "/v1/records/"+rec.ID.String()+"/submit", SubmitRequest{IssuerName: "Empresa SL"})
		s.Require().Equal(http.StatusOK, w.Code)
		body := testutil.UnmarshalResponse[map[string]map[string]any](s.T(), w)
		s.Equal("CSV123", body["outcome"]["csv"])
		s.Equal("accepted", body["submission"]["outcome"])
	})

	s.Run("rejection is unprocessable", func() {
		s.chain.EXPECT().Get(gomock.Any(), rec.ID).Return(rec, nil)
		s.submissions.EXPECT().Submit(gomock.Any(), "owner-1", rec.ID, gomock.Any()).
			Return(&service.Result{
				Record:  rec,
				Outcome: &authority.SubmissionResult{Kind: authority.OutcomeRejected, Status: authority.StatusIncorrect},
				Entry:   &submissionmodels.LogEntry{Outcome: submissionmodels.OutcomeRejected},
			}, nil)
		w := s.do(http.MethodPost, "/v1/records/"+rec.ID.String()+"/submit", SubmitRequest{OwnerID: "owner-1"})
		s.Equal(http.StatusUnprocessableEntity, w.Code)
	})

	s.Run("transport timeout maps to gateway timeout", func() {
		s.chain.EXPECT().Get(gomock.Any(), rec.ID).Return(rec, nil)
		s.submissions.EXPECT().Submit(gomock.Any(), gomock.Any(), rec.ID, gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeTransportTimeout, "authority did not answer"))
		w := s.do(http.MethodPost, "/v1/records/"+rec.ID.String()+"/submit", SubmitRequest{})
		testutil.AssertError(s.T(), w, http.StatusGatewayTimeout, string(dErrors.CodeTransportTimeout), string(dErrors.ActionRetryLater))
	})

	s.Run("expired certificate", func() {
		s.chain.EXPECT().Get(gomock.Any(), rec.ID).Return(rec, nil)
		s.submissions.EXPECT().Submit(gomock.Any(), gomock.Any(), rec.ID, gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeCertificateExpired, "certificate expired"))
		w := s.do(http.MethodPost, "/v1/records/"+rec.ID.String()+"/submit", SubmitRequest{})
		testutil.AssertError(s.T(), w, http.StatusUnprocessableEntity, string(dErrors.CodeCertificateExpired), string(dErrors.ActionFixCertificate))
	})
}

func (s *HandlerSuite) TestQR() {
	rec := sampleRecord()

	s.Run("json payload with legal text", func() {
		s.chain.EXPECT().Get(gomock.Any(), rec.ID).Return(rec, nil)
		s.audit.EXPECT().Append(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, e audit.Entry) (*audit.Event, error) {
				s.Equal(audit.EventQRGenerated, e.EventType)
				s.Equal(rec.ID.String(), e.EntityID)
				s.Equal(rec.Hash, e.HashBefore)
				s.Equal(rec.Hash, e.HashAfter)
				return &audit.Event{}, nil
			})
		w := s.do(http.MethodGet, "/v1/records/"+rec.ID.String()+"/qr?lang=en", nil)
		s.Require().Equal(http.StatusOK, w.Code)
		qr := testutil.UnmarshalResponse[QRResponse](s.T(), w)
		s.Equal("https://prewww2.aeat.es/wlpl/TIKE-CONT/ValidarQR?nif=B12345674&numserie=F-2025-001&fecha=15-01-2025&importe=121.00", qr.URL)
		s.Contains(qr.LegalText, "Invoice verifiable")
	})

	s.Run("png image", func() {
		s.chain.EXPECT().Get(gomock.Any(), rec.ID).Return(rec, nil)
		s.audit.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil, errors.New("audit down"))
		w := s.do(http.MethodGet, "/v1/records/"+rec.ID.String()+"/qr?format=png&size=128", nil)
		s.Require().Equal(http.StatusOK, w.Code)
		s.Equal("image/png", w.Header().Get("Content-Type"))
		s.True(bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))
	})

	s.Run("size out of range", func() {
		s.chain.EXPECT().Get(gomock.Any(), rec.ID).Return(rec, nil)
		s.audit.EXPECT().Append(gomock.Any(), gomock.Any()).Return(&audit.Event{}, nil)
		w := s.do(http.MethodGet, "/v1/records/"+rec.ID.String()+"/qr?format=png&size=5000", nil)
		s.Equal(http.StatusBadRequest, w.Code)
	})
}

func (s *HandlerSuite) TestSubmissionHistory() {
	rec := sampleRecord()
	s.submissions.EXPECT().RecordHistory(gomock.Any(), rec.ID).Return(nil, nil)
	w := s.do(http.MethodGet, "/v1/records/"+rec.ID.String()+"/submissions", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	s.JSONEq(`[]`, w.Body.String())

	s.submissions.EXPECT().History(gomock.Any(), "owner-1", 5).
		Return([]*submissionmodels.LogEntry{{ID: uuid.New(), OwnerID: "owner-1"}}, nil)
	w = s.do(http.MethodGet, "/v1/owners/owner-1/submissions?limit=5", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	s.Len(testutil.UnmarshalResponse[[]submissionmodels.LogEntry](s.T(), w), 1)

	w = s.do(http.MethodGet, "/v1/owners/owner-1/submissions?limit=-1", nil)
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *HandlerSuite) TestCertificate() {
	now := time.Now()
	stored := &certmodels.CertificateRecord{
		OwnerID:     "owner-1",
		SubjectNIF:  "B12345674",
		ValidFrom:   now.Add(-time.Hour),
		ValidUntil:  now.Add(48 * time.Hour),
		Fingerprint: "AA",
	}

	s.Run("store decodes base64 bundle", func() {
		s.vault.EXPECT().Store(gomock.Any(), "owner-1", []byte("p12-bytes"), "secret").Return(stored, nil)
		w := s.do(http.MethodPut, "/v1/owners/owner-1/certificate", CertificateRequest{Certificate: []byte("p12-bytes"), Password: "secret"})
		s.Require().Equal(http.StatusOK, w.Code)
		info := testutil.UnmarshalResponse[certmodels.Info](s.T(), w)
		s.Equal("B12345674", info.SubjectNIF)
		s.False(info.Expired)
	})

	s.Run("invalid bundle", func() {
		s.vault.EXPECT().Store(gomock.Any(), "owner-1", gomock.Any(), "bad").
			Return(nil, dErrors.New(dErrors.CodeInvalidCertificate, "wrong password"))
		w := s.do(http.MethodPut, "/v1/owners/owner-1/certificate", CertificateRequest{Certificate: []byte("x"), Password: "bad"})
		s.Equal(http.StatusBadRequest, w.Code)
	})

	s.Run("info", func() {
		s.vault.EXPECT().Info(gomock.Any(), "owner-1").Return(stored.Info(now), nil)
		w := s.do(http.MethodGet, "/v1/owners/owner-1/certificate", nil)
		s.Equal(http.StatusOK, w.Code)
	})

	s.Run("delete", func() {
		s.vault.EXPECT().Delete(gomock.Any(), "owner-1").Return(true, nil)
		w := s.do(http.MethodDelete, "/v1/owners/owner-1/certificate", nil)
		s.Equal(http.StatusNoContent, w.Code)

		s.vault.EXPECT().Delete(gomock.Any(), "owner-2").Return(false, nil)
		w = s.do(http.MethodDelete, "/v1/owners/owner-2/certificate", nil)
		s.Equal(http.StatusNotFound, w.Code)
	})
}

func (s *HandlerSuite) TestReconcile() {
	key := models.NewChainKey("B12345674", "erp-1")
	period := models.NewPeriod(2025, time.January)
	report := &reconcile.Report{NIF: key.NIF, SoftwareID: key.SoftwareID, Period: period.String(), MissingLocally: 1}

	s.Run("period is required", func() {
		w := s.do(http.MethodGet, "/v1/chains/B12345674/erp-1/reconcile", nil)
		s.Equal(http.StatusBadRequest, w.Code)
	})

	s.Run("verify", func() {
		s.reconciler.EXPECT().Verify(gomock.Any(), "owner-1", key, period).Return(report, nil)
		w := s.do(http.MethodGet, "/v1/chains/B12345674/erp-1/reconcile?period=2025-01&owner=owner-1", nil)
		s.Require().Equal(http.StatusOK, w.Code)
		body := testutil.UnmarshalResponse[map[string]any](s.T(), w)
		s.EqualValues(1, body["missing_locally"])
	})

	s.Run("import", func() {
		s.reconciler.EXPECT().Verify(gomock.Any(), "", key, period).Return(report, nil)
		s.reconciler.EXPECT().ImportMissing(gomock.Any(), report).Return(1, nil)
		w := s.do(http.MethodPost, "/v1/chains/B12345674/erp-1/reconcile/import?period=2025-01", nil)
		s.Require().Equal(http.StatusOK, w.Code)
		body := testutil.UnmarshalResponse[map[string]any](s.T(), w)
		s.EqualValues(1, body["imported"])
	})

	s.Run("authority unavailable", func() {
		s.reconciler.EXPECT().Verify(gomock.Any(), "", key, period).
			Return(nil, dErrors.New(dErrors.CodeTransportUnavailable, "authority unavailable"))
		w := s.do(http.MethodGet, "/v1/chains/B12345674/erp-1/reconcile?period=2025-01", nil)
		s.Equal(http.StatusBadGateway, w.Code)
	})
}

func (s *HandlerSuite) TestAudit() {
	s.audit.EXPECT().List(gomock.Any(), "rec-1").Return([]*audit.Event{{EntityID: "rec-1", EventType: audit.EventInvoiceCreated}}, nil)
	w := s.do(http.MethodGet, "/v1/audit/rec-1", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	events := testutil.UnmarshalResponse[[]audit.Event](s.T(), w)
	s.Require().Len(events, 1)
	s.Equal(audit.EventInvoiceCreated, events[0].EventType)

	s.audit.EXPECT().VerifyIntegrity(gomock.Any(), "rec-1").Return(false, "audit trail broken", nil)
	w = s.do(http.MethodGet, "/v1/audit/rec-1/verify", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	v := testutil.UnmarshalResponse[AuditVerificationResponse](s.T(), w)
	s.False(v.Valid)
	s.Equal("audit trail broken", v.Message)
}

func (s *HandlerSuite) TestMetricsEndpoint() {
	s.chain.EXPECT().Unblock(gomock.Any(), gomock.Any()).Return(nil)
	s.do(http.MethodPost, "/v1/chains/B12345674/erp-1/unblock", nil)

	w := s.do(http.MethodGet, "/metrics", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), "verifactu_http_request_seconds")
}

func TestHealthHandler(t *testing.T) {
	t.Run("all checks pass", func(t *testing.T) {
		h := healthHandler(map[string]HealthCheck{"postgres": func(context.Context) error { return nil }})
		w := httptest.NewRecorder()
		h(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"ok","checks":{"postgres":"ok"}}`, w.Body.String())
	})

	t.Run("failing check degrades", func(t *testing.T) {
		h := healthHandler(map[string]HealthCheck{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		})
		w := httptest.NewRecorder()
		h(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.JSONEq(t, `{"status":"degraded","checks":{"postgres":"ok","redis":"connection refused"}}`, w.Body.String())
	})

	t.Run("no checks", func(t *testing.T) {
		w := httptest.NewRecorder()
		healthHandler(nil)(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	})
}
