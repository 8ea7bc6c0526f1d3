// Package httptransport exposes the chain, submission, certificate, reconcile
// and audit operations over JSON/HTTP.
package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"verifactu/internal/audit"
	certmodels "verifactu/internal/certificate/models"
	"verifactu/internal/chain/models"
	"verifactu/internal/platform/metrics"
	"verifactu/internal/platform/middleware"
	"verifactu/internal/reconcile"
	submissionmodels "verifactu/internal/submission/models"
	"verifactu/internal/submission/service"
	dErrors "verifactu/pkg/domain-errors"
	"verifactu/pkg/platform/httputil"
)

// ChainService reserves and inspects chain records.
type ChainService interface {
	Reserve(ctx context.Context, key models.ChainKey, facts models.DocumentFacts) (*models.ChainRecord, error)
	Get(ctx context.Context, id uuid.UUID) (*models.ChainRecord, error)
	Info(ctx context.Context, key models.ChainKey) (*models.ChainInfo, error)
	VerifyChain(ctx context.Context, key models.ChainKey) (*models.ChainVerification, error)
	Unblock(ctx context.Context, key models.ChainKey) error
	Reset(ctx context.Context, key models.ChainKey, confirm bool) (int, error)
	Environment() models.Environment
}

type SubmissionService interface {
	Submit(ctx context.Context, ownerID string, recordID uuid.UUID, meta submissionmodels.Meta) (*service.Result, error)
	History(ctx context.Context, ownerID string, limit int) ([]*submissionmodels.LogEntry, error)
	RecordHistory(ctx context.Context, recordID uuid.UUID) ([]*submissionmodels.LogEntry, error)
}

type CertificateVault interface {
	Store(ctx context.Context, ownerID string, certBytes []byte, password string) (*certmodels.CertificateRecord, error)
	Info(ctx context.Context, ownerID string) (*certmodels.Info, error)
	Delete(ctx context.Context, ownerID string) (bool, error)
}

type Reconciler interface {
	Verify(ctx context.Context, ownerID string, key models.ChainKey, period models.Period) (*reconcile.Report, error)
	ImportMissing(ctx context.Context, report *reconcile.Report) (int, error)
}

type AuditLog interface {
	Append(ctx context.Context, entry audit.Entry) (*audit.Event, error)
	List(ctx context.Context, entityID string) ([]*audit.Event, error)
	VerifyIntegrity(ctx context.Context, entityID string) (bool, string, error)
}

// Handler serves the HTTP API. Every service is required.
type Handler struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	chain       ChainService
	submissions SubmissionService
	vault       CertificateVault
	reconciler  Reconciler
	audit       AuditLog
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

func New(chain ChainService, submissions SubmissionService, vault CertificateVault, reconciler Reconciler, auditLog AuditLog, opts ...Option) *Handler {
	h := &Handler{
		logger:      slog.Default(),
		chain:       chain,
		submissions: submissions,
		vault:       vault,
		reconciler:  reconciler,
		audit:       auditLog,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts every API route on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.ContentTypeJSON)
		h.registerChains(r)
		h.registerRecords(r)
		h.registerOwners(r)
		h.registerAudit(r)
	})
}

// fail logs err at a level matching its code and writes the error response.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	attrs := []any{
		"request_id", middleware.GetRequestID(ctx),
		"error", err.Error(),
		"code", string(dErrors.CodeOf(err)),
	}
	if httputil.StatusFor(dErrors.CodeOf(err)) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg, attrs...)
	} else {
		h.logger.WarnContext(ctx, msg, attrs...)
	}
	httputil.WriteError(w, err)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return dErrors.New(dErrors.CodeBadRequest, "invalid request body")
	}
	return nil
}

func chainKeyParam(r *http.Request) (models.ChainKey, error) {
	key := models.NewChainKey(chi.URLParam(r, "nif"), chi.URLParam(r, "softwareID"))
	if err := key.Validate(); err != nil {
		return models.ChainKey{}, err
	}
	return key, nil
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeBadRequest, name+" must be a UUID")
	}
	return id, nil
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, dErrors.New(dErrors.CodeBadRequest, "limit must be a non-negative integer")
	}
	return n, nil
}

func requestIDOf(r *http.Request) string {
	return middleware.GetRequestID(r.Context())
}
