// Package service submits reserved chain records to the tax authority and
// keeps the write-once submission log.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"verifactu/internal/archive"
	"verifactu/internal/audit"
	"verifactu/internal/authority"
	"verifactu/internal/certificate/vault"
	"verifactu/internal/chain/lock"
	chainmodels "verifactu/internal/chain/models"
	"verifactu/internal/platform/metrics"
	"verifactu/internal/record"
	"verifactu/internal/submission/models"
	dErrors "verifactu/pkg/domain-errors"
	"verifactu/pkg/platform/sentinel"
	"verifactu/pkg/requestcontext"
)

type Chain interface {
	Get(ctx context.Context, id uuid.UUID) (*chainmodels.ChainRecord, error)
	EnsureSubmittable(ctx context.Context, rec *chainmodels.ChainRecord) error
	RecordOutcome(ctx context.Context, id uuid.UUID, outcome chainmodels.Outcome) error
	Environment() chainmodels.Environment
}

type Formatter interface {
	BuildFromRecord(rec *chainmodels.ChainRecord) ([]byte, error)
}

type CredentialSource interface {
	Credentials(ctx context.Context, ownerID string) (*vault.Credentials, error)
}

type Transport interface {
	Submit(ctx context.Context, envelope []byte, id authority.Identity) (*authority.SubmissionResult, error)
	URL() string
}

type LogStore interface {
	Append(ctx context.Context, entry *models.LogEntry) error
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*models.LogEntry, error)
	ListByRecord(ctx context.Context, recordID uuid.UUID) ([]*models.LogEntry, error)
}

type Archive interface {
	Put(ctx context.Context, p archive.Payload) (string, error)
}

type AuditLog interface {
	Append(ctx context.Context, entry audit.Entry) (*audit.Event, error)
}

// Result is what one submission produced. Outcome is nil only when Submit
// returns an error.
type Result struct {
	Record  *chainmodels.ChainRecord    `json:"-"`
	Outcome *authority.SubmissionResult `json:"outcome"`
	Entry   *models.LogEntry            `json:"submission"`
}

// Service runs boundary call 2: submit a reserved record and report the
// outcome. It never retries; transport failures leave the record reserved.
// A record is transmitted by at most one caller at a time.
type Service struct {
	chain       Chain
	inflight    lock.Locker
	formatter   Formatter
	credentials CredentialSource
	transport   Transport
	log         LogStore
	archive     Archive
	auditLog    AuditLog
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithArchive(a Archive) Option {
	return func(s *Service) {
		s.archive = a
	}
}

func WithAuditLog(a AuditLog) Option {
	return func(s *Service) {
		s.auditLog = a
	}
}

// WithInFlightLock sets the locker that claims a record for the length of one
// submission. Processes sharing a chain store must share the locker.
func WithInFlightLock(l lock.Locker) Option {
	return func(s *Service) {
		s.inflight = l
	}
}

func New(chain Chain, formatter Formatter, credentials CredentialSource, transport Transport, log LogStore, opts ...Option) (*Service, error) {
	switch {
	case chain == nil:
		return nil, errors.New("chain service is required")
	case formatter == nil:
		return nil, errors.New("record formatter is required")
	case credentials == nil:
		return nil, errors.New("credential source is required")
	case transport == nil:
		return nil, errors.New("authority transport is required")
	case log == nil:
		return nil, errors.New("submission log store is required")
	}
	s := &Service{
		chain:       chain,
		formatter:   formatter,
		credentials: credentials,
		transport:   transport,
		log:         log,
		inflight:    lock.NewLocal(),
		logger:      slog.Default(),
		tracer:      otel.Tracer("verifactu/submission"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit formats the record, sends it with the owner's certificate and
// records what the authority answered. Rejections and SOAP faults are
// results; failures to obtain an answer are errors. A record already being
// submitted by another caller is a conflict and nothing is sent.
func (s *Service) Submit(ctx context.Context, ownerID string, recordID uuid.UUID, meta models.Meta) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "submission.Submit", trace.WithAttributes(attribute.String("record.id", recordID.String())))
	defer span.End()

	release, err := s.claim(ctx, recordID)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := s.chain.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if err := s.chain.EnsureSubmittable(ctx, rec); err != nil {
		return nil, err
	}
	if meta.IssuerName != "" {
		rec.Facts.IssuerName = meta.IssuerName
	}

	body, err := s.formatter.BuildFromRecord(rec)
	if err != nil {
		return nil, err
	}
	envelope, err := record.Envelope(body)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to build SOAP envelope")
	}

	creds, err := s.credentials.Credentials(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	defer creds.Close()

	start := time.Now()
	result, sendErr := s.transport.Submit(ctx, envelope, creds)
	elapsed := time.Since(start)

	sum := sha256.Sum256(envelope)
	entry := &models.LogEntry{
		ID:                     uuid.New(),
		OwnerID:                ownerID,
		ChainRecordID:          rec.ID,
		NIF:                    rec.NIF,
		DocumentNumber:         rec.DocumentNumber,
		Environment:            string(s.chain.Environment()),
		Endpoint:               s.transport.URL(),
		RequestHash:            hex.EncodeToString(sum[:]),
		DurationMS:             elapsed.Milliseconds(),
		CertificateFingerprint: creds.Fingerprint,
		SubmittedAt:            requestcontext.Now(ctx),
	}

	var outcomeErr error
	if sendErr != nil {
		entry.Outcome = models.OutcomeError
		entry.ResponseCode = string(dErrors.CodeOf(sendErr))
		entry.ResponseMessage = sendErr.Error()
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, "transport failure")
	} else {
		entry.Outcome = models.Outcome(result.Kind)
		entry.Success = result.Accepted()
		entry.CSV = result.CSV
		entry.ResponseCode = result.Status
		entry.ResponseMessage = result.Message()
		entry.ErrorCodes = result.ErrorCodes()
		if result.Duration > 0 {
			entry.DurationMS = result.Duration.Milliseconds()
		}
		if result.Kind != authority.OutcomeTransportFailed {
			outcomeErr = s.recordOutcome(ctx, rec, result, entry.SubmittedAt)
		}
		span.SetAttributes(attribute.String("authority.outcome", string(result.Kind)))
	}

	s.archivePayload(ctx, entry, envelope, result, sendErr)
	if err := s.log.Append(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "failed to write submission log",
			"request_id", requestcontext.RequestID(ctx),
			"submission_id", entry.ID.String(),
			"error", err.Error(),
		)
	}
	s.audit(ctx, rec, entry, sendErr)
	s.metrics.IncSubmission(entry.Environment, string(entry.Outcome))

	s.logger.InfoContext(ctx, "record submitted",
		"request_id", requestcontext.RequestID(ctx),
		"record_id", rec.ID.String(),
		"chain", rec.Key().String(),
		"document_number", rec.DocumentNumber,
		"outcome", string(entry.Outcome),
		"response_code", entry.ResponseCode,
		"csv", entry.CSV,
		"duration_ms", entry.DurationMS,
	)

	if sendErr != nil {
		return nil, sendErr
	}
	if outcomeErr != nil {
		return nil, outcomeErr
	}
	return &Result{Record: rec, Outcome: result, Entry: entry}, nil
}

// claim holds the record until the outcome of this submission is stored.
// It does not wait: a record held elsewhere is reported straight away.
func (s *Service) claim(ctx context.Context, recordID uuid.UUID) (func(), error) {
	release, err := s.inflight.Acquire(ctx, "submit:"+recordID.String(), 0)
	switch {
	case err == nil:
		return release, nil
	case errors.Is(err, sentinel.ErrLocked):
		s.logger.WarnContext(ctx, "record already being submitted",
			"request_id", requestcontext.RequestID(ctx),
			"record_id", recordID.String(),
		)
		return nil, dErrors.New(dErrors.CodeConflict, "record is already being submitted")
	default:
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to claim record for submission")
	}
}

func (s *Service) recordOutcome(ctx context.Context, rec *chainmodels.ChainRecord, result *authority.SubmissionResult, at time.Time) error {
	outcome := chainmodels.Outcome{
		Accepted:        result.Accepted(),
		CSV:             result.CSV,
		AuthorityStatus: result.Status,
		SubmittedAt:     at,
	}
	if err := s.chain.RecordOutcome(ctx, rec.ID, outcome); err != nil {
		s.logger.ErrorContext(ctx, "failed to record authority outcome",
			"request_id", requestcontext.RequestID(ctx),
			"record_id", rec.ID.String(),
			"csv", result.CSV,
			"error", err.Error(),
		)
		return err
	}
	rec.OutcomeRecorded = true
	rec.Accepted = outcome.Accepted
	rec.CSV = outcome.CSV
	rec.AuthorityStatus = outcome.AuthorityStatus
	rec.SubmittedAt = &at
	rec.Status = chainmodels.StatusRejected
	if outcome.Accepted {
		rec.Status = chainmodels.StatusAccepted
	}
	return nil
}

func (s *Service) archivePayload(ctx context.Context, entry *models.LogEntry, envelope []byte, result *authority.SubmissionResult, sendErr error) {
	if s.archive == nil {
		return
	}
	p := archive.Payload{
		SubmissionID: entry.ID,
		RecordID:     entry.ChainRecordID,
		NIF:          entry.NIF,
		Request:      envelope,
		SubmittedAt:  entry.SubmittedAt,
	}
	if result != nil {
		p.Response = result.RawResponse
	} else {
		p.Response = authority.RawResponseOf(sendErr)
	}
	key, err := s.archive.Put(ctx, p)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to archive submission payload",
			"request_id", requestcontext.RequestID(ctx),
			"submission_id", entry.ID.String(),
			"error", err.Error(),
		)
		return
	}
	entry.ArchiveKey = key
}

func (s *Service) audit(ctx context.Context, rec *chainmodels.ChainRecord, entry *models.LogEntry, sendErr error) {
	if s.auditLog == nil {
		return
	}
	e := audit.Entry{
		EntityID:   rec.ID.String(),
		EventType:  audit.EventRecordSubmitted,
		HashBefore: rec.Hash,
		HashAfter:  rec.Hash,
		Metadata: map[string]string{
			"submission_id": entry.ID.String(),
			"outcome":       string(entry.Outcome),
			"response_code": entry.ResponseCode,
			"csv":           entry.CSV,
		},
	}
	if sendErr != nil {
		e.EventType = audit.EventSystemError
		e.Description = "submission failed: " + entry.ResponseCode
		e.Metadata["error"] = sendErr.Error()
	}
	if _, err := s.auditLog.Append(ctx, e); err != nil {
		s.logger.ErrorContext(ctx, "failed to append audit event",
			"request_id", requestcontext.RequestID(ctx),
			"entity_id", e.EntityID,
			"event_type", string(e.EventType),
			"error", err.Error(),
		)
	}
}

// History lists the owner's submissions, newest first.
func (s *Service) History(ctx context.Context, ownerID string, limit int) ([]*models.LogEntry, error) {
	if ownerID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "owner id is required")
	}
	entries, err := s.log.ListByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list submissions")
	}
	return entries, nil
}

// RecordHistory lists every attempt made for one chain record.
func (s *Service) RecordHistory(ctx context.Context, recordID uuid.UUID) ([]*models.LogEntry, error) {
	entries, err := s.log.ListByRecord(ctx, recordID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list record submissions")
	}
	return entries, nil
}
