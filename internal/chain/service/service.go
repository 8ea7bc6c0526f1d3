package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"verifactu/internal/audit"
	"verifactu/internal/chain/canonical"
	"verifactu/internal/chain/lock"
	"verifactu/internal/chain/models"
	"verifactu/internal/platform/metrics"
	dErrors "verifactu/pkg/domain-errors"
	"verifactu/pkg/platform/sentinel"
	"verifactu/pkg/requestcontext"
)

type Store interface {
	Latest(ctx context.Context, key models.ChainKey) (*models.ChainRecord, error)
	Append(ctx context.Context, rec *models.ChainRecord) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.ChainRecord, error)
	FindByHash(ctx context.Context, key models.ChainKey, hash string) (*models.ChainRecord, error)
	ListByKey(ctx context.Context, key models.ChainKey) ([]*models.ChainRecord, error)
	RecordOutcome(ctx context.Context, id uuid.UUID, outcome models.Outcome, status models.RecordStatus) error
	Count(ctx context.Context, key models.ChainKey) (int, error)
	DeleteChain(ctx context.Context, key models.ChainKey) (int, error)
	Block(ctx context.Context, block models.ChainBlock) error
	Unblock(ctx context.Context, key models.ChainKey) error
	FindBlock(ctx context.Context, key models.ChainKey) (*models.ChainBlock, error)
}

type AuditLog interface {
	Append(ctx context.Context, entry audit.Entry) (*audit.Event, error)
}

// Service owns the hash chains. Appends to one chain are serialized through
// the locker; the lock covers only hash computation and the local write.
type Service struct {
	store       Store
	locker      lock.Locker
	location    *time.Location
	environment models.Environment
	lockTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
	auditLog    AuditLog
	tracer      trace.Tracer
	now         func() time.Time
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

func WithAuditLog(a AuditLog) Option {
	return func(s *Service) {
		s.auditLog = a
	}
}

// WithClock overrides the time source of record generation times.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// New constructs a Service. location is the legal timezone of the hash timestamp.
func New(store Store, locker lock.Locker, environment models.Environment, location *time.Location, opts ...Option) *Service {
	s := &Service{
		store:       store,
		locker:      locker,
		location:    location,
		environment: environment,
		lockTimeout: 5 * time.Second,
		logger:      slog.Default(),
		tracer:      otel.Tracer("verifactu/chain"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Environment() models.Environment {
	return s.environment
}

// NextHash computes the next link of the chain for facts without persisting
// anything. The predecessor is checked before it is extended.
func (s *Service) NextHash(ctx context.Context, key models.ChainKey, facts models.DocumentFacts) (*models.HashResult, error) {
	facts.Normalize()
	if err := s.validate(key, facts); err != nil {
		return nil, err
	}

	prev, err := s.store.Latest(ctx, key)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load chain head")
	}
	previousHash := ""
	if prev != nil {
		if err := s.checkLink(ctx, key, prev); err != nil {
			return nil, err
		}
		previousHash = prev.Hash
	}

	// Read after the head so a writer that waited on the lock never stamps a
	// record earlier than its predecessor.
	generatedAt := s.now()
	if prev != nil && generatedAt.Before(prev.GeneratedAt) {
		generatedAt = prev.GeneratedAt
	}
	input, hash, ts := canonical.Compute(facts, previousHash, generatedAt, s.location)
	return &models.HashResult{
		Hash:         hash,
		PreviousHash: previousHash,
		HashInput:    input,
		GeneratedAt:  generatedAt,
		Timestamp:    ts,
		Previous:     prev,
	}, nil
}

func (s *Service) validate(key models.ChainKey, facts models.DocumentFacts) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := facts.Validate(); err != nil {
		return err
	}
	if facts.IssuerNIF != key.NIF {
		return dErrors.New(dErrors.CodeValidation, "issuer NIF does not match the chain taxpayer")
	}
	return nil
}

// checkLink verifies that rec still hashes to its stored value and that its
// predecessor exists.
func (s *Service) checkLink(ctx context.Context, key models.ChainKey, rec *models.ChainRecord) error {
	if reason := recordDefect(rec); reason != "" {
		return s.gap(ctx, key, rec.ID, reason)
	}
	if rec.PreviousHash == "" {
		return nil
	}
	if _, err := s.store.FindByHash(ctx, key, rec.PreviousHash); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return s.gap(ctx, key, rec.ID, "predecessor "+shortHash(rec.PreviousHash)+" is missing")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load chain predecessor")
	}
	return nil
}

// recordDefect rebuilds the canonical input from the stored facts and compares
// it with the stored input and hash. Returns "" for a sound record.
func recordDefect(rec *models.ChainRecord) string {
	rebuilt := canonical.Build(rec.Facts, rec.PreviousHash, rec.Timestamp)
	if rebuilt != rec.HashInput {
		return "stored facts no longer match the hashed input"
	}
	if canonical.Hash(rec.HashInput) != rec.Hash {
		return "stored hash does not match its input"
	}
	return ""
}

func (s *Service) gap(ctx context.Context, key models.ChainKey, recordID uuid.UUID, reason string) error {
	gapErr := &ChainGapError{Key: key, RecordID: recordID, Reason: reason}
	s.metrics.IncChainIntegrityFailure()
	s.logger.ErrorContext(ctx, "chain integrity failure",
		"request_id", requestcontext.RequestID(ctx),
		"chain", key.String(),
		"record_id", recordID,
		"reason", reason,
	)
	if err := s.store.Block(ctx, models.ChainBlock{Key: key, Reason: reason, BlockedAt: requestcontext.Now(ctx)}); err != nil {
		s.logger.ErrorContext(ctx, "failed to block chain", "chain", key.String(), "error", err.Error())
	}
	s.recordAudit(ctx, audit.Entry{
		EntityID:  key.String(),
		EventType: audit.EventSystemError,
		Metadata:  map[string]string{"reason": reason, "record_id": recordID.String()},
	})
	return dErrors.Wrap(gapErr, dErrors.CodeChainIntegrity, "chain integrity check failed")
}

// Reserve appends the next record of the chain and returns it with status
// reserved. Submission happens later, outside the lock.
func (s *Service) Reserve(ctx context.Context, key models.ChainKey, facts models.DocumentFacts) (*models.ChainRecord, error) {
	ctx, span := s.tracer.Start(ctx, "chain.Reserve", trace.WithAttributes(
		attribute.String("chain.nif", key.NIF),
		attribute.String("chain.software_id", key.SoftwareID),
	))
	defer span.End()

	rec, err := s.reserve(ctx, key, facts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		return nil, err
	}
	span.SetAttributes(attribute.String("chain.hash", rec.Hash))

	s.metrics.IncRecordsReserved(string(s.environment))
	s.logger.InfoContext(ctx, "chain record reserved",
		"request_id", requestcontext.RequestID(ctx),
		"chain", key.String(),
		"record_id", rec.ID,
		"document_number", rec.DocumentNumber,
		"first", rec.IsFirst(),
	)
	eventType := audit.EventInvoiceCreated
	if rec.Facts.InvoiceType.IsCorrective() {
		eventType = audit.EventInvoiceCorrected
	}
	s.recordAudit(ctx, audit.Entry{
		EntityID:  rec.ID.String(),
		EventType: eventType,
		HashAfter: rec.Hash,
		Metadata: map[string]string{
			"chain":           key.String(),
			"document_number": rec.DocumentNumber,
			"invoice_type":    rec.Facts.InvoiceType.WireCode(),
			"previous_hash":   rec.PreviousHash,
		},
	})
	return rec, nil
}

func (s *Service) reserve(ctx context.Context, key models.ChainKey, facts models.DocumentFacts) (*models.ChainRecord, error) {
	facts.Normalize()
	if err := s.validate(key, facts); err != nil {
		return nil, err
	}
	if err := s.ensureNotBlocked(ctx, key); err != nil {
		return nil, err
	}

	start := time.Now()
	release, err := s.locker.Acquire(ctx, key.String(), s.lockTimeout)
	waited := time.Since(start)
	s.metrics.ObserveLockWait(waited)
	if err != nil {
		if errors.Is(err, sentinel.ErrLocked) {
			return nil, dErrors.Wrap(&ConcurrentWriteError{Key: key, Waited: waited}, dErrors.CodeConcurrentWrite, "chain is busy, retry later")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to acquire chain lock")
	}
	defer release()

	next, err := s.NextHash(ctx, key, facts)
	if err != nil {
		return nil, err
	}

	rec := &models.ChainRecord{
		ID:             uuid.New(),
		NIF:            key.NIF,
		SoftwareID:     key.SoftwareID,
		DocumentNumber: facts.DocumentNumber,
		DocumentDate:   facts.DocumentDate,
		Facts:          facts,
		Hash:           next.Hash,
		PreviousHash:   next.PreviousHash,
		HashInput:      next.HashInput,
		GeneratedAt:    next.GeneratedAt,
		Timestamp:      next.Timestamp,
		Environment:    s.environment,
		Status:         models.StatusReserved,
		Chained:        true,
		CreatedAt:      next.GeneratedAt,
	}
	if next.Previous != nil {
		rec.PreviousNumber = next.Previous.DocumentNumber
		rec.PreviousDate = next.Previous.DocumentDate
	}

	if err := s.store.Append(ctx, rec); err != nil {
		switch {
		case errors.Is(err, sentinel.ErrConflict):
			return nil, dErrors.New(dErrors.CodeConflict, "document number is already chained")
		case errors.Is(err, sentinel.ErrInvalidState):
			return nil, dErrors.Wrap(&ConcurrentWriteError{Key: key, Waited: waited}, dErrors.CodeConcurrentWrite, "chain head moved, retry")
		default:
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to append chain record")
		}
	}
	return rec, nil
}

func (s *Service) ensureNotBlocked(ctx context.Context, key models.ChainKey) error {
	block, err := s.store.FindBlock(ctx, key)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to check chain block")
	}
	return dErrors.New(dErrors.CodeChainBlocked, "chain is blocked: "+block.Reason)
}

// Get returns a record by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.ChainRecord, error) {
	rec, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "chain record not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load chain record")
	}
	return rec, nil
}

// EnsureSubmittable fails when the record's chain is blocked, the outcome is
// already known, or the stored record no longer hashes to itself or lost its
// predecessor. A defect blocks the chain.
func (s *Service) EnsureSubmittable(ctx context.Context, rec *models.ChainRecord) error {
	if !rec.Chained {
		return dErrors.New(dErrors.CodeValidation, "imported records cannot be submitted")
	}
	if rec.OutcomeRecorded {
		return dErrors.New(dErrors.CodeConflict, "record outcome is already recorded")
	}
	if err := s.ensureNotBlocked(ctx, rec.Key()); err != nil {
		return err
	}
	return s.checkLink(ctx, rec.Key(), rec)
}

// RecordOutcome stores the authority verdict for a reserved record. It can be
// written exactly once.
func (s *Service) RecordOutcome(ctx context.Context, id uuid.UUID, outcome models.Outcome) error {
	status := models.StatusRejected
	if outcome.Accepted {
		status = models.StatusAccepted
	}
	if err := s.store.RecordOutcome(ctx, id, outcome, status); err != nil {
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			return dErrors.New(dErrors.CodeNotFound, "chain record not found")
		case errors.Is(err, sentinel.ErrAlreadyUsed):
			return dErrors.New(dErrors.CodeConflict, "record outcome is already recorded")
		default:
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record outcome")
		}
	}
	return nil
}

// Info summarizes the chain head.
func (s *Service) Info(ctx context.Context, key models.ChainKey) (*models.ChainInfo, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	total, err := s.store.Count(ctx, key)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count chain")
	}
	info := &models.ChainInfo{Key: key, TotalRecords: total, IsFirstRecord: true}

	head, err := s.store.Latest(ctx, key)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load chain head")
	}
	if head != nil {
		info.IsFirstRecord = false
		info.LastHash = head.Hash
		info.LastNumber = head.DocumentNumber
		info.LastDate = head.DocumentDate
		info.LastCSV = head.CSV
	}

	block, err := s.store.FindBlock(ctx, key)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check chain block")
	}
	if block != nil {
		info.Blocked = true
		info.BlockedReason = block.Reason
	}
	return info, nil
}

// VerifyChain walks the whole chain in append order. Imported records are not
// part of the chain and are skipped. A broken chain is blocked.
func (s *Service) VerifyChain(ctx context.Context, key models.ChainKey) (*models.ChainVerification, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	records, err := s.store.ListByKey(ctx, key)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list chain")
	}

	result := &models.ChainVerification{Key: key, Valid: true}
	expectedPrev := ""
	for _, rec := range records {
		if !rec.Chained {
			continue
		}
		result.TotalRecords++
		var problems []string
		if rec.PreviousHash != expectedPrev {
			problems = append(problems, fmt.Sprintf("record %s: previous hash %s, expected %s",
				rec.DocumentNumber, shortHash(rec.PreviousHash), shortHash(expectedPrev)))
		}
		if reason := recordDefect(rec); reason != "" {
			problems = append(problems, fmt.Sprintf("record %s: %s", rec.DocumentNumber, reason))
		}
		if len(problems) == 0 {
			result.VerifiedCount++
		} else {
			result.Errors = append(result.Errors, problems...)
			if result.FirstBrokenID == nil {
				id := rec.ID
				result.FirstBrokenID = &id
			}
			result.Valid = false
		}
		expectedPrev = rec.Hash
	}

	if !result.Valid {
		_ = s.gap(ctx, key, *result.FirstBrokenID, strings.Join(result.Errors, "; "))
	}
	return result, nil
}

// Unblock lifts a block after manual resolution.
func (s *Service) Unblock(ctx context.Context, key models.ChainKey) error {
	if err := s.store.Unblock(ctx, key); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "chain is not blocked")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to unblock chain")
	}
	s.logger.WarnContext(ctx, "chain unblocked", "request_id", requestcontext.RequestID(ctx), "chain", key.String())
	return nil
}

// Reset deletes a sandbox chain. It refuses without explicit confirmation and
// never runs against production.
func (s *Service) Reset(ctx context.Context, key models.ChainKey, confirm bool) (int, error) {
	if s.environment == models.EnvironmentProduction {
		return 0, dErrors.New(dErrors.CodeForbidden, "chains cannot be reset in production")
	}
	if !confirm {
		return 0, dErrors.New(dErrors.CodeValidation, "reset requires confirmation")
	}
	if err := key.Validate(); err != nil {
		return 0, err
	}
	n, err := s.store.DeleteChain(ctx, key)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to reset chain")
	}
	s.logger.WarnContext(ctx, "chain reset", "request_id", requestcontext.RequestID(ctx), "chain", key.String(), "deleted", n)
	return n, nil
}

// Import stores a record that exists at the authority but not locally. It is
// kept outside the chain: it never becomes a predecessor and is skipped by
// chain verification.
func (s *Service) Import(ctx context.Context, rec *models.ChainRecord) error {
	rec.Chained = false
	rec.Status = models.StatusImported
	rec.OutcomeRecorded = true
	rec.Accepted = true
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if err := s.store.Append(ctx, rec); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return dErrors.New(dErrors.CodeConflict, "document number already exists locally")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to import record")
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, entry audit.Entry) {
	if s.auditLog == nil {
		return
	}
	if _, err := s.auditLog.Append(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "failed to append audit event",
			"request_id", requestcontext.RequestID(ctx),
			"entity_id", entry.EntityID,
			"event_type", string(entry.EventType),
			"error", err.Error(),
		)
	}
}

func shortHash(h string) string {
	if h == "" {
		return `""`
	}
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
