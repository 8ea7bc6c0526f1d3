// Package reconcile compares a local hash chain with the records the tax
// authority holds for the same taxpayer and period.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"verifactu/internal/authority"
	"verifactu/internal/certificate/vault"
	"verifactu/internal/chain/models"
	"verifactu/internal/platform/metrics"
	dErrors "verifactu/pkg/domain-errors"
	strutil "verifactu/pkg/platform/strings"
	"verifactu/pkg/requestcontext"
)

type AuthorityClient interface {
	Query(ctx context.Context, nif, name string, period models.Period, id authority.Identity) ([]authority.AuthorityRecord, error)
}

type CredentialSource interface {
	Credentials(ctx context.Context, ownerID string) (*vault.Credentials, error)
}

type RecordStore interface {
	ListByPeriod(ctx context.Context, key models.ChainKey, from, to time.Time) ([]*models.ChainRecord, error)
	FindByNumbers(ctx context.Context, key models.ChainKey, numbers []string) ([]*models.ChainRecord, error)
}

// Importer stores records found only at the authority outside the chain.
type Importer interface {
	Import(ctx context.Context, rec *models.ChainRecord) error
	Environment() models.Environment
}

// Reconciler never repairs a chain. It reports differences and, on request,
// imports records the authority has and the local store lacks.
type Reconciler struct {
	authority   AuthorityClient
	credentials CredentialSource
	records     RecordStore
	importer    Importer
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

type Option func(*Reconciler)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

func New(client AuthorityClient, credentials CredentialSource, records RecordStore, importer Importer, opts ...Option) (*Reconciler, error) {
	if client == nil {
		return nil, errors.New("authority client is required")
	}
	if credentials == nil {
		return nil, errors.New("credential source is required")
	}
	if records == nil {
		return nil, errors.New("record store is required")
	}
	if importer == nil {
		return nil, errors.New("importer is required")
	}
	r := &Reconciler{
		authority:   client,
		credentials: credentials,
		records:     records,
		importer:    importer,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Verify fetches both ledgers for period concurrently and classifies every
// document. ownerID selects the certificate; it defaults to the chain NIF.
func (r *Reconciler) Verify(ctx context.Context, ownerID string, key models.ChainKey, period models.Period) (*Report, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := period.Validate(); err != nil {
		return nil, err
	}
	if ownerID == "" {
		ownerID = key.NIF
	}

	var (
		remote []authority.AuthorityRecord
		local  []*models.ChainRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		creds, err := r.credentials.Credentials(gctx, ownerID)
		if err != nil {
			return err
		}
		defer creds.Close()
		remote, err = r.authority.Query(gctx, key.NIF, "", period, creds)
		return err
	})
	g.Go(func() error {
		var err error
		local, err = r.records.ListByPeriod(gctx, key, period.From(), period.To())
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to list local records")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report, err := r.classify(ctx, key, local, remote)
	if err != nil {
		return nil, err
	}
	report.Period = period.String()

	r.metrics.AddReconcileResult(string(StatusMatched), report.Matched)
	r.metrics.AddReconcileResult(string(StatusHashMismatch), report.HashMismatches)
	r.metrics.AddReconcileResult(string(StatusMissingInAuthority), report.MissingInAuthority)
	r.metrics.AddReconcileResult(string(StatusMissingLocally), report.MissingLocally)

	level := slog.LevelInfo
	if !report.OverallValid {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "chain reconciled",
		"request_id", requestcontext.RequestID(ctx),
		"chain", key.String(),
		"period", report.Period,
		"matched", report.Matched,
		"hash_mismatches", report.HashMismatches,
		"missing_in_authority", report.MissingInAuthority,
		"missing_locally", report.MissingLocally,
		"valid", report.OverallValid,
	)
	return report, nil
}

func (r *Reconciler) classify(ctx context.Context, key models.ChainKey, local []*models.ChainRecord, remote []authority.AuthorityRecord) (*Report, error) {
	report := &Report{
		Key:              key,
		NIF:              key.NIF,
		SoftwareID:       key.SoftwareID,
		LocalRecords:     len(local),
		AuthorityRecords: len(remote),
		CheckedAt:        requestcontext.Now(ctx),
	}

	byNumber := make(map[string]*models.ChainRecord, len(local))
	for _, rec := range local {
		byNumber[rec.DocumentNumber] = rec
	}

	// The authority may date a document outside the local period window.
	var unknown []string
	for _, ar := range remote {
		if _, ok := byNumber[ar.DocumentNumber]; !ok {
			unknown = append(unknown, ar.DocumentNumber)
		}
	}
	if unknown = strutil.DedupeAndTrim(unknown); len(unknown) > 0 {
		extra, err := r.records.FindByNumbers(ctx, key, unknown)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up local records")
		}
		for _, rec := range extra {
			byNumber[rec.DocumentNumber] = rec
		}
	}

	seen := make(map[string]bool, len(remote))
	for _, ar := range remote {
		seen[ar.DocumentNumber] = true
		d := Detail{
			DocumentNumber:  ar.DocumentNumber,
			DocumentDate:    ar.DocumentDate,
			AuthorityHash:   ar.Hash,
			AuthorityStatus: ar.Status,
		}
		rec, ok := byNumber[ar.DocumentNumber]
		switch {
		case !ok:
			d.Status = StatusMissingLocally
		case rec.Hash == ar.Hash:
			d.Status = StatusMatched
		default:
			d.Status = StatusHashMismatch
		}
		if ok {
			id := rec.ID
			d.RecordID = &id
			d.LocalHash = rec.Hash
		}
		report.add(d)
	}

	for _, rec := range local {
		if seen[rec.DocumentNumber] {
			continue
		}
		if !rec.OutcomeRecorded {
			report.Pending++
			continue
		}
		// Rejected records are never registered by the authority.
		if !rec.Accepted {
			continue
		}
		id := rec.ID
		report.add(Detail{
			DocumentNumber: rec.DocumentNumber,
			DocumentDate:   rec.DocumentDate,
			Status:         StatusMissingInAuthority,
			LocalHash:      rec.Hash,
			RecordID:       &id,
		})
	}

	sort.SliceStable(report.Details, func(i, j int) bool {
		a, b := report.Details[i], report.Details[j]
		if !a.DocumentDate.Equal(b.DocumentDate) {
			return a.DocumentDate.Before(b.DocumentDate)
		}
		return a.DocumentNumber < b.DocumentNumber
	})
	report.OverallValid = report.HashMismatches == 0 && report.MissingInAuthority == 0 && report.MissingLocally == 0
	return report, nil
}

// ImportMissing stores every missing_locally record of report as an imported
// record. Their predecessor is unknown, so they stay outside the chain.
// Documents that already exist locally are skipped.
func (r *Reconciler) ImportMissing(ctx context.Context, report *Report) (int, error) {
	if report == nil {
		return 0, dErrors.New(dErrors.CodeValidation, "report is required")
	}
	imported := 0
	for _, d := range report.ByStatus(StatusMissingLocally) {
		rec := &models.ChainRecord{
			NIF:             report.Key.NIF,
			SoftwareID:      report.Key.SoftwareID,
			DocumentNumber:  d.DocumentNumber,
			DocumentDate:    d.DocumentDate,
			Facts:           models.DocumentFacts{IssuerNIF: report.Key.NIF, DocumentNumber: d.DocumentNumber, DocumentDate: d.DocumentDate},
			Hash:            d.AuthorityHash,
			AuthorityStatus: d.AuthorityStatus,
			Environment:     r.importer.Environment(),
		}
		if err := r.importer.Import(ctx, rec); err != nil {
			if dErrors.HasCode(err, dErrors.CodeConflict) {
				r.logger.InfoContext(ctx, "imported record already present", "chain", report.Key.String(), "document_number", d.DocumentNumber)
				continue
			}
			return imported, err
		}
		imported++
	}
	if imported > 0 {
		r.logger.WarnContext(ctx, "authority records imported outside the chain",
			"request_id", requestcontext.RequestID(ctx),
			"chain", report.Key.String(),
			"imported", imported,
		)
	}
	return imported, nil
}
