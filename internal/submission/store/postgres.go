package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"verifactu/internal/platform/postgres"
	"verifactu/internal/submission/models"
	"verifactu/pkg/platform/sentinel"
	txcontext "verifactu/pkg/platform/tx"
)

// PostgresStore persists the submission log in the submission_log table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const selectColumns = `
	SELECT id, owner_id, chain_record_id, nif, document_number, environment, endpoint,
		request_hash, outcome, success, csv, response_code, response_message, error_codes,
		duration_ms, certificate_fingerprint, archive_key, submitted_at
	FROM submission_log
`

func (s *PostgresStore) Append(ctx context.Context, e *models.LogEntry) error {
	query := `
		INSERT INTO submission_log (
			id, owner_id, chain_record_id, nif, document_number, environment, endpoint,
			request_hash, outcome, success, csv, response_code, response_message, error_codes,
			duration_ms, certificate_fingerprint, archive_key, submitted_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	codes := e.ErrorCodes
	if codes == nil {
		codes = []string{}
	}
	_, err := s.execer(ctx).ExecContext(ctx, query,
		e.ID,
		e.OwnerID,
		e.ChainRecordID,
		e.NIF,
		e.DocumentNumber,
		e.Environment,
		e.Endpoint,
		e.RequestHash,
		string(e.Outcome),
		e.Success,
		e.CSV,
		e.ResponseCode,
		e.ResponseMessage,
		pq.Array(codes),
		e.DurationMS,
		e.CertificateFingerprint,
		e.ArchiveKey,
		e.SubmittedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert submission log entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*models.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, selectColumns+` WHERE owner_id = $1 ORDER BY submitted_at DESC LIMIT $2`, ownerID, limit)
}

func (s *PostgresStore) ListByRecord(ctx context.Context, recordID uuid.UUID) ([]*models.LogEntry, error) {
	return s.query(ctx, selectColumns+` WHERE chain_record_id = $1 ORDER BY submitted_at DESC`, recordID)
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*models.LogEntry, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query submission log: %w", err)
	}
	defer rows.Close()

	var out []*models.LogEntry
	for rows.Next() {
		var (
			e       models.LogEntry
			outcome string
		)
		if err := rows.Scan(
			&e.ID,
			&e.OwnerID,
			&e.ChainRecordID,
			&e.NIF,
			&e.DocumentNumber,
			&e.Environment,
			&e.Endpoint,
			&e.RequestHash,
			&outcome,
			&e.Success,
			&e.CSV,
			&e.ResponseCode,
			&e.ResponseMessage,
			pq.Array(&e.ErrorCodes),
			&e.DurationMS,
			&e.CertificateFingerprint,
			&e.ArchiveKey,
			&e.SubmittedAt,
		); err != nil {
			return nil, fmt.Errorf("scan submission log entry: %w", err)
		}
		e.Outcome = models.Outcome(outcome)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submission log: %w", err)
	}
	return out, nil
}
