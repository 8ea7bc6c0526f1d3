package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"verifactu/internal/chain/models"
	"verifactu/internal/platform/postgres"
	"verifactu/pkg/platform/sentinel"
	txcontext "verifactu/pkg/platform/tx"
)

// PostgresStore persists chains in PostgreSQL. Appends take a transaction-scoped
// advisory lock on the chain key so the head check and the insert are atomic
// across processes.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const recordColumns = `
	id, nif, software_id, document_number, document_date, invoice_type,
	issuer_name, recipient_nif, recipient_name, recipient_country, recipient_id_type, recipient_id,
	description, base_amount, vat_rate, vat_amount, total_amount,
	hash, previous_hash, previous_number, previous_date, hash_input, generated_at, generated_at_text,
	environment, status, chained, csv, accepted, authority_status, outcome_recorded,
	created_at, submitted_at`

func (s *PostgresStore) Latest(ctx context.Context, key models.ChainKey) (*models.ChainRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM chain_records
		WHERE nif = $1 AND software_id = $2 AND chained
		ORDER BY seq DESC LIMIT 1`
	rec, err := scanRecord(s.execer(ctx).QueryRowContext(ctx, query, key.NIF, key.SoftwareID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find chain head: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Append(ctx context.Context, rec *models.ChainRecord) error {
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		exec := s.execer(ctx)
		if _, err := exec.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rec.Key().String()); err != nil {
			return fmt.Errorf("lock chain: %w", err)
		}
		if rec.Chained {
			var headHash string
			err := exec.QueryRowContext(ctx, `
				SELECT hash FROM chain_records
				WHERE nif = $1 AND software_id = $2 AND chained
				ORDER BY seq DESC LIMIT 1`, rec.NIF, rec.SoftwareID).Scan(&headHash)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("read chain head: %w", err)
			}
			if headHash != rec.PreviousHash {
				return sentinel.ErrInvalidState
			}
		}
		if err := s.insert(ctx, exec, rec); err != nil {
			if postgres.IsUniqueViolation(err) {
				return sentinel.ErrConflict
			}
			return fmt.Errorf("insert chain record: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) insert(ctx context.Context, exec dbExecutor, rec *models.ChainRecord) error {
	f := rec.Facts
	var recipient models.Recipient
	if f.Recipient != nil {
		recipient = *f.Recipient
	}
	var previousDate sql.NullTime
	if !rec.PreviousDate.IsZero() {
		previousDate = sql.NullTime{Time: rec.PreviousDate, Valid: true}
	}
	query := `INSERT INTO chain_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33)`
	_, err := exec.ExecContext(ctx, query,
		rec.ID, rec.NIF, rec.SoftwareID, rec.DocumentNumber, rec.DocumentDate, string(f.InvoiceType),
		f.IssuerName, recipient.NIF, recipient.Name, recipient.CountryCode, recipient.IDType, recipient.ID,
		f.Description, f.BaseAmount, f.VATRate, f.VATAmount, f.TotalAmount,
		rec.Hash, rec.PreviousHash, rec.PreviousNumber, previousDate, rec.HashInput, rec.GeneratedAt, rec.Timestamp,
		string(rec.Environment), string(rec.Status), rec.Chained, rec.CSV, rec.Accepted, rec.AuthorityStatus, rec.OutcomeRecorded,
		rec.CreatedAt, rec.SubmittedAt,
	)
	return err
}

func (s *PostgresStore) FindByID(ctx context.Context, id uuid.UUID) (*models.ChainRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM chain_records WHERE id = $1`
	rec, err := scanRecord(s.execer(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find chain record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) FindByNumber(ctx context.Context, key models.ChainKey, number string) (*models.ChainRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM chain_records
		WHERE nif = $1 AND software_id = $2 AND document_number = $3`
	rec, err := scanRecord(s.execer(ctx).QueryRowContext(ctx, query, key.NIF, key.SoftwareID, number))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find chain record by number: %w", err)
	}
	return rec, nil
}

// FindByHash returns the chained record of key carrying hash.
func (s *PostgresStore) FindByHash(ctx context.Context, key models.ChainKey, hash string) (*models.ChainRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM chain_records
		WHERE nif = $1 AND software_id = $2 AND hash = $3 AND chained`
	rec, err := scanRecord(s.execer(ctx).QueryRowContext(ctx, query, key.NIF, key.SoftwareID, hash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find chain record by hash: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) FindByNumbers(ctx context.Context, key models.ChainKey, numbers []string) ([]*models.ChainRecord, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	query := `SELECT ` + recordColumns + ` FROM chain_records
		WHERE nif = $1 AND software_id = $2 AND document_number = ANY($3)
		ORDER BY seq`
	return s.queryRecords(ctx, "find chain records by numbers", query, key.NIF, key.SoftwareID, pq.Array(numbers))
}

func (s *PostgresStore) ListByKey(ctx context.Context, key models.ChainKey) ([]*models.ChainRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM chain_records
		WHERE nif = $1 AND software_id = $2 ORDER BY seq`
	return s.queryRecords(ctx, "list chain", query, key.NIF, key.SoftwareID)
}

func (s *PostgresStore) ListByPeriod(ctx context.Context, key models.ChainKey, from, to time.Time) ([]*models.ChainRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM chain_records
		WHERE nif = $1 AND software_id = $2 AND document_date BETWEEN $3 AND $4
		ORDER BY document_date, seq`
	return s.queryRecords(ctx, "list chain period", query, key.NIF, key.SoftwareID, from, to)
}

func (s *PostgresStore) queryRecords(ctx context.Context, op, query string, args ...any) ([]*models.ChainRecord, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*models.ChainRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *PostgresStore) RecordOutcome(ctx context.Context, id uuid.UUID, outcome models.Outcome, status models.RecordStatus) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE chain_records
		SET accepted = $2, csv = $3, authority_status = $4, submitted_at = $5, status = $6, outcome_recorded = TRUE
		WHERE id = $1 AND NOT outcome_recorded`,
		id, outcome.Accepted, outcome.CSV, outcome.AuthorityStatus, outcome.SubmittedAt, string(status))
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	if n == 1 {
		return nil
	}
	var recorded bool
	err = s.execer(ctx).QueryRowContext(ctx, `SELECT outcome_recorded FROM chain_records WHERE id = $1`, id).Scan(&recorded)
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return sentinel.ErrAlreadyUsed
}

func (s *PostgresStore) Count(ctx context.Context, key models.ChainKey) (int, error) {
	var n int
	err := s.execer(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chain_records WHERE nif = $1 AND software_id = $2`, key.NIF, key.SoftwareID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chain: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteChain(ctx context.Context, key models.ChainKey) (int, error) {
	var deleted int64
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		exec := s.execer(ctx)
		res, err := exec.ExecContext(ctx, `DELETE FROM chain_records WHERE nif = $1 AND software_id = $2`, key.NIF, key.SoftwareID)
		if err != nil {
			return fmt.Errorf("delete chain: %w", err)
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("delete chain: %w", err)
		}
		if _, err := exec.ExecContext(ctx, `DELETE FROM chain_blocks WHERE nif = $1 AND software_id = $2`, key.NIF, key.SoftwareID); err != nil {
			return fmt.Errorf("delete chain block: %w", err)
		}
		return nil
	})
	return int(deleted), err
}

func (s *PostgresStore) Block(ctx context.Context, block models.ChainBlock) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO chain_blocks (nif, software_id, reason, blocked_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (nif, software_id) DO NOTHING`,
		block.Key.NIF, block.Key.SoftwareID, block.Reason, block.BlockedAt)
	if err != nil {
		return fmt.Errorf("block chain: %w", err)
	}
	return nil
}

func (s *PostgresStore) Unblock(ctx context.Context, key models.ChainKey) error {
	res, err := s.execer(ctx).ExecContext(ctx,
		`DELETE FROM chain_blocks WHERE nif = $1 AND software_id = $2`, key.NIF, key.SoftwareID)
	if err != nil {
		return fmt.Errorf("unblock chain: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FindBlock(ctx context.Context, key models.ChainKey) (*models.ChainBlock, error) {
	b := models.ChainBlock{Key: key}
	err := s.execer(ctx).QueryRowContext(ctx,
		`SELECT reason, blocked_at FROM chain_blocks WHERE nif = $1 AND software_id = $2`,
		key.NIF, key.SoftwareID).Scan(&b.Reason, &b.BlockedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find chain block: %w", err)
	}
	return &b, nil
}

func scanRecord(row interface{ Scan(dest ...any) error }) (*models.ChainRecord, error) {
	var (
		rec          models.ChainRecord
		invoiceType  string
		recipient    models.Recipient
		previousDate sql.NullTime
		submittedAt  sql.NullTime
		environment  string
		status       string
	)
	err := row.Scan(
		&rec.ID, &rec.NIF, &rec.SoftwareID, &rec.DocumentNumber, &rec.DocumentDate, &invoiceType,
		&rec.Facts.IssuerName, &recipient.NIF, &recipient.Name, &recipient.CountryCode, &recipient.IDType, &recipient.ID,
		&rec.Facts.Description, &rec.Facts.BaseAmount, &rec.Facts.VATRate, &rec.Facts.VATAmount, &rec.Facts.TotalAmount,
		&rec.Hash, &rec.PreviousHash, &rec.PreviousNumber, &previousDate, &rec.HashInput, &rec.GeneratedAt, &rec.Timestamp,
		&environment, &status, &rec.Chained, &rec.CSV, &rec.Accepted, &rec.AuthorityStatus, &rec.OutcomeRecorded,
		&rec.CreatedAt, &submittedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.DocumentDate = dateOnly(rec.DocumentDate)
	rec.Facts.IssuerNIF = rec.NIF
	rec.Facts.DocumentNumber = rec.DocumentNumber
	rec.Facts.DocumentDate = rec.DocumentDate
	rec.Facts.InvoiceType = models.InvoiceType(invoiceType)
	if recipient != (models.Recipient{}) {
		rec.Facts.Recipient = &recipient
	}
	if previousDate.Valid {
		rec.PreviousDate = dateOnly(previousDate.Time)
	}
	if submittedAt.Valid {
		t := submittedAt.Time
		rec.SubmittedAt = &t
	}
	rec.Environment = models.Environment(environment)
	rec.Status = models.RecordStatus(status)
	return &rec, nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
