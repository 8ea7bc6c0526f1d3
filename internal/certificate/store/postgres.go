package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"verifactu/internal/certificate/models"
	"verifactu/pkg/platform/sentinel"
	txcontext "verifactu/pkg/platform/tx"
)

// PostgresStore persists encrypted certificates in the certificates table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Upsert(ctx context.Context, rec *models.CertificateRecord) error {
	query := `
		INSERT INTO certificates (
			owner_id, certificate_type, subject_cn, subject_nif, issuer, serial_number,
			valid_from, valid_until, encrypted_certificate, encrypted_password, salt,
			kdf_iterations, fingerprint, active, use_count, last_used_at, uploaded_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 0, NULL, $15, $16)
		ON CONFLICT (owner_id) DO UPDATE SET
			certificate_type = EXCLUDED.certificate_type,
			subject_cn = EXCLUDED.subject_cn,
			subject_nif = EXCLUDED.subject_nif,
			issuer = EXCLUDED.issuer,
			serial_number = EXCLUDED.serial_number,
			valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until,
			encrypted_certificate = EXCLUDED.encrypted_certificate,
			encrypted_password = EXCLUDED.encrypted_password,
			salt = EXCLUDED.salt,
			kdf_iterations = EXCLUDED.kdf_iterations,
			fingerprint = EXCLUDED.fingerprint,
			active = EXCLUDED.active,
			use_count = 0,
			last_used_at = NULL,
			uploaded_at = EXCLUDED.uploaded_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		rec.OwnerID,
		rec.CertificateType,
		rec.SubjectCN,
		rec.SubjectNIF,
		rec.Issuer,
		rec.SerialNumber,
		rec.ValidFrom,
		rec.ValidUntil,
		rec.EncryptedCertificate,
		rec.EncryptedPassword,
		rec.Salt,
		rec.Iterations,
		rec.Fingerprint,
		rec.Active,
		rec.UploadedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert certificate: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindActive(ctx context.Context, ownerID string) (*models.CertificateRecord, error) {
	query := `
		SELECT owner_id, certificate_type, subject_cn, subject_nif, issuer, serial_number,
			valid_from, valid_until, encrypted_certificate, encrypted_password, salt,
			kdf_iterations, fingerprint, active, use_count, last_used_at, uploaded_at, updated_at
		FROM certificates
		WHERE owner_id = $1 AND active
	`
	var rec models.CertificateRecord
	var lastUsed sql.NullTime
	err := s.execer(ctx).QueryRowContext(ctx, query, ownerID).Scan(
		&rec.OwnerID,
		&rec.CertificateType,
		&rec.SubjectCN,
		&rec.SubjectNIF,
		&rec.Issuer,
		&rec.SerialNumber,
		&rec.ValidFrom,
		&rec.ValidUntil,
		&rec.EncryptedCertificate,
		&rec.EncryptedPassword,
		&rec.Salt,
		&rec.Iterations,
		&rec.Fingerprint,
		&rec.Active,
		&rec.UseCount,
		&lastUsed,
		&rec.UploadedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find certificate: %w", err)
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		rec.LastUsedAt = &t
	}
	return &rec, nil
}

func (s *PostgresStore) Delete(ctx context.Context, ownerID string) error {
	res, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM certificates WHERE owner_id = $1`, ownerID)
	if err != nil {
		return fmt.Errorf("delete certificate: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) MarkUsed(ctx context.Context, ownerID string, at time.Time) error {
	res, err := s.execer(ctx).ExecContext(ctx,
		`UPDATE certificates SET use_count = use_count + 1, last_used_at = $2 WHERE owner_id = $1`,
		ownerID, at,
	)
	if err != nil {
		return fmt.Errorf("mark certificate used: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
