package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"verifactu/pkg/platform/sentinel"
	txcontext "verifactu/pkg/platform/tx"
)

// PostgresStore persists audit trails in the audit_events table. Appends to
// one entity are serialized with a transaction-scoped advisory lock.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
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

func (s *PostgresStore) Append(ctx context.Context, event *Event) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		exec := s.execer(ctx)
		if _, err := exec.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('audit:' || $1))`, event.EntityID); err != nil {
			return fmt.Errorf("lock audit trail: %w", err)
		}

		var last string
		err := exec.QueryRowContext(ctx,
			`SELECT hash_after FROM audit_events WHERE entity_id = $1 ORDER BY seq DESC LIMIT 1`,
			event.EntityID,
		).Scan(&last)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read audit trail head: %w", err)
		}
		if event.HashBefore != last {
			return sentinel.ErrInvalidState
		}

		query := `
			INSERT INTO audit_events (
				id, entity_id, event_type, event_code, description, hash_before, hash_after,
				metadata, client_ip, user_agent, request_id, created_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`
		_, err = exec.ExecContext(ctx, query,
			event.ID,
			event.EntityID,
			string(event.EventType),
			event.EventCode,
			event.Description,
			event.HashBefore,
			event.HashAfter,
			metadata,
			event.ClientIP,
			event.UserAgent,
			event.RequestID,
			event.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ListByEntity(ctx context.Context, entityID string) ([]*Event, error) {
	query := `
		SELECT id, entity_id, event_type, event_code, description, hash_before, hash_after,
			metadata, client_ip, user_agent, request_id, created_at
		FROM audit_events
		WHERE entity_id = $1
		ORDER BY seq
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, entityID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var eventType string
		var metadata []byte
		if err := rows.Scan(
			&e.ID, &e.EntityID, &eventType, &e.EventCode, &e.Description, &e.HashBefore, &e.HashAfter,
			&metadata, &e.ClientIP, &e.UserAgent, &e.RequestID, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.EventType = EventType(eventType)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
