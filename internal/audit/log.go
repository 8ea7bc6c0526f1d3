package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"verifactu/internal/platform/metrics"
	dErrors "verifactu/pkg/domain-errors"
	"verifactu/pkg/platform/sentinel"
	"verifactu/pkg/requestcontext"
)

// Log is the append-only audit trail. Events are persisted synchronously; a
// configured outbox additionally receives a copy for the Kafka publisher.
type Log struct {
	store   Store
	outbox  chan<- Event
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Log)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Log) {
		l.metrics = m
	}
}

// WithOutbox forwards every persisted event to ch without blocking. Events
// are dropped with a warning when ch is full.
func WithOutbox(ch chan<- Event) Option {
	return func(l *Log) {
		l.outbox = ch
	}
}

func NewLog(store Store, opts ...Option) *Log {
	l := &Log{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records entry. It is refused with audit_chain_break when
// entry.HashBefore is not the HashAfter of the entity's last event.
func (l *Log) Append(ctx context.Context, entry Entry) (*Event, error) {
	if entry.EntityID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "audit entity id is required")
	}
	if !entry.EventType.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown audit event type")
	}

	description := entry.Description
	if description == "" {
		description = entry.EventType.Description()
	}
	event := &Event{
		ID:          uuid.New(),
		EntityID:    entry.EntityID,
		EventType:   entry.EventType,
		EventCode:   entry.EventType.Code(),
		Description: description,
		HashBefore:  entry.HashBefore,
		HashAfter:   entry.HashAfter,
		Metadata:    entry.Metadata,
		ClientIP:    requestcontext.ClientIP(ctx),
		UserAgent:   requestcontext.UserAgent(ctx),
		RequestID:   requestcontext.RequestID(ctx),
		CreatedAt:   requestcontext.Now(ctx),
	}

	if err := l.store.Append(ctx, event); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return nil, dErrors.New(dErrors.CodeAuditChainBreak, "audit hash_before does not continue the trail")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to append audit event")
	}
	l.metrics.IncAuditEvent(string(event.EventType))

	if l.outbox != nil {
		select {
		case l.outbox <- *event:
		default:
			l.logger.WarnContext(ctx, "audit outbox full, event not forwarded",
				"event_id", event.ID,
				"entity_id", event.EntityID,
			)
		}
	}
	return event, nil
}

// List returns the entity's events in append order.
func (l *Log) List(ctx context.Context, entityID string) ([]*Event, error) {
	events, err := l.store.ListByEntity(ctx, entityID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list audit events")
	}
	return events, nil
}

// VerifyIntegrity walks the entity's trail. On the first break it returns
// false and a message naming the event and the expected and actual hashes.
func (l *Log) VerifyIntegrity(ctx context.Context, entityID string) (bool, string, error) {
	events, err := l.List(ctx, entityID)
	if err != nil {
		return false, "", err
	}
	previous := ""
	for _, e := range events {
		if e.HashBefore != previous {
			return false, fmt.Sprintf("audit trail broken at event %s: expected %s, got %s",
				e.ID, prefix(previous), prefix(e.HashBefore)), nil
		}
		previous = e.HashAfter
	}
	return true, fmt.Sprintf("%d events verified", len(events)), nil
}

func prefix(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
