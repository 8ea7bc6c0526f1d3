package audit

import (
	"context"
	"log/slog"
)

type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Worker drains the audit outbox into a sink. Publish failures are logged;
// the database copy remains authoritative.
type Worker struct {
	sink   Sink
	inbox  <-chan Event
	logger *slog.Logger
}

func NewWorker(sink Sink, inbox <-chan Event, logger *slog.Logger) *Worker {
	return &Worker{sink: sink, inbox: inbox, logger: logger}
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.inbox:
			if !ok {
				return nil
			}
			if err := w.sink.Publish(ctx, event); err != nil {
				w.logger.ErrorContext(ctx, "failed to publish audit event",
					"event_id", event.ID,
					"entity_id", event.EntityID,
					"error", err.Error(),
				)
			}
		}
	}
}
