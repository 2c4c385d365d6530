package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"solarpay/internal/clients/finledger"
	"solarpay/internal/clients/projects"
	"solarpay/internal/payment/domain"
)

// OutboxStore is the worker's view of the outbox.
type OutboxStore interface {
	DueCommands(ctx context.Context, limit int) ([]*domain.OutboxCommand, error)
	MarkCommandDone(ctx context.Context, id string) error
	RescheduleCommand(ctx context.Context, cmd *domain.OutboxCommand, errMsg string, maxAttempts int, backoff time.Duration) error
}

// ProjectWriter covers the project-service writes the worker delivers.
type ProjectWriter interface {
	UpdateStatus(ctx context.Context, projectID, status string) error
	AppendTimeline(ctx context.Context, projectID string, event projects.TimelineEvent) error
}

// EventPublisher publishes domain events to the message bus.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.Event) error
}

// WorkerConfig tunes the outbox drainer.
type WorkerConfig struct {
	PollInterval time.Duration `envconfig:"OUTBOX_POLL_INTERVAL" default:"2s"`
	BatchSize    int           `envconfig:"OUTBOX_BATCH_SIZE" default:"20"`
	MaxAttempts  int           `envconfig:"OUTBOX_MAX_ATTEMPTS" default:"8"`
	Backoff      time.Duration `envconfig:"OUTBOX_BACKOFF" default:"5s"`
}

// Worker drains the outbox: it claims due commands, delivers each to
// its remote target, and reschedules failures with exponential backoff.
// Commands that exhaust their attempts are parked for reconciliation
// instead of being dropped.
type Worker struct {
	store     OutboxStore
	projects  ProjectWriter
	finledger FinancingLedger
	publisher EventPublisher
	logger    *slog.Logger
	cfg       WorkerConfig
}

// NewWorker creates the outbox worker.
func NewWorker(store OutboxStore, projectWriter ProjectWriter, ledger FinancingLedger, publisher EventPublisher, cfg WorkerConfig, logger *slog.Logger) *Worker {
	return &Worker{
		store:     store,
		projects:  projectWriter,
		finledger: ledger,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
	}
}

// Run polls until the context is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info("outbox worker started",
		"poll_interval", w.cfg.PollInterval,
		"batch_size", w.cfg.BatchSize,
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("outbox worker stopped")
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// Drain runs one delivery pass. Exported for tests and for callers that
// want to force a pass outside the poll cadence.
func (w *Worker) Drain(ctx context.Context) {
	w.drain(ctx)
}

func (w *Worker) drain(ctx context.Context) {
	cmds, err := w.store.DueCommands(ctx, w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("fetching due outbox commands", "error", err)
		return
	}

	for _, cmd := range cmds {
		if err := w.deliver(ctx, cmd); err != nil {
			w.logger.Warn("outbox delivery failed",
				"command_id", cmd.ID,
				"kind", cmd.Kind,
				"attempts", cmd.Attempts+1,
				"error", err,
			)
			if err := w.store.RescheduleCommand(ctx, cmd, err.Error(), w.cfg.MaxAttempts, w.cfg.Backoff); err != nil {
				w.logger.Error("rescheduling outbox command", "command_id", cmd.ID, "error", err)
			}
			continue
		}
		if err := w.store.MarkCommandDone(ctx, cmd.ID); err != nil {
			w.logger.Error("marking outbox command done", "command_id", cmd.ID, "error", err)
		}
	}
}

func (w *Worker) deliver(ctx context.Context, cmd *domain.OutboxCommand) error {
	switch cmd.Kind {
	case domain.CommandProjectStatus:
		var payload domain.ProjectStatusPayload
		if err := cmd.DecodePayload(&payload); err != nil {
			return fmt.Errorf("decoding payload: %w", err)
		}
		return w.projects.UpdateStatus(ctx, cmd.ProjectID, payload.Status)

	case domain.CommandTimelineEvent:
		var payload domain.TimelinePayload
		if err := cmd.DecodePayload(&payload); err != nil {
			return fmt.Errorf("decoding payload: %w", err)
		}
		return w.projects.AppendTimeline(ctx, cmd.ProjectID, projects.TimelineEvent{
			Event:       payload.Event,
			Description: payload.Description,
			Amount:      payload.Amount,
			Reference:   cmd.Reference,
		})

	case domain.CommandCreditAdjust:
		var payload domain.CreditAdjustPayload
		if err := cmd.DecodePayload(&payload); err != nil {
			return fmt.Errorf("decoding payload: %w", err)
		}
		return w.finledger.AdjustCredit(ctx, &finledger.AdjustRequest{
			UserID:    payload.UserID,
			Amount:    payload.Amount,
			Direction: payload.Direction,
			ProjectID: cmd.ProjectID,
			Reason:    payload.Reason,
			Reference: cmd.Reference,
		})

	case domain.CommandPublishEvent:
		var event domain.Event
		if err := cmd.DecodePayload(&event); err != nil {
			return fmt.Errorf("decoding payload: %w", err)
		}
		return w.publisher.Publish(ctx, &event)

	default:
		return fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}
