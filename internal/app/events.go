/**
 * @description
 * Event ingestion for processor notifications. Every event is recorded; only an event whose
 * occurred_at is strictly later than the latest one seen for its transaction moves the
 * transaction status and, through the invoice state machine, the invoice.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/internal/metrics"
	"github.com/transfa/billing-service/internal/store"
)

type EventService struct {
	repo     store.Repository
	invoices *InvoiceService
	clock    Clock
	notifier *StatusNotifier
	logger   *slog.Logger
}

func NewEventService(repo store.Repository, invoices *InvoiceService, clock Clock, notifier *StatusNotifier, logger *slog.Logger) *EventService {
	return &EventService{repo: repo, invoices: invoices, clock: clock, notifier: notifier, logger: logger}
}

func validateEventInput(in domain.EventInput) error {
	if in.TransactionID == uuid.Nil {
		return &domain.ValidationError{Field: "transaction_id", Reason: "is required"}
	}
	if strings.TrimSpace(in.ProcessorID) == "" {
		return &domain.ValidationError{Field: "processor_id", Reason: "is required"}
	}
	if !in.Status.Valid() {
		return &domain.ValidationError{Field: "status", Reason: "must be PENDING, SUCCEEDED or FAILED"}
	}
	if in.OccurredAt.IsZero() {
		return &domain.ValidationError{Field: "occurred_at", Reason: "is required"}
	}
	return nil
}

// AddEvent records a processor event. A repeated delivery of the same event returns
// *domain.DuplicateEventError and changes nothing.
func (s *EventService) AddEvent(ctx context.Context, in domain.EventInput) (*domain.TransactionEvent, error) {
	if err := validateEventInput(in); err != nil {
		return nil, err
	}

	var (
		event   *domain.TransactionEvent
		applied bool
		changed *domain.Invoice
	)
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		txn, err := tx.GetTransaction(ctx, in.TransactionID, true)
		if err != nil {
			return err
		}

		latest, err := tx.LatestTransactionEvent(ctx, txn.ID)
		if err != nil {
			return err
		}

		event = &domain.TransactionEvent{
			ID:            uuid.New(),
			TransactionID: txn.ID,
			ProcessorID:   strings.TrimSpace(in.ProcessorID),
			Status:        in.Status,
			OccurredAt:    in.OccurredAt.UTC(),
			CreatedAt:     s.clock.Now(),
		}
		if err := tx.CreateTransactionEvent(ctx, event); err != nil {
			return err
		}
		// Equal timestamps do not advance; processor_id only orders the history.
		if latest != nil && !event.OccurredAt.After(latest.OccurredAt) {
			return nil
		}

		applied = true
		old := txn.Status
		txn.Status = event.Status
		txn.UpdatedAt = event.CreatedAt
		if err := tx.UpdateTransaction(ctx, txn); err != nil {
			return err
		}

		inv, err := tx.GetInvoice(ctx, txn.InvoiceID, true)
		if err != nil {
			return err
		}
		moved, err := s.invoices.OnTransactionStatusChanged(ctx, tx, inv, txn, old)
		if err != nil {
			return err
		}
		if moved {
			changed = inv
		}
		return nil
	})
	if err != nil {
		var dup *domain.DuplicateEventError
		if errors.As(err, &dup) {
			metrics.EventsIngested.WithLabelValues("duplicate").Inc()
			s.logger.Info("duplicate transaction event ignored", "transaction_id", in.TransactionID, "processor_id", in.ProcessorID)
		}
		return nil, err
	}

	if applied {
		metrics.EventsIngested.WithLabelValues("applied").Inc()
	} else {
		metrics.EventsIngested.WithLabelValues("recorded").Inc()
	}
	s.logger.Info("transaction event ingested", "transaction_id", event.TransactionID, "processor_id", event.ProcessorID,
		"status", event.Status, "applied", applied)
	if changed != nil {
		s.notifier.InvoiceStatusChanged(ctx, changed, changed.UpdatedAt)
	}
	return event, nil
}
