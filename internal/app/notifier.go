/**
 * @description
 * Publishes invoice status changes to RabbitMQ after the unit of work that caused them has
 * committed. Publishing is best effort: a failure is logged and never undoes the change.
 */
package app

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/billing-service/internal/domain"
)

// EventPublisher is satisfied by the RabbitMQ producer and its fallback.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// InvoiceStatusEvent is the message body published on every invoice status change.
type InvoiceStatusEvent struct {
	InvoiceID       uuid.UUID              `json:"invoice_id"`
	CompanyID       uuid.UUID              `json:"company_id"`
	CustomerID      uuid.UUID              `json:"customer_id"`
	Kind            domain.InvoiceKind     `json:"kind"`
	Status          domain.InvoiceStatus   `json:"status"`
	TransactionType domain.TransactionType `json:"transaction_type"`
	Amount          int64                  `json:"amount"`
	EffectiveAmount int64                  `json:"effective_amount"`
	OccurredAt      time.Time              `json:"occurred_at"`
}

// StatusNotifier publishes InvoiceStatusEvent messages. A nil notifier is a no-op.
type StatusNotifier struct {
	publisher EventPublisher
	exchange  string
	logger    *slog.Logger
}

func NewStatusNotifier(publisher EventPublisher, exchange string, logger *slog.Logger) *StatusNotifier {
	return &StatusNotifier{publisher: publisher, exchange: exchange, logger: logger}
}

// InvoiceRoutingKey returns the routing key for an invoice status, e.g. "invoice.settled".
func InvoiceRoutingKey(status domain.InvoiceStatus) string {
	return "invoice." + strings.ToLower(string(status))
}

func (n *StatusNotifier) InvoiceStatusChanged(ctx context.Context, inv *domain.Invoice, at time.Time) {
	if n == nil || n.publisher == nil || inv == nil {
		return
	}
	event := InvoiceStatusEvent{
		InvoiceID:       inv.ID,
		CompanyID:       inv.CompanyID,
		CustomerID:      inv.CustomerID,
		Kind:            inv.Kind,
		Status:          inv.Status,
		TransactionType: inv.TransactionType,
		Amount:          inv.Amount,
		EffectiveAmount: inv.EffectiveAmount(),
		OccurredAt:      at,
	}
	if err := n.publisher.Publish(ctx, n.exchange, InvoiceRoutingKey(inv.Status), event); err != nil {
		n.logger.Warn("failed to publish invoice status event", "invoice_id", inv.ID, "status", inv.Status, "error", err)
	}
}
