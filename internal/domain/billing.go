/**
 * @description
 * Core domain models for the billing engine. These structs map to the tables owned by
 * the service and are shared by the store, the application services and the API layer.
 *
 * @notes
 * - Amounts are int64 minor currency units.
 * - Nothing here is ever hard-deleted; cancellation and failure are terminal states.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Company owns plans and customers and holds the credential for its payment processor.
type Company struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	ProcessorKey string    `json:"-"`
	CallbackKey  string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Customer is a payer or payee known to a company's processor.
type Customer struct {
	ID           uuid.UUID `json:"id"`
	CompanyID    uuid.UUID `json:"company_id"`
	ProcessorURI string    `json:"processor_uri"`
	Email        string    `json:"email,omitempty"`
	Name         string    `json:"name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Plan is a billing template. It is immutable once referenced except for soft delete.
type Plan struct {
	ID        uuid.UUID `json:"id"`
	CompanyID uuid.UUID `json:"company_id"`
	Name      string    `json:"name"`
	PlanType  PlanType  `json:"plan_type"`
	Amount    int64     `json:"amount"`
	Frequency Frequency `json:"frequency"`
	Interval  int       `json:"interval"`
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Subscription binds a customer to a plan. NextInvoiceAt is always the scheduled instant
// of the next invoice that has not been created yet.
type Subscription struct {
	ID                   uuid.UUID  `json:"id"`
	PlanID               uuid.UUID  `json:"plan_id"`
	CustomerID           uuid.UUID  `json:"customer_id"`
	Amount               *int64     `json:"amount,omitempty"`
	FundingInstrumentURI string     `json:"funding_instrument_uri,omitempty"`
	StartedAt            time.Time  `json:"started_at"`
	NextInvoiceAt        time.Time  `json:"next_invoice_at"`
	Canceled             bool       `json:"canceled"`
	CanceledAt           *time.Time `json:"canceled_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// EffectiveAmount returns the override when set, otherwise the plan amount.
func (s Subscription) EffectiveAmount(plan Plan) int64 {
	if s.Amount != nil {
		return *s.Amount
	}
	return plan.Amount
}

// SubscriptionInvoice is the payload of invoices emitted by the scheduler.
type SubscriptionInvoice struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	ScheduledAt    time.Time `json:"scheduled_at"`
}

// CustomerInvoice is the payload of invoices created directly for a customer.
type CustomerInvoice struct {
	ExternalID string `json:"external_id,omitempty"`
}

// Invoice is the authoritative unit of money owed. Exactly one of Subscription or
// Customer is set, matching Kind.
type Invoice struct {
	ID                   uuid.UUID            `json:"id"`
	CompanyID            uuid.UUID            `json:"company_id"`
	CustomerID           uuid.UUID            `json:"customer_id"`
	Kind                 InvoiceKind          `json:"kind"`
	Subscription         *SubscriptionInvoice `json:"subscription,omitempty"`
	Customer             *CustomerInvoice     `json:"customer,omitempty"`
	Title                string               `json:"title,omitempty"`
	Amount               int64                `json:"amount"`
	Status               InvoiceStatus        `json:"status"`
	FundingInstrumentURI string               `json:"funding_instrument_uri,omitempty"`
	TransactionType      TransactionType      `json:"transaction_type"`
	Items                []Item               `json:"items,omitempty"`
	Adjustments          []Adjustment         `json:"adjustments,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// EffectiveAmount is the amount plus every signed adjustment.
func (i Invoice) EffectiveAmount() int64 {
	return i.Amount + lo.SumBy(i.Adjustments, func(a Adjustment) int64 { return a.Amount })
}

// ExternalID returns the caller-side dedupe key of customer invoices.
func (i Invoice) ExternalID() string {
	switch i.Kind {
	case InvoiceKindCustomer:
		if i.Customer != nil {
			return i.Customer.ExternalID
		}
	case InvoiceKindSubscription:
	}
	return ""
}

// Item is an informational invoice line.
type Item struct {
	ID        uuid.UUID `json:"id"`
	InvoiceID uuid.UUID `json:"invoice_id"`
	Name      string    `json:"name"`
	Amount    int64     `json:"amount"`
	Type      string    `json:"type,omitempty"`
	Quantity  int64     `json:"quantity,omitempty"`
	Unit      string    `json:"unit,omitempty"`
}

// Adjustment is a signed delta applied to the invoice amount.
type Adjustment struct {
	ID        uuid.UUID `json:"id"`
	InvoiceID uuid.UUID `json:"invoice_id"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason,omitempty"`
}

// Transaction is one attempt to move money for an invoice.
type Transaction struct {
	ID              uuid.UUID         `json:"id"`
	InvoiceID       uuid.UUID         `json:"invoice_id"`
	TransactionType TransactionType   `json:"transaction_type"`
	SubmitStatus    SubmitStatus      `json:"submit_status"`
	Status          TransactionStatus `json:"status,omitempty"`
	Amount          int64             `json:"amount"`
	ProcessorURI    string            `json:"processor_uri,omitempty"`
	ReferenceToID   *uuid.UUID        `json:"reference_to_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TransactionEvent is an external status-change notification.
type TransactionEvent struct {
	ID            uuid.UUID         `json:"id"`
	TransactionID uuid.UUID         `json:"transaction_id"`
	ProcessorID   string            `json:"processor_id"`
	Status        TransactionStatus `json:"status"`
	OccurredAt    time.Time         `json:"occurred_at"`
	CreatedAt     time.Time         `json:"created_at"`
}

// After reports whether e sorts after other by (occurred_at, processor_id). It orders the event
// history; only a strictly later occurred_at moves a transaction.
func (e TransactionEvent) After(other TransactionEvent) bool {
	if !e.OccurredAt.Equal(other.OccurredAt) {
		return e.OccurredAt.After(other.OccurredAt)
	}
	return e.ProcessorID > other.ProcessorID
}

// TransactionFailure is a local submission failure used for retry accounting.
type TransactionFailure struct {
	ID            uuid.UUID `json:"id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	ErrorMessage  string    `json:"error_message"`
	ErrorNumber   *int      `json:"error_number,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// LiveTransactions returns the non-refund transactions still waiting for submission.
func LiveTransactions(txs []Transaction) []Transaction {
	return lo.Filter(txs, func(t Transaction, _ int) bool {
		return t.SubmitStatus.Live() && t.TransactionType != TransactionTypeRefund
	})
}

// RefundedAmount sums REFUND transactions that are staged, retrying or done.
func RefundedAmount(txs []Transaction) int64 {
	return lo.SumBy(txs, func(t Transaction) int64 {
		if t.TransactionType != TransactionTypeRefund {
			return 0
		}
		switch t.SubmitStatus {
		case SubmitStatusStaged, SubmitStatusRetrying, SubmitStatusDone:
			return t.Amount
		case SubmitStatusFailed, SubmitStatusCanceled:
		}
		return 0
	})
}

// EventInput is a processor notification about a transaction, before it is recorded.
type EventInput struct {
	TransactionID uuid.UUID         `json:"transaction_id"`
	ProcessorID   string            `json:"processor_id"`
	Status        TransactionStatus `json:"status"`
	OccurredAt    time.Time         `json:"occurred_at"`
}
