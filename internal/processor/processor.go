/**
 * @description
 * Port to the external payment processor. Implementations must treat the transaction ID as an
 * idempotency key: before creating a new charge, credit or refund they look for an existing
 * resource tagged with that ID and adopt its result instead of moving money twice.
 */
package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/transfa/billing-service/internal/domain"
)

// Result is the processor's answer to a submission.
type Result struct {
	ProcessorURI string
	Status       domain.TransactionStatus
}

// Request carries everything a processor needs to submit one transaction.
type Request struct {
	Transaction domain.Transaction
	Invoice     domain.Invoice
	Customer    domain.Customer
	// Reference is the DEBIT/CREDIT a REFUND or REVERSE points at.
	Reference *domain.Transaction
}

// Callback is a raw notification as delivered to the callback endpoint.
type Callback struct {
	Payload   []byte `json:"payload"`
	Signature string `json:"signature"`
}

// EventSink records a verified processor event.
type EventSink interface {
	AddEvent(ctx context.Context, in domain.EventInput) (*domain.TransactionEvent, error)
}

// ApplyFunc performs the local side of a verified callback once the caller has a sink.
type ApplyFunc func(ctx context.Context, sink EventSink) error

// Processor is the external payment processor collaborator.
type Processor interface {
	ConfigureCredential(key string) error
	CreateCustomer(ctx context.Context, customer domain.Customer) (string, error)
	ValidateCustomer(ctx context.Context, ref string) error
	ValidateFundingInstrument(ctx context.Context, ref string) error
	PrepareCustomer(ctx context.Context, customer domain.Customer, fundingInstrumentRef string) error
	Debit(ctx context.Context, req Request) (Result, error)
	Credit(ctx context.Context, req Request) (Result, error)
	Refund(ctx context.Context, req Request) (Result, error)
	RegisterCallback(ctx context.Context, company domain.Company, url string) error
	// HandleCallback verifies the callback and returns the function that applies it, or nil when
	// the notification is not relevant to the engine.
	HandleCallback(ctx context.Context, company domain.Company, cb Callback) (ApplyFunc, error)
}

// Error is a processor-side failure. Runner failure records copy its fields.
type Error struct {
	Code    string
	Number  *int
	Message string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return "processor error: " + e.Message
	}
	return fmt.Sprintf("processor error %s: %s", e.Code, e.Message)
}

// ErrInvalidCallback is returned when a callback fails verification.
var ErrInvalidCallback = errors.New("invalid processor callback")

// Submit dispatches the request to the operation matching the transaction type.
func Submit(ctx context.Context, p Processor, req Request) (Result, error) {
	switch req.Transaction.TransactionType {
	case domain.TransactionTypeDebit:
		return p.Debit(ctx, req)
	case domain.TransactionTypeCredit:
		return p.Credit(ctx, req)
	case domain.TransactionTypeRefund:
		return p.Refund(ctx, req)
	case domain.TransactionTypeReverse:
		return Result{}, &domain.InvalidOperationError{Op: "submit", Reason: "reverse transactions are not supported by processors"}
	}
	return Result{}, &domain.InvalidOperationError{Op: "submit", Reason: fmt.Sprintf("unknown transaction type %q", req.Transaction.TransactionType)}
}
