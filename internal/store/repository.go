/**
 * @description
 * This file defines the persistence port of the billing engine. Every state transition runs
 * inside Repository.WithTx so that the row lock, the status read and the result write are a
 * single atomic unit. Reads with forUpdate=true take an exclusive row lock that is held until
 * the unit of work commits or rolls back.
 *
 * @dependencies
 * - github.com/google/uuid: entity identifiers.
 * - internal/domain: the ledger entities.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/billing-service/internal/domain"
)

var (
	ErrCompanyNotFound      = errors.New("company not found")
	ErrCustomerNotFound     = errors.New("customer not found")
	ErrPlanNotFound         = errors.New("plan not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInvoiceNotFound      = errors.New("invoice not found")
	ErrTransactionNotFound  = errors.New("transaction not found")
)

// IsNotFound reports whether err is one of the store's not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCompanyNotFound) ||
		errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}

// Repository is the entry point to the relational store.
type Repository interface {
	// WithTx runs fn in one unit of work. It commits when fn returns nil and rolls back otherwise.
	// fn must not call WithTx again.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// ListProcessableTransactionIDs returns STAGED and RETRYING transactions in creation order,
	// restricted to subset when it is non-empty.
	ListProcessableTransactionIDs(ctx context.Context, subset []uuid.UUID) ([]uuid.UUID, error)

	// ListDueSubscriptionIDs returns non-canceled subscriptions with next_invoice_at <= now,
	// restricted to subset when it is non-empty.
	ListDueSubscriptionIDs(ctx context.Context, now time.Time, subset []uuid.UUID) ([]uuid.UUID, error)
}

// Tx is the set of operations available inside a unit of work.
type Tx interface {
	CreateCompany(ctx context.Context, company *domain.Company) error
	GetCompany(ctx context.Context, id uuid.UUID) (*domain.Company, error)

	CreateCustomer(ctx context.Context, customer *domain.Customer) error
	GetCustomer(ctx context.Context, id uuid.UUID) (*domain.Customer, error)

	CreatePlan(ctx context.Context, plan *domain.Plan) error
	GetPlan(ctx context.Context, id uuid.UUID) (*domain.Plan, error)

	CreateSubscription(ctx context.Context, sub *domain.Subscription) error
	GetSubscription(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *domain.Subscription) error
	CountSubscriptionInvoices(ctx context.Context, subscriptionID uuid.UUID) (int, error)

	// CreateInvoice stores the invoice with its items and adjustments. A second customer invoice
	// with the same (customer, external id) fails with *domain.DuplicateExternalIDError.
	CreateInvoice(ctx context.Context, invoice *domain.Invoice) error
	GetInvoice(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.Invoice, error)
	// UpdateInvoice persists status and funding instrument changes.
	UpdateInvoice(ctx context.Context, invoice *domain.Invoice) error

	CreateTransaction(ctx context.Context, txn *domain.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.Transaction, error)
	UpdateTransaction(ctx context.Context, txn *domain.Transaction) error
	// ListInvoiceTransactions returns the invoice's transactions in creation order.
	ListInvoiceTransactions(ctx context.Context, invoiceID uuid.UUID) ([]domain.Transaction, error)

	CreateTransactionFailure(ctx context.Context, failure *domain.TransactionFailure) error
	CountTransactionFailures(ctx context.Context, transactionID uuid.UUID) (int, error)
	ListTransactionFailures(ctx context.Context, transactionID uuid.UUID) ([]domain.TransactionFailure, error)

	// CreateTransactionEvent fails with *domain.DuplicateEventError when (transaction, processor id)
	// was already recorded.
	CreateTransactionEvent(ctx context.Context, event *domain.TransactionEvent) error
	// LatestTransactionEvent returns the newest event by occurred_at, ties broken by processor id
	// descending. It returns nil when the transaction has no events.
	LatestTransactionEvent(ctx context.Context, transactionID uuid.UUID) (*domain.TransactionEvent, error)
	ListTransactionEvents(ctx context.Context, transactionID uuid.UUID) ([]domain.TransactionEvent, error)
}
