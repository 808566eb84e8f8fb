/**
 * @description
 * Invoice state machine. Invoices move STAGED -> PROCESSING -> SETTLED | FAILED and can be
 * canceled from STAGED, PROCESSING or FAILED. Every transition that depends on the current
 * status reads it under an exclusive row lock on the invoice.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/internal/store"
)

// CreateInvoiceInput describes a new invoice. SubscriptionID and ScheduledAt are set together
// for subscription invoices; ExternalID is only meaningful for customer invoices.
type CreateInvoiceInput struct {
	CompanyID            uuid.UUID
	CustomerID           uuid.UUID
	Amount               int64
	Title                string
	FundingInstrumentURI string
	TransactionType      domain.TransactionType
	Items                []domain.Item
	Adjustments          []domain.Adjustment
	ExternalID           string
	SubscriptionID       *uuid.UUID
	ScheduledAt          *time.Time
}

// InvoiceService owns invoice creation and transitions.
type InvoiceService struct {
	repo       store.Repository
	processors ProcessorProvider
	clock      Clock
	notifier   *StatusNotifier
	logger     *slog.Logger
}

func NewInvoiceService(repo store.Repository, processors ProcessorProvider, clock Clock, notifier *StatusNotifier, logger *slog.Logger) *InvoiceService {
	return &InvoiceService{repo: repo, processors: processors, clock: clock, notifier: notifier, logger: logger}
}

// InvoiceDetail is an invoice with its transactions in creation order.
type InvoiceDetail struct {
	Invoice      domain.Invoice       `json:"invoice"`
	Transactions []domain.Transaction `json:"transactions"`
}

// Get loads an invoice and its transactions.
func (s *InvoiceService) Get(ctx context.Context, invoiceID uuid.UUID) (*InvoiceDetail, error) {
	var detail *InvoiceDetail
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		inv, err := tx.GetInvoice(ctx, invoiceID, false)
		if err != nil {
			return err
		}
		txs, err := tx.ListInvoiceTransactions(ctx, invoiceID)
		if err != nil {
			return err
		}
		detail = &InvoiceDetail{Invoice: *inv, Transactions: txs}
		return nil
	})
	return detail, err
}

// Create stores a new invoice. When a funding instrument is known and there is something to
// charge, the settling transaction is created in the same unit of work and returned so the
// caller can submit it.
func (s *InvoiceService) Create(ctx context.Context, in CreateInvoiceInput) (*domain.Invoice, []domain.Transaction, error) {
	if err := validateInvoiceInput(in); err != nil {
		return nil, nil, err
	}
	in.FundingInstrumentURI = strings.TrimSpace(in.FundingInstrumentURI)
	if in.FundingInstrumentURI != "" {
		if err := s.prepareFundingInstrument(ctx, in.CompanyID, in.CustomerID, in.FundingInstrumentURI); err != nil {
			return nil, nil, err
		}
	}

	var (
		inv *domain.Invoice
		txs []domain.Transaction
	)
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		inv, txs, err = s.createInTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("invoice created", "invoice_id", inv.ID, "kind", inv.Kind, "status", inv.Status, "amount", inv.Amount)
	s.notifier.InvoiceStatusChanged(ctx, inv, inv.CreatedAt)
	return inv, txs, nil
}

func invoiceTransactionType(in CreateInvoiceInput) domain.TransactionType {
	if in.TransactionType == "" {
		return domain.TransactionTypeDebit
	}
	return in.TransactionType
}

// validateInvoiceInput rejects bad input before the processor or the store is touched.
func validateInvoiceInput(in CreateInvoiceInput) error {
	if in.Amount < 0 {
		return &domain.ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	if txType := invoiceTransactionType(in); !txType.MovesInvoice() {
		return &domain.ValidationError{Field: "transaction_type", Reason: fmt.Sprintf("invoices settle with DEBIT or CREDIT, got %q", txType)}
	}
	for _, item := range in.Items {
		if strings.TrimSpace(item.Name) == "" {
			return &domain.ValidationError{Field: "items.name", Reason: "must not be empty"}
		}
	}
	if in.Amount == 0 {
		return nil
	}
	if effective := in.Amount + lo.SumBy(in.Adjustments, func(a domain.Adjustment) int64 { return a.Amount }); effective < 0 {
		return &domain.ValidationError{Field: "adjustments", Reason: fmt.Sprintf("effective amount %d is negative", effective)}
	}
	return nil
}

func (s *InvoiceService) createInTx(ctx context.Context, tx store.Tx, in CreateInvoiceInput) (*domain.Invoice, []domain.Transaction, error) {
	if err := validateInvoiceInput(in); err != nil {
		return nil, nil, err
	}
	txType := invoiceTransactionType(in)

	customer, err := tx.GetCustomer(ctx, in.CustomerID)
	if err != nil {
		return nil, nil, err
	}
	if customer.CompanyID != in.CompanyID {
		return nil, nil, store.ErrCustomerNotFound
	}

	now := s.clock.Now()
	inv := &domain.Invoice{
		ID:                   uuid.New(),
		CompanyID:            in.CompanyID,
		CustomerID:           in.CustomerID,
		Title:                in.Title,
		Amount:               in.Amount,
		FundingInstrumentURI: strings.TrimSpace(in.FundingInstrumentURI),
		TransactionType:      txType,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	switch {
	case in.SubscriptionID != nil:
		if in.ScheduledAt == nil {
			return nil, nil, &domain.ValidationError{Field: "scheduled_at", Reason: "required for subscription invoices"}
		}
		inv.Kind = domain.InvoiceKindSubscription
		inv.Subscription = &domain.SubscriptionInvoice{SubscriptionID: *in.SubscriptionID, ScheduledAt: *in.ScheduledAt}
	default:
		inv.Kind = domain.InvoiceKindCustomer
		inv.Customer = &domain.CustomerInvoice{ExternalID: strings.TrimSpace(in.ExternalID)}
	}

	inv.Items = lo.Map(in.Items, func(item domain.Item, _ int) domain.Item {
		item.ID = uuid.New()
		item.InvoiceID = inv.ID
		return item
	})
	inv.Adjustments = lo.Map(in.Adjustments, func(adj domain.Adjustment, _ int) domain.Adjustment {
		adj.ID = uuid.New()
		adj.InvoiceID = inv.ID
		return adj
	})

	effective := inv.EffectiveAmount()
	switch {
	case inv.Amount == 0:
		inv.Status = domain.InvoiceStatusSettled
	case effective == 0:
		inv.Status = domain.InvoiceStatusSettled
	case inv.FundingInstrumentURI != "":
		inv.Status = domain.InvoiceStatusProcessing
	default:
		inv.Status = domain.InvoiceStatusStaged
	}

	if err := tx.CreateInvoice(ctx, inv); err != nil {
		return nil, nil, err
	}

	var created []domain.Transaction
	if inv.Status == domain.InvoiceStatusProcessing {
		txn, err := s.newTransaction(ctx, tx, inv, inv.TransactionType, effective, nil)
		if err != nil {
			return nil, nil, err
		}
		created = append(created, *txn)
	}
	return inv, created, nil
}

// prepareFundingInstrument checks the instrument with the company's processor and attaches it to
// the customer. It runs outside any unit of work since it calls the processor.
func (s *InvoiceService) prepareFundingInstrument(ctx context.Context, companyID, customerID uuid.UUID, uri string) error {
	var (
		company  *domain.Company
		customer *domain.Customer
	)
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		customer, err = tx.GetCustomer(ctx, customerID)
		if err != nil {
			return err
		}
		if customer.CompanyID != companyID {
			return store.ErrCustomerNotFound
		}
		company, err = tx.GetCompany(ctx, companyID)
		return err
	})
	if err != nil {
		return err
	}

	p, err := s.processors.ForCompany(*company)
	if err != nil {
		return err
	}
	if err := p.ValidateFundingInstrument(ctx, uri); err != nil {
		return err
	}
	if err := p.PrepareCustomer(ctx, *customer, uri); err != nil {
		return fmt.Errorf("prepare customer: %w", err)
	}
	return nil
}

func (s *InvoiceService) newTransaction(ctx context.Context, tx store.Tx, inv *domain.Invoice, txType domain.TransactionType, amount int64, referenceTo *uuid.UUID) (*domain.Transaction, error) {
	now := s.clock.Now()
	txn := &domain.Transaction{
		ID:              uuid.New(),
		InvoiceID:       inv.ID,
		TransactionType: txType,
		SubmitStatus:    domain.SubmitStatusStaged,
		Amount:          amount,
		ReferenceToID:   referenceTo,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := tx.CreateTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("create %s transaction: %w", txType, err)
	}
	return txn, nil
}

// cancelLive cancels the live transactions of a locked invoice. The listing is only a candidate
// set: each row is locked and re-checked, because the runner may have submitted it since.
func (s *InvoiceService) cancelLive(ctx context.Context, tx store.Tx, txs []domain.Transaction) error {
	now := s.clock.Now()
	for _, candidate := range domain.LiveTransactions(txs) {
		live, err := tx.GetTransaction(ctx, candidate.ID, true)
		if err != nil {
			return fmt.Errorf("lock transaction %s: %w", candidate.ID, err)
		}
		if !live.SubmitStatus.Live() {
			continue
		}
		live.SubmitStatus = domain.SubmitStatusCanceled
		live.UpdatedAt = now
		if err := tx.UpdateTransaction(ctx, live); err != nil {
			return fmt.Errorf("cancel transaction %s: %w", live.ID, err)
		}
	}
	return nil
}

// UpdateFundingInstrument points the invoice at a new funding instrument and creates the
// transaction that will charge it. A pending transaction for the previous instrument is
// canceled rather than modified.
func (s *InvoiceService) UpdateFundingInstrument(ctx context.Context, invoiceID uuid.UUID, uri string) ([]domain.Transaction, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, &domain.ValidationError{Field: "funding_instrument_uri", Reason: "must not be empty"}
	}

	var current *domain.Invoice
	if err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		current, err = tx.GetInvoice(ctx, invoiceID, false)
		return err
	}); err != nil {
		return nil, err
	}
	if !current.Status.Modifiable() {
		return nil, &domain.InvalidOperationError{Op: "update_funding_instrument", Reason: fmt.Sprintf("invoice is %s", current.Status)}
	}
	if err := s.prepareFundingInstrument(ctx, current.CompanyID, current.CustomerID, uri); err != nil {
		return nil, err
	}

	var (
		inv     *domain.Invoice
		created []domain.Transaction
	)
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		inv, err = tx.GetInvoice(ctx, invoiceID, true)
		if err != nil {
			return err
		}
		if !inv.Status.Modifiable() {
			return &domain.InvalidOperationError{Op: "update_funding_instrument", Reason: fmt.Sprintf("invoice is %s", inv.Status)}
		}

		if inv.Status == domain.InvoiceStatusProcessing {
			txs, err := tx.ListInvoiceTransactions(ctx, inv.ID)
			if err != nil {
				return err
			}
			if err := s.cancelLive(ctx, tx, txs); err != nil {
				return err
			}
		}

		txn, err := s.newTransaction(ctx, tx, inv, inv.TransactionType, inv.EffectiveAmount(), nil)
		if err != nil {
			return err
		}
		created = []domain.Transaction{*txn}

		inv.FundingInstrumentURI = uri
		inv.Status = domain.InvoiceStatusProcessing
		inv.UpdatedAt = s.clock.Now()
		return tx.UpdateInvoice(ctx, inv)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("invoice funding instrument updated", "invoice_id", invoiceID, "transaction_id", created[0].ID)
	s.notifier.InvoiceStatusChanged(ctx, inv, inv.UpdatedAt)
	return created, nil
}

// Cancel moves the invoice to CANCELED and cancels every transaction that was still waiting
// to be submitted. Refunds are left alone.
func (s *InvoiceService) Cancel(ctx context.Context, invoiceID uuid.UUID) (*domain.Invoice, error) {
	var inv *domain.Invoice
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		inv, err = tx.GetInvoice(ctx, invoiceID, true)
		if err != nil {
			return err
		}
		if !inv.Status.Modifiable() {
			return &domain.InvalidOperationError{Op: "cancel", Reason: fmt.Sprintf("invoice is %s", inv.Status)}
		}

		txs, err := tx.ListInvoiceTransactions(ctx, inv.ID)
		if err != nil {
			return err
		}
		if err := s.cancelLive(ctx, tx, txs); err != nil {
			return err
		}

		inv.Status = domain.InvoiceStatusCanceled
		inv.UpdatedAt = s.clock.Now()
		return tx.UpdateInvoice(ctx, inv)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("invoice canceled", "invoice_id", invoiceID)
	s.notifier.InvoiceStatusChanged(ctx, inv, inv.UpdatedAt)
	return inv, nil
}

// Refund creates a REFUND against the settled debit of the invoice. The sum of active refunds
// never exceeds the effective amount.
func (s *InvoiceService) Refund(ctx context.Context, invoiceID uuid.UUID, amount int64) (*domain.Transaction, error) {
	if amount <= 0 {
		return nil, &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	var refund *domain.Transaction
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		inv, err := tx.GetInvoice(ctx, invoiceID, true)
		if err != nil {
			return err
		}
		if inv.Status != domain.InvoiceStatusSettled {
			return &domain.InvalidOperationError{Op: "refund", Reason: fmt.Sprintf("invoice is %s", inv.Status)}
		}

		txs, err := tx.ListInvoiceTransactions(ctx, inv.ID)
		if err != nil {
			return err
		}
		already := domain.RefundedAmount(txs)
		if effective := inv.EffectiveAmount(); already+amount > effective {
			return &domain.InvalidOperationError{
				Op:     "refund",
				Reason: fmt.Sprintf("refund of %d exceeds remaining %d", amount, effective-already),
			}
		}

		debit, ok := lo.Find(txs, func(t domain.Transaction) bool {
			return t.TransactionType == domain.TransactionTypeDebit && t.SubmitStatus == domain.SubmitStatusDone
		})
		if !ok {
			return &domain.InvalidOperationError{Op: "refund", Reason: "invoice has no completed debit"}
		}

		refund, err = s.newTransaction(ctx, tx, inv, domain.TransactionTypeRefund, amount, &debit.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("refund created", "invoice_id", invoiceID, "transaction_id", refund.ID, "amount", amount)
	return refund, nil
}

// OnTransactionStatusChanged is the single place a transaction's external status is mapped onto
// its invoice. It is shared by the runner and event ingestion and reports whether the invoice
// status changed. Callers hold the invoice row lock.
func (s *InvoiceService) OnTransactionStatusChanged(ctx context.Context, tx store.Tx, inv *domain.Invoice, txn *domain.Transaction, old domain.TransactionStatus) (bool, error) {
	if !txn.TransactionType.MovesInvoice() {
		return false, nil
	}

	var next domain.InvoiceStatus
	switch txn.Status {
	case domain.TransactionStatusSucceeded:
		next = domain.InvoiceStatusSettled
	case domain.TransactionStatusPending:
		next = domain.InvoiceStatusProcessing
	case domain.TransactionStatusFailed:
		next = domain.InvoiceStatusFailed
	case domain.TransactionStatusUnknown:
		return false, nil
	default:
		return false, fmt.Errorf("transaction %s has unknown status %q", txn.ID, txn.Status)
	}
	if inv.Status == next {
		return false, nil
	}

	s.logger.Debug("propagating transaction status", "invoice_id", inv.ID, "transaction_id", txn.ID,
		"old_status", old, "new_status", txn.Status, "invoice_status", next)
	inv.Status = next
	inv.UpdatedAt = s.clock.Now()
	if err := tx.UpdateInvoice(ctx, inv); err != nil {
		return false, err
	}
	return true, nil
}
