/**
 * @description
 * Transaction runner. Submits STAGED and RETRYING transactions to the company's processor,
 * one locked unit of work per transaction, and turns processor failures into retry accounting.
 *
 * @notes
 * - The processor call happens while the transaction row is locked. A second worker picking the
 *   same transaction blocks on the lock and then sees DONE.
 * - A canceled caller context is treated as shutdown: the error propagates and the unit of work
 *   rolls back, so the transaction stays retryable.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/internal/metrics"
	"github.com/transfa/billing-service/internal/processor"
	"github.com/transfa/billing-service/internal/store"
)

// ErrTransactionAlreadyDone is returned when a finished transaction is submitted again.
var ErrTransactionAlreadyDone = errors.New("transaction already done")

// ProcessOutcome is what ProcessOne did with a transaction.
type ProcessOutcome string

const (
	OutcomeDone     ProcessOutcome = "done"
	OutcomeRetrying ProcessOutcome = "retrying"
	OutcomeFailed   ProcessOutcome = "failed"
	OutcomeSkipped  ProcessOutcome = "skipped"
)

// SubmitError wraps a processor failure that was recorded as a TransactionFailure.
type SubmitError struct {
	TransactionID uuid.UUID
	Outcome       ProcessOutcome
	Err           error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("transaction %s %s: %v", e.TransactionID, e.Outcome, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// ProcessSummary counts the outcomes of a ProcessTransactions batch.
type ProcessSummary struct {
	Done     int `json:"done" yaml:"done"`
	Retrying int `json:"retrying" yaml:"retrying"`
	Failed   int `json:"failed" yaml:"failed"`
	Skipped  int `json:"skipped" yaml:"skipped"`
	Errored  int `json:"errored" yaml:"errored"`
}

func (s *ProcessSummary) add(outcome ProcessOutcome) {
	switch outcome {
	case OutcomeDone:
		s.Done++
	case OutcomeRetrying:
		s.Retrying++
	case OutcomeFailed:
		s.Failed++
	case OutcomeSkipped:
		s.Skipped++
	}
}

type TransactionRunner struct {
	repo       store.Repository
	processors ProcessorProvider
	invoices   *InvoiceService
	clock      Clock
	maxRetry   int
	notifier   *StatusNotifier
	logger     *slog.Logger
}

func NewTransactionRunner(repo store.Repository, processors ProcessorProvider, invoices *InvoiceService, clock Clock, maxRetry int, notifier *StatusNotifier, logger *slog.Logger) *TransactionRunner {
	return &TransactionRunner{
		repo:       repo,
		processors: processors,
		invoices:   invoices,
		clock:      clock,
		maxRetry:   maxRetry,
		notifier:   notifier,
		logger:     logger,
	}
}

// ProcessOne submits a single transaction. A recorded processor failure is returned as a
// *SubmitError after its unit of work has committed; any other error means nothing was written.
func (r *TransactionRunner) ProcessOne(ctx context.Context, transactionID uuid.UUID) (ProcessOutcome, error) {
	var (
		outcome   ProcessOutcome
		submitErr error
		txType    domain.TransactionType
		changed   *domain.Invoice
	)

	err := r.repo.WithTx(ctx, func(tx store.Tx) error {
		txn, err := tx.GetTransaction(ctx, transactionID, true)
		if err != nil {
			return err
		}
		txType = txn.TransactionType

		switch txn.SubmitStatus {
		case domain.SubmitStatusDone:
			return fmt.Errorf("%w: %s", ErrTransactionAlreadyDone, txn.ID)
		case domain.SubmitStatusCanceled, domain.SubmitStatusFailed:
			outcome = OutcomeSkipped
			return nil
		case domain.SubmitStatusStaged, domain.SubmitStatusRetrying:
		default:
			return fmt.Errorf("transaction %s has unknown submit status %q", txn.ID, txn.SubmitStatus)
		}

		// Locked before the processor call so invoice-level writers wait for this submission
		// instead of overwriting it, and any lock conflict surfaces before money moves.
		inv, err := tx.GetInvoice(ctx, txn.InvoiceID, true)
		if err != nil {
			return err
		}
		company, req, err := r.prepare(ctx, tx, txn, inv)
		if err != nil {
			return err
		}

		var result processor.Result
		p, callErr := r.processors.ForCompany(*company)
		if callErr == nil {
			start := time.Now()
			result, callErr = processor.Submit(ctx, p, req)
			metrics.ProcessorCallDuration.WithLabelValues(string(txn.TransactionType)).Observe(time.Since(start).Seconds())
		}

		if callErr != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("submit transaction %s: %w", txn.ID, callErr)
			}
			before := inv.Status
			outcome, err = r.recordFailure(ctx, tx, txn, inv, callErr)
			if err != nil {
				return err
			}
			submitErr = &SubmitError{TransactionID: txn.ID, Outcome: outcome, Err: callErr}
			if inv.Status != before {
				changed = inv
			}
			return nil
		}

		old := txn.Status
		txn.ProcessorURI = result.ProcessorURI
		txn.Status = result.Status
		txn.SubmitStatus = domain.SubmitStatusDone
		txn.UpdatedAt = r.clock.Now()
		if err := tx.UpdateTransaction(ctx, txn); err != nil {
			return err
		}
		moved, err := r.invoices.OnTransactionStatusChanged(ctx, tx, inv, txn, old)
		if err != nil {
			return err
		}
		if moved {
			changed = inv
		}
		outcome = OutcomeDone
		return nil
	})
	if err != nil {
		return "", err
	}

	metrics.TransactionsProcessed.WithLabelValues(string(txType), string(outcome)).Inc()
	if changed != nil {
		r.notifier.InvoiceStatusChanged(ctx, changed, changed.UpdatedAt)
	}
	if submitErr != nil {
		r.logger.Warn("transaction submission failed", "transaction_id", transactionID, "outcome", outcome, "error", submitErr)
		return outcome, submitErr
	}
	r.logger.Info("transaction processed", "transaction_id", transactionID, "outcome", outcome)
	return outcome, nil
}

func (r *TransactionRunner) prepare(ctx context.Context, tx store.Tx, txn *domain.Transaction, inv *domain.Invoice) (*domain.Company, processor.Request, error) {
	company, err := tx.GetCompany(ctx, inv.CompanyID)
	if err != nil {
		return nil, processor.Request{}, err
	}
	customer, err := tx.GetCustomer(ctx, inv.CustomerID)
	if err != nil {
		return nil, processor.Request{}, err
	}
	req := processor.Request{Transaction: *txn, Invoice: *inv, Customer: *customer}
	if txn.ReferenceToID != nil {
		ref, err := tx.GetTransaction(ctx, *txn.ReferenceToID, false)
		if err != nil {
			return nil, processor.Request{}, fmt.Errorf("load referenced transaction: %w", err)
		}
		req.Reference = ref
	}
	return company, req, nil
}

func (r *TransactionRunner) recordFailure(ctx context.Context, tx store.Tx, txn *domain.Transaction, inv *domain.Invoice, callErr error) (ProcessOutcome, error) {
	now := r.clock.Now()
	failure := &domain.TransactionFailure{
		ID:            uuid.New(),
		TransactionID: txn.ID,
		ErrorMessage:  callErr.Error(),
		CreatedAt:     now,
	}
	var procErr *processor.Error
	if errors.As(callErr, &procErr) {
		failure.ErrorMessage = procErr.Message
		failure.ErrorCode = procErr.Code
		failure.ErrorNumber = procErr.Number
	}
	if err := tx.CreateTransactionFailure(ctx, failure); err != nil {
		return "", err
	}

	count, err := tx.CountTransactionFailures(ctx, txn.ID)
	if err != nil {
		return "", err
	}

	outcome := OutcomeRetrying
	txn.SubmitStatus = domain.SubmitStatusRetrying
	if count > r.maxRetry {
		outcome = OutcomeFailed
		txn.SubmitStatus = domain.SubmitStatusFailed
	}
	txn.UpdatedAt = now
	if err := tx.UpdateTransaction(ctx, txn); err != nil {
		return "", err
	}

	// No terminal processor status exists here, so the invoice is failed directly.
	if outcome == OutcomeFailed && txn.TransactionType.MovesInvoice() && inv.Status != domain.InvoiceStatusFailed {
		inv.Status = domain.InvoiceStatusFailed
		inv.UpdatedAt = now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return "", err
		}
	}
	return outcome, nil
}

// ProcessTransactions runs ProcessOne over every processable transaction, or over the given subset.
// Recorded failures and per-transaction errors are collected and returned together; only
// cancellation of ctx stops the batch.
func (r *TransactionRunner) ProcessTransactions(ctx context.Context, subset []uuid.UUID) (ProcessSummary, error) {
	var summary ProcessSummary

	ids, err := r.repo.ListProcessableTransactionIDs(ctx, subset)
	if err != nil {
		return summary, fmt.Errorf("list processable transactions: %w", err)
	}

	var failures []error
	for _, id := range ids {
		outcome, err := r.ProcessOne(ctx, id)
		var submitErr *SubmitError
		switch {
		case err == nil:
		case errors.As(err, &submitErr):
			failures = append(failures, err)
		case errors.Is(err, ErrTransactionAlreadyDone):
			// Finished by another worker after the listing.
			outcome = OutcomeSkipped
		case ctx.Err() != nil:
			return summary, err
		default:
			r.logger.Error("transaction processing failed", "transaction_id", id, "error", err)
			summary.Errored++
			failures = append(failures, fmt.Errorf("transaction %s: %w", id, err))
			continue
		}
		summary.add(outcome)
	}

	r.logger.Info("transaction batch processed", "done", summary.Done, "retrying", summary.Retrying,
		"failed", summary.Failed, "skipped", summary.Skipped, "errored", summary.Errored)
	return summary, errors.Join(failures...)
}
