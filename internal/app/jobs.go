/**
 * @description
 * Scheduled billing jobs. Each run takes a job lease first so that only one replica yields
 * invoices or submits transactions at a time.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/billing-service/internal/config"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/internal/metrics"
)

const (
	JobYieldInvoices       = "yield_invoices"
	JobProcessTransactions = "process_transactions"
)

// InvoiceYielder is satisfied by SubscriptionService.
type InvoiceYielder interface {
	YieldInvoices(ctx context.Context, subset []uuid.UUID, now time.Time) ([]domain.Invoice, error)
}

// TransactionProcessor is satisfied by TransactionRunner.
type TransactionProcessor interface {
	ProcessTransactions(ctx context.Context, subset []uuid.UUID) (ProcessSummary, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	ctx       context.Context
	yielder   InvoiceYielder
	processor TransactionProcessor
	lease     JobLease
	clock     Clock
	logger    *slog.Logger
	config    config.Config
}

// NewJobs creates the job runner. ctx is canceled on shutdown and is passed to every run.
func NewJobs(ctx context.Context, yielder InvoiceYielder, processor TransactionProcessor, lease JobLease, clock Clock, logger *slog.Logger, cfg config.Config) *Jobs {
	if lease == nil {
		lease = LocalJobLease{}
	}
	return &Jobs{
		ctx:       ctx,
		yielder:   yielder,
		processor: processor,
		lease:     lease,
		clock:     clock,
		logger:    logger,
		config:    cfg,
	}
}

func (j *Jobs) run(name string, fn func(ctx context.Context) error) {
	if err := j.ctx.Err(); err != nil {
		return
	}
	release, err := j.lease.Acquire(j.ctx, name, j.config.JobLease())
	if errors.Is(err, ErrLeaseHeld) {
		j.logger.Info("job skipped; lease held elsewhere", "job", name)
		metrics.JobRuns.WithLabelValues(name, "skipped").Inc()
		return
	}
	if err != nil {
		j.logger.Error("failed to acquire job lease", "job", name, "error", err)
		metrics.JobRuns.WithLabelValues(name, "error").Inc()
		return
	}
	defer release()

	j.logger.Info("starting job", "job", name)
	if err := fn(j.ctx); err != nil {
		var submitErr *SubmitError
		if errors.As(err, &submitErr) {
			j.logger.Warn("job finished with failed submissions", "job", name, "error", err)
			metrics.JobRuns.WithLabelValues(name, "partial").Inc()
			return
		}
		j.logger.Error("job failed", "job", name, "error", err)
		metrics.JobRuns.WithLabelValues(name, "error").Inc()
		return
	}
	metrics.JobRuns.WithLabelValues(name, "success").Inc()
	j.logger.Info("job finished", "job", name)
}

// YieldInvoices emits invoices for every due subscription.
func (j *Jobs) YieldInvoices() {
	j.run(JobYieldInvoices, func(ctx context.Context) error {
		invoices, err := j.yielder.YieldInvoices(ctx, nil, j.clock.Now())
		j.logger.Info("invoices yielded", "count", len(invoices))
		return err
	})
}

// ProcessTransactions submits every STAGED and RETRYING transaction.
func (j *Jobs) ProcessTransactions() {
	j.run(JobProcessTransactions, func(ctx context.Context) error {
		summary, err := j.processor.ProcessTransactions(ctx, nil)
		j.logger.Info("transactions processed", "done", summary.Done, "retrying", summary.Retrying,
			"failed", summary.Failed, "skipped", summary.Skipped, "errored", summary.Errored)
		return err
	})
}
