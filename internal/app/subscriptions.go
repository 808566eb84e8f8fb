/**
 * @description
 * Subscription lifecycle and the invoice scheduler. YieldInvoices keeps querying for due
 * subscriptions until none are left, so a run after downtime emits one invoice per missed period.
 * Each emitted invoice and the matching next_invoice_at advance commit together.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/internal/metrics"
	"github.com/transfa/billing-service/internal/schedule"
	"github.com/transfa/billing-service/internal/store"
)

type CreateSubscriptionInput struct {
	PlanID               uuid.UUID
	CustomerID           uuid.UUID
	Amount               *int64
	FundingInstrumentURI string
	StartedAt            time.Time
}

type SubscriptionService struct {
	repo       store.Repository
	processors ProcessorProvider
	invoices   *InvoiceService
	clock      Clock
	notifier   *StatusNotifier
	logger     *slog.Logger
}

func NewSubscriptionService(repo store.Repository, processors ProcessorProvider, invoices *InvoiceService, clock Clock, notifier *StatusNotifier, logger *slog.Logger) *SubscriptionService {
	return &SubscriptionService{
		repo:       repo,
		processors: processors,
		invoices:   invoices,
		clock:      clock,
		notifier:   notifier,
		logger:     logger,
	}
}

// Create subscribes a customer to a plan. The first invoice is due at StartedAt, which defaults
// to now. A funding instrument, when given, is validated with the processor and attached to the
// customer before anything is stored.
func (s *SubscriptionService) Create(ctx context.Context, in CreateSubscriptionInput) (*domain.Subscription, error) {
	if in.Amount != nil && *in.Amount < 0 {
		return nil, &domain.ValidationError{Field: "amount", Reason: "must not be negative"}
	}

	var (
		company  *domain.Company
		customer *domain.Customer
	)
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		plan, err := tx.GetPlan(ctx, in.PlanID)
		if err != nil {
			return err
		}
		if plan.Deleted {
			return &domain.InvalidOperationError{Op: "subscribe", Reason: "plan is deleted"}
		}
		customer, err = tx.GetCustomer(ctx, in.CustomerID)
		if err != nil {
			return err
		}
		if customer.CompanyID != plan.CompanyID {
			return &domain.ValidationError{Field: "customer_id", Reason: "customer belongs to another company"}
		}
		company, err = tx.GetCompany(ctx, plan.CompanyID)
		return err
	})
	if err != nil {
		return nil, err
	}

	fundingInstrument := strings.TrimSpace(in.FundingInstrumentURI)
	if fundingInstrument != "" {
		p, err := s.processors.ForCompany(*company)
		if err != nil {
			return nil, err
		}
		if err := p.ValidateFundingInstrument(ctx, fundingInstrument); err != nil {
			return nil, err
		}
		if err := p.PrepareCustomer(ctx, *customer, fundingInstrument); err != nil {
			return nil, fmt.Errorf("prepare customer: %w", err)
		}
	}

	now := s.clock.Now()
	startedAt := in.StartedAt
	if startedAt.IsZero() {
		startedAt = now
	}
	sub := &domain.Subscription{
		ID:                   uuid.New(),
		PlanID:               in.PlanID,
		CustomerID:           in.CustomerID,
		Amount:               in.Amount,
		FundingInstrumentURI: fundingInstrument,
		StartedAt:            startedAt.UTC(),
		NextInvoiceAt:        startedAt.UTC(),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		return tx.CreateSubscription(ctx, sub)
	}); err != nil {
		return nil, err
	}

	s.logger.Info("subscription created", "subscription_id", sub.ID, "plan_id", sub.PlanID, "customer_id", sub.CustomerID)
	return sub, nil
}

func (s *SubscriptionService) Get(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	var sub *domain.Subscription
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		sub, err = tx.GetSubscription(ctx, id, false)
		return err
	})
	return sub, err
}

// Cancel stops future invoices. Invoices already emitted are not touched.
func (s *SubscriptionService) Cancel(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	var sub *domain.Subscription
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		sub, err = tx.GetSubscription(ctx, id, true)
		if err != nil {
			return err
		}
		if sub.Canceled {
			return &domain.SubscriptionCanceledError{SubscriptionID: sub.ID}
		}
		now := s.clock.Now()
		sub.Canceled = true
		sub.CanceledAt = &now
		sub.UpdatedAt = now
		return tx.UpdateSubscription(ctx, sub)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("subscription canceled", "subscription_id", id)
	return sub, nil
}

// YieldInvoices emits every invoice that is due at now, for all subscriptions or the given subset.
func (s *SubscriptionService) YieldInvoices(ctx context.Context, subset []uuid.UUID, now time.Time) ([]domain.Invoice, error) {
	var yielded []domain.Invoice
	for {
		due, err := s.repo.ListDueSubscriptionIDs(ctx, now, subset)
		if err != nil {
			return yielded, fmt.Errorf("list due subscriptions: %w", err)
		}
		if len(due) == 0 {
			break
		}

		progressed := false
		for _, id := range due {
			inv, err := s.yieldOne(ctx, id, now)
			if err != nil {
				return yielded, fmt.Errorf("yield invoice for subscription %s: %w", id, err)
			}
			if inv == nil {
				continue
			}
			progressed = true
			yielded = append(yielded, *inv)
			metrics.InvoicesYielded.Inc()
			s.notifier.InvoiceStatusChanged(ctx, inv, inv.CreatedAt)
		}
		if !progressed {
			break
		}
	}

	if len(yielded) > 0 {
		s.logger.Info("subscription invoices yielded", "count", len(yielded), "now", now)
	}
	return yielded, nil
}

func (s *SubscriptionService) yieldOne(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Invoice, error) {
	var inv *domain.Invoice
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		sub, err := tx.GetSubscription(ctx, id, true)
		if err != nil {
			return err
		}
		// Canceled or advanced by another worker since the listing.
		if sub.Canceled || sub.NextInvoiceAt.After(now) {
			return nil
		}
		plan, err := tx.GetPlan(ctx, sub.PlanID)
		if err != nil {
			return err
		}

		scheduledAt := sub.NextInvoiceAt
		inv, _, err = s.invoices.createInTx(ctx, tx, CreateInvoiceInput{
			CompanyID:            plan.CompanyID,
			CustomerID:           sub.CustomerID,
			Amount:               sub.EffectiveAmount(*plan),
			Title:                plan.Name,
			FundingInstrumentURI: sub.FundingInstrumentURI,
			TransactionType:      plan.PlanType.TransactionType(),
			SubscriptionID:       &sub.ID,
			ScheduledAt:          &scheduledAt,
		})
		if err != nil {
			return err
		}

		count, err := tx.CountSubscriptionInvoices(ctx, sub.ID)
		if err != nil {
			return err
		}
		next, err := schedule.NextInvoiceTime(sub.StartedAt, plan.Frequency, count, plan.Interval)
		if err != nil {
			return err
		}
		sub.NextInvoiceAt = next
		sub.UpdatedAt = s.clock.Now()
		return tx.UpdateSubscription(ctx, sub)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}
