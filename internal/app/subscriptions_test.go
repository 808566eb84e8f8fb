package app

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/billing-service/internal/domain"
)

func (f *fixture) plan(planType domain.PlanType, frequency domain.Frequency, amount int64) *domain.Plan {
	f.t.Helper()
	plan, err := f.catalog.CreatePlan(f.ctx, CreatePlanInput{
		CompanyID: f.company.ID,
		Name:      "Gold",
		PlanType:  planType,
		Amount:    amount,
		Frequency: frequency,
		Interval:  1,
	})
	if err != nil {
		f.t.Fatalf("create plan: %v", err)
	}
	return plan
}

func (f *fixture) subscribe(in CreateSubscriptionInput) *domain.Subscription {
	f.t.Helper()
	if in.CustomerID == uuid.Nil {
		in.CustomerID = f.customer.ID
	}
	sub, err := f.subs.Create(f.ctx, in)
	if err != nil {
		f.t.Fatalf("create subscription: %v", err)
	}
	return sub
}

func TestYieldInvoicesCatchesUpMissedPeriods(t *testing.T) {
	f := newFixture(t, 3)
	plan := f.plan(domain.PlanTypeDebit, domain.FrequencyMonthly, 500)
	startedAt := time.Date(2013, time.August, 31, 0, 0, 0, 0, time.UTC)
	sub := f.subscribe(CreateSubscriptionInput{PlanID: plan.ID, StartedAt: startedAt})

	now := time.Date(2014, time.February, 28, 12, 0, 0, 0, time.UTC)
	invoices, err := f.subs.YieldInvoices(f.ctx, nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []time.Time{
		time.Date(2013, time.August, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2013, time.September, 30, 0, 0, 0, 0, time.UTC),
		time.Date(2013, time.October, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2013, time.November, 30, 0, 0, 0, 0, time.UTC),
		time.Date(2013, time.December, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2014, time.January, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2014, time.February, 28, 0, 0, 0, 0, time.UTC),
	}
	if len(invoices) != len(want) {
		t.Fatalf("expected %d invoices, got %d", len(want), len(invoices))
	}
	for i, inv := range invoices {
		if inv.Kind != domain.InvoiceKindSubscription || inv.Subscription == nil {
			t.Fatalf("invoice %d: expected a subscription invoice", i)
		}
		if !inv.Subscription.ScheduledAt.Equal(want[i]) {
			t.Fatalf("invoice %d: expected scheduled at %s, got %s", i, want[i], inv.Subscription.ScheduledAt)
		}
		if inv.Amount != 500 || inv.Status != domain.InvoiceStatusStaged {
			t.Fatalf("invoice %d: unexpected amount/status %d/%s", i, inv.Amount, inv.Status)
		}
	}

	got, err := f.subs.Get(f.ctx, sub.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wantNext := time.Date(2014, time.March, 31, 0, 0, 0, 0, time.UTC); !got.NextInvoiceAt.Equal(wantNext) {
		t.Fatalf("expected next invoice at %s, got %s", wantNext, got.NextInvoiceAt)
	}

	again, err := f.subs.YieldInvoices(f.ctx, nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected a second run at the same instant to yield nothing, got %d", len(again))
	}
}

func TestYieldInvoicesUsesOverrideAndPlanDirection(t *testing.T) {
	f := newFixture(t, 3)
	plan := f.plan(domain.PlanTypeCredit, domain.FrequencyWeekly, 1000)
	override := int64(250)
	f.subscribe(CreateSubscriptionInput{PlanID: plan.ID, Amount: &override, FundingInstrumentURI: "fi_bank", StartedAt: f.clock.Now()})

	invoices, err := f.subs.YieldInvoices(f.ctx, nil, f.clock.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(invoices) != 1 {
		t.Fatalf("expected one invoice, got %d", len(invoices))
	}
	inv := invoices[0]
	if inv.Amount != 250 || inv.Status != domain.InvoiceStatusProcessing || inv.TransactionType != domain.TransactionTypeCredit {
		t.Fatalf("unexpected invoice %+v", inv)
	}
	txs := f.transactions(inv.ID)
	if len(txs) != 1 || txs[0].TransactionType != domain.TransactionTypeCredit || txs[0].Amount != 250 {
		t.Fatalf("unexpected transactions %+v", txs)
	}
}

func TestCanceledSubscriptionYieldsNothing(t *testing.T) {
	f := newFixture(t, 3)
	plan := f.plan(domain.PlanTypeDebit, domain.FrequencyDaily, 100)
	sub := f.subscribe(CreateSubscriptionInput{PlanID: plan.ID, StartedAt: f.clock.Now()})

	if _, err := f.subs.YieldInvoices(f.ctx, nil, f.clock.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.subs.Cancel(f.ctx, sub.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, offset := range []time.Duration{24 * time.Hour, 365 * 24 * time.Hour, 10 * 365 * 24 * time.Hour} {
		invoices, err := f.subs.YieldInvoices(f.ctx, nil, f.clock.Now().Add(offset))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(invoices) != 0 {
			t.Fatalf("expected no invoices after cancellation, got %d", len(invoices))
		}
	}

	var canceled *domain.SubscriptionCanceledError
	if _, err := f.subs.Cancel(f.ctx, sub.ID); !errors.As(err, &canceled) {
		t.Fatalf("expected SubscriptionCanceledError, got %v", err)
	}
}

func TestYieldInvoicesSubset(t *testing.T) {
	f := newFixture(t, 3)
	plan := f.plan(domain.PlanTypeDebit, domain.FrequencyMonthly, 100)
	first := f.subscribe(CreateSubscriptionInput{PlanID: plan.ID, StartedAt: f.clock.Now()})
	second := f.subscribe(CreateSubscriptionInput{PlanID: plan.ID, StartedAt: f.clock.Now()})

	invoices, err := f.subs.YieldInvoices(f.ctx, []uuid.UUID{second.ID}, f.clock.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(invoices) != 1 || invoices[0].Subscription.SubscriptionID != second.ID {
		t.Fatalf("expected one invoice for the selected subscription, got %+v", invoices)
	}

	got, err := f.subs.Get(f.ctx, first.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.NextInvoiceAt.Equal(first.NextInvoiceAt) {
		t.Fatal("expected subscription outside the subset to be untouched")
	}
}

func TestCreateSubscriptionValidation(t *testing.T) {
	f := newFixture(t, 3)
	plan := f.plan(domain.PlanTypeDebit, domain.FrequencyMonthly, 100)
	negative := int64(-5)

	tests := []struct {
		name string
		in   CreateSubscriptionInput
	}{
		{name: "negative override", in: CreateSubscriptionInput{PlanID: plan.ID, CustomerID: f.customer.ID, Amount: &negative}},
		{name: "unknown funding instrument", in: CreateSubscriptionInput{PlanID: plan.ID, CustomerID: f.customer.ID, FundingInstrumentURI: "card_123"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var validation *domain.ValidationError
			if _, err := f.subs.Create(f.ctx, tt.in); !errors.As(err, &validation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreatePlanValidation(t *testing.T) {
	f := newFixture(t, 3)
	base := CreatePlanInput{CompanyID: f.company.ID, Name: "Basic", PlanType: domain.PlanTypeDebit, Amount: 100, Frequency: domain.FrequencyMonthly, Interval: 1}

	tests := []struct {
		name   string
		mutate func(in *CreatePlanInput)
	}{
		{name: "zero interval", mutate: func(in *CreatePlanInput) { in.Interval = 0 }},
		{name: "negative amount", mutate: func(in *CreatePlanInput) { in.Amount = -1 }},
		{name: "unknown frequency", mutate: func(in *CreatePlanInput) { in.Frequency = "HOURLY" }},
		{name: "unknown plan type", mutate: func(in *CreatePlanInput) { in.PlanType = "REFUND" }},
		{name: "empty name", mutate: func(in *CreatePlanInput) { in.Name = " " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			var validation *domain.ValidationError
			if _, err := f.catalog.CreatePlan(f.ctx, in); !errors.As(err, &validation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}
