package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/internal/processor"
	"github.com/transfa/billing-service/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// staticProcessors hands the same processor to every company.
type staticProcessors struct {
	p processor.Processor
}

func (s *staticProcessors) ForCompany(company domain.Company) (processor.Processor, error) {
	return s.p, nil
}

type publisherStub struct {
	mu   sync.Mutex
	keys []string
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *publisherStub) RoutingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

type fixture struct {
	t         *testing.T
	ctx       context.Context
	repo      store.Repository
	memory    *store.MemoryRepository
	dummy     *processor.Dummy
	procs     *staticProcessors
	clock     *testClock
	publisher *publisherStub

	invoices *InvoiceService
	runner   *TransactionRunner
	events   *EventService
	subs     *SubscriptionService
	catalog  *CatalogService

	company  *domain.Company
	customer *domain.Customer
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, maxRetry int) *fixture {
	return newFixtureWithRepo(t, maxRetry, nil)
}

// newFixtureWithRepo builds the services on top of wrap(memory) when wrap is set.
func newFixtureWithRepo(t *testing.T, maxRetry int, wrap func(store.Repository) store.Repository) *fixture {
	t.Helper()

	memory := store.NewMemoryRepository()
	var repo store.Repository = memory
	if wrap != nil {
		repo = wrap(memory)
	}

	dummy := processor.NewDummy()
	if err := dummy.ConfigureCredential("sk_test"); err != nil {
		t.Fatalf("configure dummy: %v", err)
	}
	procs := &staticProcessors{p: dummy}
	clock := &testClock{now: time.Date(2024, time.January, 15, 9, 0, 0, 0, time.UTC)}
	publisher := &publisherStub{}
	logger := testLogger()
	notifier := NewStatusNotifier(publisher, "billing.events", logger)

	invoices := NewInvoiceService(repo, procs, clock, notifier, logger)
	f := &fixture{
		t:         t,
		ctx:       context.Background(),
		repo:      repo,
		memory:    memory,
		dummy:     dummy,
		procs:     procs,
		clock:     clock,
		publisher: publisher,
		invoices:  invoices,
		runner:    NewTransactionRunner(repo, procs, invoices, clock, maxRetry, notifier, logger),
		events:    NewEventService(repo, invoices, clock, notifier, logger),
		subs:      NewSubscriptionService(repo, procs, invoices, clock, notifier, logger),
		catalog:   NewCatalogService(repo, procs, clock, nil, logger),
	}

	company, err := f.catalog.CreateCompany(f.ctx, CreateCompanyInput{Name: "Acme", ProcessorKey: "sk_test"})
	if err != nil {
		t.Fatalf("create company: %v", err)
	}
	customer, err := f.catalog.CreateCustomer(f.ctx, CreateCustomerInput{CompanyID: company.ID, Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	f.company = company
	f.customer = customer
	return f
}

func (f *fixture) createInvoice(amount int64, fundingInstrument string, adjustments ...int64) (*domain.Invoice, []domain.Transaction) {
	f.t.Helper()
	in := CreateInvoiceInput{
		CompanyID:            f.company.ID,
		CustomerID:           f.customer.ID,
		Amount:               amount,
		FundingInstrumentURI: fundingInstrument,
	}
	for _, a := range adjustments {
		in.Adjustments = append(in.Adjustments, domain.Adjustment{Amount: a, Reason: "adjustment"})
	}
	inv, txs, err := f.invoices.Create(f.ctx, in)
	if err != nil {
		f.t.Fatalf("create invoice: %v", err)
	}
	return inv, txs
}

// settledInvoice creates an invoice with a funding instrument and runs its debit to DONE.
func (f *fixture) settledInvoice(amount int64, adjustments ...int64) *domain.Invoice {
	f.t.Helper()
	inv, txs := f.createInvoice(amount, "fi_card", adjustments...)
	if len(txs) != 1 {
		f.t.Fatalf("expected one debit, got %d", len(txs))
	}
	if _, err := f.runner.ProcessOne(f.ctx, txs[0].ID); err != nil {
		f.t.Fatalf("process debit: %v", err)
	}
	return f.invoice(inv.ID)
}

func (f *fixture) invoice(id uuid.UUID) *domain.Invoice {
	f.t.Helper()
	detail, err := f.invoices.Get(f.ctx, id)
	if err != nil {
		f.t.Fatalf("get invoice: %v", err)
	}
	return &detail.Invoice
}

func (f *fixture) transactions(invoiceID uuid.UUID) []domain.Transaction {
	f.t.Helper()
	detail, err := f.invoices.Get(f.ctx, invoiceID)
	if err != nil {
		f.t.Fatalf("get invoice: %v", err)
	}
	return detail.Transactions
}

func (f *fixture) transaction(id uuid.UUID) *TransactionDetail {
	f.t.Helper()
	detail, err := f.catalog.GetTransaction(f.ctx, id)
	if err != nil {
		f.t.Fatalf("get transaction: %v", err)
	}
	return detail
}
