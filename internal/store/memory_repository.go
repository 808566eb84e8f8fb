/**
 * @description
 * In-memory implementation of the persistence port. A unit of work runs against a copy of the
 * state under a single mutex and the copy replaces the live state only on commit, which gives
 * the same rollback and exclusive-lock guarantees as the Postgres repository for a single
 * process. Used by tests and by `billingctl --memory` dry runs.
 */
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/billing-service/internal/domain"
)

type memoryState struct {
	companies     map[uuid.UUID]domain.Company
	customers     map[uuid.UUID]domain.Customer
	plans         map[uuid.UUID]domain.Plan
	subscriptions map[uuid.UUID]domain.Subscription
	invoices      map[uuid.UUID]domain.Invoice
	transactions  map[uuid.UUID]domain.Transaction
	txOrder       []uuid.UUID
	events        []domain.TransactionEvent
	failures      []domain.TransactionFailure
}

func newMemoryState() *memoryState {
	return &memoryState{
		companies:     make(map[uuid.UUID]domain.Company),
		customers:     make(map[uuid.UUID]domain.Customer),
		plans:         make(map[uuid.UUID]domain.Plan),
		subscriptions: make(map[uuid.UUID]domain.Subscription),
		invoices:      make(map[uuid.UUID]domain.Invoice),
		transactions:  make(map[uuid.UUID]domain.Transaction),
	}
}

func copyMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func (s *memoryState) clone() *memoryState {
	return &memoryState{
		companies:     copyMap(s.companies),
		customers:     copyMap(s.customers),
		plans:         copyMap(s.plans),
		subscriptions: copyMap(s.subscriptions),
		invoices:      copyMap(s.invoices),
		transactions:  copyMap(s.transactions),
		txOrder:       append([]uuid.UUID(nil), s.txOrder...),
		events:        append([]domain.TransactionEvent(nil), s.events...),
		failures:      append([]domain.TransactionFailure(nil), s.failures...),
	}
}

// MemoryRepository implements Repository without a database.
type MemoryRepository struct {
	mu    sync.Mutex
	state *memoryState
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: newMemoryState()}
}

func (r *MemoryRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	work := r.state.clone()
	if err := fn(&memoryTx{state: work}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *MemoryRepository) ListProcessableTransactionIDs(ctx context.Context, subset []uuid.UUID) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	allowed := idSet(subset)
	var ids []uuid.UUID
	for _, id := range r.state.txOrder {
		txn := r.state.transactions[id]
		if !txn.SubmitStatus.Live() {
			continue
		}
		if allowed != nil && !allowed[id] {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *MemoryRepository) ListDueSubscriptionIDs(ctx context.Context, now time.Time, subset []uuid.UUID) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	allowed := idSet(subset)
	var due []domain.Subscription
	for _, sub := range r.state.subscriptions {
		if sub.Canceled || sub.NextInvoiceAt.After(now) {
			continue
		}
		if allowed != nil && !allowed[sub.ID] {
			continue
		}
		due = append(due, sub)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextInvoiceAt.Equal(due[j].NextInvoiceAt) {
			return due[i].NextInvoiceAt.Before(due[j].NextInvoiceAt)
		}
		return due[i].ID.String() < due[j].ID.String()
	})

	ids := make([]uuid.UUID, 0, len(due))
	for _, sub := range due {
		ids = append(ids, sub.ID)
	}
	return ids, nil
}

func idSet(ids []uuid.UUID) map[uuid.UUID]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

type memoryTx struct {
	state *memoryState
}

func (t *memoryTx) CreateCompany(ctx context.Context, company *domain.Company) error {
	t.state.companies[company.ID] = *company
	return nil
}

func (t *memoryTx) GetCompany(ctx context.Context, id uuid.UUID) (*domain.Company, error) {
	company, ok := t.state.companies[id]
	if !ok {
		return nil, ErrCompanyNotFound
	}
	return &company, nil
}

func (t *memoryTx) CreateCustomer(ctx context.Context, customer *domain.Customer) error {
	t.state.customers[customer.ID] = *customer
	return nil
}

func (t *memoryTx) GetCustomer(ctx context.Context, id uuid.UUID) (*domain.Customer, error) {
	customer, ok := t.state.customers[id]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	return &customer, nil
}

func (t *memoryTx) CreatePlan(ctx context.Context, plan *domain.Plan) error {
	t.state.plans[plan.ID] = *plan
	return nil
}

func (t *memoryTx) GetPlan(ctx context.Context, id uuid.UUID) (*domain.Plan, error) {
	plan, ok := t.state.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return &plan, nil
}

func (t *memoryTx) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	t.state.subscriptions[sub.ID] = *sub
	return nil
}

func (t *memoryTx) GetSubscription(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.Subscription, error) {
	sub, ok := t.state.subscriptions[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (t *memoryTx) UpdateSubscription(ctx context.Context, sub *domain.Subscription) error {
	if _, ok := t.state.subscriptions[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	t.state.subscriptions[sub.ID] = *sub
	return nil
}

func (t *memoryTx) CountSubscriptionInvoices(ctx context.Context, subscriptionID uuid.UUID) (int, error) {
	count := 0
	for _, inv := range t.state.invoices {
		if inv.Kind == domain.InvoiceKindSubscription && inv.Subscription != nil && inv.Subscription.SubscriptionID == subscriptionID {
			count++
		}
	}
	return count, nil
}

func (t *memoryTx) CreateInvoice(ctx context.Context, invoice *domain.Invoice) error {
	if externalID := invoice.ExternalID(); externalID != "" {
		for _, existing := range t.state.invoices {
			if existing.CustomerID == invoice.CustomerID && existing.ExternalID() == externalID {
				return &domain.DuplicateExternalIDError{CustomerID: invoice.CustomerID, ExternalID: externalID}
			}
		}
	}
	t.state.invoices[invoice.ID] = cloneInvoice(*invoice)
	return nil
}

func (t *memoryTx) GetInvoice(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.Invoice, error) {
	inv, ok := t.state.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	inv = cloneInvoice(inv)
	return &inv, nil
}

func (t *memoryTx) UpdateInvoice(ctx context.Context, invoice *domain.Invoice) error {
	existing, ok := t.state.invoices[invoice.ID]
	if !ok {
		return ErrInvoiceNotFound
	}
	existing.Status = invoice.Status
	existing.FundingInstrumentURI = invoice.FundingInstrumentURI
	existing.UpdatedAt = invoice.UpdatedAt
	t.state.invoices[invoice.ID] = existing
	return nil
}

func (t *memoryTx) CreateTransaction(ctx context.Context, txn *domain.Transaction) error {
	t.state.transactions[txn.ID] = *txn
	t.state.txOrder = append(t.state.txOrder, txn.ID)
	return nil
}

func (t *memoryTx) GetTransaction(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.Transaction, error) {
	txn, ok := t.state.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return &txn, nil
}

func (t *memoryTx) UpdateTransaction(ctx context.Context, txn *domain.Transaction) error {
	if _, ok := t.state.transactions[txn.ID]; !ok {
		return ErrTransactionNotFound
	}
	t.state.transactions[txn.ID] = *txn
	return nil
}

func (t *memoryTx) ListInvoiceTransactions(ctx context.Context, invoiceID uuid.UUID) ([]domain.Transaction, error) {
	var txs []domain.Transaction
	for _, id := range t.state.txOrder {
		if txn := t.state.transactions[id]; txn.InvoiceID == invoiceID {
			txs = append(txs, txn)
		}
	}
	return txs, nil
}

func (t *memoryTx) CreateTransactionFailure(ctx context.Context, failure *domain.TransactionFailure) error {
	t.state.failures = append(t.state.failures, *failure)
	return nil
}

func (t *memoryTx) CountTransactionFailures(ctx context.Context, transactionID uuid.UUID) (int, error) {
	failures, _ := t.ListTransactionFailures(ctx, transactionID)
	return len(failures), nil
}

func (t *memoryTx) ListTransactionFailures(ctx context.Context, transactionID uuid.UUID) ([]domain.TransactionFailure, error) {
	var failures []domain.TransactionFailure
	for _, f := range t.state.failures {
		if f.TransactionID == transactionID {
			failures = append(failures, f)
		}
	}
	return failures, nil
}

func (t *memoryTx) CreateTransactionEvent(ctx context.Context, event *domain.TransactionEvent) error {
	for _, existing := range t.state.events {
		if existing.TransactionID == event.TransactionID && existing.ProcessorID == event.ProcessorID {
			return &domain.DuplicateEventError{TransactionID: event.TransactionID, ProcessorID: event.ProcessorID}
		}
	}
	t.state.events = append(t.state.events, *event)
	return nil
}

func (t *memoryTx) LatestTransactionEvent(ctx context.Context, transactionID uuid.UUID) (*domain.TransactionEvent, error) {
	var latest *domain.TransactionEvent
	for i := range t.state.events {
		e := t.state.events[i]
		if e.TransactionID != transactionID {
			continue
		}
		if latest == nil || e.After(*latest) {
			latest = &e
		}
	}
	return latest, nil
}

func (t *memoryTx) ListTransactionEvents(ctx context.Context, transactionID uuid.UUID) ([]domain.TransactionEvent, error) {
	var events []domain.TransactionEvent
	for _, e := range t.state.events {
		if e.TransactionID == transactionID {
			events = append(events, e)
		}
	}
	return events, nil
}

func cloneInvoice(inv domain.Invoice) domain.Invoice {
	inv.Items = append([]domain.Item(nil), inv.Items...)
	inv.Adjustments = append([]domain.Adjustment(nil), inv.Adjustments...)
	if inv.Subscription != nil {
		payload := *inv.Subscription
		inv.Subscription = &payload
	}
	if inv.Customer != nil {
		payload := *inv.Customer
		inv.Customer = &payload
	}
	return inv
}
