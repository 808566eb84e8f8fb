package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/internal/store"
)

func TestAddEventIgnoresOlderRedelivery(t *testing.T) {
	f := newFixture(t, 3)
	inv, txs := f.createInvoice(1000, "fi_card")
	txID := txs[0].ID

	t1 := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	t3 := t1.Add(2 * time.Minute)

	sequence := []struct {
		id       string
		status   domain.TransactionStatus
		at       time.Time
		wantLive domain.TransactionStatus
	}{
		{id: "E1", status: domain.TransactionStatusPending, at: t1, wantLive: domain.TransactionStatusPending},
		{id: "E2", status: domain.TransactionStatusFailed, at: t3, wantLive: domain.TransactionStatusFailed},
		{id: "E3", status: domain.TransactionStatusSucceeded, at: t2, wantLive: domain.TransactionStatusFailed},
	}
	for _, step := range sequence {
		if _, err := f.events.AddEvent(f.ctx, domain.EventInput{TransactionID: txID, ProcessorID: step.id, Status: step.status, OccurredAt: step.at}); err != nil {
			t.Fatalf("%s: unexpected error: %v", step.id, err)
		}
		if got := f.transaction(txID).Transaction.Status; got != step.wantLive {
			t.Fatalf("after %s: expected status %s, got %s", step.id, step.wantLive, got)
		}
	}

	detail := f.transaction(txID)
	if len(detail.Events) != 3 {
		t.Fatalf("expected every event to be recorded, got %d", len(detail.Events))
	}
	if got := f.invoice(inv.ID); got.Status != domain.InvoiceStatusFailed {
		t.Fatalf("expected invoice FAILED, got %s", got.Status)
	}
}

func TestAddEventAtSameInstantIsRecordedOnly(t *testing.T) {
	at := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name        string
		first       domain.EventInput
		second      domain.EventInput
		want        domain.TransactionStatus
		wantInvoice domain.InvoiceStatus
	}{
		{
			name:        "lower id arrives second",
			first:       domain.EventInput{ProcessorID: "EV2", Status: domain.TransactionStatusSucceeded, OccurredAt: at},
			second:      domain.EventInput{ProcessorID: "EV1", Status: domain.TransactionStatusFailed, OccurredAt: at},
			want:        domain.TransactionStatusSucceeded,
			wantInvoice: domain.InvoiceStatusSettled,
		},
		{
			name:        "higher id arrives second",
			first:       domain.EventInput{ProcessorID: "EV1", Status: domain.TransactionStatusFailed, OccurredAt: at},
			second:      domain.EventInput{ProcessorID: "EV2", Status: domain.TransactionStatusSucceeded, OccurredAt: at},
			want:        domain.TransactionStatusFailed,
			wantInvoice: domain.InvoiceStatusFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 3)
			inv, txs := f.createInvoice(1000, "fi_card")
			for _, in := range []domain.EventInput{tt.first, tt.second} {
				in.TransactionID = txs[0].ID
				if _, err := f.events.AddEvent(f.ctx, in); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			detail := f.transaction(txs[0].ID)
			if detail.Transaction.Status != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, detail.Transaction.Status)
			}
			if len(detail.Events) != 2 {
				t.Fatalf("expected both events recorded, got %d", len(detail.Events))
			}
			if got := f.invoice(inv.ID); got.Status != tt.wantInvoice {
				t.Fatalf("expected invoice %s, got %s", tt.wantInvoice, got.Status)
			}
		})
	}
}

// lockRecordingRepo records which invoices were read under a row lock.
type lockRecordingRepo struct {
	store.Repository
	mu     sync.Mutex
	locked map[uuid.UUID]int
}

func (r *lockRecordingRepo) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return r.Repository.WithTx(ctx, func(tx store.Tx) error {
		return fn(&lockRecordingTx{Tx: tx, repo: r})
	})
}

func (r *lockRecordingRepo) invoiceLocks(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked[id]
}

type lockRecordingTx struct {
	store.Tx
	repo *lockRecordingRepo
}

func (t *lockRecordingTx) GetInvoice(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.Invoice, error) {
	if forUpdate {
		t.repo.mu.Lock()
		t.repo.locked[id]++
		t.repo.mu.Unlock()
	}
	return t.Tx.GetInvoice(ctx, id, forUpdate)
}

func TestStatusPropagationLocksInvoice(t *testing.T) {
	var rec *lockRecordingRepo
	f := newFixtureWithRepo(t, 3, func(repo store.Repository) store.Repository {
		rec = &lockRecordingRepo{Repository: repo, locked: make(map[uuid.UUID]int)}
		return rec
	})
	f.dummy.SetStatus(domain.TransactionStatusPending)
	inv, txs := f.createInvoice(1000, "fi_card")

	if _, err := f.runner.ProcessOne(f.ctx, txs[0].ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := rec.invoiceLocks(inv.ID); n != 1 {
		t.Fatalf("expected the runner to lock the invoice once, got %d", n)
	}

	_, err := f.events.AddEvent(f.ctx, domain.EventInput{TransactionID: txs[0].ID, ProcessorID: "EV1", Status: domain.TransactionStatusSucceeded, OccurredAt: f.clock.Now()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := rec.invoiceLocks(inv.ID); n != 2 {
		t.Fatalf("expected event ingestion to lock the invoice, got %d locks", n)
	}
	if got := f.invoice(inv.ID); got.Status != domain.InvoiceStatusSettled {
		t.Fatalf("expected SETTLED, got %s", got.Status)
	}
}

func TestAddEventDuplicateDelivery(t *testing.T) {
	f := newFixture(t, 3)
	_, txs := f.createInvoice(1000, "fi_card")
	in := domain.EventInput{TransactionID: txs[0].ID, ProcessorID: "EV7", Status: domain.TransactionStatusSucceeded, OccurredAt: f.clock.Now()}

	if _, err := f.events.AddEvent(f.ctx, in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var dup *domain.DuplicateEventError
	if _, err := f.events.AddEvent(f.ctx, in); !errors.As(err, &dup) {
		t.Fatalf("expected duplicate event error, got %v", err)
	}
	if n := len(f.transaction(txs[0].ID).Events); n != 1 {
		t.Fatalf("expected a single recorded event, got %d", n)
	}
}

func TestAddEventOnRefundLeavesInvoiceAlone(t *testing.T) {
	f := newFixture(t, 3)
	inv := f.settledInvoice(600)
	refund, err := f.invoices.Refund(f.ctx, inv.ID, 600)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = f.events.AddEvent(f.ctx, domain.EventInput{TransactionID: refund.ID, ProcessorID: "RF1", Status: domain.TransactionStatusFailed, OccurredAt: f.clock.Now()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.transaction(refund.ID).Transaction.Status; got != domain.TransactionStatusFailed {
		t.Fatalf("expected refund status FAILED, got %s", got)
	}
	if got := f.invoice(inv.ID); got.Status != domain.InvoiceStatusSettled {
		t.Fatalf("expected invoice to stay SETTLED, got %s", got.Status)
	}
}

func TestAddEventValidation(t *testing.T) {
	f := newFixture(t, 3)
	now := f.clock.Now()
	tests := []struct {
		name string
		in   domain.EventInput
	}{
		{name: "missing transaction", in: domain.EventInput{ProcessorID: "EV1", Status: domain.TransactionStatusPending, OccurredAt: now}},
		{name: "missing processor id", in: domain.EventInput{TransactionID: uuid.New(), Status: domain.TransactionStatusPending, OccurredAt: now}},
		{name: "unknown status", in: domain.EventInput{TransactionID: uuid.New(), ProcessorID: "EV1", Status: "LOST", OccurredAt: now}},
		{name: "missing time", in: domain.EventInput{TransactionID: uuid.New(), ProcessorID: "EV1", Status: domain.TransactionStatusPending}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var validation *domain.ValidationError
			if _, err := f.events.AddEvent(f.ctx, tt.in); !errors.As(err, &validation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}
