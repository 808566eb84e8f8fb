//go:build integration

package store

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/transfa/billing-service/internal/domain"
)

func skipIfNoDocker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if exec.CommandContext(ctx, "docker", "info").Run() != nil {
		t.Skip("Skipping test: Docker not available")
	}
}

func newPostgresRepository(t *testing.T) *PostgresRepository {
	t.Helper()
	skipIfNoDocker(t)
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "billing",
				"POSTGRES_PASSWORD": "billing",
				"POSTGRES_DB":       "billing",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}

	pool, err := pgxpool.New(ctx, fmt.Sprintf("postgres://billing:billing@%s:%s/billing?sslmode=disable", host, port.Port()))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	repo := NewPostgresRepository(pool)
	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

type seed struct {
	company  *domain.Company
	customer *domain.Customer
}

func seedCustomer(t *testing.T, repo *PostgresRepository) seed {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	s := seed{
		company: &domain.Company{ID: uuid.New(), Name: "Acme", ProcessorKey: "sk_test", CallbackKey: "cbk", CreatedAt: now, UpdatedAt: now},
	}
	s.customer = &domain.Customer{ID: uuid.New(), CompanyID: s.company.ID, ProcessorURI: "/dummy/customers/1", CreatedAt: now, UpdatedAt: now}
	err := repo.WithTx(context.Background(), func(tx Tx) error {
		if err := tx.CreateCompany(context.Background(), s.company); err != nil {
			return err
		}
		return tx.CreateCustomer(context.Background(), s.customer)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return s
}

func newCustomerInvoice(s seed, externalID string) *domain.Invoice {
	now := time.Now().UTC().Truncate(time.Microsecond)
	id := uuid.New()
	return &domain.Invoice{
		ID:                   id,
		CompanyID:            s.company.ID,
		CustomerID:           s.customer.ID,
		Kind:                 domain.InvoiceKindCustomer,
		Customer:             &domain.CustomerInvoice{ExternalID: externalID},
		Amount:               1000,
		Status:               domain.InvoiceStatusProcessing,
		FundingInstrumentURI: "fi_card",
		TransactionType:      domain.TransactionTypeDebit,
		Items:                []domain.Item{{ID: uuid.New(), InvoiceID: id, Name: "seat", Amount: 1000, Quantity: 1}},
		Adjustments:          []domain.Adjustment{{ID: uuid.New(), InvoiceID: id, Amount: -250, Reason: "promo"}},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func newStagedTransaction(inv *domain.Invoice, at time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:              uuid.New(),
		InvoiceID:       inv.ID,
		TransactionType: domain.TransactionTypeDebit,
		SubmitStatus:    domain.SubmitStatusStaged,
		Amount:          inv.EffectiveAmount(),
		CreatedAt:       at,
		UpdatedAt:       at,
	}
}

func TestPostgresInvoiceRoundTrip(t *testing.T) {
	repo := newPostgresRepository(t)
	ctx := context.Background()
	s := seedCustomer(t, repo)
	inv := newCustomerInvoice(s, "order-1")

	if err := repo.WithTx(ctx, func(tx Tx) error { return tx.CreateInvoice(ctx, inv) }); err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	var got *domain.Invoice
	if err := repo.WithTx(ctx, func(tx Tx) error {
		var err error
		got, err = tx.GetInvoice(ctx, inv.ID, false)
		return err
	}); err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if got.EffectiveAmount() != 750 || len(got.Items) != 1 || got.ExternalID() != "order-1" {
		t.Fatalf("unexpected invoice %+v", got)
	}

	err := repo.WithTx(ctx, func(tx Tx) error { return tx.CreateInvoice(ctx, newCustomerInvoice(s, "order-1")) })
	var dup *domain.DuplicateExternalIDError
	if !errors.As(err, &dup) {
		t.Fatalf("expected duplicate external id error, got %v", err)
	}
}

func TestPostgresProcessableOrderAndEvents(t *testing.T) {
	repo := newPostgresRepository(t)
	ctx := context.Background()
	s := seedCustomer(t, repo)
	inv := newCustomerInvoice(s, "")
	base := time.Now().UTC().Truncate(time.Microsecond)
	first := newStagedTransaction(inv, base)
	second := newStagedTransaction(inv, base.Add(time.Second))

	if err := repo.WithTx(ctx, func(tx Tx) error {
		if err := tx.CreateInvoice(ctx, inv); err != nil {
			return err
		}
		if err := tx.CreateTransaction(ctx, first); err != nil {
			return err
		}
		return tx.CreateTransaction(ctx, second)
	}); err != nil {
		t.Fatalf("seed transactions: %v", err)
	}

	ids, err := repo.ListProcessableTransactionIDs(ctx, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != first.ID || ids[1] != second.ID {
		t.Fatalf("expected creation order, got %v", ids)
	}

	occurred := base.Add(time.Minute)
	events := []*domain.TransactionEvent{
		{ID: uuid.New(), TransactionID: first.ID, ProcessorID: "EV-A", Status: domain.TransactionStatusPending, OccurredAt: occurred, CreatedAt: base},
		{ID: uuid.New(), TransactionID: first.ID, ProcessorID: "EV-B", Status: domain.TransactionStatusSucceeded, OccurredAt: occurred, CreatedAt: base},
	}
	var latest *domain.TransactionEvent
	err = repo.WithTx(ctx, func(tx Tx) error {
		for _, e := range events {
			if err := tx.CreateTransactionEvent(ctx, e); err != nil {
				return err
			}
		}
		var err error
		latest, err = tx.LatestTransactionEvent(ctx, first.ID)
		return err
	})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if latest == nil || latest.ProcessorID != "EV-B" {
		t.Fatalf("expected tie broken by processor id, got %+v", latest)
	}

	err = repo.WithTx(ctx, func(tx Tx) error {
		dupe := *events[0]
		dupe.ID = uuid.New()
		return tx.CreateTransactionEvent(ctx, &dupe)
	})
	var dupErr *domain.DuplicateEventError
	if !errors.As(err, &dupErr) {
		t.Fatalf("expected duplicate event error, got %v", err)
	}
}

func TestPostgresRowLockSerializesWriters(t *testing.T) {
	repo := newPostgresRepository(t)
	ctx := context.Background()
	s := seedCustomer(t, repo)
	inv := newCustomerInvoice(s, "")
	txn := newStagedTransaction(inv, time.Now().UTC())
	if err := repo.WithTx(ctx, func(tx Tx) error {
		if err := tx.CreateInvoice(ctx, inv); err != nil {
			return err
		}
		return tx.CreateTransaction(ctx, txn)
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	locked := make(chan struct{})
	release := make(chan struct{})
	holderDone := make(chan error, 1)
	go func() {
		holderDone <- repo.WithTx(ctx, func(tx Tx) error {
			if _, err := tx.GetTransaction(ctx, txn.ID, true); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	waiterDone := make(chan error, 1)
	go func() {
		waiterDone <- repo.WithTx(ctx, func(tx Tx) error {
			_, err := tx.GetTransaction(ctx, txn.ID, true)
			return err
		})
	}()

	select {
	case err := <-waiterDone:
		t.Fatalf("expected second locker to wait, it finished with %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	close(release)
	if err := <-holderDone; err != nil {
		t.Fatalf("holder: %v", err)
	}
	select {
	case err := <-waiterDone:
		if err != nil {
			t.Fatalf("waiter: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second locker never acquired the row")
	}
}
