/**
 * @description
 * PostgreSQL implementation of the persistence port using pgx. Row locks are taken with
 * SELECT ... FOR UPDATE inside the unit of work opened by WithTx; unique violations on the
 * invoice external id and event processor id constraints surface as domain conflict errors.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver, pool and error types.
 */
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/billing-service/internal/domain"
)

const (
	uniqueViolationCode = "23505"

	invoiceExternalIDConstraint = "invoices_customer_external_id_key"
	eventProcessorIDConstraint  = "transaction_events_transaction_processor_key"
)

//go:embed migrations/0001_billing.sql
var schemaSQL string

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode && pgErr.ConstraintName == constraint
}

func forUpdateClause(forUpdate bool) string {
	if forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

// PostgresRepository is the pgx-backed Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply billing schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListProcessableTransactionIDs(ctx context.Context, subset []uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM transactions
		WHERE submit_status IN ('STAGED', 'RETRYING')
		  AND (cardinality($1::uuid[]) = 0 OR id = ANY($1::uuid[]))
		ORDER BY seq
	`
	return r.queryIDs(ctx, query, uuidStrings(subset))
}

func (r *PostgresRepository) ListDueSubscriptionIDs(ctx context.Context, now time.Time, subset []uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM subscriptions
		WHERE canceled = FALSE
		  AND next_invoice_at <= $1
		  AND (cardinality($2::uuid[]) = 0 OR id = ANY($2::uuid[]))
		ORDER BY next_invoice_at, id
	`
	return r.queryIDs(ctx, query, now, uuidStrings(subset))
}

func (r *PostgresRepository) queryIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) CreateCompany(ctx context.Context, c *domain.Company) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO companies (id, name, processor_key, callback_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.Name, c.ProcessorKey, c.CallbackKey, c.CreatedAt, c.UpdatedAt)
	return err
}

func (t *pgTx) GetCompany(ctx context.Context, id uuid.UUID) (*domain.Company, error) {
	var c domain.Company
	err := t.tx.QueryRow(ctx, `
		SELECT id, name, processor_key, callback_key, created_at, updated_at
		FROM companies WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.ProcessorKey, &c.CallbackKey, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCompanyNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (t *pgTx) CreateCustomer(ctx context.Context, c *domain.Customer) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO customers (id, company_id, processor_uri, email, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.CompanyID, c.ProcessorURI, c.Email, c.Name, c.CreatedAt, c.UpdatedAt)
	return err
}

func (t *pgTx) GetCustomer(ctx context.Context, id uuid.UUID) (*domain.Customer, error) {
	var c domain.Customer
	err := t.tx.QueryRow(ctx, `
		SELECT id, company_id, processor_uri, email, name, created_at, updated_at
		FROM customers WHERE id = $1
	`, id).Scan(&c.ID, &c.CompanyID, &c.ProcessorURI, &c.Email, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCustomerNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (t *pgTx) CreatePlan(ctx context.Context, p *domain.Plan) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO plans (id, company_id, name, plan_type, amount, frequency, "interval", deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.CompanyID, p.Name, string(p.PlanType), p.Amount, string(p.Frequency), p.Interval, p.Deleted, p.CreatedAt, p.UpdatedAt)
	return err
}

func (t *pgTx) GetPlan(ctx context.Context, id uuid.UUID) (*domain.Plan, error) {
	var (
		p         domain.Plan
		planType  string
		frequency string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT id, company_id, name, plan_type, amount, frequency, "interval", deleted, created_at, updated_at
		FROM plans WHERE id = $1
	`, id).Scan(&p.ID, &p.CompanyID, &p.Name, &planType, &p.Amount, &frequency, &p.Interval, &p.Deleted, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	p.PlanType = domain.PlanType(planType)
	p.Frequency = domain.Frequency(frequency)
	return &p, nil
}

func (t *pgTx) CreateSubscription(ctx context.Context, s *domain.Subscription) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO subscriptions (
			id, plan_id, customer_id, amount, funding_instrument_uri, started_at,
			next_invoice_at, canceled, canceled_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, s.ID, s.PlanID, s.CustomerID, s.Amount, s.FundingInstrumentURI, s.StartedAt,
		s.NextInvoiceAt, s.Canceled, s.CanceledAt, s.CreatedAt, s.UpdatedAt)
	return err
}

func (t *pgTx) GetSubscription(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.Subscription, error) {
	var s domain.Subscription
	err := t.tx.QueryRow(ctx, `
		SELECT id, plan_id, customer_id, amount, funding_instrument_uri, started_at,
		       next_invoice_at, canceled, canceled_at, created_at, updated_at
		FROM subscriptions WHERE id = $1`+forUpdateClause(forUpdate),
		id,
	).Scan(&s.ID, &s.PlanID, &s.CustomerID, &s.Amount, &s.FundingInstrumentURI, &s.StartedAt,
		&s.NextInvoiceAt, &s.Canceled, &s.CanceledAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (t *pgTx) UpdateSubscription(ctx context.Context, s *domain.Subscription) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE subscriptions
		SET funding_instrument_uri = $2, next_invoice_at = $3, canceled = $4, canceled_at = $5, updated_at = $6
		WHERE id = $1
	`, s.ID, s.FundingInstrumentURI, s.NextInvoiceAt, s.Canceled, s.CanceledAt, s.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (t *pgTx) CountSubscriptionInvoices(ctx context.Context, subscriptionID uuid.UUID) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM invoices WHERE subscription_id = $1`, subscriptionID).Scan(&count)
	return count, err
}

func (t *pgTx) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	var (
		subscriptionID *uuid.UUID
		scheduledAt    *time.Time
		externalID     *string
	)
	switch inv.Kind {
	case domain.InvoiceKindSubscription:
		if inv.Subscription == nil {
			return fmt.Errorf("subscription invoice %s has no subscription payload", inv.ID)
		}
		subscriptionID = &inv.Subscription.SubscriptionID
		scheduledAt = &inv.Subscription.ScheduledAt
	case domain.InvoiceKindCustomer:
		if id := inv.ExternalID(); id != "" {
			externalID = &id
		}
	default:
		return fmt.Errorf("unknown invoice kind %q", inv.Kind)
	}

	_, err := t.tx.Exec(ctx, `
		INSERT INTO invoices (
			id, company_id, customer_id, kind, subscription_id, scheduled_at, external_id, title,
			amount, status, funding_instrument_uri, transaction_type, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, inv.ID, inv.CompanyID, inv.CustomerID, string(inv.Kind), subscriptionID, scheduledAt, externalID, inv.Title,
		inv.Amount, string(inv.Status), inv.FundingInstrumentURI, string(inv.TransactionType), inv.CreatedAt, inv.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, invoiceExternalIDConstraint) {
			return &domain.DuplicateExternalIDError{CustomerID: inv.CustomerID, ExternalID: inv.ExternalID()}
		}
		return err
	}

	for i, item := range inv.Items {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO invoice_items (id, invoice_id, position, name, amount, type, quantity, unit)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, item.ID, inv.ID, i, item.Name, item.Amount, item.Type, item.Quantity, item.Unit); err != nil {
			return fmt.Errorf("insert invoice item: %w", err)
		}
	}
	for i, adj := range inv.Adjustments {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO invoice_adjustments (id, invoice_id, position, amount, reason)
			VALUES ($1, $2, $3, $4, $5)
		`, adj.ID, inv.ID, i, adj.Amount, adj.Reason); err != nil {
			return fmt.Errorf("insert invoice adjustment: %w", err)
		}
	}
	return nil
}

func (t *pgTx) GetInvoice(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.Invoice, error) {
	var (
		inv             domain.Invoice
		kind            string
		status          string
		transactionType string
		subscriptionID  *uuid.UUID
		scheduledAt     *time.Time
		externalID      *string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT id, company_id, customer_id, kind, subscription_id, scheduled_at, external_id, title,
		       amount, status, funding_instrument_uri, transaction_type, created_at, updated_at
		FROM invoices WHERE id = $1`+forUpdateClause(forUpdate),
		id,
	).Scan(&inv.ID, &inv.CompanyID, &inv.CustomerID, &kind, &subscriptionID, &scheduledAt, &externalID, &inv.Title,
		&inv.Amount, &status, &inv.FundingInstrumentURI, &transactionType, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}

	inv.Kind = domain.InvoiceKind(kind)
	inv.Status = domain.InvoiceStatus(status)
	inv.TransactionType = domain.TransactionType(transactionType)
	switch inv.Kind {
	case domain.InvoiceKindSubscription:
		if subscriptionID == nil || scheduledAt == nil {
			return nil, fmt.Errorf("subscription invoice %s is missing its schedule", inv.ID)
		}
		inv.Subscription = &domain.SubscriptionInvoice{SubscriptionID: *subscriptionID, ScheduledAt: *scheduledAt}
	case domain.InvoiceKindCustomer:
		payload := &domain.CustomerInvoice{}
		if externalID != nil {
			payload.ExternalID = *externalID
		}
		inv.Customer = payload
	default:
		return nil, fmt.Errorf("invoice %s has unknown kind %q", inv.ID, kind)
	}

	if inv.Items, err = t.listInvoiceItems(ctx, inv.ID); err != nil {
		return nil, err
	}
	if inv.Adjustments, err = t.listInvoiceAdjustments(ctx, inv.ID); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (t *pgTx) listInvoiceItems(ctx context.Context, invoiceID uuid.UUID) ([]domain.Item, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, invoice_id, name, amount, type, quantity, unit
		FROM invoice_items WHERE invoice_id = $1 ORDER BY position
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.Item
	for rows.Next() {
		var item domain.Item
		if err := rows.Scan(&item.ID, &item.InvoiceID, &item.Name, &item.Amount, &item.Type, &item.Quantity, &item.Unit); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (t *pgTx) listInvoiceAdjustments(ctx context.Context, invoiceID uuid.UUID) ([]domain.Adjustment, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, invoice_id, amount, reason
		FROM invoice_adjustments WHERE invoice_id = $1 ORDER BY position
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var adjustments []domain.Adjustment
	for rows.Next() {
		var adj domain.Adjustment
		if err := rows.Scan(&adj.ID, &adj.InvoiceID, &adj.Amount, &adj.Reason); err != nil {
			return nil, err
		}
		adjustments = append(adjustments, adj)
	}
	return adjustments, rows.Err()
}

func (t *pgTx) UpdateInvoice(ctx context.Context, inv *domain.Invoice) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE invoices SET status = $2, funding_instrument_uri = $3, updated_at = $4 WHERE id = $1
	`, inv.ID, string(inv.Status), inv.FundingInstrumentURI, inv.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (t *pgTx) CreateTransaction(ctx context.Context, txn *domain.Transaction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transactions (
			id, invoice_id, transaction_type, submit_status, status, amount,
			processor_uri, reference_to_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, txn.ID, txn.InvoiceID, string(txn.TransactionType), string(txn.SubmitStatus), nullableString(string(txn.Status)),
		txn.Amount, nullableString(txn.ProcessorURI), txn.ReferenceToID, txn.CreatedAt, txn.UpdatedAt)
	return err
}

const transactionColumns = `id, invoice_id, transaction_type, submit_status, status, amount,
		       processor_uri, reference_to_id, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		txn             domain.Transaction
		transactionType string
		submitStatus    string
		status          *string
		processorURI    *string
	)
	if err := row.Scan(&txn.ID, &txn.InvoiceID, &transactionType, &submitStatus, &status, &txn.Amount,
		&processorURI, &txn.ReferenceToID, &txn.CreatedAt, &txn.UpdatedAt); err != nil {
		return nil, err
	}
	txn.TransactionType = domain.TransactionType(transactionType)
	txn.SubmitStatus = domain.SubmitStatus(submitStatus)
	if status != nil {
		txn.Status = domain.TransactionStatus(*status)
	}
	if processorURI != nil {
		txn.ProcessorURI = *processorURI
	}
	return &txn, nil
}

func (t *pgTx) GetTransaction(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.Transaction, error) {
	txn, err := scanTransaction(t.tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`+forUpdateClause(forUpdate), id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return txn, nil
}

func (t *pgTx) UpdateTransaction(ctx context.Context, txn *domain.Transaction) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE transactions
		SET submit_status = $2, status = $3, processor_uri = $4, updated_at = $5
		WHERE id = $1
	`, txn.ID, string(txn.SubmitStatus), nullableString(string(txn.Status)), nullableString(txn.ProcessorURI), txn.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (t *pgTx) ListInvoiceTransactions(ctx context.Context, invoiceID uuid.UUID) ([]domain.Transaction, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE invoice_id = $1 ORDER BY seq`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *txn)
	}
	return txs, rows.Err()
}

func (t *pgTx) CreateTransactionFailure(ctx context.Context, f *domain.TransactionFailure) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transaction_failures (id, transaction_id, error_message, error_number, error_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, f.ID, f.TransactionID, f.ErrorMessage, f.ErrorNumber, nullableString(f.ErrorCode), f.CreatedAt)
	return err
}

func (t *pgTx) CountTransactionFailures(ctx context.Context, transactionID uuid.UUID) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM transaction_failures WHERE transaction_id = $1`, transactionID).Scan(&count)
	return count, err
}

func (t *pgTx) ListTransactionFailures(ctx context.Context, transactionID uuid.UUID) ([]domain.TransactionFailure, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, transaction_id, error_message, error_number, error_code, created_at
		FROM transaction_failures WHERE transaction_id = $1 ORDER BY seq
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []domain.TransactionFailure
	for rows.Next() {
		var (
			f    domain.TransactionFailure
			code *string
		)
		if err := rows.Scan(&f.ID, &f.TransactionID, &f.ErrorMessage, &f.ErrorNumber, &code, &f.CreatedAt); err != nil {
			return nil, err
		}
		if code != nil {
			f.ErrorCode = *code
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

func (t *pgTx) CreateTransactionEvent(ctx context.Context, e *domain.TransactionEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transaction_events (id, transaction_id, processor_id, status, occurred_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.TransactionID, e.ProcessorID, string(e.Status), e.OccurredAt, e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, eventProcessorIDConstraint) {
			return &domain.DuplicateEventError{TransactionID: e.TransactionID, ProcessorID: e.ProcessorID}
		}
		return err
	}
	return nil
}

const eventColumns = `id, transaction_id, processor_id, status, occurred_at, created_at`

func scanEvent(row pgx.Row) (*domain.TransactionEvent, error) {
	var (
		e      domain.TransactionEvent
		status string
	)
	if err := row.Scan(&e.ID, &e.TransactionID, &e.ProcessorID, &status, &e.OccurredAt, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Status = domain.TransactionStatus(status)
	return &e, nil
}

func (t *pgTx) LatestTransactionEvent(ctx context.Context, transactionID uuid.UUID) (*domain.TransactionEvent, error) {
	e, err := scanEvent(t.tx.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM transaction_events
		WHERE transaction_id = $1
		ORDER BY occurred_at DESC, processor_id COLLATE "C" DESC
		LIMIT 1
	`, transactionID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

func (t *pgTx) ListTransactionEvents(ctx context.Context, transactionID uuid.UUID) ([]domain.TransactionEvent, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+eventColumns+` FROM transaction_events
		WHERE transaction_id = $1
		ORDER BY occurred_at, processor_id COLLATE "C"
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.TransactionEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}
