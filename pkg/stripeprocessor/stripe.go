/**
 * @description
 * Stripe implementation of the billing processor port.
 *
 * Debits are off-session PaymentIntents, credits are customer balance transactions and refunds
 * are Stripe Refunds against the debit's PaymentIntent. Every create carries the billing
 * transaction ID as the Stripe idempotency key and as metadata["transaction_id"]; debits are
 * additionally looked up by that metadata first so a retry after a crash adopts the existing
 * PaymentIntent instead of charging again.
 *
 * Callbacks are verified twice: the Stripe-Signature header is checked when a webhook secret is
 * configured, and the event is always re-fetched from the Stripe API before it is applied.
 *
 * @dependencies
 * - github.com/stripe/stripe-go/v79: Stripe API client and webhook verification.
 */
package stripeprocessor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/internal/processor"
)

const metadataTransactionID = "transaction_id"

var webhookEvents = []string{
	"payment_intent.succeeded",
	"payment_intent.processing",
	"payment_intent.payment_failed",
	"payment_intent.canceled",
	"refund.updated",
	"charge.refund.updated",
}

// Options configures a Stripe processor.
type Options struct {
	Currency      string
	WebhookSecret string
	// Backends overrides the Stripe API endpoints; nil uses the public API.
	Backends *stripe.Backends
}

type Processor struct {
	opts Options

	mu  sync.RWMutex
	api *client.API
}

func New(opts Options) *Processor {
	if strings.TrimSpace(opts.Currency) == "" {
		opts.Currency = string(stripe.CurrencyUSD)
	}
	return &Processor{opts: opts}
}

func (p *Processor) client() (*client.API, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.api == nil {
		return nil, errors.New("stripe processor has no credential configured")
	}
	return p.api, nil
}

func (p *Processor) ConfigureCredential(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return &domain.ValidationError{Field: "processor_key", Reason: "must not be empty"}
	}
	api := &client.API{}
	api.Init(key, p.opts.Backends)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.api = api
	return nil
}

func (p *Processor) CreateCustomer(ctx context.Context, customer domain.Customer) (string, error) {
	api, err := p.client()
	if err != nil {
		return "", err
	}
	params := &stripe.CustomerParams{}
	if customer.Email != "" {
		params.Email = stripe.String(customer.Email)
	}
	if customer.Name != "" {
		params.Name = stripe.String(customer.Name)
	}
	params.AddMetadata("billing_customer_id", customer.ID.String())
	params.SetIdempotencyKey("customer-" + customer.ID.String())
	params.Context = ctx

	created, err := api.Customers.New(params)
	if err != nil {
		return "", mapError(err)
	}
	return created.ID, nil
}

func (p *Processor) ValidateCustomer(ctx context.Context, ref string) error {
	api, err := p.client()
	if err != nil {
		return err
	}
	params := &stripe.CustomerParams{}
	params.Context = ctx
	if _, err := api.Customers.Get(ref, params); err != nil {
		return validationOr(err, "processor_uri", ref)
	}
	return nil
}

func (p *Processor) ValidateFundingInstrument(ctx context.Context, ref string) error {
	api, err := p.client()
	if err != nil {
		return err
	}
	params := &stripe.PaymentMethodParams{}
	params.Context = ctx
	if _, err := api.PaymentMethods.Get(ref, params); err != nil {
		return validationOr(err, "funding_instrument_uri", ref)
	}
	return nil
}

func (p *Processor) PrepareCustomer(ctx context.Context, customer domain.Customer, fundingInstrumentRef string) error {
	if fundingInstrumentRef == "" {
		return nil
	}
	api, err := p.client()
	if err != nil {
		return err
	}
	params := &stripe.PaymentMethodAttachParams{Customer: stripe.String(customer.ProcessorURI)}
	params.Context = ctx
	if _, err := api.PaymentMethods.Attach(fundingInstrumentRef, params); err != nil {
		var se *stripe.Error
		// Already attached to this customer.
		if errors.As(err, &se) && se.Code == stripe.ErrorCodeResourceAlreadyExists {
			return nil
		}
		return validationOr(err, "funding_instrument_uri", fundingInstrumentRef)
	}
	return nil
}

func (p *Processor) findPaymentIntent(ctx context.Context, api *client.API, txID uuid.UUID) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataTransactionID, txID)
	params.Context = ctx
	iter := api.PaymentIntents.Search(params)
	for iter.Next() {
		return iter.PaymentIntent(), nil
	}
	if err := iter.Err(); err != nil {
		return nil, mapError(err)
	}
	return nil, nil
}

func (p *Processor) Debit(ctx context.Context, req processor.Request) (processor.Result, error) {
	api, err := p.client()
	if err != nil {
		return processor.Result{}, err
	}
	if req.Transaction.Amount <= 0 {
		return processor.Result{}, &processor.Error{Code: "invalid-amount", Message: "debit amount must be positive"}
	}

	existing, err := p.findPaymentIntent(ctx, api, req.Transaction.ID)
	if err != nil {
		return processor.Result{}, err
	}
	if existing != nil {
		return paymentIntentResult(existing), nil
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Transaction.Amount),
		Currency:      stripe.String(p.opts.Currency),
		Customer:      stripe.String(req.Customer.ProcessorURI),
		PaymentMethod: stripe.String(req.Invoice.FundingInstrumentURI),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if req.Invoice.Title != "" {
		params.Description = stripe.String(req.Invoice.Title)
	}
	params.AddMetadata(metadataTransactionID, req.Transaction.ID.String())
	params.AddMetadata("invoice_id", req.Invoice.ID.String())
	params.SetIdempotencyKey(req.Transaction.ID.String())
	params.Context = ctx

	pi, err := api.PaymentIntents.New(params)
	if err != nil {
		return processor.Result{}, mapError(err)
	}
	return paymentIntentResult(pi), nil
}

func (p *Processor) Credit(ctx context.Context, req processor.Request) (processor.Result, error) {
	api, err := p.client()
	if err != nil {
		return processor.Result{}, err
	}
	if req.Transaction.Amount <= 0 {
		return processor.Result{}, &processor.Error{Code: "invalid-amount", Message: "credit amount must be positive"}
	}

	// A negative balance transaction is money owed to the customer.
	params := &stripe.CustomerBalanceTransactionParams{
		Customer: stripe.String(req.Customer.ProcessorURI),
		Amount:   stripe.Int64(-req.Transaction.Amount),
		Currency: stripe.String(p.opts.Currency),
	}
	params.AddMetadata(metadataTransactionID, req.Transaction.ID.String())
	params.SetIdempotencyKey(req.Transaction.ID.String())
	params.Context = ctx

	bt, err := api.CustomerBalanceTransactions.New(params)
	if err != nil {
		return processor.Result{}, mapError(err)
	}
	return processor.Result{
		ProcessorURI: "/v1/customers/" + req.Customer.ProcessorURI + "/balance_transactions/" + bt.ID,
		Status:       domain.TransactionStatusSucceeded,
	}, nil
}

func (p *Processor) Refund(ctx context.Context, req processor.Request) (processor.Result, error) {
	api, err := p.client()
	if err != nil {
		return processor.Result{}, err
	}
	if req.Reference == nil || req.Reference.ProcessorURI == "" {
		return processor.Result{}, &processor.Error{Code: "missing-reference", Message: "refund has no settled debit to reference"}
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(lastSegment(req.Reference.ProcessorURI)),
		Amount:        stripe.Int64(req.Transaction.Amount),
	}
	params.AddMetadata(metadataTransactionID, req.Transaction.ID.String())
	params.SetIdempotencyKey(req.Transaction.ID.String())
	params.Context = ctx

	refund, err := api.Refunds.New(params)
	if err != nil {
		return processor.Result{}, mapError(err)
	}
	return processor.Result{ProcessorURI: "/v1/refunds/" + refund.ID, Status: refundStatus(refund.Status)}, nil
}

func (p *Processor) RegisterCallback(ctx context.Context, company domain.Company, url string) error {
	api, err := p.client()
	if err != nil {
		return err
	}
	params := &stripe.WebhookEndpointParams{
		URL:           stripe.String(url),
		EnabledEvents: stripe.StringSlice(webhookEvents),
		Description:   stripe.String("billing callbacks for " + company.Name),
	}
	params.AddMetadata("company_id", company.ID.String())
	params.SetIdempotencyKey("webhook-" + company.ID.String())
	params.Context = ctx

	if _, err := api.WebhookEndpoints.New(params); err != nil {
		return mapError(err)
	}
	return nil
}

type eventEnvelope struct {
	ID string `json:"id"`
}

func (p *Processor) HandleCallback(ctx context.Context, company domain.Company, cb processor.Callback) (processor.ApplyFunc, error) {
	api, err := p.client()
	if err != nil {
		return nil, err
	}

	var eventID string
	if p.opts.WebhookSecret != "" {
		event, err := webhook.ConstructEventWithOptions(cb.Payload, cb.Signature, p.opts.WebhookSecret,
			webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", processor.ErrInvalidCallback, err)
		}
		eventID = event.ID
	} else {
		var envelope eventEnvelope
		if err := json.Unmarshal(cb.Payload, &envelope); err != nil || envelope.ID == "" {
			return nil, fmt.Errorf("%w: payload has no event id", processor.ErrInvalidCallback)
		}
		eventID = envelope.ID
	}

	params := &stripe.EventParams{}
	params.Context = ctx
	event, err := api.Events.Get(eventID, params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: unknown event %q", processor.ErrInvalidCallback, eventID)
		}
		return nil, mapError(err)
	}

	input, ok, err := eventInput(event)
	if err != nil || !ok {
		return nil, err
	}
	return func(ctx context.Context, sink processor.EventSink) error {
		_, err := sink.AddEvent(ctx, input)
		var dup *domain.DuplicateEventError
		if errors.As(err, &dup) {
			return nil
		}
		return err
	}, nil
}

// eventInput maps a Stripe event onto an engine event. ok is false for events that do not
// concern a billing transaction.
func eventInput(event *stripe.Event) (domain.EventInput, bool, error) {
	if event.Data == nil {
		return domain.EventInput{}, false, nil
	}

	var (
		metadata map[string]string
		status   domain.TransactionStatus
	)
	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.processing", "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return domain.EventInput{}, false, fmt.Errorf("decode payment intent: %w", err)
		}
		metadata = pi.Metadata
		status = paymentIntentStatus(pi.Status)
	case "refund.updated", "charge.refund.updated":
		var refund stripe.Refund
		if err := json.Unmarshal(event.Data.Raw, &refund); err != nil {
			return domain.EventInput{}, false, fmt.Errorf("decode refund: %w", err)
		}
		metadata = refund.Metadata
		status = refundStatus(refund.Status)
	default:
		return domain.EventInput{}, false, nil
	}

	txID, err := uuid.Parse(metadata[metadataTransactionID])
	if err != nil {
		return domain.EventInput{}, false, nil
	}
	// Stripe timestamps, on the event and on its data object alike, have whole-second
	// precision. A second event for the same transaction within the same second is recorded
	// but does not move the transaction; the next later event or a re-fetch settles it.
	return domain.EventInput{
		TransactionID: txID,
		ProcessorID:   event.ID,
		Status:        status,
		OccurredAt:    time.Unix(event.Created, 0).UTC(),
	}, true, nil
}

func paymentIntentResult(pi *stripe.PaymentIntent) processor.Result {
	return processor.Result{ProcessorURI: "/v1/payment_intents/" + pi.ID, Status: paymentIntentStatus(pi.Status)}
}

func paymentIntentStatus(status stripe.PaymentIntentStatus) domain.TransactionStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return domain.TransactionStatusSucceeded
	case stripe.PaymentIntentStatusCanceled, stripe.PaymentIntentStatusRequiresPaymentMethod:
		return domain.TransactionStatusFailed
	default:
		return domain.TransactionStatusPending
	}
}

func refundStatus(status stripe.RefundStatus) domain.TransactionStatus {
	switch status {
	case stripe.RefundStatusSucceeded:
		return domain.TransactionStatusSucceeded
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		return domain.TransactionStatusFailed
	default:
		return domain.TransactionStatusPending
	}
}

func lastSegment(uri string) string {
	if idx := strings.LastIndex(uri, "/"); idx >= 0 {
		return uri[idx+1:]
	}
	return uri
}

func validationOr(err error, field, ref string) error {
	var se *stripe.Error
	if errors.As(err, &se) && (se.HTTPStatusCode == http.StatusNotFound || se.Code == stripe.ErrorCodeResourceMissing) {
		return &domain.ValidationError{Field: field, Reason: fmt.Sprintf("unknown reference %q", ref)}
	}
	return mapError(err)
}

// mapError turns Stripe API errors into processor errors the runner can record.
func mapError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return err
	}
	perr := &processor.Error{Code: string(se.Code), Message: se.Msg}
	if perr.Code == "" {
		perr.Code = string(se.Type)
	}
	if se.HTTPStatusCode != 0 {
		status := se.HTTPStatusCode
		perr.Number = &status
	}
	return perr
}
