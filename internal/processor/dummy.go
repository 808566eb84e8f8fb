/**
 * @description
 * In-memory processor used for local development and tests. It honours idempotency keys the
 * same way a real processor does, can be told to fail a number of calls, and emits callbacks
 * signed with HMAC-SHA256 over the payload using the configured credential.
 */
package processor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/transfa/billing-service/internal/domain"
)

const dummyFundingInstrumentPrefix = "fi_"

type dummyEvent struct {
	EventID string `json:"event_id"`
}

// Dummy is a deterministic in-memory Processor.
type Dummy struct {
	mu sync.Mutex

	key         string
	seq         int
	customers   map[string]domain.Customer
	instruments map[string]string
	results     map[uuid.UUID]Result
	events      map[string]domain.EventInput
	callbacks   map[uuid.UUID]string

	status       domain.TransactionStatus
	failNext     int
	failErr      error
	submissions  int
	moneyMovedBy map[domain.TransactionType]int
}

func NewDummy() *Dummy {
	return &Dummy{
		customers:    make(map[string]domain.Customer),
		instruments:  make(map[string]string),
		results:      make(map[uuid.UUID]Result),
		events:       make(map[string]domain.EventInput),
		callbacks:    make(map[uuid.UUID]string),
		status:       domain.TransactionStatusSucceeded,
		moneyMovedBy: make(map[domain.TransactionType]int),
	}
}

// SetStatus changes the status returned for new submissions.
func (d *Dummy) SetStatus(status domain.TransactionStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = status
}

// FailNext makes the next n submissions fail with err.
func (d *Dummy) FailNext(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
	d.failErr = err
}

// Submissions returns how many debit, credit and refund calls were made.
func (d *Dummy) Submissions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submissions
}

// MoneyMoved returns how many distinct resources were created for the transaction type.
func (d *Dummy) MoneyMoved(t domain.TransactionType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.moneyMovedBy[t]
}

// InstrumentOwner returns the customer reference the funding instrument was attached to.
func (d *Dummy) InstrumentOwner(ref string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.instruments[ref]
}

// CallbackURL returns the URL registered for the company.
func (d *Dummy) CallbackURL(companyID uuid.UUID) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.callbacks[companyID]
}

func (d *Dummy) nextID(prefix string) string {
	d.seq++
	return fmt.Sprintf("%s%06d", prefix, d.seq)
}

func (d *Dummy) ConfigureCredential(key string) error {
	if strings.TrimSpace(key) == "" {
		return &domain.ValidationError{Field: "processor_key", Reason: "must not be empty"}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.key = key
	return nil
}

func (d *Dummy) CreateCustomer(ctx context.Context, customer domain.Customer) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ref := "/dummy/customers/" + d.nextID("CU")
	d.customers[ref] = customer
	return ref, nil
}

func (d *Dummy) ValidateCustomer(ctx context.Context, ref string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.customers[ref]; !ok {
		return &domain.ValidationError{Field: "processor_uri", Reason: fmt.Sprintf("unknown customer %q", ref)}
	}
	return nil
}

func (d *Dummy) ValidateFundingInstrument(ctx context.Context, ref string) error {
	if !strings.HasPrefix(ref, dummyFundingInstrumentPrefix) {
		return &domain.ValidationError{Field: "funding_instrument_uri", Reason: fmt.Sprintf("unknown funding instrument %q", ref)}
	}
	return nil
}

func (d *Dummy) PrepareCustomer(ctx context.Context, customer domain.Customer, fundingInstrumentRef string) error {
	if fundingInstrumentRef == "" {
		return nil
	}
	if err := d.ValidateFundingInstrument(ctx, fundingInstrumentRef); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.instruments[fundingInstrumentRef] = customer.ProcessorURI
	return nil
}

func (d *Dummy) Debit(ctx context.Context, req Request) (Result, error) {
	return d.submit(ctx, req, "/dummy/debits/", "DB")
}

func (d *Dummy) Credit(ctx context.Context, req Request) (Result, error) {
	return d.submit(ctx, req, "/dummy/credits/", "CR")
}

func (d *Dummy) Refund(ctx context.Context, req Request) (Result, error) {
	if req.Reference == nil || req.Reference.ProcessorURI == "" {
		return Result{}, &Error{Code: "missing-reference", Message: "refund has no settled debit to reference"}
	}
	return d.submit(ctx, req, "/dummy/refunds/", "RF")
}

func (d *Dummy) submit(ctx context.Context, req Request, path, prefix string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.submissions++
	if d.failNext > 0 {
		d.failNext--
		if d.failErr != nil {
			return Result{}, d.failErr
		}
		return Result{}, &Error{Code: "dummy-failure", Message: "injected failure"}
	}

	// Idempotency key lookup.
	if existing, ok := d.results[req.Transaction.ID]; ok {
		return existing, nil
	}
	if req.Transaction.Amount < 0 {
		return Result{}, &Error{Code: "invalid-amount", Message: "amount must not be negative"}
	}

	res := Result{ProcessorURI: path + d.nextID(prefix), Status: d.status}
	d.results[req.Transaction.ID] = res
	d.moneyMovedBy[req.Transaction.TransactionType]++
	return res, nil
}

func (d *Dummy) RegisterCallback(ctx context.Context, company domain.Company, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks[company.ID] = url
	return nil
}

// Emit records a processor-side status change and returns the signed callback the processor
// would deliver for it.
func (d *Dummy) Emit(transactionID uuid.UUID, status domain.TransactionStatus, occurredAt time.Time) (Callback, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID("EV")
	d.events[id] = domain.EventInput{
		TransactionID: transactionID,
		ProcessorID:   id,
		Status:        status,
		OccurredAt:    occurredAt,
	}
	payload, err := json.Marshal(dummyEvent{EventID: id})
	if err != nil {
		return Callback{}, err
	}
	return Callback{Payload: payload, Signature: sign(d.key, payload)}, nil
}

func (d *Dummy) HandleCallback(ctx context.Context, company domain.Company, cb Callback) (ApplyFunc, error) {
	d.mu.Lock()
	key := d.key
	d.mu.Unlock()

	expected := sign(key, cb.Payload)
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(cb.Signature))) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidCallback)
	}

	var evt dummyEvent
	if err := json.Unmarshal(cb.Payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}

	// Re-fetch the event from the processor side rather than trusting the payload.
	d.mu.Lock()
	input, ok := d.events[evt.EventID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown event %q", ErrInvalidCallback, evt.EventID)
	}

	return func(ctx context.Context, sink EventSink) error {
		_, err := sink.AddEvent(ctx, input)
		var dup *domain.DuplicateEventError
		if errors.As(err, &dup) {
			return nil
		}
		return err
	}, nil
}

func sign(key string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
