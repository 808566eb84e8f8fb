package stripeprocessor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/internal/processor"
)

func newTestProcessor(t *testing.T, handler http.HandlerFunc) *Processor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	p := New(Options{Backends: &stripe.Backends{API: backend, Connect: backend, Uploads: backend}})
	if err := p.ConfigureCredential("sk_test_123"); err != nil {
		t.Fatalf("configure credential: %v", err)
	}
	return p
}

func debitRequest() processor.Request {
	return processor.Request{
		Transaction: domain.Transaction{ID: uuid.New(), Amount: 1500, TransactionType: domain.TransactionTypeDebit},
		Invoice:     domain.Invoice{ID: uuid.New(), FundingInstrumentURI: "pm_card_visa"},
		Customer:    domain.Customer{ID: uuid.New(), ProcessorURI: "cus_123"},
	}
}

func TestDebitAdoptsExistingPaymentIntent(t *testing.T) {
	p := newTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/payment_intents/search" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.Error(w, "unexpected", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"search_result","url":"/v1/payment_intents/search","has_more":false,
			"data":[{"id":"pi_existing","object":"payment_intent","status":"succeeded"}]}`))
	})

	res, err := p.Debit(context.Background(), debitRequest())
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if res.ProcessorURI != "/v1/payment_intents/pi_existing" || res.Status != domain.TransactionStatusSucceeded {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDebitUsesTransactionIDAsIdempotencyKey(t *testing.T) {
	req := debitRequest()
	var gotKey, gotMetadata string
	p := newTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v1/payment_intents/search":
			w.Write([]byte(`{"object":"search_result","url":"/v1/payment_intents/search","has_more":false,"data":[]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/payment_intents":
			gotKey = r.Header.Get("Idempotency-Key")
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse form: %v", err)
			}
			gotMetadata = r.PostForm.Get("metadata[transaction_id]")
			w.Write([]byte(`{"id":"pi_new","object":"payment_intent","status":"processing"}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.Error(w, "unexpected", http.StatusInternalServerError)
		}
	})

	res, err := p.Debit(context.Background(), req)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if gotKey != req.Transaction.ID.String() || gotMetadata != req.Transaction.ID.String() {
		t.Fatalf("expected transaction id as key and metadata, got key=%q metadata=%q", gotKey, gotMetadata)
	}
	if res.Status != domain.TransactionStatusPending {
		t.Fatalf("expected processing intent to map to PENDING, got %q", res.Status)
	}
}

func TestDebitMapsCardErrors(t *testing.T) {
	p := newTestProcessor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/v1/payment_intents/search" {
			w.Write([]byte(`{"object":"search_result","url":"/v1/payment_intents/search","has_more":false,"data":[]}`))
			return
		}
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`))
	})

	_, err := p.Debit(context.Background(), debitRequest())
	var perr *processor.Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected processor error, got %v", err)
	}
	if perr.Code != "card_declined" || perr.Number == nil || *perr.Number != http.StatusPaymentRequired {
		t.Fatalf("unexpected mapping %+v", perr)
	}
}

func TestEventInputMapping(t *testing.T) {
	txID := uuid.New()
	created := time.Date(2024, time.March, 3, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		typ    stripe.EventType
		raw    string
		want   domain.TransactionStatus
		wantOK bool
	}{
		{name: "succeeded", typ: "payment_intent.succeeded", raw: `{"id":"pi_1","object":"payment_intent","status":"succeeded","metadata":{"transaction_id":"` + txID.String() + `"}}`, want: domain.TransactionStatusSucceeded, wantOK: true},
		{name: "failed", typ: "payment_intent.payment_failed", raw: `{"id":"pi_1","object":"payment_intent","status":"requires_payment_method","metadata":{"transaction_id":"` + txID.String() + `"}}`, want: domain.TransactionStatusFailed, wantOK: true},
		{name: "refund pending", typ: "refund.updated", raw: `{"id":"re_1","object":"refund","status":"pending","metadata":{"transaction_id":"` + txID.String() + `"}}`, want: domain.TransactionStatusPending, wantOK: true},
		{name: "foreign intent", typ: "payment_intent.succeeded", raw: `{"id":"pi_2","object":"payment_intent","status":"succeeded","metadata":{}}`},
		{name: "irrelevant type", typ: "customer.created", raw: `{"id":"cus_1","object":"customer"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := &stripe.Event{ID: "evt_1", Type: tt.typ, Created: created.Unix(), Data: &stripe.EventData{Raw: []byte(tt.raw)}}
			in, ok, err := eventInput(event)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%v, got %v", tt.wantOK, ok)
			}
			if !ok {
				return
			}
			if in.TransactionID != txID || in.Status != tt.want || in.ProcessorID != "evt_1" || !in.OccurredAt.Equal(created) {
				t.Fatalf("unexpected input %+v", in)
			}
		})
	}
}

func TestEventInputTimestampsHaveSecondPrecision(t *testing.T) {
	txID := uuid.New()
	raw := func(status string) []byte {
		return []byte(`{"id":"pi_1","object":"payment_intent","status":"` + status + `","metadata":{"transaction_id":"` + txID.String() + `"}}`)
	}
	created := time.Date(2024, time.March, 3, 10, 0, 0, 0, time.UTC).Unix()

	processing, _, err := eventInput(&stripe.Event{ID: "evt_1", Type: "payment_intent.processing", Created: created, Data: &stripe.EventData{Raw: raw("processing")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	succeeded, _, err := eventInput(&stripe.Event{ID: "evt_2", Type: "payment_intent.succeeded", Created: created, Data: &stripe.EventData{Raw: raw("succeeded")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if processing.OccurredAt.Nanosecond() != 0 || !succeeded.OccurredAt.Equal(processing.OccurredAt) {
		t.Fatalf("expected both events at the same whole second, got %s and %s", processing.OccurredAt, succeeded.OccurredAt)
	}
	if succeeded.OccurredAt.After(processing.OccurredAt) {
		t.Fatal("expected the later event in the same second not to sort strictly after the first")
	}
}

func TestUnconfiguredProcessorRefusesCalls(t *testing.T) {
	p := New(Options{})
	if _, err := p.Debit(context.Background(), debitRequest()); err == nil {
		t.Fatal("expected error without a credential")
	}
	if err := p.ConfigureCredential("  "); err == nil {
		t.Fatal("expected blank credential to be rejected")
	}
}
