package api

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/transfa/billing-service/internal/app"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/internal/processor"
	"github.com/transfa/billing-service/internal/store"
)

const (
	testInternalKey = "internal-secret"
	testBaseURL     = "https://billing.example.com"
)

type staticProcessors struct {
	p processor.Processor
}

func (s *staticProcessors) ForCompany(company domain.Company) (processor.Processor, error) {
	return s.p, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	return nil
}

type limiterStub struct {
	count int
}

func (l *limiterStub) Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return l.count, 42, nil
}

type testServer struct {
	t      *testing.T
	dummy  *processor.Dummy
	router http.Handler
}

func newTestServer(t *testing.T, callbacks CallbackOptions) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := store.NewMemoryRepository()
	dummy := processor.NewDummy()
	if err := dummy.ConfigureCredential("sk_test"); err != nil {
		t.Fatalf("configure dummy: %v", err)
	}
	procs := &staticProcessors{p: dummy}
	clock := app.SystemClock{}
	tokens := NewTokens("jwt-secret", 0)
	notifier := app.NewStatusNotifier(nopPublisher{}, "billing.events", logger)

	invoices := app.NewInvoiceService(repo, procs, clock, notifier, logger)
	events := app.NewEventService(repo, invoices, clock, notifier, logger)
	svc := Services{
		Catalog:       app.NewCatalogService(repo, procs, clock, CallbackURL(testBaseURL, tokens), logger),
		Invoices:      invoices,
		Subscriptions: app.NewSubscriptionService(repo, procs, invoices, clock, notifier, logger),
		Events:        events,
		Runner:        app.NewTransactionRunner(repo, procs, invoices, clock, 3, notifier, logger),
		Callbacks:     app.NewCallbackConsumer(repo, procs, events, logger),
	}
	h := NewHandler(svc, tokens, callbacks, clock, logger)
	return &testServer{t: t, dummy: dummy, router: NewRouter(h, testInternalKey)}
}

func (s *testServer) do(method, path, token string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		raw, ok := body.([]byte)
		if !ok {
			var err error
			raw, err = json.Marshal(body)
			if err != nil {
				s.t.Fatalf("marshal body: %v", err)
			}
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) decode(rec *httptest.ResponseRecorder, dst interface{}) {
	s.t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		s.t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func (s *testServer) createCompany(name string) (domain.Company, string) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/internal/companies", "", map[string]string{"name": name, "processor_key": "sk_test"},
		"X-Internal-API-Key", testInternalKey)
	if rec.Code != http.StatusCreated {
		s.t.Fatalf("create company: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Company     domain.Company `json:"company"`
		AccessToken string         `json:"access_token"`
	}
	s.decode(rec, &resp)
	return resp.Company, resp.AccessToken
}

func (s *testServer) createCustomer(token string) domain.Customer {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/customers", token, map[string]string{"email": "ada@example.com"})
	if rec.Code != http.StatusCreated {
		s.t.Fatalf("create customer: status %d body %s", rec.Code, rec.Body.String())
	}
	var customer domain.Customer
	s.decode(rec, &customer)
	return customer
}

func (s *testServer) createInvoice(token string, customerID uuid.UUID, amount int64) invoiceDetail {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/invoices", token, map[string]interface{}{
		"customer_id":            customerID,
		"amount":                 amount,
		"funding_instrument_uri": "fi_card",
	})
	if rec.Code != http.StatusCreated {
		s.t.Fatalf("create invoice: status %d body %s", rec.Code, rec.Body.String())
	}
	var detail invoiceDetail
	s.decode(rec, &detail)
	return detail
}

func (s *testServer) invoice(token string, id uuid.UUID) invoiceDetail {
	s.t.Helper()
	rec := s.do(http.MethodGet, "/invoices/"+id.String(), token, nil)
	if rec.Code != http.StatusOK {
		s.t.Fatalf("get invoice: status %d body %s", rec.Code, rec.Body.String())
	}
	var detail invoiceDetail
	s.decode(rec, &detail)
	return detail
}

type invoiceDetail struct {
	Invoice      domain.Invoice       `json:"invoice"`
	Transactions []domain.Transaction `json:"transactions"`
}

func TestInternalRoutesRequireKey(t *testing.T) {
	s := newTestServer(t, CallbackOptions{})

	rec := s.do(http.MethodPost, "/internal/companies", "", map[string]string{"name": "Acme", "processor_key": "sk_test"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without internal key, got %d", rec.Code)
	}

	company, token := s.createCompany("Acme")
	if token == "" {
		t.Fatal("expected an access token for the new company")
	}
	if url := s.dummy.CallbackURL(company.ID); !strings.HasPrefix(url, testBaseURL+"/callbacks/") {
		t.Fatalf("expected callback url to be registered, got %q", url)
	}
}

func TestCompanyRoutesRequireToken(t *testing.T) {
	s := newTestServer(t, CallbackOptions{})

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing", token: ""},
		{name: "garbage", token: "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodGet, "/company", tt.token, nil)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestInvoiceLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, CallbackOptions{})
	_, token := s.createCompany("Acme")
	customer := s.createCustomer(token)

	created := s.createInvoice(token, customer.ID, 1500)
	if created.Invoice.Status != domain.InvoiceStatusProcessing || len(created.Transactions) != 1 {
		t.Fatalf("unexpected created invoice %+v", created)
	}

	rec := s.do(http.MethodPost, "/internal/jobs/process-transactions", "", nil, "X-Internal-API-Key", testInternalKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("process transactions: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp processTransactionsResponse
	s.decode(rec, &resp)
	if resp.Summary.Done != 1 {
		t.Fatalf("expected one transaction done, got %+v", resp.Summary)
	}

	got := s.invoice(token, created.Invoice.ID)
	if got.Invoice.Status != domain.InvoiceStatusSettled {
		t.Fatalf("expected SETTLED, got %s", got.Invoice.Status)
	}

	rec = s.do(http.MethodPost, "/invoices/"+created.Invoice.ID.String()+"/refunds", token, map[string]int64{"amount": 500})
	if rec.Code != http.StatusCreated {
		t.Fatalf("refund: status %d body %s", rec.Code, rec.Body.String())
	}
	rec = s.do(http.MethodPost, "/invoices/"+created.Invoice.ID.String()+"/refunds", token, map[string]int64{"amount": 1001})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected over-refund to be rejected with 409, got %d", rec.Code)
	}
}

func TestRecordsAreScopedToCompany(t *testing.T) {
	s := newTestServer(t, CallbackOptions{})
	_, acmeToken := s.createCompany("Acme")
	_, otherToken := s.createCompany("Globex")
	customer := s.createCustomer(acmeToken)
	created := s.createInvoice(acmeToken, customer.ID, 1000)

	paths := []string{
		"/invoices/" + created.Invoice.ID.String(),
		"/customers/" + customer.ID.String(),
		"/transactions/" + created.Transactions[0].ID.String(),
	}
	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			if rec := s.do(http.MethodGet, path, otherToken, nil); rec.Code != http.StatusNotFound {
				t.Fatalf("expected 404 for another company, got %d", rec.Code)
			}
			if rec := s.do(http.MethodGet, path, acmeToken, nil); rec.Code != http.StatusOK {
				t.Fatalf("expected 200 for the owner, got %d", rec.Code)
			}
		})
	}

	rec := s.do(http.MethodPost, "/invoices", otherToken, map[string]interface{}{"customer_id": customer.ID, "amount": 100})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected invoice for a foreign customer to be rejected with 404, got %d", rec.Code)
	}
}

func TestRequestValidation(t *testing.T) {
	s := newTestServer(t, CallbackOptions{})
	_, token := s.createCompany("Acme")
	customer := s.createCustomer(token)

	tests := []struct {
		name      string
		method    string
		path      string
		body      interface{}
		wantCode  int
		wantField string
	}{
		{name: "missing customer", method: http.MethodPost, path: "/invoices", body: map[string]interface{}{"amount": 100}, wantCode: http.StatusBadRequest, wantField: "customer_id"},
		{name: "unknown field", method: http.MethodPost, path: "/invoices", body: map[string]interface{}{"customer_id": customer.ID, "amount": 1, "bogus": true}, wantCode: http.StatusBadRequest},
		{name: "bad transaction type", method: http.MethodPost, path: "/invoices", body: map[string]interface{}{"customer_id": customer.ID, "amount": 1, "transaction_type": "REFUND"}, wantCode: http.StatusBadRequest, wantField: "transaction_type"},
		{name: "rejected funding instrument", method: http.MethodPost, path: "/invoices", body: map[string]interface{}{"customer_id": customer.ID, "amount": 100, "funding_instrument_uri": "card_123"}, wantCode: http.StatusBadRequest, wantField: "funding_instrument_uri"},
		{name: "bad frequency", method: http.MethodPost, path: "/plans", body: map[string]interface{}{"name": "Gold", "plan_type": "DEBIT", "amount": 100, "frequency": "HOURLY", "interval": 1}, wantCode: http.StatusBadRequest, wantField: "frequency"},
		{name: "bad id", method: http.MethodGet, path: "/invoices/not-a-uuid", wantCode: http.StatusBadRequest},
		{name: "unknown invoice", method: http.MethodGet, path: "/invoices/" + uuid.NewString(), wantCode: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, token, tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d body %s", tt.wantCode, rec.Code, rec.Body.String())
			}
			if tt.wantField != "" {
				var resp errorResponse
				s.decode(rec, &resp)
				if resp.Field != tt.wantField {
					t.Fatalf("expected field %q, got %q", tt.wantField, resp.Field)
				}
			}
		})
	}
}

func TestRefundOfUnsettledInvoiceConflicts(t *testing.T) {
	s := newTestServer(t, CallbackOptions{})
	_, token := s.createCompany("Acme")
	customer := s.createCustomer(token)
	created := s.createInvoice(token, customer.ID, 1000)

	rec := s.do(http.MethodPost, "/invoices/"+created.Invoice.ID.String()+"/refunds", token, map[string]int64{"amount": 100})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body %s", rec.Code, rec.Body.String())
	}
}

func callbackPath(t *testing.T, s *testServer, companyID uuid.UUID) string {
	t.Helper()
	url := s.dummy.CallbackURL(companyID)
	if url == "" {
		t.Fatal("no callback url registered")
	}
	return strings.TrimPrefix(url, testBaseURL)
}

func TestCallbackAppliedInline(t *testing.T) {
	s := newTestServer(t, CallbackOptions{})
	company, token := s.createCompany("Acme")
	customer := s.createCustomer(token)
	s.dummy.SetStatus(domain.TransactionStatusPending)
	created := s.createInvoice(token, customer.ID, 1000)

	if rec := s.do(http.MethodPost, "/internal/jobs/process-transactions", "", nil, "X-Internal-API-Key", testInternalKey); rec.Code != http.StatusOK {
		t.Fatalf("process transactions: status %d", rec.Code)
	}
	if got := s.invoice(token, created.Invoice.ID); got.Invoice.Status != domain.InvoiceStatusProcessing {
		t.Fatalf("expected PROCESSING while pending, got %s", got.Invoice.Status)
	}

	cb, err := s.dummy.Emit(created.Transactions[0].ID, domain.TransactionStatusSucceeded, time.Now().UTC())
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	path := callbackPath(t, s, company.ID)

	if rec := s.do(http.MethodPost, path, "", cb.Payload, "X-Processor-Signature", "forged"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected forged callback to be rejected, got %d", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/callbacks/not-a-token", "", cb.Payload, "X-Processor-Signature", cb.Signature); rec.Code != http.StatusNotFound {
		t.Fatalf("expected unknown callback token to 404, got %d", rec.Code)
	}

	for i := 0; i < 2; i++ {
		rec := s.do(http.MethodPost, path, "", cb.Payload, "X-Processor-Signature", cb.Signature)
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: status %d body %s", i+1, rec.Code, rec.Body.String())
		}
	}
	if got := s.invoice(token, created.Invoice.ID); got.Invoice.Status != domain.InvoiceStatusSettled {
		t.Fatalf("expected SETTLED after callback, got %s", got.Invoice.Status)
	}
}

func TestCallbackQueuedWhenBrokerConfigured(t *testing.T) {
	publisher := &recordingPublisher{}
	s := newTestServer(t, CallbackOptions{Publisher: publisher, Exchange: "billing.events"})
	company, _ := s.createCompany("Acme")

	rec := s.do(http.MethodPost, callbackPath(t, s, company.ID), "", []byte(`{"event_id":"EV1"}`), "X-Processor-Signature", "sig")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(publisher.keys) != 1 || publisher.keys[0] != app.CallbackRoutingKey {
		t.Fatalf("expected one callback message, got %v", publisher.keys)
	}
}

func TestCallbackRateLimited(t *testing.T) {
	s := newTestServer(t, CallbackOptions{Limiter: &limiterStub{count: 11}, LimitPerMinute: 10})
	company, _ := s.createCompany("Acme")

	rec := s.do(http.MethodPost, callbackPath(t, s, company.ID), "", []byte(`{}`))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "42" {
		t.Fatalf("expected Retry-After 42, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestTokensRejectWrongUse(t *testing.T) {
	tokens := NewTokens("jwt-secret", time.Hour)
	company := domain.Company{ID: uuid.New(), CallbackKey: "cbk"}

	callback, err := tokens.IssueCallbackToken(company)
	if err != nil {
		t.Fatalf("issue callback token: %v", err)
	}
	if _, err := tokens.ParseAccessToken(callback); err == nil {
		t.Fatal("expected a callback token to be refused as an access token")
	}

	access, err := tokens.IssueAccessToken(company.ID, time.Now())
	if err != nil {
		t.Fatalf("issue access token: %v", err)
	}
	if _, _, err := NewTokens("other-secret", 0).ParseCallbackToken(access); err == nil {
		t.Fatal("expected a token signed with another secret to be refused")
	}
	id, err := tokens.ParseAccessToken(access)
	if err != nil || id != company.ID {
		t.Fatalf("expected access token for %s, got %s (%v)", company.ID, id, err)
	}
}
