/**
 * @description
 * HTTP handlers for the billing service: shared plumbing plus the company, customer and plan
 * endpoints. Request bodies are decoded with go-json and checked with validator tags before the
 * application services apply their own rules.
 *
 * @dependencies
 * - github.com/go-playground/validator/v10: request body validation.
 * - github.com/goccy/go-json: request and response encoding.
 */
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/transfa/billing-service/internal/app"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/internal/store"
)

const maxBodyBytes = 1 << 20

// Services groups the application services the handlers call.
type Services struct {
	Catalog       *app.CatalogService
	Invoices      *app.InvoiceService
	Subscriptions *app.SubscriptionService
	Events        *app.EventService
	Runner        *app.TransactionRunner
	Callbacks     *app.CallbackConsumer
}

// CallbackPublisher queues verified-later callbacks on the broker.
type CallbackPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// RateLimiter counts callback deliveries per company.
type RateLimiter interface {
	Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// CallbackOptions configures callback intake. A nil Publisher applies callbacks inline.
type CallbackOptions struct {
	Publisher      CallbackPublisher
	Exchange       string
	Limiter        RateLimiter
	LimitPerMinute int
}

// Handler holds the application services that handlers will interact with.
type Handler struct {
	svc       Services
	tokens    *Tokens
	callbacks CallbackOptions
	clock     app.Clock
	validate  *validator.Validate
	logger    *slog.Logger
}

func NewHandler(svc Services, tokens *Tokens, callbacks CallbackOptions, clock app.Clock, logger *slog.Logger) *Handler {
	validate := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names in validation errors.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		svc:       svc,
		tokens:    tokens,
		callbacks: callbacks,
		clock:     clock,
		validate:  validate,
		logger:    logger,
	}
}

// CallbackURL builds the public URL a company's processor notifies.
func CallbackURL(baseURL string, tokens *Tokens) app.CallbackURLFunc {
	return func(company domain.Company) (string, error) {
		token, err := tokens.IssueCallbackToken(company)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(baseURL, "/") + "/callbacks/" + token, nil
	}
}

type createCompanyRequest struct {
	Name         string `json:"name" validate:"required,max=200"`
	ProcessorKey string `json:"processor_key" validate:"required"`
}

type companyResponse struct {
	Company     *domain.Company `json:"company"`
	AccessToken string          `json:"access_token,omitempty"`
}

type createCustomerRequest struct {
	Email        string `json:"email" validate:"omitempty,email"`
	Name         string `json:"name" validate:"max=200"`
	ProcessorURI string `json:"processor_uri"`
}

type createPlanRequest struct {
	Name      string `json:"name" validate:"required,max=200"`
	PlanType  string `json:"plan_type" validate:"required"`
	Amount    int64  `json:"amount" validate:"gte=0"`
	Frequency string `json:"frequency" validate:"required"`
	Interval  int    `json:"interval" validate:"gte=1"`
}

func (h *Handler) handleCreateCompany(w http.ResponseWriter, r *http.Request) {
	var req createCompanyRequest
	if !h.decode(w, r, &req) {
		return
	}

	company, err := h.svc.Catalog.CreateCompany(r.Context(), app.CreateCompanyInput{Name: req.Name, ProcessorKey: req.ProcessorKey})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	token, err := h.tokens.IssueAccessToken(company.ID, h.clock.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, companyResponse{Company: company, AccessToken: token})
}

func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	company, err := h.svc.Catalog.GetCompany(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	token, err := h.tokens.IssueAccessToken(company.ID, h.clock.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, companyResponse{Company: company, AccessToken: token})
}

func (h *Handler) handleGetCompany(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyFromRequest(w, r)
	if !ok {
		return
	}
	company, err := h.svc.Catalog.GetCompany(r.Context(), companyID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, company)
}

func (h *Handler) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyFromRequest(w, r)
	if !ok {
		return
	}
	var req createCustomerRequest
	if !h.decode(w, r, &req) {
		return
	}

	customer, err := h.svc.Catalog.CreateCustomer(r.Context(), app.CreateCustomerInput{
		CompanyID:    companyID,
		Email:        req.Email,
		Name:         req.Name,
		ProcessorURI: req.ProcessorURI,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, customer)
}

func (h *Handler) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	customer, err := h.svc.Catalog.GetCustomer(r.Context(), id)
	if err == nil && customer.CompanyID != companyID {
		err = store.ErrCustomerNotFound
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, customer)
}

func (h *Handler) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyFromRequest(w, r)
	if !ok {
		return
	}
	var req createPlanRequest
	if !h.decode(w, r, &req) {
		return
	}
	planType, err := domain.ParsePlanType(req.PlanType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	frequency, err := domain.ParseFrequency(req.Frequency)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	plan, err := h.svc.Catalog.CreatePlan(r.Context(), app.CreatePlanInput{
		CompanyID: companyID,
		Name:      req.Name,
		PlanType:  planType,
		Amount:    req.Amount,
		Frequency: frequency,
		Interval:  req.Interval,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, plan)
}

func (h *Handler) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	plan, err := h.svc.Catalog.GetPlan(r.Context(), id)
	if err == nil && plan.CompanyID != companyID {
		err = store.ErrPlanNotFound
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, plan)
}

// decode reads and validates a JSON body, answering 400 itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			h.writeError(w, r, &domain.ValidationError{Field: fe.Field(), Reason: fmt.Sprintf("failed %q check", fe.Tag())})
			return false
		}
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func companyFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	companyID, ok := CompanyFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
	return companyID, ok
}

func urlUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid %s", param), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// writeError maps the service error taxonomy onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation  *domain.ValidationError
		duplicateID *domain.DuplicateExternalIDError
		duplicateEv *domain.DuplicateEventError
		invalidOp   *domain.InvalidOperationError
		canceled    *domain.SubscriptionCanceledError
	)
	switch {
	case errors.As(err, &validation):
		respondWithJSON(w, http.StatusBadRequest, errorResponse{Error: validation.Error(), Field: validation.Field})
	case store.IsNotFound(err):
		respondWithJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.As(err, &duplicateID), errors.As(err, &duplicateEv), errors.As(err, &invalidOp),
		errors.As(err, &canceled), errors.Is(err, app.ErrTransactionAlreadyDone):
		respondWithJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondWithJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
