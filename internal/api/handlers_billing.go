/**
 * @description
 * HTTP handlers for subscriptions, invoices, transactions and manually reported events. Every
 * lookup is scoped to the authenticated company; records of other companies answer 404.
 */
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/transfa/billing-service/internal/app"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/internal/store"
)

type createSubscriptionRequest struct {
	PlanID               string     `json:"plan_id" validate:"required,uuid"`
	CustomerID           string     `json:"customer_id" validate:"required,uuid"`
	Amount               *int64     `json:"amount" validate:"omitempty,gte=0"`
	FundingInstrumentURI string     `json:"funding_instrument_uri"`
	StartedAt            *time.Time `json:"started_at"`
}

type itemRequest struct {
	Name     string `json:"name" validate:"required"`
	Amount   int64  `json:"amount"`
	Type     string `json:"type"`
	Quantity int64  `json:"quantity" validate:"gte=0"`
	Unit     string `json:"unit"`
}

type adjustmentRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type createInvoiceRequest struct {
	CustomerID           string              `json:"customer_id" validate:"required,uuid"`
	Amount               int64               `json:"amount" validate:"gte=0"`
	Title                string              `json:"title" validate:"max=500"`
	FundingInstrumentURI string              `json:"funding_instrument_uri"`
	TransactionType      string              `json:"transaction_type" validate:"omitempty,oneof=DEBIT CREDIT"`
	Items                []itemRequest       `json:"items" validate:"dive"`
	Adjustments          []adjustmentRequest `json:"adjustments" validate:"dive"`
	ExternalID           string              `json:"external_id" validate:"max=255"`
}

type invoiceResponse struct {
	Invoice      *domain.Invoice      `json:"invoice"`
	Transactions []domain.Transaction `json:"transactions"`
}

type updateFundingInstrumentRequest struct {
	FundingInstrumentURI string `json:"funding_instrument_uri" validate:"required"`
}

type refundRequest struct {
	Amount int64 `json:"amount" validate:"gt=0"`
}

type addEventRequest struct {
	TransactionID string    `json:"transaction_id" validate:"required,uuid"`
	ProcessorID   string    `json:"processor_id" validate:"required,max=255"`
	Status        string    `json:"status" validate:"required"`
	OccurredAt    time.Time `json:"occurred_at" validate:"required"`
}

// ownedInvoice loads an invoice and hides it from other companies.
func (h *Handler) ownedInvoice(ctx context.Context, companyID, invoiceID uuid.UUID) (*app.InvoiceDetail, error) {
	detail, err := h.svc.Invoices.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if detail.Invoice.CompanyID != companyID {
		return nil, store.ErrInvoiceNotFound
	}
	return detail, nil
}

func (h *Handler) ownedTransaction(ctx context.Context, companyID, transactionID uuid.UUID) (*app.TransactionDetail, error) {
	detail, err := h.svc.Catalog.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if _, err := h.ownedInvoice(ctx, companyID, detail.Transaction.InvoiceID); err != nil {
		return nil, store.ErrTransactionNotFound
	}
	return detail, nil
}

func (h *Handler) ownedSubscription(ctx context.Context, companyID, subscriptionID uuid.UUID) (*domain.Subscription, error) {
	sub, err := h.svc.Subscriptions.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	customer, err := h.svc.Catalog.GetCustomer(ctx, sub.CustomerID)
	if err != nil || customer.CompanyID != companyID {
		return nil, store.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (h *Handler) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyFromRequest(w, r)
	if !ok {
		return
	}
	var req createSubscriptionRequest
	if !h.decode(w, r, &req) {
		return
	}
	planID := uuid.MustParse(req.PlanID)

	plan, err := h.svc.Catalog.GetPlan(r.Context(), planID)
	if err == nil && plan.CompanyID != companyID {
		err = store.ErrPlanNotFound
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	in := app.CreateSubscriptionInput{
		PlanID:               planID,
		CustomerID:           uuid.MustParse(req.CustomerID),
		Amount:               req.Amount,
		FundingInstrumentURI: req.FundingInstrumentURI,
	}
	if req.StartedAt != nil {
		in.StartedAt = req.StartedAt.UTC()
	}
	sub, err := h.svc.Subscriptions.Create(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, sub)
}

func (h *Handler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	sub, err := h.ownedSubscription(r.Context(), companyID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.ownedSubscription(r.Context(), companyID, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	sub, err := h.svc.Subscriptions.Cancel(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyFromRequest(w, r)
	if !ok {
		return
	}
	var req createInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}

	inv, txs, err := h.svc.Invoices.Create(r.Context(), app.CreateInvoiceInput{
		CompanyID:            companyID,
		CustomerID:           uuid.MustParse(req.CustomerID),
		Amount:               req.Amount,
		Title:                req.Title,
		FundingInstrumentURI: req.FundingInstrumentURI,
		TransactionType:      domain.TransactionType(req.TransactionType),
		Items: lo.Map(req.Items, func(it itemRequest, _ int) domain.Item {
			return domain.Item{Name: it.Name, Amount: it.Amount, Type: it.Type, Quantity: it.Quantity, Unit: it.Unit}
		}),
		Adjustments: lo.Map(req.Adjustments, func(a adjustmentRequest, _ int) domain.Adjustment {
			return domain.Adjustment{Amount: a.Amount, Reason: a.Reason}
		}),
		ExternalID: req.ExternalID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, invoiceResponse{Invoice: inv, Transactions: txs})
}

func (h *Handler) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	detail, err := h.ownedInvoice(r.Context(), companyID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleUpdateFundingInstrument(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	var req updateFundingInstrumentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := h.ownedInvoice(r.Context(), companyID, id); err != nil {
		h.writeError(w, r, err)
		return
	}

	txs, err := h.svc.Invoices.UpdateFundingInstrument(r.Context(), id, req.FundingInstrumentURI)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, txs)
}

func (h *Handler) handleCancelInvoice(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.ownedInvoice(r.Context(), companyID, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	inv, err := h.svc.Invoices.Cancel(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, inv)
}

func (h *Handler) handleRefundInvoice(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	var req refundRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := h.ownedInvoice(r.Context(), companyID, id); err != nil {
		h.writeError(w, r, err)
		return
	}

	refund, err := h.svc.Invoices.Refund(r.Context(), id, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, refund)
}

func (h *Handler) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	detail, err := h.ownedTransaction(r.Context(), companyID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleAddEvent(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyFromRequest(w, r)
	if !ok {
		return
	}
	var req addEventRequest
	if !h.decode(w, r, &req) {
		return
	}
	status, err := domain.ParseTransactionStatus(req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	txID := uuid.MustParse(req.TransactionID)
	if _, err := h.ownedTransaction(r.Context(), companyID, txID); err != nil {
		h.writeError(w, r, err)
		return
	}

	event, err := h.svc.Events.AddEvent(r.Context(), domain.EventInput{
		TransactionID: txID,
		ProcessorID:   req.ProcessorID,
		Status:        status,
		OccurredAt:    req.OccurredAt.UTC(),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, event)
}
