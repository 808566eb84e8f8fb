/**
 * @description
 * Processor callback intake and the internal job triggers.
 *
 * A callback is authenticated by the token in its URL, rate limited per company and then either
 * queued on RabbitMQ for the callback consumer or, without a broker, verified and applied inline.
 */
package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/transfa/billing-service/internal/app"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/internal/processor"
)

var signatureHeaders = []string{"Stripe-Signature", "X-Processor-Signature"}

func callbackSignature(r *http.Request) string {
	for _, header := range signatureHeaders {
		if v := r.Header.Get(header); v != "" {
			return v
		}
	}
	return ""
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	companyID, key, err := h.tokens.ParseCallbackToken(chi.URLParam(r, "token"))
	if err != nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	if h.callbacks.Limiter != nil {
		count, retryAfter, err := h.callbacks.Limiter.Consume(r.Context(), "callback", companyID.String(), h.callbacks.LimitPerMinute, time.Minute)
		if err != nil {
			h.logger.Warn("callback rate limiter unavailable", "company_id", companyID, "error", err)
		} else if h.callbacks.LimitPerMinute > 0 && count > h.callbacks.LimitPerMinute {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
	}

	company, err := h.svc.Catalog.GetCompany(r.Context(), companyID)
	if err != nil || !CallbackKeyMatches(*company, key) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || len(payload) == 0 {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	msg := app.CallbackMessage{
		CompanyID:  company.ID,
		Payload:    payload,
		Signature:  callbackSignature(r),
		ReceivedAt: h.clock.Now(),
	}

	if h.callbacks.Publisher != nil {
		err := h.callbacks.Publisher.Publish(r.Context(), h.callbacks.Exchange, app.CallbackRoutingKey, msg)
		if err == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		h.logger.Warn("callback publish failed; applying inline", "company_id", company.ID, "error", err)
	}

	if err := h.svc.Callbacks.Apply(r.Context(), msg); err != nil {
		if errors.Is(err, processor.ErrInvalidCallback) {
			h.logger.Warn("rejected processor callback", "company_id", company.ID, "error", err)
			http.Error(w, "Invalid callback", http.StatusBadRequest)
			return
		}
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type yieldInvoicesRequest struct {
	SubscriptionIDs []string   `json:"subscription_ids" validate:"dive,uuid"`
	Now             *time.Time `json:"now"`
}

type yieldInvoicesResponse struct {
	Count    int              `json:"count"`
	Invoices []domain.Invoice `json:"invoices"`
}

type processTransactionsRequest struct {
	TransactionIDs []string `json:"transaction_ids" validate:"dive,uuid"`
}

type processTransactionsResponse struct {
	Summary  app.ProcessSummary `json:"summary"`
	Failures []string           `json:"failures,omitempty"`
}

func parseIDs(raw []string) []uuid.UUID {
	if len(raw) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		ids = append(ids, uuid.MustParse(s))
	}
	return ids
}

// decodeOptional accepts an empty body as the zero request.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	return h.decode(w, r, dst)
}

func (h *Handler) handleYieldInvoices(w http.ResponseWriter, r *http.Request) {
	var req yieldInvoicesRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	now := h.clock.Now()
	if req.Now != nil {
		now = req.Now.UTC()
	}

	invoices, err := h.svc.Subscriptions.YieldInvoices(r.Context(), parseIDs(req.SubscriptionIDs), now)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, yieldInvoicesResponse{Count: len(invoices), Invoices: invoices})
}

func (h *Handler) handleProcessTransactions(w http.ResponseWriter, r *http.Request) {
	var req processTransactionsRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	summary, err := h.svc.Runner.ProcessTransactions(r.Context(), parseIDs(req.TransactionIDs))
	resp := processTransactionsResponse{Summary: summary}
	if err != nil {
		failures, ok := batchFailures(err)
		if !ok {
			h.writeError(w, r, err)
			return
		}
		resp.Failures = failures
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// batchFailures unpacks the per-transaction errors of a batch that ran to completion. Any other
// error, such as a failed listing or a canceled request, is not a batch result.
func batchFailures(err error) ([]string, bool) {
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return nil, false
	}
	return lo.Map(joined.Unwrap(), func(e error, _ int) string { return e.Error() }), true
}
