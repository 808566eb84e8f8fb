package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/internal/processor"
	"github.com/transfa/billing-service/internal/store"
)

// CallbackRoutingKey is the routing key raw processor callbacks are queued under.
const CallbackRoutingKey = "processor.callback"

// CallbackMessage is a processor callback accepted by the API and queued for ingestion.
type CallbackMessage struct {
	CompanyID  uuid.UUID `json:"company_id"`
	Payload    []byte    `json:"payload"`
	Signature  string    `json:"signature"`
	ReceivedAt time.Time `json:"received_at"`
}

// CallbackConsumer verifies queued callbacks with the company's processor and feeds the
// resulting events into the EventService.
type CallbackConsumer struct {
	repo       store.Repository
	processors ProcessorProvider
	events     processor.EventSink
	logger     *slog.Logger
}

func NewCallbackConsumer(repo store.Repository, processors ProcessorProvider, events processor.EventSink, logger *slog.Logger) *CallbackConsumer {
	return &CallbackConsumer{repo: repo, processors: processors, events: events, logger: logger}
}

// HandleMessage is the RabbitMQ handler. It returns false only for failures worth redelivering.
func (c *CallbackConsumer) HandleMessage(body []byte) bool {
	var msg CallbackMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		c.logger.Error("failed to unmarshal callback message", "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.Apply(ctx, msg); err != nil {
		if errors.Is(err, processor.ErrInvalidCallback) || store.IsNotFound(err) {
			c.logger.Warn("dropping callback", "company_id", msg.CompanyID, "error", err)
			return true
		}
		var validation *domain.ValidationError
		if errors.As(err, &validation) {
			c.logger.Warn("dropping malformed callback event", "company_id", msg.CompanyID, "error", err)
			return true
		}
		c.logger.Error("callback processing failed", "company_id", msg.CompanyID, "error", err)
		return false
	}
	return true
}

// Apply verifies one callback and applies it. Duplicate deliveries are not errors.
func (c *CallbackConsumer) Apply(ctx context.Context, msg CallbackMessage) error {
	var company *domain.Company
	err := c.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		company, err = tx.GetCompany(ctx, msg.CompanyID)
		return err
	})
	if err != nil {
		return err
	}

	p, err := c.processors.ForCompany(*company)
	if err != nil {
		return err
	}
	apply, err := p.HandleCallback(ctx, *company, processor.Callback{Payload: msg.Payload, Signature: msg.Signature})
	if err != nil {
		return err
	}
	if apply == nil {
		c.logger.Debug("callback not relevant", "company_id", company.ID)
		return nil
	}

	if err := apply(ctx, c.events); err != nil {
		var dup *domain.DuplicateEventError
		if errors.As(err, &dup) {
			return nil
		}
		return fmt.Errorf("apply callback: %w", err)
	}
	return nil
}
