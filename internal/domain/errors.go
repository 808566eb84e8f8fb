/**
 * @description
 * Error taxonomy of the billing engine. Callers match these with errors.As; the API
 * layer maps each type onto an HTTP status.
 */
package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// ValidationError reports bad input rejected before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// DuplicateExternalIDError means a customer invoice with the same external id already exists.
type DuplicateExternalIDError struct {
	CustomerID uuid.UUID
	ExternalID string
}

func (e *DuplicateExternalIDError) Error() string {
	return fmt.Sprintf("invoice with external id %q already exists for customer %s", e.ExternalID, e.CustomerID)
}

// DuplicateEventError means the processor notification was already recorded.
type DuplicateEventError struct {
	TransactionID uuid.UUID
	ProcessorID   string
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("event %q already recorded for transaction %s", e.ProcessorID, e.TransactionID)
}

// InvalidOperationError means the operation is not allowed from the current state.
type InvalidOperationError struct {
	Op     string
	Reason string
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("invalid operation %s: %s", e.Op, e.Reason)
}

// SubscriptionCanceledError guards against canceling a subscription twice.
type SubscriptionCanceledError struct {
	SubscriptionID uuid.UUID
}

func (e *SubscriptionCanceledError) Error() string {
	return fmt.Sprintf("subscription %s is already canceled", e.SubscriptionID)
}
