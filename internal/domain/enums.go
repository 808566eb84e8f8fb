/**
 * @description
 * Closed enumerations used across the billing ledger. Every enum exposes Valid() and a
 * Parse helper so values coming from the database, the API or a processor callback are
 * rejected when they fall outside the known set.
 */
package domain

import (
	"fmt"
	"strings"
)

// Frequency is the calendar unit a plan bills in.
type Frequency string

const (
	FrequencyDaily   Frequency = "DAILY"
	FrequencyWeekly  Frequency = "WEEKLY"
	FrequencyMonthly Frequency = "MONTHLY"
	FrequencyYearly  Frequency = "YEARLY"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly:
		return true
	}
	return false
}

// PlanType is the money direction of a plan: DEBIT charges the customer, CREDIT pays them.
type PlanType string

const (
	PlanTypeDebit  PlanType = "DEBIT"
	PlanTypeCredit PlanType = "CREDIT"
)

func (p PlanType) Valid() bool {
	switch p {
	case PlanTypeDebit, PlanTypeCredit:
		return true
	}
	return false
}

// TransactionType returns the transaction type used to settle invoices of this plan.
func (p PlanType) TransactionType() TransactionType {
	if p == PlanTypeCredit {
		return TransactionTypeCredit
	}
	return TransactionTypeDebit
}

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusStaged     InvoiceStatus = "STAGED"
	InvoiceStatusProcessing InvoiceStatus = "PROCESSING"
	InvoiceStatusSettled    InvoiceStatus = "SETTLED"
	InvoiceStatusCanceled   InvoiceStatus = "CANCELED"
	InvoiceStatusFailed     InvoiceStatus = "FAILED"
)

func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceStatusStaged, InvoiceStatusProcessing, InvoiceStatusSettled, InvoiceStatusCanceled, InvoiceStatusFailed:
		return true
	}
	return false
}

// Modifiable reports whether funding-instrument changes and cancellation are allowed.
func (s InvoiceStatus) Modifiable() bool {
	switch s {
	case InvoiceStatusStaged, InvoiceStatusProcessing, InvoiceStatusFailed:
		return true
	case InvoiceStatusSettled, InvoiceStatusCanceled:
		return false
	}
	return false
}

// TransactionType is the kind of money movement a transaction performs.
type TransactionType string

const (
	TransactionTypeDebit   TransactionType = "DEBIT"
	TransactionTypeCredit  TransactionType = "CREDIT"
	TransactionTypeRefund  TransactionType = "REFUND"
	TransactionTypeReverse TransactionType = "REVERSE"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeDebit, TransactionTypeCredit, TransactionTypeRefund, TransactionTypeReverse:
		return true
	}
	return false
}

// MovesInvoice reports whether status changes of this transaction type drive the invoice status.
func (t TransactionType) MovesInvoice() bool {
	switch t {
	case TransactionTypeDebit, TransactionTypeCredit:
		return true
	case TransactionTypeRefund, TransactionTypeReverse:
		return false
	}
	return false
}

// SubmitStatus is the engine-local submission progress of a transaction.
type SubmitStatus string

const (
	SubmitStatusStaged   SubmitStatus = "STAGED"
	SubmitStatusRetrying SubmitStatus = "RETRYING"
	SubmitStatusDone     SubmitStatus = "DONE"
	SubmitStatusFailed   SubmitStatus = "FAILED"
	SubmitStatusCanceled SubmitStatus = "CANCELED"
)

func (s SubmitStatus) Valid() bool {
	switch s {
	case SubmitStatusStaged, SubmitStatusRetrying, SubmitStatusDone, SubmitStatusFailed, SubmitStatusCanceled:
		return true
	}
	return false
}

// Live reports whether the transaction is still waiting to be submitted.
func (s SubmitStatus) Live() bool {
	return s == SubmitStatusStaged || s == SubmitStatusRetrying
}

// TransactionStatus is the external processor's verdict. The zero value means unknown.
type TransactionStatus string

const (
	TransactionStatusUnknown   TransactionStatus = ""
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusSucceeded TransactionStatus = "SUCCEEDED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionStatusPending, TransactionStatusSucceeded, TransactionStatusFailed:
		return true
	}
	return false
}

// InvoiceKind tags the invoice variant.
type InvoiceKind string

const (
	InvoiceKindSubscription InvoiceKind = "subscription"
	InvoiceKindCustomer     InvoiceKind = "customer"
)

func (k InvoiceKind) Valid() bool {
	switch k {
	case InvoiceKindSubscription, InvoiceKindCustomer:
		return true
	}
	return false
}

func ParseFrequency(raw string) (Frequency, error) {
	f := Frequency(strings.ToUpper(strings.TrimSpace(raw)))
	if !f.Valid() {
		return "", &ValidationError{Field: "frequency", Reason: fmt.Sprintf("unknown frequency %q", raw)}
	}
	return f, nil
}

func ParsePlanType(raw string) (PlanType, error) {
	p := PlanType(strings.ToUpper(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", &ValidationError{Field: "plan_type", Reason: fmt.Sprintf("unknown plan type %q", raw)}
	}
	return p, nil
}

func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	s := TransactionStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown transaction status %q", raw)}
	}
	return s, nil
}
