package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/internal/store"
)

// CallbackURLFunc builds the public callback URL the processor should notify for a company.
type CallbackURLFunc func(company domain.Company) (string, error)

type CreateCompanyInput struct {
	Name         string
	ProcessorKey string
}

type CreateCustomerInput struct {
	CompanyID    uuid.UUID
	Email        string
	Name         string
	ProcessorURI string
}

type CreatePlanInput struct {
	CompanyID uuid.UUID
	Name      string
	PlanType  domain.PlanType
	Amount    int64
	Frequency domain.Frequency
	Interval  int
}

// TransactionDetail is a transaction with everything recorded against it.
type TransactionDetail struct {
	Transaction domain.Transaction          `json:"transaction"`
	Events      []domain.TransactionEvent   `json:"events"`
	Failures    []domain.TransactionFailure `json:"failures"`
}

// CatalogService manages the records invoices are built from: companies, customers and plans.
type CatalogService struct {
	repo        store.Repository
	processors  ProcessorProvider
	clock       Clock
	callbackURL CallbackURLFunc
	logger      *slog.Logger
}

func NewCatalogService(repo store.Repository, processors ProcessorProvider, clock Clock, callbackURL CallbackURLFunc, logger *slog.Logger) *CatalogService {
	return &CatalogService{repo: repo, processors: processors, clock: clock, callbackURL: callbackURL, logger: logger}
}

func newCallbackKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate callback key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CreateCompany stores a company and registers its callback URL with the processor.
func (s *CatalogService) CreateCompany(ctx context.Context, in CreateCompanyInput) (*domain.Company, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, &domain.ValidationError{Field: "name", Reason: "is required"}
	}
	key := strings.TrimSpace(in.ProcessorKey)
	if key == "" {
		return nil, &domain.ValidationError{Field: "processor_key", Reason: "is required"}
	}
	callbackKey, err := newCallbackKey()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	company := &domain.Company{
		ID:           uuid.New(),
		Name:         name,
		ProcessorKey: key,
		CallbackKey:  callbackKey,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	p, err := s.processors.ForCompany(*company)
	if err != nil {
		return nil, &domain.ValidationError{Field: "processor_key", Reason: err.Error()}
	}
	if s.callbackURL != nil {
		url, err := s.callbackURL(*company)
		if err != nil {
			return nil, fmt.Errorf("build callback url: %w", err)
		}
		if err := p.RegisterCallback(ctx, *company, url); err != nil {
			return nil, fmt.Errorf("register callback: %w", err)
		}
	}

	if err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		return tx.CreateCompany(ctx, company)
	}); err != nil {
		return nil, err
	}
	s.logger.Info("company created", "company_id", company.ID)
	return company, nil
}

func (s *CatalogService) GetCompany(ctx context.Context, id uuid.UUID) (*domain.Company, error) {
	var company *domain.Company
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		company, err = tx.GetCompany(ctx, id)
		return err
	})
	return company, err
}

// CreateCustomer creates the customer on the processor, or validates ProcessorURI when the
// customer already exists there.
func (s *CatalogService) CreateCustomer(ctx context.Context, in CreateCustomerInput) (*domain.Customer, error) {
	company, err := s.GetCompany(ctx, in.CompanyID)
	if err != nil {
		return nil, err
	}
	p, err := s.processors.ForCompany(*company)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	customer := &domain.Customer{
		ID:           uuid.New(),
		CompanyID:    company.ID,
		ProcessorURI: strings.TrimSpace(in.ProcessorURI),
		Email:        strings.TrimSpace(in.Email),
		Name:         strings.TrimSpace(in.Name),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if customer.ProcessorURI != "" {
		if err := p.ValidateCustomer(ctx, customer.ProcessorURI); err != nil {
			return nil, err
		}
	} else {
		uri, err := p.CreateCustomer(ctx, *customer)
		if err != nil {
			return nil, fmt.Errorf("create processor customer: %w", err)
		}
		customer.ProcessorURI = uri
	}

	if err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		return tx.CreateCustomer(ctx, customer)
	}); err != nil {
		return nil, err
	}
	s.logger.Info("customer created", "customer_id", customer.ID, "company_id", customer.CompanyID)
	return customer, nil
}

func (s *CatalogService) GetCustomer(ctx context.Context, id uuid.UUID) (*domain.Customer, error) {
	var customer *domain.Customer
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		customer, err = tx.GetCustomer(ctx, id)
		return err
	})
	return customer, err
}

func (s *CatalogService) CreatePlan(ctx context.Context, in CreatePlanInput) (*domain.Plan, error) {
	switch {
	case strings.TrimSpace(in.Name) == "":
		return nil, &domain.ValidationError{Field: "name", Reason: "is required"}
	case !in.PlanType.Valid():
		return nil, &domain.ValidationError{Field: "plan_type", Reason: "must be DEBIT or CREDIT"}
	case !in.Frequency.Valid():
		return nil, &domain.ValidationError{Field: "frequency", Reason: "must be DAILY, WEEKLY, MONTHLY or YEARLY"}
	case in.Interval < 1:
		return nil, &domain.ValidationError{Field: "interval", Reason: "must be at least 1"}
	case in.Amount < 0:
		return nil, &domain.ValidationError{Field: "amount", Reason: "must not be negative"}
	}

	now := s.clock.Now()
	plan := &domain.Plan{
		ID:        uuid.New(),
		CompanyID: in.CompanyID,
		Name:      strings.TrimSpace(in.Name),
		PlanType:  in.PlanType,
		Amount:    in.Amount,
		Frequency: in.Frequency,
		Interval:  in.Interval,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetCompany(ctx, in.CompanyID); err != nil {
			return err
		}
		return tx.CreatePlan(ctx, plan)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("plan created", "plan_id", plan.ID, "company_id", plan.CompanyID)
	return plan, nil
}

func (s *CatalogService) GetPlan(ctx context.Context, id uuid.UUID) (*domain.Plan, error) {
	var plan *domain.Plan
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		plan, err = tx.GetPlan(ctx, id)
		return err
	})
	return plan, err
}

// GetTransaction loads a transaction with its events and failure records.
func (s *CatalogService) GetTransaction(ctx context.Context, id uuid.UUID) (*TransactionDetail, error) {
	var detail *TransactionDetail
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		txn, err := tx.GetTransaction(ctx, id, false)
		if err != nil {
			return err
		}
		events, err := tx.ListTransactionEvents(ctx, id)
		if err != nil {
			return err
		}
		failures, err := tx.ListTransactionFailures(ctx, id)
		if err != nil {
			return err
		}
		detail = &TransactionDetail{Transaction: *txn, Events: events, Failures: failures}
		return nil
	})
	return detail, err
}
