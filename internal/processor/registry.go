package processor

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/transfa/billing-service/internal/domain"
)

type registryEntry struct {
	key       string
	processor Processor
}

// Registry hands out one configured, breaker-wrapped processor per company. A company whose
// credential changes gets a fresh processor and breaker.
type Registry struct {
	newProcessor func() Processor
	breaker      BreakerSettings
	logger       *slog.Logger

	mu      sync.Mutex
	entries map[uuid.UUID]registryEntry
}

func NewRegistry(newProcessor func() Processor, breaker BreakerSettings, logger *slog.Logger) *Registry {
	return &Registry{
		newProcessor: newProcessor,
		breaker:      breaker,
		logger:       logger,
		entries:      make(map[uuid.UUID]registryEntry),
	}
}

// ForCompany returns the processor configured with the company's credential.
func (r *Registry) ForCompany(company domain.Company) (Processor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[company.ID]; ok && entry.key == company.ProcessorKey {
		return entry.processor, nil
	}

	inner := r.newProcessor()
	if err := inner.ConfigureCredential(company.ProcessorKey); err != nil {
		return nil, fmt.Errorf("configure processor for company %s: %w", company.ID, err)
	}
	p := NewBreaker("processor-"+company.ID.String(), inner, r.breaker, r.logger)
	r.entries[company.ID] = registryEntry{key: company.ProcessorKey, processor: p}
	return p, nil
}
