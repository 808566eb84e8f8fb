package app

import (
	"time"

	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/internal/processor"
)

// Clock supplies the current instant to every entry point.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ProcessorProvider resolves the processor configured for a company.
type ProcessorProvider interface {
	ForCompany(company domain.Company) (processor.Processor, error)
}
