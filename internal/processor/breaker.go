/**
 * @description
 * Circuit breaker around a processor's money-moving calls. While the breaker is open, submissions
 * fail fast with gobreaker.ErrOpenState; the runner records that like any other processor failure.
 */
package processor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/internal/metrics"
)

// BreakerSettings configures the breaker of one company's processor.
type BreakerSettings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	// CallTimeout bounds each money-moving call; zero leaves the caller's deadline alone.
	CallTimeout time.Duration
}

// DefaultBreakerSettings returns production defaults.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// Breaker wraps Debit, Credit and Refund of the inner processor.
type Breaker struct {
	Processor
	cb      *gobreaker.CircuitBreaker[Result]
	name    string
	timeout time.Duration
}

func NewBreaker(name string, inner Processor, settings BreakerSettings, logger *slog.Logger) *Breaker {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = DefaultBreakerSettings().FailureThreshold
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:        name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Bad input and caller cancellation say nothing about processor health.
			var validationErr *domain.ValidationError
			var invalidOp *domain.InvalidOperationError
			return errors.As(err, &validationErr) || errors.As(err, &invalidOp) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("processor circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	return &Breaker{Processor: inner, cb: cb, name: name, timeout: settings.CallTimeout}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return -1
}

// State exposes the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) call(ctx context.Context, req Request, fn func(context.Context, Request) (Result, error)) (Result, error) {
	return b.cb.Execute(func() (Result, error) {
		if b.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, b.timeout)
			defer cancel()
		}
		return fn(ctx, req)
	})
}

func (b *Breaker) Debit(ctx context.Context, req Request) (Result, error) {
	return b.call(ctx, req, b.Processor.Debit)
}

func (b *Breaker) Credit(ctx context.Context, req Request) (Result, error) {
	return b.call(ctx, req, b.Processor.Credit)
}

func (b *Breaker) Refund(ctx context.Context, req Request) (Result, error) {
	return b.call(ctx, req, b.Processor.Refund)
}
