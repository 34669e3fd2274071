package embed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the embedding circuit breaker is open and
// rejects requests to prevent cascading failures against a struggling
// provider.
var ErrCircuitOpen = errors.New("embedding circuit breaker is open")

// BreakerConfig holds circuit breaker tuning for a wrapped provider.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures required to trip the
	// circuit (default: 3).
	MaxFailures uint32

	// Timeout is the duration the circuit stays open before transitioning to
	// half-open (default: 30s).
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of successes required in half-open
	// state to close the circuit again (default: 2).
	HalfOpenMaxSuccesses uint32
}

// BreakerProvider wraps a Provider with gobreaker so that a failing embedding
// backend degrades duplicate detection to fail-open instead of stalling the
// background workers on every call.
type BreakerProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker
}

// WithBreaker wraps the provider with default breaker settings.
func WithBreaker(inner Provider) *BreakerProvider {
	return WithBreakerConfig(inner, BreakerConfig{})
}

// WithBreakerConfig wraps the provider with explicit breaker settings.
func WithBreakerConfig(inner Provider, cfg BreakerConfig) *BreakerProvider {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxSuccesses == 0 {
		cfg.HalfOpenMaxSuccesses = 2
	}

	settings := gobreaker.Settings{
		Name:        "EmbeddingProvider",
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
	}

	return &BreakerProvider{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Embed runs the wrapped provider through the circuit breaker.
func (p *BreakerProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.inner.Embed(ctx, text)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("embed: %w", ErrCircuitOpen)
		}
		return nil, err
	}
	return result.([]float32), nil
}

// Dimension returns the wrapped provider's vector length.
func (p *BreakerProvider) Dimension() int {
	return p.inner.Dimension()
}

// State reports the breaker state ("closed", "open", "half-open").
func (p *BreakerProvider) State() string {
	switch p.breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
