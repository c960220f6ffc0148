package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"chorus/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 60 * time.Second
	defaultCBInterval    time.Duration = 30 * time.Second
)

// BreakerConfig configures the per-specialist circuit breaker.
type BreakerConfig struct {
	Enabled bool
	// MaxFailures is the number of consecutive transport failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a half-open probe.
	Timeout time.Duration
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration
}

// Breaker wraps a Client so that repeated transport failures fail fast without
// touching the network. Remote and protocol errors mean the specialist answered, so
// they do not count against it. Ping and introspection bypass the breaker so the
// health monitor always sees the real endpoint.
type Breaker struct {
	id      string
	inner   Client
	breaker *gobreaker.CircuitBreaker[*domain.Response]
}

// NewBreaker wraps inner with a circuit breaker named after the specialist.
func NewBreaker(id string, inner Client, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.Response](gobreaker.Settings{
		Name:        "specialist:" + id,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"specialist_id", id,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !(errors.Is(err, domain.ErrTimeout) || errors.Is(err, domain.ErrConnection))
		},
	})
	return &Breaker{id: id, inner: inner, breaker: cb}
}

// Send implements domain.SpecialistClient through the circuit breaker.
func (b *Breaker) Send(ctx context.Context, req domain.Request) (*domain.Response, error) {
	resp, err := b.breaker.Execute(func() (*domain.Response, error) {
		return b.inner.Send(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, domain.NewCallError(domain.CallConnection, b.id, 0, fmt.Errorf("%w: %w", domain.ErrCircuitOpen, err))
	}
	return resp, err
}

// Ping implements domain.SpecialistClient without the breaker.
func (b *Breaker) Ping(ctx context.Context) (time.Duration, error) {
	return b.inner.Ping(ctx)
}

// Info delegates to the wrapped client.
func (b *Breaker) Info(ctx context.Context) (json.RawMessage, error) {
	return b.inner.Info(ctx)
}

// Schema delegates to the wrapped client.
func (b *Breaker) Schema(ctx context.Context) (json.RawMessage, error) {
	return b.inner.Schema(ctx)
}

// State returns the current circuit breaker state for monitoring.
func (b *Breaker) State() gobreaker.State {
	return b.breaker.State()
}

// Unwrap returns the wrapped client.
func (b *Breaker) Unwrap() Client { return b.inner }

var _ Client = (*Breaker)(nil)
