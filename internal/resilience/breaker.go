// Package resilience guards the upstream API with a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "tradechart/internal/errors"
	"tradechart/internal/logging"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"    // Normal operation
	CircuitOpen     CircuitState = "OPEN"      // Failing, rejecting requests
	CircuitHalfOpen CircuitState = "HALF_OPEN" // Probing for recovery
)

// ErrCircuitOpen is returned while the circuit rejects requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive network failures that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it again.
	SuccessThreshold int
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
	Logger   zerolog.Logger
	Now      func() time.Time
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Cooldown:         30 * time.Second,
		Logger:           zerolog.Nop(),
		Now:              time.Now,
	}
}

// Breaker trips after repeated network failures and rejects calls until the
// cooldown elapses. Malformed payloads and cancellations do not count.
type Breaker struct {
	name   string
	config BreakerConfig
	logger zerolog.Logger

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
	stats     BreakerStats
}

// BreakerStats holds breaker counters.
type BreakerStats struct {
	State     CircuitState `json:"state"`
	Requests  int64        `json:"requests"`
	Failures  int64        `json:"failures"`
	Rejected  int64        `json:"rejected"`
	LastTrip  time.Time    `json:"last_trip,omitempty"`
	TripCount int64        `json:"trips"`
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:   name,
		config: cfg,
		logger: logging.WithComponent(cfg.Logger, "breaker").With().Str("breaker", name).Logger(),
		state:  CircuitClosed,
	}
}

// Do runs fn under breaker protection. A rejected call returns a network error
// wrapping ErrCircuitOpen without calling fn.
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}

	v, err := fn(ctx)
	b.record(err)
	if err != nil {
		return zero, err
	}
	return v, nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen {
		if b.config.Now().Sub(b.openedAt) < b.config.Cooldown {
			b.stats.Rejected++
			return apperrors.NewTransportError(b.name, 0, ErrCircuitOpen)
		}
		b.transitionTo(CircuitHalfOpen)
	}
	b.stats.Requests++
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && !errors.Is(err, apperrors.ErrNetwork) {
		return
	}

	if err == nil {
		switch b.state {
		case CircuitHalfOpen:
			b.successes++
			if b.successes >= b.config.SuccessThreshold {
				b.transitionTo(CircuitClosed)
			}
		case CircuitClosed:
			b.failures = 0
		}
		return
	}

	b.stats.Failures++
	switch b.state {
	case CircuitClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.trip(err)
		}
	case CircuitHalfOpen:
		b.trip(err)
	}
}

func (b *Breaker) trip(cause error) {
	b.transitionTo(CircuitOpen)
	b.openedAt = b.config.Now()
	b.stats.LastTrip = b.openedAt
	b.stats.TripCount++
	b.logger.Warn().Err(cause).Dur("cooldown", b.config.Cooldown).Msg("Circuit opened")
}

func (b *Breaker) transitionTo(state CircuitState) {
	if b.state != state {
		b.logger.Debug().Str("from", string(b.state)).Str("to", string(state)).Msg("Circuit state changed")
	}
	b.state = state
	b.failures = 0
	b.successes = 0
}

// State returns the current circuit state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.State = b.state
	return s
}

// Reset closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(CircuitClosed)
}
