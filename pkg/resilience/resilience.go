package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"huddle-backend/pkg/logger"
)

// ErrOpen is returned without calling the operation while the breaker is open
var ErrOpen = errors.New("circuit breaker open")

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

func (s CircuitBreakerState) gaugeValue() float64 {
	switch s {
	case CircuitBreakerHalfOpen:
		return 1
	case CircuitBreakerOpen:
		return 2
	default:
		return 0
	}
}

// CircuitBreaker stops calling a failing dependency. After threshold
// consecutive failures it opens for cooldown, then lets a single probe
// through; the probe's outcome closes or reopens it.
type CircuitBreaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	gauge     prometheus.Gauge
	now       func() time.Time

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	probing             bool
}

// NewCircuitBreaker creates a closed breaker. reg may be nil.
func NewCircuitBreaker(name string, threshold int, cooldown time.Duration, reg prometheus.Registerer) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	b := &CircuitBreaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		state:     CircuitBreakerClosed,
		now:       time.Now,
	}
	if reg != nil {
		b.gauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "circuit_breaker_state",
			Help:        "State of a circuit breaker (0=closed, 1=half_open, 2=open)",
			ConstLabels: prometheus.Labels{"breaker": name},
		})
		reg.MustRegister(b.gauge)
	}
	return b
}

// Execute runs fn unless the breaker is open
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err)
	return err
}

// State returns the current circuit breaker state
func (b *CircuitBreaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitBreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.setState(CircuitBreakerHalfOpen)
		b.probing = true
		return nil
	case CircuitBreakerHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
	}
	return nil
}

func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.consecutiveFailures = 0
		b.probing = false
		if b.state != CircuitBreakerClosed {
			b.setState(CircuitBreakerClosed)
			logger.Info("Circuit breaker closed", zap.String("breaker", b.name))
		}
		return
	}

	b.consecutiveFailures++
	if b.state == CircuitBreakerHalfOpen || b.consecutiveFailures >= b.threshold {
		b.probing = false
		b.openedAt = b.now()
		if b.state != CircuitBreakerOpen {
			logger.Warn("Circuit breaker opened",
				zap.String("breaker", b.name),
				zap.Int("consecutive_failures", b.consecutiveFailures),
				zap.Error(err))
		}
		b.setState(CircuitBreakerOpen)
	}
}

func (b *CircuitBreaker) setState(s CircuitBreakerState) {
	b.state = s
	if b.gauge != nil {
		b.gauge.Set(s.gaugeValue())
	}
}
