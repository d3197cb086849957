package oracle

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the circuit breaker is open and
// short-circuits calls to the oracle to prevent cascading failures.
var ErrCircuitOpen = errors.New("oracle circuit breaker is open")

// BreakerConfig holds the circuit breaker configuration.
type BreakerConfig struct {
	// MaxFailures is the run of consecutive failures that trips the circuit.
	// Default: 5
	MaxFailures uint32

	// CoolDown is how long the circuit stays open before allowing trial
	// half-open calls. Default: 30 seconds
	CoolDown time.Duration

	// HalfOpenCalls is the number of trial calls allowed while half-open
	// before the circuit fully closes. Default: 2
	HalfOpenCalls uint32
}

func (c *BreakerConfig) applyDefaults() {
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.CoolDown == 0 {
		c.CoolDown = 30 * time.Second
	}
	if c.HalfOpenCalls == 0 {
		c.HalfOpenCalls = 2
	}
}

// BreakerMetrics holds counters for breaker observability.
type BreakerMetrics struct {
	TotalRequests        uint64
	TotalSuccesses       uint64
	TotalFailures        uint64
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker wraps gobreaker around oracle calls. There is one Breaker per
// named dependency per process; the guard owns it.
//
// Closed: calls pass through. After MaxFailures consecutive failures the
// circuit opens and every call fails fast with ErrCircuitOpen. After
// CoolDown it transitions to half-open and admits HalfOpenCalls trial calls;
// any success resets the failure counter and closes the circuit.
type Breaker struct {
	breaker *gobreaker.CircuitBreaker
	mu      sync.RWMutex
	metrics BreakerMetrics
}

// NewBreaker creates a circuit breaker for the named dependency.
func NewBreaker(name string, config BreakerConfig) *Breaker {
	config.applyDefaults()

	b := &Breaker{}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: config.HalfOpenCalls,
		Interval:    0, // consecutive-failure counts are never cleared periodically
		Timeout:     config.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
	})
	return b
}

// Execute runs fn through the circuit breaker. When the circuit is open it
// returns ErrCircuitOpen without invoking fn.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	result, err := b.breaker.Execute(fn)
	if err != nil {
		b.recordFailure()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}

	b.recordSuccess()
	return result, nil
}

// State returns the current breaker state: "closed", "open", or "half-open".
func (b *Breaker) State() string {
	switch b.breaker.State() {
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

// Metrics returns the current breaker counters.
func (b *Breaker) Metrics() BreakerMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := b.breaker.Counts()
	return BreakerMetrics{
		TotalRequests:        b.metrics.TotalRequests,
		TotalSuccesses:       b.metrics.TotalSuccesses,
		TotalFailures:        b.metrics.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.TotalRequests++
	b.metrics.TotalSuccesses++
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.TotalRequests++
	b.metrics.TotalFailures++
}
