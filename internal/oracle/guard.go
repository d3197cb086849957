package oracle

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// GuardConfig holds the guard policy for the shared oracle dependency.
type GuardConfig struct {
	// MaxConcurrent bounds in-flight oracle calls process-wide. Excess
	// callers queue for a permit rather than failing. Default: 10
	MaxConcurrent int64

	// RatePerSecond is an optional sustained request-rate cap applied
	// before the permit pool. Zero disables rate limiting.
	RatePerSecond float64

	// RateBurst is the burst size for the rate limiter. Default: max(1,
	// ceil(RatePerSecond)).
	RateBurst int

	// CallTimeout is the per-call deadline. Exceeding it counts as a
	// retryable failure. Default: 30s
	CallTimeout time.Duration

	// MaxAttempts is the total number of attempts per call, including the
	// first. Default: 3
	MaxAttempts int

	// BackoffBase is the first retry delay; each subsequent delay doubles
	// (1s, 2s, 4s, ...). Default: 1s
	BackoffBase time.Duration

	// Breaker configures the circuit breaker shared by all guarded calls.
	Breaker BreakerConfig
}

func (c *GuardConfig) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.RatePerSecond > 0 && c.RateBurst <= 0 {
		c.RateBurst = int(c.RatePerSecond) + 1
	}
}

// Guard protects the shared embedding oracle with a fixed-size permit pool,
// an optional rate limit, a per-call timeout, retry with exponential
// backoff, and a circuit breaker. Guard state is per process: every worker
// process owns one Guard instance per named dependency, and no cross-process
// coordination is attempted.
//
// Retry policy: validation and malformed-response errors fail immediately;
// a circuit-open verdict fails immediately (the breaker already accounted
// for the dependency's health); everything else retries until attempts are
// exhausted, then surfaces a terminal error wrapping the last cause.
type Guard struct {
	oracle  Oracle
	permits *semaphore.Weighted
	limiter *rate.Limiter
	breaker *Breaker
	config  GuardConfig
}

// NewGuard wraps an oracle with the guard policy. The dependency name tags
// the breaker for diagnostics.
func NewGuard(name string, o Oracle, config GuardConfig) *Guard {
	config.applyDefaults()

	g := &Guard{
		oracle:  o,
		permits: semaphore.NewWeighted(config.MaxConcurrent),
		breaker: NewBreaker(name, config.Breaker),
		config:  config,
	}
	if config.RatePerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), config.RateBurst)
	}
	return g
}

// BreakerState exposes the breaker state for health reporting.
func (g *Guard) BreakerState() string {
	return g.breaker.State()
}

// BreakerMetrics exposes the breaker counters for health reporting.
func (g *Guard) BreakerMetrics() BreakerMetrics {
	return g.breaker.Metrics()
}

// GenerateEmbedding is the guarded form of Oracle.GenerateEmbedding.
func (g *Guard) GenerateEmbedding(ctx context.Context, image []byte) ([]float32, error) {
	result, err := g.do(ctx, func(ctx context.Context) (any, error) {
		return g.oracle.GenerateEmbedding(ctx, image)
	})
	if err != nil {
		return nil, err
	}
	return result.([]float32), nil
}

// AnomalyScore is the guarded form of Oracle.AnomalyScore.
func (g *Guard) AnomalyScore(ctx context.Context, image []byte, baseline []float32) (float64, float64, error) {
	type scorePair struct{ score, similarity float64 }
	result, err := g.do(ctx, func(ctx context.Context) (any, error) {
		score, similarity, err := g.oracle.AnomalyScore(ctx, image, baseline)
		if err != nil {
			return nil, err
		}
		return scorePair{score, similarity}, nil
	})
	if err != nil {
		return 0, 0, err
	}
	pair := result.(scorePair)
	return pair.score, pair.similarity, nil
}

// Classify is the guarded form of Oracle.Classify.
func (g *Guard) Classify(ctx context.Context, image []byte, labels []string) (map[string]float64, string, error) {
	type classification struct {
		scores map[string]float64
		top    string
	}
	result, err := g.do(ctx, func(ctx context.Context) (any, error) {
		scores, top, err := g.oracle.Classify(ctx, image, labels)
		if err != nil {
			return nil, err
		}
		return classification{scores, top}, nil
	})
	if err != nil {
		return nil, "", err
	}
	c := result.(classification)
	return c.scores, c.top, nil
}

// Similarity is the guarded form of Oracle.Similarity.
func (g *Guard) Similarity(ctx context.Context, image []byte, text string) (float64, error) {
	result, err := g.do(ctx, func(ctx context.Context) (any, error) {
		return g.oracle.Similarity(ctx, image, text)
	})
	if err != nil {
		return 0, err
	}
	return result.(float64), nil
}

// BatchSimilarity is the guarded form of Oracle.BatchSimilarity.
func (g *Guard) BatchSimilarity(ctx context.Context, image []byte, texts []string) (map[string]float64, error) {
	result, err := g.do(ctx, func(ctx context.Context) (any, error) {
		return g.oracle.BatchSimilarity(ctx, image, texts)
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string]float64), nil
}

// HealthCheck pings the oracle directly: no permits, no retry, no breaker,
// since the check itself is how breaker recovery is observed.
func (g *Guard) HealthCheck(ctx context.Context) error {
	return g.oracle.HealthCheck(ctx)
}

// do applies the full guard policy around one logical oracle call.
func (g *Guard) do(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	if err := g.permits.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.permits.Release(1)

	var lastErr error
	for attempt := 1; attempt <= g.config.MaxAttempts; attempt++ {
		result, err := g.breaker.Execute(func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, g.config.CallTimeout)
			defer cancel()
			return fn(callCtx)
		})
		if err == nil {
			return result, nil
		}

		if !Retryable(err) {
			return nil, err
		}
		lastErr = err

		if attempt == g.config.MaxAttempts {
			break
		}

		delay := g.config.BackoffBase << (attempt - 1)
		log.Printf("oracle: attempt %d/%d failed, retrying in %s: %v",
			attempt, g.config.MaxAttempts, delay, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("oracle currently unavailable after %d attempts: %w",
		g.config.MaxAttempts, lastErr)
}

// Compile-time assertion that Guard satisfies the Oracle interface.
var _ Oracle = (*Guard)(nil)
