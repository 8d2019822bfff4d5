package recognize

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/radiowatch/radiowatch/internal/config"
	"github.com/radiowatch/radiowatch/internal/logger"
)

// Guard wraps an adapter with the protections every external service
// needs: a per-call timeout, a local quota ceiling that rejects before
// the network call, and a circuit breaker that opens after consecutive
// failures and short-circuits for a cool-down period. One degraded
// service must never stall every station's pipeline.
type Guard struct {
	inner   Adapter
	timeout time.Duration
	limiter *rate.Limiter
	breaker *breaker
}

// NewGuard wraps an adapter using the given service configuration.
func NewGuard(inner Adapter, cfg config.AdapterConfig) *Guard {
	perSecond := rate.Limit(float64(cfg.QuotaPerMinute) / 60.0)
	return &Guard{
		inner:   inner,
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(perSecond, maxBurst(cfg.QuotaPerMinute)),
		breaker: newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
	}
}

func maxBurst(perMinute int) int {
	if perMinute < 1 {
		return 1
	}
	if perMinute > 10 {
		return 10
	}
	return perMinute
}

// Name returns the wrapped adapter's name.
func (g *Guard) Name() string { return g.inner.Name() }

// Identify enforces the guard contract around the wrapped adapter.
func (g *Guard) Identify(ctx context.Context, input Input) (*Result, error) {
	if g.breaker.open() {
		return nil, ErrBreakerOpen
	}
	if !g.limiter.Allow() {
		// Reject locally instead of queueing behind the limiter; the
		// cascade advances and the quota recovers on its own.
		return nil, ErrQuotaExceeded
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := g.inner.Identify(callCtx, input)
	switch {
	case err == nil, errors.Is(err, ErrNoMatch):
		g.breaker.recordSuccess()
		return result, err
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		g.recordFailure()
		return nil, ErrTimeout
	default:
		g.recordFailure()
		return nil, err
	}
}

func (g *Guard) recordFailure() {
	if g.breaker.recordFailure() {
		logger.Warn("adapter circuit opened", "adapter", g.inner.Name(), "cooldown", g.breaker.cooldown)
	}
}

// breaker counts consecutive failures and opens for a cool-down once
// the threshold is reached. State is process-wide per adapter instance.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openUntil time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 2 * time.Minute
	}
	return &breaker{threshold: threshold, cooldown: cooldown}
}

func (b *breaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().Before(b.openUntil)
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// recordFailure returns true when this failure tripped the breaker.
func (b *breaker) recordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold && !time.Now().Before(b.openUntil) {
		b.openUntil = time.Now().Add(b.cooldown)
		b.failures = 0
		return true
	}
	return false
}
