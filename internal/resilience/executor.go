package resilience

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/mealmind/gateway/internal/config"
	"github.com/mealmind/gateway/internal/observability"
	"github.com/mealmind/gateway/internal/util"
)

// CallFunc performs a single backend call attempt. The context carries
// the per-attempt deadline.
type CallFunc func(ctx context.Context) error

// Executor runs calls against one backend under a resilience policy
// and that backend's circuit breaker.
type Executor struct {
	breaker *Breaker
	logger  observability.Logger
}

// NewExecutor creates an executor bound to a backend's breaker.
func NewExecutor(breaker *Breaker, logger observability.Logger) *Executor {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Executor{breaker: breaker, logger: logger}
}

// Execute invokes call under the given policy. It returns the number
// of attempts made and the terminal error, already classified through
// the gateway taxonomy. The per-attempt timeout is the policy timeout
// capped by ctx's own deadline, so an inbound budget propagated on ctx
// is never exceeded.
//
// Retries apply only to transport failures and timeouts. A rejection
// from a backend that executed the call surfaces immediately, and a
// cancelled inbound request never triggers a retry.
func (e *Executor) Execute(ctx context.Context, policy *config.Resilience, call CallFunc) (int, error) {
	policy.Validate()

	attempts := 0
	var lastKind error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if attempts == 0 {
				return 0, err
			}
			return attempts, lastKind
		}

		switch e.breaker.Admit() {
		case Reject:
			if attempts == 0 {
				return 0, util.ErrCircuitOpen
			}
			// The circuit opened under our own failed attempts; the
			// last failure is the meaningful error to surface.
			return attempts, lastKind
		case Allow, AllowTrial:
		}

		attemptCtx, cancel := context.WithTimeout(ctx, policy.Timeout.Duration())
		err := call(attemptCtx)
		cancel()
		attempts++

		if err == nil {
			e.breaker.Record(true)
			return attempts, nil
		}

		kind := Classify(err)

		if errors.Is(kind, context.Canceled) {
			e.breaker.Abort()
			return attempts, context.Canceled
		}

		e.breaker.Record(!CountsAsBreakerFailure(kind))
		lastKind = kind

		if !Retryable(kind) {
			return attempts, kind
		}

		e.logger.Debug("backend call failed",
			observability.Int("attempt", attempts),
			observability.Int("max_retries", policy.MaxRetries),
			observability.Error(err),
		)

		if attempt < policy.MaxRetries {
			wait := backoffDelay(policy, attempt)
			select {
			case <-ctx.Done():
				return attempts, lastKind
			case <-time.After(wait):
			}
		}
	}

	return attempts, lastKind
}

// backoffDelay computes base * multiplier^attempt for the wait before
// the next attempt.
func backoffDelay(policy *config.Resilience, attempt int) time.Duration {
	base := float64(policy.BackoffBase.Duration())
	return time.Duration(base * math.Pow(policy.BackoffMultiplier, float64(attempt)))
}

// Breaker returns the executor's circuit breaker.
func (e *Executor) Breaker() *Breaker {
	return e.breaker
}
