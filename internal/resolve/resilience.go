package resolve

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RetryConfig configures exponential backoff around resolver calls.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// ReliableResolver wraps a Resolver with a per-call timeout, a circuit
// breaker, and bounded exponential retry. A timeout counts as a failed
// resolution; the breaker keeps a flapping resolver from burning the whole
// resolution budget of a merge.
type ReliableResolver struct {
	inner    Resolver
	breaker  *gobreaker.CircuitBreaker
	retryCfg RetryConfig
	timeout  time.Duration
	log      *zap.Logger
}

// NewReliableResolver wraps inner with resilience. timeout bounds each
// individual resolution attempt.
func NewReliableResolver(inner Resolver, timeout time.Duration, retryCfg RetryConfig, log *zap.Logger) *ReliableResolver {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "conflict-resolver",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation is not a resolver failure.
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			return false
		},
	})

	return &ReliableResolver{
		inner:    inner,
		breaker:  cb,
		retryCfg: retryCfg,
		timeout:  timeout,
		log:      log,
	}
}

func (r *ReliableResolver) Resolve(ctx context.Context, req ConflictRequest) (Resolution, error) {
	var res Resolution

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := r.breaker.Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			return r.inner.Resolve(callCtx, req)
		})
		if err != nil {
			// Open circuit: stop retrying, the resolver is down.
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if errors.Is(err, ErrUnavailable) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		res = result.(Resolution)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.retryCfg.InitialInterval
	policy.MaxInterval = r.retryCfg.MaxInterval
	policy.MaxElapsedTime = r.retryCfg.MaxElapsedTime
	policy.Multiplier = r.retryCfg.Multiplier
	policy.RandomizationFactor = r.retryCfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return res, err
}
