// Package retry provides the generic execution primitives every outbound
// call is wrapped in: policy-driven retries, cooperative timeouts with a
// fallback, circuit-breaker gating and parallel fan-out.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/signalpost/flagwire/internal/breaker"
	"github.com/signalpost/flagwire/internal/errs"
	"github.com/signalpost/flagwire/internal/utils/log"
	"github.com/signalpost/flagwire/internal/utils/timeo"
)

// Policy is the value-object retry configuration. Predicate, when set,
// rejects errors that must not be retried; a nil Predicate falls back to the
// taxonomy's retryable flag.
type Policy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Predicate         func(error) bool
}

func (p Policy) sanitized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 1
	}
	return p
}

// Executor runs operations under retry/timeout/breaker wrapping. It is
// stateless apart from the shared breaker manager and clock.
type Executor struct {
	breakers *breaker.Manager
	clock    timeo.Clock
}

func NewExecutor(breakers *breaker.Manager, clock timeo.Clock) *Executor {
	if clock == nil {
		clock = timeo.Real()
	}
	return &Executor{breakers: breakers, clock: clock}
}

// Breakers exposes the shared breaker manager for diagnostics.
func (e *Executor) Breakers() *breaker.Manager { return e.breakers }

// Do runs op up to policy.MaxAttempts times, sleeping the current delay
// between attempts and multiplying it by the backoff factor (no jitter at
// this layer). The last error is returned after exhaustion, or immediately
// when the predicate rejects the error.
func Do[T any](ctx context.Context, e *Executor, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	p := policy.sanitized()
	delay := p.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		result, err := run(ctx, op)
		if err == nil {
			return result, nil
		}
		lastErr = err

		retryable := errs.IsRetryable(err)
		if p.Predicate != nil {
			retryable = p.Predicate(err)
		}
		if !retryable || attempt == p.MaxAttempts {
			break
		}

		log.Debugf("retry attempt %d/%d failed, sleeping %s: %v", attempt, p.MaxAttempts, delay, err)
		sleep := min(delay, p.MaxDelay)
		if sleep > 0 {
			select {
			case <-ctx.Done():
				return zero, errs.Wrap(errs.KindCancelled, ctx.Err(), "retry cancelled")
			case <-e.clock.After(sleep):
			}
		}
		delay = time.Duration(float64(delay) * p.BackoffMultiplier)
	}
	return zero, lastErr
}

// DoWithTimeout never fails: it races op against the timeout and returns
// fallback on timeout or error, logging the cause. The loser's eventual
// result is discarded.
func DoWithTimeout[T any](ctx context.Context, e *Executor, timeout time.Duration, fallback T, op func(ctx context.Context) (T, error)) T {
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		result T
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := run(opCtx, op)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-e.clock.After(timeout):
		log.Warnf("operation timed out after %s, using fallback", timeout)
		return fallback
	case <-ctx.Done():
		log.Warnf("operation cancelled, using fallback: %v", ctx.Err())
		return fallback
	case o := <-done:
		if o.err != nil {
			log.Warnf("operation failed, using fallback: %v", o.err)
			return fallback
		}
		return o.result
	}
}

// DoWithBreaker gates op behind the circuit breaker for key. When the
// breaker rejects the attempt, fallback is returned if present, otherwise a
// transient error. Outcomes are reported back to the breaker; non-trippable
// errors (429, auth) release the attempt without counting it.
func DoWithBreaker[T any](ctx context.Context, e *Executor, key string, fallback *T, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	acq := e.breakers.AcquireAttempt(key)
	if !acq.Allowed {
		if fallback != nil {
			return *fallback, nil
		}
		return zero, errs.Newf(errs.KindTransient, "circuit open for %s until %s", key, acq.OpenUntil.Format(time.RFC3339))
	}

	result, err := run(ctx, op)
	if err != nil {
		if errs.IsTrippable(err) {
			e.breakers.RecordFailure(key, err.Error(), acq)
		} else {
			e.breakers.RecordNonTrippable(key, acq)
		}
		if fallback != nil {
			return *fallback, nil
		}
		return zero, err
	}
	e.breakers.RecordSuccess(key, acq)
	return result, nil
}

// Result is the per-operation outcome of Parallel.
type Result[T any] struct {
	Index int
	Value T
	Err   error
}

// Parallel runs the operations concurrently. With continueOnError every
// operation completes and the full result list is returned; without it the
// first failure cancels the remaining operations, though the result list is
// still fully populated (cancelled entries carry their error).
func Parallel[T any](ctx context.Context, e *Executor, ops []func(ctx context.Context) (T, error), continueOnError bool) []Result[T] {
	results := make([]Result[T], len(ops))
	if len(ops) == 0 {
		return results
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if !continueOnError {
		runCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	done := make(chan struct{})
	remaining := len(ops)
	for i, op := range ops {
		go func(i int, op func(ctx context.Context) (T, error)) {
			value, err := run(runCtx, op)
			results[i] = Result[T]{Index: i, Value: value, Err: err}
			if err != nil && cancel != nil {
				cancel()
			}
			done <- struct{}{}
		}(i, op)
	}
	for remaining > 0 {
		<-done
		remaining--
	}
	return results
}

// run invokes op, converting panics into internal errors so an unexpected
// failure inside an operation never escapes a component boundary.
func run[T any](ctx context.Context, op func(ctx context.Context) (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("operation panicked: %v", r)
			err = errs.Internal(fmt.Errorf("panic: %v", r), "operation panicked")
		}
	}()
	return op(ctx)
}
