// Package retry runs network and storage operations with bounded retries,
// exponential backoff, per-attempt timeouts and optional in-flight
// de-duplication of identical reads.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/hackgods/clinic-scheduling/internal/apperr"
)

// Policy describes how one call is retried. The zero value runs the
// operation exactly once with no timeout.
type Policy struct {
	Name               string
	RetryCount         int
	RetryDelay         time.Duration
	ExponentialBackoff bool
	MaxDelay           time.Duration
	Timeout            time.Duration // per attempt

	// Mutation marks operations whose side effect may have committed even
	// when the call timed out. Such timeouts surface as AmbiguousOutcome
	// and are never retried.
	Mutation bool

	// Classify reports whether err is worth another attempt. Defaults to IsTransient.
	Classify func(err error) bool

	OnRetry func(attempt int, delay time.Duration)
	OnError func(err error, attempt int)
}

// ReadPolicy is the default for idempotent reads such as availability fetches.
func ReadPolicy(name string) Policy {
	return Policy{
		Name:               name,
		RetryCount:         3,
		RetryDelay:         time.Second,
		ExponentialBackoff: true,
		MaxDelay:           10 * time.Second,
	}
}

// ReadPolicyWith returns a ReadPolicy factory with the retry count and base
// delay taken from configuration. A non-positive delay keeps the default.
func ReadPolicyWith(retries int, delay time.Duration) func(name string) Policy {
	return func(name string) Policy {
		p := ReadPolicy(name)
		if retries >= 0 {
			p.RetryCount = retries
		}
		if delay > 0 {
			p.RetryDelay = delay
		}
		return p
	}
}

// MutationPolicy allows at most one retry, and only for failures that
// provably did not reach the server.
func MutationPolicy(name string, timeout time.Duration) Policy {
	return Policy{
		Name:       name,
		RetryCount: 1,
		RetryDelay: 250 * time.Millisecond,
		Timeout:    timeout,
		Mutation:   true,
		Classify:   NotDelivered,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.RetryDelay
	if p.ExponentialBackoff && attempt > 1 {
		d = p.RetryDelay * time.Duration(1<<uint(attempt-1))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Executor is safe for concurrent use. Calls share nothing except the
// singleflight group used by Shared.
type Executor struct {
	log     zerolog.Logger
	sleep   Sleeper
	group   singleflight.Group
	retries prometheus.Counter

	sharedTimeout time.Duration
}

// DefaultSharedTimeout bounds a shared read once it no longer follows any
// single caller's context.
const DefaultSharedTimeout = 30 * time.Second

type Option func(*Executor)

func WithSleeper(s Sleeper) Option {
	return func(e *Executor) { e.sleep = s }
}

func WithRetryCounter(c prometheus.Counter) Option {
	return func(e *Executor) { e.retries = c }
}

func WithSharedTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.sharedTimeout = d
		}
	}
}

func NewExecutor(log zerolog.Logger, opts ...Option) *Executor {
	e := &Executor{log: log, sleep: sleepContext, sharedTimeout: DefaultSharedTimeout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs op under policy p.
func Do[T any](ctx context.Context, e *Executor, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	classify := p.Classify
	if classify == nil {
		classify = IsTransient
	}

	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		v, err := op(attemptCtx)
		timedOut := err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()

		if err == nil {
			return v, nil
		}

		if timedOut || errors.Is(err, context.DeadlineExceeded) || isNetTimeout(err) {
			if p.Mutation {
				err = apperr.Ambiguous(p.Name, err)
				e.fail(p, err, attempt)
				return zero, err
			}
			if timedOut {
				err = apperr.Wrap(apperr.KindTransient, p.Name, err)
			}
		}

		if ctx.Err() != nil || !classify(err) {
			e.fail(p, err, attempt)
			return zero, err
		}

		if attempt > p.RetryCount {
			if apperr.KindOf(err) != apperr.KindTransient {
				err = apperr.Wrap(apperr.KindTransient, p.Name, fmt.Errorf("gave up after %d attempts: %w", attempt, err))
			}
			e.fail(p, err, attempt)
			return zero, err
		}

		delay := p.Delay(attempt)
		e.log.Warn().
			Err(err).
			Str("op", p.Name).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("retrying operation")
		if e.retries != nil {
			e.retries.Inc()
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay)
		}

		if serr := e.sleep(ctx, delay); serr != nil {
			err = apperr.Wrap(apperr.KindTransient, p.Name, fmt.Errorf("retry aborted after %d attempts: %w (last error: %v)", attempt, serr, err))
			e.fail(p, err, attempt)
			return zero, err
		}
	}
}

// Shared behaves like Do but collapses concurrent calls with the same key
// into one underlying execution. Only use it for reads.
//
// The execution keeps the first caller's context values but not its
// cancellation, and is bounded by the executor's shared timeout. Each caller
// waits only as long as its own ctx allows.
func Shared[T any](ctx context.Context, e *Executor, key string, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	ch := e.group.DoChan(key, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.sharedTimeout)
		defer cancel()
		return Do(runCtx, e, p, op)
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

func (e *Executor) fail(p Policy, err error, attempt int) {
	evt := e.log.Error()
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindSlotUnavailable, apperr.KindNotFound, apperr.KindInvalidTransition:
		evt = e.log.Warn()
	}
	evt.
		Err(err).
		Str("op", p.Name).
		Int("attempt", attempt).
		Str("kind", string(apperr.KindOf(err))).
		Msg("operation failed")
	if p.OnError != nil {
		p.OnError(err, attempt)
	}
}

// IsTransient reports whether err looks like a temporary network or
// storage failure. Business errors (validation, slot conflicts, auth) are
// never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch apperr.KindOf(err) {
	case apperr.KindTransient:
		return true
	case apperr.KindInternal:
	default:
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, context.DeadlineExceeded)
}

// NotDelivered reports failures where the request cannot have reached the
// server, which makes a mutation safe to resend.
func NotDelivered(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial" && !opErr.Timeout()
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
