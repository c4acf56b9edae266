// Package wait implements the blocking poll loops every cluster operation is
// built from.
//
// A check is evaluated, and while it reports anything other than Ready the
// loop sleeps for a fixed interval and evaluates it again. There is no
// attempt limit by default: a loop ends when its check is Ready, when the
// check returns a Permanent error, or when the context is done.
package wait

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultInterval is the pause between two evaluations of a check.
const DefaultInterval = 100 * time.Millisecond

// Status classifies one evaluation of a check.
type Status int

const (
	// NotReady means the condition is not met yet.
	NotReady Status = iota
	// Ready means the condition is met and Result.Value is valid.
	Ready
	// Transient means the check failed with an error that is expected to
	// clear up, such as an RPC endpoint that is not listening yet.
	Transient
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Transient:
		return "transient"
	default:
		return "not-ready"
	}
}

// Result is the outcome of one evaluation of a check.
type Result[T any] struct {
	Status Status
	Value  T
	Err    error
}

// Done reports a met condition carrying v.
func Done[T any](v T) Result[T] { return Result[T]{Status: Ready, Value: v} }

// Pending reports an unmet condition.
func Pending[T any]() Result[T] { return Result[T]{Status: NotReady} }

// Retry reports a transient failure. A Permanent err aborts the loop instead.
func Retry[T any](err error) Result[T] { return Result[T]{Status: Transient, Err: err} }

// Check is evaluated once per poll iteration.
type Check[T any] func(ctx context.Context) Result[T]

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as fatal: a check returning it stops the loop and the
// loop returns err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// EscalatedError is returned when a check kept failing with the same
// transient error more often than WithMaxTransient allows.
type EscalatedError struct {
	Attempts int
	Err      error
}

func (e *EscalatedError) Error() string {
	return fmt.Sprintf("gave up after %d identical transient errors: %v", e.Attempts, e.Err)
}

func (e *EscalatedError) Unwrap() error { return e.Err }

type options struct {
	interval     time.Duration
	timeout      time.Duration
	maxTransient int
	name         string
	timer        backoff.Timer
}

// Option configures a poll loop.
type Option func(*options)

// WithInterval overrides DefaultInterval. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithTimeout bounds the whole loop. Zero keeps the loop unbounded.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithMaxTransient escalates after n consecutive transient errors carrying
// the same message. Zero keeps absorbing them forever.
func WithMaxTransient(n int) Option {
	return func(o *options) { o.maxTransient = n }
}

// WithName labels the loop in debug logs.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func withTimer(t backoff.Timer) Option {
	return func(o *options) { o.timer = t }
}

var errNotReady = errors.New("condition not met")

// Poll evaluates check until it is Ready and returns its value.
func Poll[T any](ctx context.Context, check Check[T], opts ...Option) (T, error) {
	o := options{interval: DefaultInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	log := slog.With("component", "wait", "loop", o.name)

	var (
		value    T
		lastErr  error
		repeated int
	)
	op := func() error {
		res := check(ctx)
		switch res.Status {
		case Ready:
			value = res.Value
			return nil
		case Transient:
			var perm *permanentError
			if errors.As(res.Err, &perm) {
				return backoff.Permanent(perm.err)
			}
			if res.Err == nil {
				res.Err = errNotReady
			}
			if lastErr != nil && lastErr.Error() == res.Err.Error() {
				repeated++
			} else {
				repeated = 1
			}
			lastErr = res.Err
			if o.maxTransient > 0 && repeated >= o.maxTransient {
				return backoff.Permanent(&EscalatedError{Attempts: repeated, Err: res.Err})
			}
			return res.Err
		default:
			repeated = 0
			return errNotReady
		}
	}
	notify := func(err error, next time.Duration) {
		if errors.Is(err, errNotReady) {
			return
		}
		log.Debug("transient error while polling", "err", err, "retry_in", next)
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(o.interval), ctx)
	if err := backoff.RetryNotifyWithTimer(op, b, notify, o.timer); err != nil {
		var zero T
		if ctxErr := ctx.Err(); ctxErr != nil && lastErr != nil && errors.Is(err, ctxErr) {
			return zero, fmt.Errorf("%w (last error: %v)", ctxErr, lastErr)
		}
		return zero, err
	}
	return value, nil
}

// Until blocks until cond reports true. Errors from cond are treated as
// transient unless wrapped with Permanent.
func Until(ctx context.Context, cond func(ctx context.Context) (bool, error), opts ...Option) error {
	_, err := Poll(ctx, func(ctx context.Context) Result[struct{}] {
		ok, err := cond(ctx)
		switch {
		case err != nil:
			return Retry[struct{}](err)
		case ok:
			return Done(struct{}{})
		default:
			return Pending[struct{}]()
		}
	}, opts...)
	return err
}

// For blocks until fn yields a value (ok == true) and returns it. Errors
// from fn are treated as transient unless wrapped with Permanent.
func For[T any](ctx context.Context, fn func(ctx context.Context) (T, bool, error), opts ...Option) (T, error) {
	return Poll(ctx, func(ctx context.Context) Result[T] {
		v, ok, err := fn(ctx)
		switch {
		case err != nil:
			return Retry[T](err)
		case ok:
			return Done(v)
		default:
			return Pending[T]()
		}
	}, opts...)
}
