// Package retry wraps a fallible call with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

const (
	// MaxRetriesLimit is the hard ceiling on retries regardless of configuration.
	MaxRetriesLimit = 50

	defaultBaseDelay  = time.Second
	defaultMultiplier = 2.0
	defaultMaxDelay   = 30 * time.Second
)

// Policy configures retries for one call site.
type Policy struct {
	MaxRetries int           `json:"maxRetries" yaml:"maxRetries"`
	BaseDelay  time.Duration `json:"baseDelay" yaml:"baseDelay"`
	Multiplier float64       `json:"multiplier" yaml:"multiplier"`
	MaxDelay   time.Duration `json:"maxDelay" yaml:"maxDelay"`
	// Jitter is the backoff randomization factor in [0, 1).
	Jitter float64 `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// DefaultPolicy performs no retries.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 0,
		BaseDelay:  defaultBaseDelay,
		Multiplier: defaultMultiplier,
		MaxDelay:   defaultMaxDelay,
	}
}

// Validate checks the policy
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if p.MaxRetries > MaxRetriesLimit {
		return fmt.Errorf("max retries must not exceed %d", MaxRetriesLimit)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1")
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0, 1)")
	}
	return nil
}

// WithDefaults fills unset fields. The delay cap is always finite.
func (p Policy) WithDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.MaxRetries > MaxRetriesLimit {
		p.MaxRetries = MaxRetriesLimit
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

// Delay returns the wait before retry number n (1-based), ignoring jitter.
func (p Policy) Delay(n int) time.Duration {
	p = p.WithDefaults()
	d := float64(p.BaseDelay)
	for i := 1; i < n; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(d)
}

// Error annotates the final error with the number of attempts performed.
type Error struct {
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Attempts extracts the attempt count from err, or 0.
func Attempts(err error) int {
	var re *Error
	if errors.As(err, &re) {
		return re.Attempts
	}
	return 0
}

// Classifier decides whether an error is worth retrying.
type Classifier func(error) bool

// NotifyFunc observes each failed attempt that will be retried.
type NotifyFunc func(attempt int, err error, wait time.Duration)

type options struct {
	classify Classifier
	notify   NotifyFunc
}

// Option configures Run and Do.
type Option func(*options)

// WithClassifier replaces the default transient-error classifier.
func WithClassifier(c Classifier) Option {
	return func(o *options) { o.classify = c }
}

// WithNotify registers an observer for retried failures.
func WithNotify(fn NotifyFunc) Option {
	return func(o *options) { o.notify = fn }
}

// Run calls op until it succeeds, returns a non-transient error, or the policy
// runs out of retries. attempt starts at 1. It returns the number of attempts
// performed; a failure is always wrapped in *Error.
func Run[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error), opts ...Option) (T, int, error) {
	o := options{classify: derrors.IsTransient}
	for _, opt := range opts {
		opt(&o)
	}
	p = p.WithDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = p.Jitter

	attempts := 0
	var lastErr error
	operation := func() (T, error) {
		attempts++
		res, err := op(ctx, attempts)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !o.classify(err) || attempts > p.MaxRetries {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxRetries + 1)),
	}
	if o.notify != nil {
		retryOpts = append(retryOpts, backoff.WithNotify(func(err error, wait time.Duration) {
			o.notify(attempts, err, wait)
		}))
	}

	res, err := backoff.Retry(ctx, operation, retryOpts...)
	if err == nil {
		return res, attempts, nil
	}
	if lastErr == nil {
		lastErr = err
	}
	var perm *backoff.PermanentError
	if errors.As(lastErr, &perm) {
		lastErr = perm.Err
	}
	return res, attempts, &Error{Attempts: attempts, Err: lastErr}
}

// Do is Run for operations without a result.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error, opts ...Option) (int, error) {
	_, attempts, err := Run(ctx, p, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, op(ctx, attempt)
	}, opts...)
	return attempts, err
}
