package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

func fastPolicy(maxRetries int) Policy {
	return Policy{MaxRetries: maxRetries, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func TestRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	res, attempts, err := Run(context.Background(), fastPolicy(3), func(ctx context.Context, attempt int) (string, error) {
		calls++
		if attempt < 3 {
			return "", derrors.NewRetryableError("n", "flaky", nil)
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
}

func TestNonTransientIsNotRetried(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), fastPolicy(5), func(ctx context.Context, attempt int) error {
		calls++
		return derrors.NewValidationError("bad input", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, Attempts(err))

	var coded *derrors.Error
	assert.True(t, errors.As(err, &coded))
}

func TestExhaustionReportsAttempts(t *testing.T) {
	sentinel := errors.New("still down")
	calls := 0
	attempts, err := Do(context.Background(), fastPolicy(2), func(ctx context.Context, attempt int) error {
		calls++
		return derrors.Retryable(sentinel)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), "after 3 attempt(s)")
}

func TestZeroRetriesRunsOnce(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(0), func(ctx context.Context, attempt int) error {
		calls++
		return derrors.Retryable(errors.New("x"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCustomClassifierAndNotify(t *testing.T) {
	var notified []int
	calls := 0
	_, err := Do(context.Background(), fastPolicy(2), func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("anything")
	},
		WithClassifier(func(error) bool { return true }),
		WithNotify(func(attempt int, err error, wait time.Duration) { notified = append(notified, attempt) }),
	)

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, Policy{MaxRetries: 10, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return derrors.Retryable(errors.New("x"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDelayIsCapped(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, Multiplier: 3, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 300*time.Millisecond, p.Delay(2))
	assert.Equal(t, 900*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(4))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{MaxRetries: -1}.Validate())
	assert.Error(t, Policy{MaxRetries: MaxRetriesLimit + 1}.Validate())
	assert.Error(t, Policy{Multiplier: 0.5}.Validate())
}
