package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingClock records requested sleeps and returns immediately.
type recordingClock struct {
	sleeps []time.Duration
	err    error
}

func (c *recordingClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	return c.err
}

// fixedRand always returns the same value.
type fixedRand struct {
	v float64
}

func (r fixedRand) Float64() float64 { return r.v }

var errFlaky = errors.New("flaky")

func TestPolicy_ExhaustsRetryBudget(t *testing.T) {
	clock := &recordingClock{}
	p := New(Config{MaxRetries: 3, BaseDelay: time.Second}, WithClock(clock))

	invocations := 0
	err := p.Do(context.Background(), func() error {
		invocations++
		return errFlaky
	}, Always)

	// Initial attempt plus three retries.
	assert.Equal(t, 4, invocations)
	assert.Len(t, clock.sleeps, 3)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.ErrorIs(t, err, errFlaky)
}

func TestPolicy_NonRetryableReturnsImmediately(t *testing.T) {
	clock := &recordingClock{}
	p := New(Config{MaxRetries: 3, BaseDelay: time.Second}, WithClock(clock))

	invocations := 0
	err := p.Do(context.Background(), func() error {
		invocations++
		return errFlaky
	}, func(error) bool { return false })

	assert.Equal(t, 1, invocations)
	assert.Empty(t, clock.sleeps)
	assert.ErrorIs(t, err, errFlaky)

	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted), "non-retryable errors are not wrapped")
}

func TestPolicy_SucceedsAfterRetries(t *testing.T) {
	clock := &recordingClock{}
	p := New(Config{MaxRetries: 5, BaseDelay: time.Second}, WithClock(clock))

	invocations := 0
	err := p.Do(context.Background(), func() error {
		invocations++
		if invocations < 3 {
			return errFlaky
		}
		return nil
	}, Always)

	require.NoError(t, err)
	assert.Equal(t, 3, invocations)
	assert.Len(t, clock.sleeps, 2)
}

func TestPolicy_ExponentialBackoffWithCap(t *testing.T) {
	clock := &recordingClock{}
	p := New(Config{
		MaxRetries:    4,
		BaseDelay:     time.Second,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}, WithClock(clock))

	_ = p.Do(context.Background(), func() error { return errFlaky }, Always)

	require.Len(t, clock.sleeps, 4)
	assert.Equal(t, 1*time.Second, clock.sleeps[0])
	assert.Equal(t, 2*time.Second, clock.sleeps[1])
	assert.Equal(t, 4*time.Second, clock.sleeps[2])
	assert.Equal(t, 5*time.Second, clock.sleeps[3], "delay is capped at MaxDelay")
}

func TestPolicy_JitterScalesDelay(t *testing.T) {
	clock := &recordingClock{}
	p := New(Config{
		MaxRetries:    1,
		BaseDelay:     time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}, WithClock(clock), WithRand(fixedRand{v: 0.5}))

	_ = p.Do(context.Background(), func() error { return errFlaky }, Always)

	// With rand=0.5 the multiplier is 0.5 + 0.5*0.5 = 0.75.
	require.Len(t, clock.sleeps, 1)
	assert.Equal(t, 750*time.Millisecond, clock.sleeps[0])
}

func TestPolicy_ContextCancelledDuringBackoff(t *testing.T) {
	clock := &recordingClock{err: context.Canceled}
	p := New(Config{MaxRetries: 3, BaseDelay: time.Second}, WithClock(clock))

	invocations := 0
	err := p.Do(context.Background(), func() error {
		invocations++
		return errFlaky
	}, Always)

	assert.Equal(t, 1, invocations, "no further attempts after cancellation")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPolicy_NilRetryableDefaultsToAlways(t *testing.T) {
	clock := &recordingClock{}
	p := New(Config{MaxRetries: 1, BaseDelay: time.Second}, WithClock(clock))

	invocations := 0
	err := p.Do(context.Background(), func() error {
		invocations++
		return errFlaky
	}, nil)

	assert.Equal(t, 2, invocations)
	var exhausted *ExhaustedError
	assert.ErrorAs(t, err, &exhausted)
}
