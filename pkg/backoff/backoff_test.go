package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_NextStaysWithinBounds(t *testing.T) {
	p := &Policy{Base: 100 * time.Millisecond, Max: time.Second}

	for attempt := 0; attempt < 20; attempt++ {
		d := p.Next(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestPolicy_NextAtIsInFutureWindow(t *testing.T) {
	p := &Policy{Base: 50 * time.Millisecond, Max: time.Second}
	now := time.Now()

	at := p.NextAt(3, now)
	assert.GreaterOrEqual(t, at, now.UnixMilli())
	assert.LessOrEqual(t, at, now.Add(time.Second).UnixMilli())
}

func TestPolicy_RetryStopsAtLimit(t *testing.T) {
	p := &Policy{Base: time.Millisecond, Max: time.Millisecond, MaxRetries: 3}
	boom := errors.New("boom")

	calls := 0
	err := p.Retry(context.Background(), func() error {
		calls++
		return boom
	}, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestPolicy_RetryHonorsNonRetryable(t *testing.T) {
	p := &Policy{Base: time.Millisecond, Max: time.Millisecond, MaxRetries: 5}
	fatal := errors.New("fatal")

	calls := 0
	err := p.Retry(context.Background(), func() error {
		calls++
		return fatal
	}, func(err error) bool { return false })
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestPolicy_RetrySucceedsMidway(t *testing.T) {
	p := &Policy{Base: time.Millisecond, Max: time.Millisecond, MaxRetries: 5}

	calls := 0
	err := p.Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolicy_RetryAbortsOnContextCancel(t *testing.T) {
	p := &Policy{Base: 10 * time.Millisecond, Max: 10 * time.Millisecond, MaxRetries: 0}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	err := p.Retry(ctx, func() error {
		calls++
		return errors.New("transient")
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Greater(t, calls, 0)
}
