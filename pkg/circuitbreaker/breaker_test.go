package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker() *CircuitBreaker {
	return New(&Config{
		FailureThreshold: 3,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
		SuccessThreshold: 2,
	})
}

func TestBreaker_OpensAtFailureThreshold(t *testing.T) {
	cb := newTestBreaker()

	cb.Failure()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State())
	require.NoError(t, cb.Allow())

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestBreaker_SuccessClearsFailureWindow(t *testing.T) {
	cb := newTestBreaker()

	cb.Failure()
	cb.Failure()
	cb.Success()
	cb.Failure()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	cb := newTestBreaker()
	base := time.Now()
	cb.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		cb.Failure()
	}
	require.Equal(t, StateOpen, cb.State())

	// 冷却期过后进入半开，连续成功满额才闭合
	cb.now = func() time.Time { return base.Add(31 * time.Second) }
	require.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.Success()
	assert.Equal(t, StateHalfOpen, cb.State())
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker()
	base := time.Now()
	cb.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		cb.Failure()
	}
	cb.now = func() time.Time { return base.Add(31 * time.Second) }
	require.NoError(t, cb.Allow())

	cb.Failure()
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestBreaker_ExecuteRecordsResult(t *testing.T) {
	cb := newTestBreaker()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	}
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)

	cb.Reset()
	assert.NoError(t, cb.Execute(func() error { return nil }))
}
