package resilience

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/giaosudau/sqlflow"
)

func TestRegistry_RetriesTransientThenSucceeds(t *testing.T) {
	reg := NewRegistry()
	reg.Configure("conn", Tier{
		InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond,
		MaxAttempts: 5, JitterFraction: 0, BreakerTrip: 5, BreakerCooldown: time.Second,
	})

	attempts := 0
	err := reg.Do(context.Background(), "conn", nil, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("%w: flaky", sqlflow.ErrConnectorTransient)
		}

		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRegistry_PermanentErrorNotRetried(t *testing.T) {
	reg := NewRegistry()
	reg.Configure("conn", DefaultTier)

	attempts := 0
	err := reg.Do(context.Background(), "conn", nil, func(ctx context.Context) error {
		attempts++
		return fmt.Errorf("%w: bad request", sqlflow.ErrConnectorPermanent)
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRegistry_AuthErrorRefreshesThenRetriesOnce(t *testing.T) {
	reg := NewRegistry()
	reg.Configure("conn", DefaultTier)

	refreshes := 0
	reg.RegisterRecoveryHook("conn", func(ctx context.Context) error {
		refreshes++
		return nil
	})

	attempts := 0
	err := reg.Do(context.Background(), "conn", nil, func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return fmt.Errorf("%w: token expired", sqlflow.ErrConnectorAuth)
		}

		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, refreshes)
	assert.Equal(t, 2, attempts)
}

func TestRegistry_AuthErrorSurfacesWhenRefreshFails(t *testing.T) {
	reg := NewRegistry()
	reg.Configure("conn", DefaultTier)

	reg.RegisterRecoveryHook("conn", func(ctx context.Context) error {
		return fmt.Errorf("refresh unavailable")
	})

	attempts := 0
	err := reg.Do(context.Background(), "conn", nil, func(ctx context.Context) error {
		attempts++
		return fmt.Errorf("%w: token expired", sqlflow.ErrConnectorAuth)
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRegistry_AuthErrorSurfacesImmediatelyWithoutHook(t *testing.T) {
	reg := NewRegistry()
	reg.Configure("conn", DefaultTier)

	attempts := 0
	err := reg.Do(context.Background(), "conn", nil, func(ctx context.Context) error {
		attempts++
		return fmt.Errorf("%w: token expired", sqlflow.ErrConnectorAuth)
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRegistry_SecondAuthFailureAfterRefreshSurfaces(t *testing.T) {
	reg := NewRegistry()
	reg.Configure("conn", DefaultTier)

	refreshes := 0
	reg.RegisterRecoveryHook("conn", func(ctx context.Context) error {
		refreshes++
		return nil
	})

	attempts := 0
	err := reg.Do(context.Background(), "conn", nil, func(ctx context.Context) error {
		attempts++
		return fmt.Errorf("%w: still rejected", sqlflow.ErrConnectorAuth)
	})

	assert.Error(t, err)
	assert.Equal(t, 1, refreshes)
	assert.Equal(t, 2, attempts)
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(Tier{BreakerTrip: 2, BreakerCooldown: time.Hour})

	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.False(t, b.Allow())
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b := NewBreaker(Tier{BreakerTrip: 1, BreakerCooldown: time.Millisecond})

	b.RecordFailure()
	assert.False(t, b.Allow())

	time.Sleep(5 * time.Millisecond)
	assert.True(t, b.Allow()) // half-open probe admitted

	b.RecordSuccess()
	assert.True(t, b.Allow())
}

func TestRegistry_CircuitOpenRejectsImmediately(t *testing.T) {
	reg := NewRegistry()
	reg.Configure("conn", Tier{BreakerTrip: 1, BreakerCooldown: time.Hour, MaxAttempts: 1})

	_ = reg.Do(context.Background(), "conn", nil, func(ctx context.Context) error {
		return fmt.Errorf("%w: down", sqlflow.ErrConnectorPermanent)
	})

	err := reg.Do(context.Background(), "conn", nil, func(ctx context.Context) error {
		t.Fatal("should not be called while circuit is open")
		return nil
	})

	assert.Error(t, err)
}
