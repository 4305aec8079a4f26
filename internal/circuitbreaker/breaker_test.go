package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New("md", Config{FailureThreshold: 3, Cooldown: time.Minute, SuccessThreshold: 1})

	b.Failure()
	b.Failure()
	assert.Equal(t, StateClosed, b.State())

	b.Failure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New("md", Config{FailureThreshold: 2, Cooldown: time.Minute, SuccessThreshold: 1})

	b.Failure()
	b.Success()
	b.Failure()
	assert.Equal(t, StateClosed, b.State(), "non-consecutive failures must not trip")
}

func TestBreakerHalfOpenProbeAndRecovery(t *testing.T) {
	b := New("md", Config{FailureThreshold: 1, Cooldown: 10 * time.Millisecond, SuccessThreshold: 2})

	b.Failure()
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// Only one probe at a time.
	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrProbeInFlight)

	b.Success()
	require.NoError(t, b.Allow())
	b.Success()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("md", Config{FailureThreshold: 1, Cooldown: 10 * time.Millisecond, SuccessThreshold: 2})

	b.Failure()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Allow())

	b.Failure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreakerExecute(t *testing.T) {
	b := New("md", Config{FailureThreshold: 1, Cooldown: time.Minute, SuccessThreshold: 1})
	boom := errors.New("boom")

	err := b.Execute(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = b.Execute(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestManagerReturnsSameBreakerPerName(t *testing.T) {
	m := NewManager(DefaultConfig())

	a := m.Get("marketdata")
	assert.Same(t, a, m.Get("marketdata"))
	assert.NotSame(t, a, m.Get("projections"))

	a.Failure()
	snaps := m.Snapshots()
	require.Len(t, snaps, 2)
}

func TestStateChangeCallback(t *testing.T) {
	var transitions []string
	b := New("md", Config{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		SuccessThreshold: 1,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	b.Failure()
	assert.Equal(t, []string{"closed->open"}, transitions)
}
