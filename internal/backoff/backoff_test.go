package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextBoundsAndCap(t *testing.T) {
	base := 200 * time.Millisecond
	maxDelay := 500 * time.Millisecond
	p := New(base, maxDelay, 1.6, 42)

	prev := time.Duration(0)
	for range 20 {
		next := p.Next(prev)
		require.GreaterOrEqual(t, next, base)
		require.LessOrEqual(t, next, maxDelay)
		prev = next
	}
}

func TestNextFirstDelayIsBase(t *testing.T) {
	p := New(2*time.Second, 5*time.Minute, 2, 1)
	require.Equal(t, 2*time.Second, p.Next(0))
}

func TestNextMaxBelowBase(t *testing.T) {
	p := New(200*time.Millisecond, 100*time.Millisecond, 1.6, 1)
	require.Equal(t, 100*time.Millisecond, p.Next(0))
	require.Equal(t, 100*time.Millisecond, p.Next(time.Second))
}

func TestNextDeterministicWithSeed(t *testing.T) {
	a := New(100*time.Millisecond, 10*time.Second, 2, 7)
	b := New(100*time.Millisecond, 10*time.Second, 2, 7)

	prevA, prevB := time.Duration(0), time.Duration(0)
	for range 10 {
		prevA = a.Next(prevA)
		prevB = b.Next(prevB)
		require.Equal(t, prevA, prevB)
	}
}

func TestDelayHonorsMinimum(t *testing.T) {
	p := New(time.Second, 5*time.Second, 2, 3)
	require.Equal(t, 30*time.Second, p.Delay(0, 30*time.Second))
	require.Equal(t, time.Second, p.Delay(0, 0))
}

func TestWaitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Wait(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second)
}

func TestWaitElapses(t *testing.T) {
	require.NoError(t, Wait(context.Background(), 5*time.Millisecond))
}
