package mqtt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_GrowsAndCaps(t *testing.T) {
	b := Backoff{Base: time.Second, Multiplier: 2, Max: 10 * time.Second}

	var prev time.Duration
	for i := 0; i < 10; i++ {
		d, ok := b.Next()
		require.True(t, ok)
		assert.GreaterOrEqual(t, d, prev, "delay must never shrink")
		assert.LessOrEqual(t, d, 10*time.Second, "delay must respect the cap")
		prev = d
	}
	assert.Equal(t, 10*time.Second, prev, "delays converge to the cap")
}

func TestBackoff_Sequence(t *testing.T) {
	b := Backoff{Base: time.Second, Multiplier: 2, Max: time.Minute}
	for _, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second} {
		d, ok := b.Next()
		require.True(t, ok)
		assert.Equal(t, want, d)
	}
}

func TestBackoff_MaxAttempts(t *testing.T) {
	b := Backoff{Base: time.Millisecond, Multiplier: 2, Max: time.Second, MaxAttempts: 3}
	for i := 0; i < 3; i++ {
		_, ok := b.Next()
		require.True(t, ok, "attempt %d should be allowed", i)
	}
	_, ok := b.Next()
	assert.False(t, ok, "attempts beyond the cap must be refused")
}

func TestBackoff_ResetRestartsSequence(t *testing.T) {
	b := Backoff{Base: time.Second, Multiplier: 2, Max: time.Minute, MaxAttempts: 2}
	b.Next()
	b.Next()
	if _, ok := b.Next(); ok {
		t.Fatal("attempts exhausted, Next should refuse")
	}

	b.Reset()
	assert.Equal(t, 0, b.Attempt())
	d, ok := b.Next()
	require.True(t, ok, "reset must re-arm the attempt budget")
	assert.Equal(t, time.Second, d, "reset must restart from the base delay")
}

func TestBackoff_ZeroValueDefaults(t *testing.T) {
	var b Backoff
	d, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, time.Second, d)
	for i := 0; i < 20; i++ {
		d, ok = b.Next()
		require.True(t, ok, "zero MaxAttempts means unlimited")
	}
	assert.Equal(t, time.Minute, d, "zero Max defaults to one minute")
}
