package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterBurstPerUser(t *testing.T) {
	l := NewLimiter(1, 2)

	assert.True(t, l.Allow("alice"))
	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))

	// independent bucket
	assert.True(t, l.Allow("bob"))
}

func TestLimiterUnlimited(t *testing.T) {
	l := NewLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("alice"))
	}
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	l := NewLimiter(1, 1)
	require.True(t, l.Allow("alice"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.Error(t, l.Wait(ctx, "alice"))
}

func TestLimiterForget(t *testing.T) {
	l := NewLimiter(1, 1)
	require.True(t, l.Allow("alice"))
	require.False(t, l.Allow("alice"))

	l.Forget("alice")
	assert.True(t, l.Allow("alice"))
}
