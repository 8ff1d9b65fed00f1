package backend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl := newAttemptLimiter(time.Now)

	for i := 0; i < maxFailures-1; i++ {
		rl.recordFailure("uid-1")
		blocked, _ := rl.check("uid-1")
		assert.False(t, blocked, "should not block before reaching maxFailures")
	}
}

func TestAttemptLimiter_BlocksAfterThreshold(t *testing.T) {
	rl := newAttemptLimiter(time.Now)

	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("uid-1")
	}

	blocked, retryAfter := rl.check("uid-1")
	require.True(t, blocked, "should block after maxFailures")
	assert.Greater(t, retryAfter, time.Duration(0))

	blocked, _ = rl.check("uid-2")
	assert.False(t, blocked, "keys are independent")
}

func TestAttemptLimiter_ExponentialBackoff(t *testing.T) {
	now := time.Now()
	rl := newAttemptLimiter(func() time.Time { return now })

	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("uid-1")
	}
	_, first := rl.check("uid-1")
	assert.Equal(t, baseLockout, first)

	rl.recordFailure("uid-1")
	_, second := rl.check("uid-1")
	assert.Equal(t, 2*baseLockout, second)

	for i := 0; i < 10; i++ {
		rl.recordFailure("uid-1")
	}
	_, capped := rl.check("uid-1")
	assert.Equal(t, maxLockout, capped)
}

func TestAttemptLimiter_SuccessResets(t *testing.T) {
	rl := newAttemptLimiter(time.Now)
	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("uid-1")
	}
	rl.recordSuccess("uid-1")
	blocked, _ := rl.check("uid-1")
	assert.False(t, blocked)
}

func TestAttemptLimiter_Sweep(t *testing.T) {
	now := time.Now()
	rl := newAttemptLimiter(func() time.Time { return now })
	rl.recordFailure("uid-1")

	now = now.Add(attemptExpiry + time.Minute)
	rl.sweep()
	assert.Empty(t, rl.attempts)
}
