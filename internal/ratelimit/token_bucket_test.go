package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucket_BurstAndRefill(t *testing.T) {
	now := time.Unix(0, 0)
	tb := newTokenBucket(10, 5, func() time.Time { return now })

	for i := 0; i < 5; i++ {
		assert.True(t, tb.Allow(1), "burst token %d", i)
	}
	assert.False(t, tb.Allow(1))

	now = now.Add(250 * time.Millisecond)
	assert.InDelta(t, 2.5, tb.Available(), 1e-9)
	assert.True(t, tb.Allow(2))
	assert.False(t, tb.Allow(1))

	now = now.Add(time.Hour)
	assert.InDelta(t, 5.0, tb.Available(), 1e-9, "refill is capped at the burst")
}

func TestTokenBucket_ZeroRateNeverRefills(t *testing.T) {
	now := time.Unix(0, 0)
	tb := newTokenBucket(0, 1, func() time.Time { return now })
	assert.True(t, tb.Allow(1))
	now = now.Add(time.Hour)
	assert.False(t, tb.Allow(1))
}
