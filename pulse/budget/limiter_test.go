package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockClock allows controlling time in tests
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(now time.Time) *mockClock {
	return &mockClock{now: now}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Given: 2 req/s with burst 5
// When: 6 calls at the same instant
// Then: the burst is allowed, the 6th is rejected
func TestLimiter_Burst(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock(2, 5, clock.Now)

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Allow(), "call %d", i+1)
	}
	err := limiter.Allow()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit exceeded")

	stats := limiter.Stats()
	assert.Equal(t, int64(5), stats.Allowed)
	assert.Equal(t, int64(1), stats.Denied)
}

// Given: an exhausted bucket at 2 req/s
// When: half a second passes
// Then: exactly one more call is allowed
func TestLimiter_Refill(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock(2, 1, clock.Now)

	require.NoError(t, limiter.Allow())
	require.Error(t, limiter.Allow())

	clock.Advance(500 * time.Millisecond)
	require.NoError(t, limiter.Allow())
	require.Error(t, limiter.Allow())
}

func TestLimiter_Unlimited(t *testing.T) {
	limiter := NewLimiter(0, 0)
	for i := 0; i < 1000; i++ {
		require.NoError(t, limiter.Allow())
	}
	stats := limiter.Stats()
	assert.True(t, stats.Unlimited)
	assert.Zero(t, stats.PerSecond)
	assert.Equal(t, 1, stats.Burst)

	limiter.SetRate(5, 1)
	assert.False(t, limiter.Stats().Unlimited)
	assert.Equal(t, 5.0, limiter.Stats().PerSecond)
}

func TestLimiter_SetRate(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock(1, 1, clock.Now)

	require.NoError(t, limiter.Allow())
	require.Error(t, limiter.Allow())

	limiter.SetRate(10, 3)
	stats := limiter.Stats()
	assert.Equal(t, 10.0, stats.PerSecond)
	assert.Equal(t, 3, stats.Burst)

	clock.Advance(300 * time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Allow(), "call %d after raising rate", i+1)
	}
}

func TestLimiter_WaitHonoursContext(t *testing.T) {
	limiter := NewLimiter(0.001, 1)
	require.NoError(t, limiter.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := limiter.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request budget")
}

func TestLimiter_WaitPaces(t *testing.T) {
	limiter := NewLimiter(100, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Wait(ctx))
	}
	// 1 burst token plus 4 refills at 10ms each.
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, int64(5), limiter.Stats().Allowed)
}
