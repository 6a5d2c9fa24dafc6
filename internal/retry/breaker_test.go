package retry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewBreaker(BreakerConfig{Threshold: 3, CoolDown: time.Minute}, clock)
	source := crawl.SourceID("eastmoney")

	require.False(t, b.RecordBlocked(source))
	require.False(t, b.RecordBlocked(source))
	require.True(t, b.Allow(source))

	require.True(t, b.RecordBlocked(source), "third blocked outcome opens the circuit")
	require.False(t, b.Allow(source))
}

func TestBreaker_CoolDownExpiryClosesCircuit(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewBreaker(BreakerConfig{Threshold: 1, CoolDown: time.Minute}, clock)
	source := crawl.SourceID("nhc")

	require.True(t, b.RecordBlocked(source))
	require.False(t, b.Allow(source))

	clock.Advance(59 * time.Second)
	require.False(t, b.Allow(source))

	clock.Advance(2 * time.Second)
	require.True(t, b.Allow(source))
	// Counter reset with the circuit: one more blocked outcome re-opens.
	require.True(t, b.RecordBlocked(source))
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewBreaker(BreakerConfig{Threshold: 2, CoolDown: time.Minute}, clock)
	source := crawl.SourceID("eastmoney")

	require.False(t, b.RecordBlocked(source))
	b.RecordSuccess(source)
	require.False(t, b.RecordBlocked(source), "counter restarted after success")
	require.True(t, b.Allow(source))
}

func TestBreaker_ForceOpen(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewBreaker(BreakerConfig{Threshold: 5, CoolDown: time.Minute}, clock)
	source := crawl.SourceID("nhc")

	require.True(t, b.Allow(source))
	b.ForceOpen(source)
	require.False(t, b.Allow(source))
	clock.Advance(2 * time.Minute)
	require.True(t, b.Allow(source))
}

func TestBreaker_SourcesAreIsolated(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewBreaker(BreakerConfig{Threshold: 1, CoolDown: time.Minute}, clock)

	require.True(t, b.RecordBlocked("eastmoney"))
	require.False(t, b.Allow("eastmoney"))
	require.True(t, b.Allow("nhc"))
}
