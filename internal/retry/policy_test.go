package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

func TestPolicy_Classify(t *testing.T) {
	t.Parallel()

	p := New(Config{})

	require.Equal(t, Blocked, p.Classify(crawl.ErrBlocked))
	require.Equal(t, RateLimited, p.Classify(&crawl.RequestError{Status: http.StatusTooManyRequests}))
	require.Equal(t, Transient, p.Classify(&crawl.RequestError{Status: http.StatusBadGateway}))
	require.Equal(t, Permanent, p.Classify(&crawl.RequestError{Status: http.StatusNotFound}))
	require.Equal(t, Permanent, p.Classify(context.Canceled))
	require.Equal(t, Transient, p.Classify(context.DeadlineExceeded))
	require.Equal(t, Transient, p.Classify(syscall.ECONNRESET))
	require.Equal(t, Transient, p.Classify(&net.DNSError{IsTimeout: true}))
	require.Equal(t, Transient, p.Classify(errors.New("mystery failure")))
}

func TestPolicy_NextDelay_NonDecreasingUntilCap(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxAttempts: 6, BaseDelay: time.Second, MaxDelay: 10 * time.Second})

	var prev time.Duration
	for attempt := 1; attempt < 6; attempt++ {
		delay, ok := p.NextDelay(attempt, Transient, 0)
		require.True(t, ok, "attempt %d should retry", attempt)
		require.GreaterOrEqual(t, delay, prev)
		require.LessOrEqual(t, delay, 10*time.Second)
		prev = delay
	}

	_, ok := p.NextDelay(6, Transient, 0)
	require.False(t, ok, "attempt cap reached")
}

func TestPolicy_NextDelay_Deterministic(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: time.Minute})

	first, ok := p.NextDelay(2, Transient, 0)
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		again, ok := p.NextDelay(2, Transient, 0)
		require.True(t, ok)
		require.Equal(t, first, again)
	}
	require.Equal(t, time.Second, first)
}

func TestPolicy_NextDelay_HonorsRetryAfterHint(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second})

	delay, ok := p.NextDelay(1, RateLimited, 7*time.Second)
	require.True(t, ok)
	require.Equal(t, 7*time.Second, delay)

	// Hints above the cap are clamped.
	delay, ok = p.NextDelay(1, RateLimited, 5*time.Minute)
	require.True(t, ok)
	require.Equal(t, 30*time.Second, delay)
}

func TestPolicy_NextDelay_PermanentNeverRetries(t *testing.T) {
	t.Parallel()

	p := New(Config{})
	_, ok := p.NextDelay(1, Permanent, 0)
	require.False(t, ok)
}

func TestPolicy_NextDelay_BlockedUsesCoolDown(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxAttempts: 3, BlockedCoolDown: 5 * time.Minute})
	delay, ok := p.NextDelay(1, Blocked, 0)
	require.True(t, ok)
	require.Equal(t, 5*time.Minute, delay)
}
