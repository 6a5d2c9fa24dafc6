package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

func testIdentities() []crawl.Identity {
	return []crawl.Identity{
		{UserAgent: "ua-1"},
		{UserAgent: "ua-2", ProxyURL: "http://proxy-a:8080"},
		{UserAgent: "ua-3", ProxyURL: "http://proxy-b:8080"},
	}
}

func TestPool_RotatesWithRecencyAvoidance(t *testing.T) {
	t.Parallel()

	p := New(testIdentities(), Config{RecencyWindow: 2})
	source := crawl.SourceID("eastmoney")

	first, err := p.Next(source)
	require.NoError(t, err)
	second, err := p.Next(source)
	require.NoError(t, err)
	third, err := p.Next(source)
	require.NoError(t, err)

	require.NotEqual(t, first.Key(), second.Key())
	require.NotEqual(t, second.Key(), third.Key())
	require.NotEqual(t, first.Key(), third.Key())
}

func TestPool_RecencyIsPerSource(t *testing.T) {
	t.Parallel()

	p := New(testIdentities(), Config{RecencyWindow: 2})

	used, err := p.Next("eastmoney")
	require.NoError(t, err)

	// The same identity remains eligible for a different source.
	for i := 0; i < len(testIdentities()); i++ {
		id, err := p.Next("nhc")
		require.NoError(t, err)
		if id.Key() == used.Key() {
			return
		}
	}
	t.Fatalf("identity %s never issued for second source", used.Key())
}

func TestPool_PenalizedIdentityExcluded(t *testing.T) {
	t.Parallel()

	ids := testIdentities()
	p := New(ids, Config{RecencyWindow: 1, PenaltyCoolDown: time.Hour})
	p.Penalize(ids[0])

	for i := 0; i < 6; i++ {
		id, err := p.Next("eastmoney")
		require.NoError(t, err)
		require.NotEqual(t, ids[0].Key(), id.Key())
	}
}

func TestPool_AllPenalizedIsExhausted(t *testing.T) {
	t.Parallel()

	ids := testIdentities()
	p := New(ids, Config{PenaltyCoolDown: time.Hour})
	for _, id := range ids {
		p.Penalize(id)
	}

	_, err := p.Next("eastmoney")
	require.ErrorIs(t, err, crawl.ErrPoolExhausted)
}

func TestPool_PenaltyExpires(t *testing.T) {
	t.Parallel()

	ids := []crawl.Identity{{UserAgent: "ua-only"}}
	p := New(ids, Config{PenaltyCoolDown: 30 * time.Millisecond})
	p.Penalize(ids[0])

	_, err := p.Next("eastmoney")
	require.ErrorIs(t, err, crawl.ErrPoolExhausted)

	require.Eventually(t, func() bool {
		_, err := p.Next("eastmoney")
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestPool_SingleIdentityReissuedDespiteRecency(t *testing.T) {
	t.Parallel()

	ids := []crawl.Identity{{UserAgent: "ua-only"}}
	p := New(ids, Config{RecencyWindow: 2})

	for i := 0; i < 3; i++ {
		id, err := p.Next("eastmoney")
		require.NoError(t, err)
		require.Equal(t, "ua-only", id.UserAgent)
	}
}

func TestPool_EmptyPool(t *testing.T) {
	t.Parallel()

	p := New(nil, Config{})
	_, err := p.Next("eastmoney")
	require.ErrorIs(t, err, crawl.ErrPoolExhausted)
}
