package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

func TestQueue_EnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := New(4)
	ctx := context.Background()

	item := crawl.QueueItem{
		Task:    crawl.CrawlTask{SourceID: "eastmoney", Target: "https://example.com/kline"},
		Attempt: 1,
	}
	require.NoError(t, q.Enqueue(ctx, item))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, item, got)
}

func TestQueue_DequeueRespectsContext(t *testing.T) {
	t.Parallel()

	q := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_EnqueueBlocksWhenFull(t *testing.T) {
	t.Parallel()

	q := New(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, crawl.QueueItem{Attempt: 1}))

	full, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(full, crawl.QueueItem{Attempt: 2})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	q := New(1)
	q.Close()
	q.Close()

	_, err := q.Dequeue(context.Background())
	require.Error(t, err)
}
