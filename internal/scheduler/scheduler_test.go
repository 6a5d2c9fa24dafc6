package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

type blockingRunner struct {
	mu       sync.Mutex
	calls    int
	release  chan struct{}
	lastTrig crawl.RunTrigger
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{release: make(chan struct{})}
}

func (r *blockingRunner) Run(ctx context.Context, trigger crawl.RunTrigger) (crawl.JobRun, error) {
	r.mu.Lock()
	r.calls++
	r.lastTrig = trigger
	r.mu.Unlock()

	select {
	case <-r.release:
	case <-ctx.Done():
		return crawl.JobRun{ID: "run-canceled", Trigger: trigger, Canceled: true}, nil
	}
	return crawl.JobRun{ID: "run-done", Trigger: trigger}, nil
}

func (r *blockingRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestTriggerNowRecordsHistory(t *testing.T) {
	t.Parallel()

	runner := newBlockingRunner()
	close(runner.release)
	s, err := New(runner, Config{}, zap.NewNop())
	require.NoError(t, err)

	run, err := s.TriggerNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, "run-done", run.ID)
	require.Equal(t, crawl.TriggerManual, run.Trigger)

	status := s.Status()
	require.False(t, status.Running)
	require.Len(t, status.History, 1)
	require.NotNil(t, status.Last)
	require.Equal(t, "run-done", status.Last.ID)
}

func TestConcurrentTriggerIsSkipped(t *testing.T) {
	t.Parallel()

	runner := newBlockingRunner()
	s, err := New(runner, Config{}, zap.NewNop())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.TriggerNow(context.Background())
	}()

	require.Eventually(t, func() bool {
		return s.Status().Running
	}, time.Second, 5*time.Millisecond)

	_, err = s.TriggerNow(context.Background())
	require.ErrorIs(t, err, ErrRunInProgress)
	require.Equal(t, 1, s.Status().SkippedTriggers)

	close(runner.release)
	<-done
	require.Equal(t, 1, runner.callCount())
}

func TestCancelActiveStopsRun(t *testing.T) {
	t.Parallel()

	runner := newBlockingRunner()
	s, err := New(runner, Config{}, zap.NewNop())
	require.NoError(t, err)

	done := make(chan crawl.JobRun, 1)
	go func() {
		run, _ := s.TriggerNow(context.Background())
		done <- run
	}()

	require.Eventually(t, func() bool {
		return s.Status().Running
	}, time.Second, 5*time.Millisecond)

	require.True(t, s.CancelActive())

	run := <-done
	require.True(t, run.Canceled)
	require.False(t, s.CancelActive(), "nothing left to cancel")
}

func TestIntervalSchedulingFires(t *testing.T) {
	t.Parallel()

	runner := newBlockingRunner()
	close(runner.release)
	s, err := New(runner, Config{Interval: time.Second}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return runner.callCount() >= 1
	}, 3*time.Second, 50*time.Millisecond)

	runner.mu.Lock()
	trig := runner.lastTrig
	runner.mu.Unlock()
	require.Equal(t, crawl.TriggerInterval, trig)
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()

	runner := newBlockingRunner()
	close(runner.release)
	s, err := New(runner, Config{HistoryLimit: 2}, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.TriggerNow(context.Background())
		require.NoError(t, err)
	}
	require.Len(t, s.Status().History, 2)
}

func TestInvalidCronSpec(t *testing.T) {
	t.Parallel()

	runner := newBlockingRunner()
	s, err := New(runner, Config{CronSpec: "not a spec"}, zap.NewNop())
	require.NoError(t, err)
	require.Error(t, s.Start())
}
