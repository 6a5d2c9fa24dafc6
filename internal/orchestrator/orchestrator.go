// Package orchestrator runs crawl jobs: it plans incremental tasks per
// source, executes them through the fetch pipeline with retry and
// circuit-breaking, and advances checkpoints for sources that finished
// without failures.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ZihanQ/intelligent-data-crawler/internal/clean"
	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
	"github.com/ZihanQ/intelligent-data-crawler/internal/govern"
	"github.com/ZihanQ/intelligent-data-crawler/internal/identity"
	"github.com/ZihanQ/intelligent-data-crawler/internal/metrics"
	"github.com/ZihanQ/intelligent-data-crawler/internal/retry"
)

// Config controls run execution.
type Config struct {
	// Workers is the number of concurrent task processors.
	Workers int
	// GraceTimeout bounds how long a canceled run waits for in-flight
	// tasks before recording the rest as canceled.
	GraceTimeout time.Duration
	// RequeueDelay spaces out re-enqueues after a governor wait ceiling.
	RequeueDelay time.Duration
	// ContentType is stored with archived response bodies.
	ContentType string
	// Topic receives run summaries when a publisher is configured.
	Topic string
	// HeadlessSources lists sources fetched with the headless browser.
	HeadlessSources map[crawl.SourceID]bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.GraceTimeout <= 0 {
		c.GraceTimeout = 30 * time.Second
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = time.Second
	}
	if c.ContentType == "" {
		c.ContentType = "text/html; charset=utf-8"
	}
	return c
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Adapters   map[crawl.SourceID]crawl.SourceAdapter
	Cleaners   map[crawl.SourceID]*clean.Cleaner
	Fetcher    crawl.Fetcher
	Headless   crawl.Fetcher
	Detector   crawl.BlockDetector
	Identities *identity.Pool
	Governor   *govern.Governor
	Policy     *retry.Policy
	Breaker    *retry.Breaker
	Store      crawl.RecordStore
	Queue      crawl.TaskQueue
	Archive    crawl.BlobStore
	Hasher     crawl.Hasher
	Publisher  crawl.Publisher
	Clock      crawl.Clock
	IDs        crawl.IDGenerator
}

// Orchestrator coordinates one run at a time over the task queue.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	// after schedules delayed re-enqueues. Swapped in tests.
	after func(d time.Duration, f func()) *time.Timer
}

// New validates the dependency set and builds an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if len(deps.Adapters) == 0 {
		return nil, fmt.Errorf("at least one source adapter is required")
	}
	for id := range deps.Adapters {
		if deps.Cleaners[id] == nil {
			return nil, fmt.Errorf("source %s has no cleaner configured", id)
		}
	}
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if deps.Store == nil || deps.Queue == nil {
		return nil, fmt.Errorf("record store and task queue are required")
	}
	if deps.Governor == nil || deps.Policy == nil || deps.Breaker == nil || deps.Identities == nil {
		return nil, fmt.Errorf("governor, retry policy, breaker, and identity pool are required")
	}
	if deps.Clock == nil || deps.IDs == nil || deps.Hasher == nil {
		return nil, fmt.Errorf("clock, id generator, and hasher are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg.withDefaults(),
		logger: logger,
		after:  time.AfterFunc,
	}, nil
}

// runState carries per-run mutable bookkeeping shared by the workers.
type runState struct {
	mu            sync.Mutex
	attempts      map[string][]crawl.FetchAttempt
	maxCheckpoint map[crawl.SourceID]string
	counters      crawl.RunCounters
}

func newRunState() *runState {
	return &runState{
		attempts:      make(map[string][]crawl.FetchAttempt),
		maxCheckpoint: make(map[crawl.SourceID]string),
	}
}

func taskKey(task crawl.CrawlTask) string {
	return string(task.SourceID) + "|" + task.Target
}

// extractError marks a payload the adapter could not parse. It exhausts
// the task instead of aborting the run.
type extractError struct {
	err error
}

func (e *extractError) Error() string { return e.err.Error() }

func (e *extractError) Unwrap() error { return e.err }

func (s *runState) recordAttempt(task crawl.CrawlTask, attempt crawl.FetchAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := taskKey(task)
	s.attempts[key] = append(s.attempts[key], attempt)
}

func (s *runState) takeAttempts(task crawl.CrawlTask) []crawl.FetchAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := taskKey(task)
	attempts := s.attempts[key]
	delete(s.attempts, key)
	return attempts
}

func (s *runState) observeRecord(source crawl.SourceID, record crawl.CleanRecord, result crawl.CommitResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch record.Verdict {
	case crawl.VerdictAccepted:
		s.counters.RecordsAccepted++
	case crawl.VerdictRepaired:
		s.counters.RecordsRepaired++
	}
	switch result {
	case crawl.CommitDeduplicated:
		s.counters.RecordsDeduplicated++
	case crawl.CommitUpdated:
		s.counters.RecordsUpdated++
	}
	if record.CheckpointValue > s.maxCheckpoint[source] {
		s.maxCheckpoint[source] = record.CheckpointValue
	}
}

func (s *runState) observeRejected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.RecordsRejected++
}

// Run executes one complete crawl run and returns its summary. A commit
// failure aborts the run; task-level failures only mark their source.
func (o *Orchestrator) Run(ctx context.Context, trigger crawl.RunTrigger) (crawl.JobRun, error) {
	runID, err := o.deps.IDs.NewID()
	if err != nil {
		return crawl.JobRun{}, fmt.Errorf("generate run id: %w", err)
	}
	run := crawl.JobRun{
		ID:          runID,
		Trigger:     trigger,
		StartedAt:   o.deps.Clock.Now(),
		Checkpoints: make(map[crawl.SourceID]string),
	}
	o.logger.Info("run started", zap.String("run_id", run.ID), zap.String("trigger", string(trigger)))

	tasks, startValues, sourceFailed := o.plan(ctx)
	run.Counters.TasksTotal = len(tasks)

	state := newRunState()
	if len(tasks) > 0 {
		if err := o.execute(ctx, &run, tasks, state, sourceFailed); err != nil {
			run.EndedAt = o.deps.Clock.Now()
			run.ErrorText = err.Error()
			metrics.ObserveRun(string(trigger), "failed")
			return run, err
		}
	}
	run.Counters.RecordsAccepted = state.counters.RecordsAccepted
	run.Counters.RecordsRepaired = state.counters.RecordsRepaired
	run.Counters.RecordsRejected = state.counters.RecordsRejected
	run.Counters.RecordsDeduplicated = state.counters.RecordsDeduplicated
	run.Counters.RecordsUpdated = state.counters.RecordsUpdated

	// Finalization survives caller cancellation so clean sources still
	// get their checkpoints persisted.
	finalCtx := context.WithoutCancel(ctx)
	o.advanceCheckpoints(finalCtx, &run, state, startValues, sourceFailed)

	run.EndedAt = o.deps.Clock.Now()
	status := "succeeded"
	if run.Canceled {
		status = "canceled"
	}
	metrics.ObserveRun(string(trigger), status)
	o.publishRun(finalCtx, run)
	o.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.Int("tasks_total", run.Counters.TasksTotal),
		zap.Int("tasks_succeeded", run.Counters.TasksSucceeded),
		zap.Int("records_accepted", run.Counters.RecordsAccepted),
		zap.Bool("canceled", run.Canceled),
	)
	return run, nil
}

// plan reads each source's checkpoint and asks its adapter for tasks.
// Planning failures mark the source failed but do not stop the run.
func (o *Orchestrator) plan(ctx context.Context) ([]crawl.CrawlTask, map[crawl.SourceID]string, map[crawl.SourceID]bool) {
	var tasks []crawl.CrawlTask
	startValues := make(map[crawl.SourceID]string)
	sourceFailed := make(map[crawl.SourceID]bool)

	for id, adapter := range o.deps.Adapters {
		cp, err := o.deps.Store.ReadCheckpoint(ctx, id)
		if err != nil {
			o.logger.Error("read checkpoint failed", zap.String("source", string(id)), zap.Error(err))
			sourceFailed[id] = true
			continue
		}
		startValues[id] = cp.Value

		planned, err := adapter.PlanTasks(ctx, cp)
		if err != nil {
			o.logger.Error("plan tasks failed", zap.String("source", string(id)), zap.Error(err))
			sourceFailed[id] = true
			continue
		}
		tasks = append(tasks, planned...)
	}
	return tasks, startValues, sourceFailed
}

func (o *Orchestrator) execute(
	ctx context.Context,
	run *crawl.JobRun,
	tasks []crawl.CrawlTask,
	state *runState,
	sourceFailed map[crawl.SourceID]bool,
) error {
	workCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	results := make(chan crawl.TaskResult, len(tasks))
	fatal := make(chan error, 1)

	// Workers must be draining before the enqueue loop runs: planned
	// batches routinely exceed the queue's capacity, and Enqueue blocks
	// until a consumer makes room.
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.workerLoop(workCtx, state, results, fatal)
		}()
	}
	defer wg.Wait()

	for _, task := range tasks {
		if err := o.deps.Queue.Enqueue(workCtx, crawl.QueueItem{Task: task, Attempt: 1}); err != nil {
			stopWorkers()
			return fmt.Errorf("enqueue task: %w", err)
		}
	}

	pending := make(map[string]crawl.SourceID, len(tasks))
	for _, task := range tasks {
		pending[taskKey(task)] = task.SourceID
	}

	collected := 0
	ctxDone := ctx.Done()
	var graceC <-chan time.Time
	for collected < len(tasks) {
		select {
		case res := <-results:
			collected++
			delete(pending, taskKey(res.Task))
			o.collect(run, res, sourceFailed)
		case err := <-fatal:
			stopWorkers()
			return err
		case <-ctxDone:
			ctxDone = nil
			run.Canceled = true
			run.ErrorText = ctx.Err().Error()
			timer := time.NewTimer(o.cfg.GraceTimeout)
			defer timer.Stop()
			graceC = timer.C
		case <-graceC:
			// Only sources with tasks still in flight lose their
			// checkpoint advance; finished sources keep theirs.
			for _, id := range pending {
				sourceFailed[id] = true
			}
			run.Counters.TasksExhausted += len(tasks) - collected
			stopWorkers()
			return nil
		}
	}
	stopWorkers()
	return nil
}

func (o *Orchestrator) collect(run *crawl.JobRun, res crawl.TaskResult, sourceFailed map[crawl.SourceID]bool) {
	metrics.ObserveTask(string(res.Task.SourceID), string(res.Outcome))
	switch res.Outcome {
	case crawl.TaskSucceeded:
		run.Counters.TasksSucceeded++
	case crawl.TaskExhausted:
		run.Counters.TasksExhausted++
		sourceFailed[res.Task.SourceID] = true
	case crawl.TaskCircuitSkipped:
		run.Counters.TasksSkipped++
		sourceFailed[res.Task.SourceID] = true
	}
}

func (o *Orchestrator) workerLoop(
	workCtx context.Context,
	state *runState,
	results chan<- crawl.TaskResult,
	fatal chan<- error,
) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	for {
		item, err := o.deps.Queue.Dequeue(workCtx)
		if err != nil {
			if workCtx.Err() != nil {
				return
			}
			o.logger.Error("queue dequeue failed", zap.Error(err))
			return
		}
		o.process(workCtx, item, state, results, fatal)
	}
}

func (o *Orchestrator) process(
	workCtx context.Context,
	item crawl.QueueItem,
	state *runState,
	results chan<- crawl.TaskResult,
	fatal chan<- error,
) {
	source := item.Task.SourceID

	if !o.deps.Breaker.Allow(source) {
		results <- crawl.TaskResult{
			Task:      item.Task,
			Outcome:   crawl.TaskCircuitSkipped,
			Attempts:  state.takeAttempts(item.Task),
			ErrorText: "circuit open",
		}
		return
	}

	admitStart := o.deps.Clock.Now()
	permit, err := o.deps.Governor.Admit(workCtx, source)
	if err != nil {
		if errors.Is(err, crawl.ErrThrottled) {
			// Admission timed out; the attempt counter does not move.
			o.requeue(workCtx, item)
			return
		}
		results <- crawl.TaskResult{
			Task:      item.Task,
			Outcome:   crawl.TaskExhausted,
			Attempts:  state.takeAttempts(item.Task),
			Canceled:  workCtx.Err() != nil,
			ErrorText: err.Error(),
		}
		return
	}
	metrics.ObserveGovernorWait(string(source), o.deps.Clock.Now().Sub(admitStart))

	id, err := o.deps.Identities.Next(source)
	if err != nil {
		permit.Release()
		o.deps.Breaker.ForceOpen(source)
		metrics.SetCircuitOpen(string(source), true)
		results <- crawl.TaskResult{
			Task:      item.Task,
			Outcome:   crawl.TaskCircuitSkipped,
			Attempts:  state.takeAttempts(item.Task),
			ErrorText: err.Error(),
		}
		return
	}

	resp, fetchErr := o.fetch(workCtx, item, id, state)
	permit.Release()

	if fetchErr == nil && o.deps.Detector != nil && o.deps.Detector.Blocked(resp) {
		fetchErr = crawl.ErrBlocked
	}

	if fetchErr != nil {
		o.handleFailure(workCtx, item, id, fetchErr, state, results)
		return
	}

	o.deps.Breaker.RecordSuccess(source)
	metrics.SetCircuitOpen(string(source), false)

	records, err := o.ingest(workCtx, item.Task, resp, state)
	if err != nil {
		// An unparseable payload fails this task and holds the source's
		// checkpoint; anything else (a commit error) aborts the run.
		var exErr *extractError
		if errors.As(err, &exErr) {
			results <- crawl.TaskResult{
				Task:      item.Task,
				Outcome:   crawl.TaskExhausted,
				Attempts:  state.takeAttempts(item.Task),
				ErrorText: exErr.Error(),
			}
			return
		}
		select {
		case fatal <- err:
		default:
		}
		return
	}

	results <- crawl.TaskResult{
		Task:     item.Task,
		Outcome:  crawl.TaskSucceeded,
		Attempts: state.takeAttempts(item.Task),
		Records:  records,
	}
}

func (o *Orchestrator) fetch(
	ctx context.Context,
	item crawl.QueueItem,
	id crawl.Identity,
	state *runState,
) (crawl.FetchResponse, error) {
	fetcher := o.deps.Fetcher
	useHeadless := o.cfg.HeadlessSources[item.Task.SourceID] && o.deps.Headless != nil
	if useHeadless {
		fetcher = o.deps.Headless
	}

	started := o.deps.Clock.Now()
	resp, err := fetcher.Fetch(ctx, crawl.FetchRequest{
		SourceID:    item.Task.SourceID,
		Target:      item.Task.Target,
		Identity:    id,
		UseHeadless: useHeadless,
	})

	attempt := crawl.FetchAttempt{
		Attempt:    item.Attempt,
		Identity:   id,
		StartedAt:  started,
		Latency:    resp.Latency,
		StatusCode: resp.StatusCode,
	}
	if err != nil {
		attempt.ErrorText = err.Error()
		var reqErr *crawl.RequestError
		if errors.As(err, &reqErr) {
			attempt.StatusCode = reqErr.Status
		}
	}
	state.recordAttempt(item.Task, attempt)
	metrics.ObserveFetch(string(item.Task.SourceID), resp.Latency)
	return resp, err
}

func (o *Orchestrator) handleFailure(
	workCtx context.Context,
	item crawl.QueueItem,
	id crawl.Identity,
	fetchErr error,
	state *runState,
	results chan<- crawl.TaskResult,
) {
	source := item.Task.SourceID
	class := o.deps.Policy.Classify(fetchErr)

	if class == retry.RateLimited || class == retry.Blocked {
		o.deps.Identities.Penalize(id)
	}
	if class == retry.Blocked {
		if o.deps.Breaker.RecordBlocked(source) {
			metrics.SetCircuitOpen(string(source), true)
			o.logger.Warn("circuit opened", zap.String("source", string(source)))
		}
	}

	var hint time.Duration
	var reqErr *crawl.RequestError
	if errors.As(fetchErr, &reqErr) {
		hint = reqErr.RetryAfter
	}

	delay, ok := o.deps.Policy.NextDelay(item.Attempt, class, hint)
	if !ok {
		results <- crawl.TaskResult{
			Task:      item.Task,
			Outcome:   crawl.TaskExhausted,
			Attempts:  state.takeAttempts(item.Task),
			ErrorText: fetchErr.Error(),
		}
		return
	}

	o.logger.Debug("retry scheduled",
		zap.String("source", string(source)),
		zap.String("target", item.Task.Target),
		zap.Int("attempt", item.Attempt),
		zap.Duration("delay", delay),
	)
	next := crawl.QueueItem{Task: item.Task, Attempt: item.Attempt + 1}
	o.after(delay, func() {
		if err := o.deps.Queue.Enqueue(workCtx, next); err != nil {
			o.logger.Debug("retry enqueue dropped", zap.Error(err))
		}
	})
}

func (o *Orchestrator) requeue(workCtx context.Context, item crawl.QueueItem) {
	o.after(o.cfg.RequeueDelay, func() {
		if err := o.deps.Queue.Enqueue(workCtx, item); err != nil {
			o.logger.Debug("requeue dropped", zap.Error(err))
		}
	})
}

// ingest archives the raw body, extracts, cleans, and commits records.
// It returns the number of committed records; commit errors are fatal
// for the run.
func (o *Orchestrator) ingest(
	ctx context.Context,
	task crawl.CrawlTask,
	resp crawl.FetchResponse,
	state *runState,
) (int, error) {
	o.archiveBody(ctx, task, resp)

	adapter := o.deps.Adapters[task.SourceID]
	raws, err := adapter.Extract(resp)
	if err != nil {
		o.logger.Error("extract failed",
			zap.String("source", string(task.SourceID)),
			zap.String("target", task.Target),
			zap.Error(err),
		)
		return 0, &extractError{err: err}
	}

	cleaner := o.deps.Cleaners[task.SourceID]
	committed := 0
	for _, raw := range raws {
		record := cleaner.Validate(raw)
		metrics.ObserveRecord(string(task.SourceID), string(record.Verdict))
		if record.Verdict == crawl.VerdictRejected {
			state.observeRejected()
			o.logger.Warn("record rejected",
				zap.String("source", string(task.SourceID)),
				zap.Strings("notes", record.Notes),
			)
			continue
		}
		result, err := o.deps.Store.Commit(ctx, record)
		if err != nil {
			return committed, fmt.Errorf("commit record: %w", err)
		}
		state.observeRecord(task.SourceID, record, result)
		committed++
	}
	return committed, nil
}

func (o *Orchestrator) archiveBody(ctx context.Context, task crawl.CrawlTask, resp crawl.FetchResponse) {
	if o.deps.Archive == nil || len(resp.Body) == 0 {
		return
	}
	hash, err := o.deps.Hasher.Hash(resp.Body)
	if err != nil {
		o.logger.Error("hash body failed", zap.Error(err))
		return
	}
	path := fmt.Sprintf("%s/%s/%s", task.SourceID, hash[:2], hash)
	uri, err := o.deps.Archive.PutObject(ctx, path, o.cfg.ContentType, bytes.NewReader(resp.Body))
	if err != nil {
		o.logger.Error("archive body failed", zap.String("path", path), zap.Error(err))
		return
	}
	o.logger.Debug("body archived", zap.String("uri", uri))
}

// advanceCheckpoints moves each clean source's checkpoint to the highest
// committed record key. Sources with any failed task keep their old value.
func (o *Orchestrator) advanceCheckpoints(
	ctx context.Context,
	run *crawl.JobRun,
	state *runState,
	startValues map[crawl.SourceID]string,
	sourceFailed map[crawl.SourceID]bool,
) {
	for id := range o.deps.Adapters {
		start, planned := startValues[id]
		if !planned {
			continue
		}
		run.Checkpoints[id] = start
		if sourceFailed[id] {
			o.logger.Info("checkpoint held", zap.String("source", string(id)), zap.String("value", start))
			continue
		}
		state.mu.Lock()
		maxValue := state.maxCheckpoint[id]
		state.mu.Unlock()
		if maxValue <= start {
			continue
		}
		if err := o.deps.Store.AdvanceCheckpoint(ctx, id, maxValue); err != nil {
			o.logger.Error("advance checkpoint failed", zap.String("source", string(id)), zap.Error(err))
			continue
		}
		run.Checkpoints[id] = maxValue
		o.logger.Info("checkpoint advanced",
			zap.String("source", string(id)),
			zap.String("from", start),
			zap.String("to", maxValue),
		)
	}
}

func (o *Orchestrator) publishRun(ctx context.Context, run crawl.JobRun) {
	if o.deps.Publisher == nil || o.cfg.Topic == "" {
		return
	}
	payload, err := json.Marshal(run)
	if err != nil {
		o.logger.Error("marshal run summary failed", zap.Error(err))
		return
	}
	if _, err := o.deps.Publisher.Publish(ctx, o.cfg.Topic, payload); err != nil {
		o.logger.Error("publish run summary failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}
