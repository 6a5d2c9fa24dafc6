// Package govern implements per-source admission control: bounded
// concurrency plus a politeness interval between requests.
package govern

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

// Config holds per-source admission limits.
type Config struct {
	// MaxConcurrent is the in-flight permit budget for one source.
	MaxConcurrent int
	// Interval is the minimum spacing between requests to one source.
	Interval time.Duration
	// MaxWait bounds how long Admit may delay before failing with
	// ErrThrottled.
	MaxWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 30 * time.Second
	}
	return c
}

// Governor hands out scoped permits per source. Sources are fully isolated:
// exhaustion on one never delays another.
type Governor struct {
	mu        sync.Mutex
	defaults  Config
	overrides map[crawl.SourceID]Config
	sources   map[crawl.SourceID]*sourceState
}

type sourceState struct {
	slots   chan struct{}
	limiter *rate.Limiter
	maxWait time.Duration
}

// Permit is a scoped admission slot; callers must Release on completion.
type Permit struct {
	release func()
	once    sync.Once
}

// Release returns the slot to the source's pool. Safe to call twice.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(p.release)
}

// New creates a Governor with per-source overrides on top of defaults.
func New(defaults Config, overrides map[crawl.SourceID]Config) *Governor {
	return &Governor{
		defaults:  defaults.withDefaults(),
		overrides: overrides,
		sources:   make(map[crawl.SourceID]*sourceState),
	}
}

// Admit blocks until the source has a free slot and the politeness interval
// has elapsed, up to the configured wait ceiling. Beyond the ceiling it
// fails with crawl.ErrThrottled and the caller must re-queue the task.
func (g *Governor) Admit(ctx context.Context, source crawl.SourceID) (*Permit, error) {
	st := g.state(source)

	waitCtx, cancel := context.WithTimeout(ctx, st.maxWait)
	defer cancel()

	select {
	case st.slots <- struct{}{}:
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("admission canceled: %w", ctx.Err())
		}
		return nil, crawl.ErrThrottled
	}

	if err := st.limiter.Wait(waitCtx); err != nil {
		<-st.slots
		if ctx.Err() != nil {
			return nil, fmt.Errorf("admission canceled: %w", ctx.Err())
		}
		return nil, crawl.ErrThrottled
	}

	return &Permit{release: func() { <-st.slots }}, nil
}

func (g *Governor) state(source crawl.SourceID) *sourceState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.sources[source]
	if ok {
		return st
	}
	cfg := g.defaults
	if override, ok := g.overrides[source]; ok {
		cfg = override.withDefaults()
		if cfg.Interval == 0 {
			cfg.Interval = g.defaults.Interval
		}
	}
	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}
	st = &sourceState{
		slots:   make(chan struct{}, cfg.MaxConcurrent),
		limiter: rate.NewLimiter(limit, 1),
		maxWait: cfg.MaxWait,
	}
	g.sources[source] = st
	return st
}
