package retry

import (
	"sync"
	"time"

	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

// BreakerConfig controls circuit breaking per source.
type BreakerConfig struct {
	// Threshold is the number of consecutive Blocked outcomes that opens
	// the circuit.
	Threshold int
	CoolDown  time.Duration
}

// Breaker tracks consecutive Blocked outcomes per source and excludes a
// source from scheduling for a cool-down window once the threshold is hit.
type Breaker struct {
	mu      sync.Mutex
	cfg     BreakerConfig
	clock   crawl.Clock
	sources map[crawl.SourceID]*breakerState
}

type breakerState struct {
	consecutiveBlocked int
	openUntil          time.Time
}

// NewBreaker builds a Breaker with defaults for unset fields.
func NewBreaker(cfg BreakerConfig, clock crawl.Clock) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 10 * time.Minute
	}
	return &Breaker{
		cfg:     cfg,
		clock:   clock,
		sources: make(map[crawl.SourceID]*breakerState),
	}
}

// Allow reports whether the source's circuit is closed. An expired cool-down
// closes the circuit and resets the blocked counter.
func (b *Breaker) Allow(source crawl.SourceID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.sources[source]
	if !ok {
		return true
	}
	if st.openUntil.IsZero() {
		return true
	}
	if b.clock.Now().Before(st.openUntil) {
		return false
	}
	st.openUntil = time.Time{}
	st.consecutiveBlocked = 0
	return true
}

// RecordBlocked counts a Blocked outcome and returns true when the circuit
// opened as a result.
func (b *Breaker) RecordBlocked(source crawl.SourceID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(source)
	st.consecutiveBlocked++
	if st.consecutiveBlocked >= b.cfg.Threshold && st.openUntil.IsZero() {
		st.openUntil = b.clock.Now().Add(b.cfg.CoolDown)
		return true
	}
	return false
}

// RecordSuccess resets the consecutive-blocked counter for a source.
func (b *Breaker) RecordSuccess(source crawl.SourceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state(source).consecutiveBlocked = 0
}

// ForceOpen opens the circuit immediately, e.g. when the identity pool is
// exhausted for a source.
func (b *Breaker) ForceOpen(source crawl.SourceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state(source).openUntil = b.clock.Now().Add(b.cfg.CoolDown)
}

func (b *Breaker) state(source crawl.SourceID) *breakerState {
	st, ok := b.sources[source]
	if !ok {
		st = &breakerState{}
		b.sources[source] = st
	}
	return st
}
