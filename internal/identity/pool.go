// Package identity rotates outbound identities (user agent + proxy) to
// reduce detection and blocking.
package identity

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

// Config controls rotation behavior.
type Config struct {
	// RecencyWindow is how many of the most recent identities per source
	// are avoided on the next pick.
	RecencyWindow int
	// PenaltyCoolDown is how long a penalized identity stays excluded.
	PenaltyCoolDown time.Duration
}

// Pool selects identities round-robin with recency avoidance and a TTL
// penalty box for identities that look burned.
type Pool struct {
	mu         sync.Mutex
	identities []crawl.Identity
	cursor     int
	window     int
	recent     map[crawl.SourceID][]string
	penalties  *gocache.Cache
}

// New builds a Pool over the configured identities.
func New(identities []crawl.Identity, cfg Config) *Pool {
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = 2
	}
	if cfg.PenaltyCoolDown <= 0 {
		cfg.PenaltyCoolDown = 15 * time.Minute
	}
	return &Pool{
		identities: append([]crawl.Identity(nil), identities...),
		window:     cfg.RecencyWindow,
		recent:     make(map[crawl.SourceID][]string),
		penalties:  gocache.New(cfg.PenaltyCoolDown, cfg.PenaltyCoolDown),
	}
}

// Next returns an identity for the source, skipping penalized identities
// and any used within the recency window. When every non-penalized identity
// is recency-blocked (small pools), the least recently used one is reissued
// rather than failing. Fails with crawl.ErrPoolExhausted only when every
// identity is penalized.
func (p *Pool) Next(source crawl.SourceID) (crawl.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.identities) == 0 {
		return crawl.Identity{}, crawl.ErrPoolExhausted
	}

	var fallback *crawl.Identity
	for i := 0; i < len(p.identities); i++ {
		candidate := p.identities[(p.cursor+i)%len(p.identities)]
		if _, penalized := p.penalties.Get(candidate.Key()); penalized {
			continue
		}
		if p.usedRecently(source, candidate.Key()) {
			if fallback == nil {
				c := candidate
				fallback = &c
			}
			continue
		}
		p.cursor = (p.cursor + i + 1) % len(p.identities)
		p.markUsed(source, candidate.Key())
		return candidate, nil
	}

	if fallback != nil {
		p.markUsed(source, fallback.Key())
		return *fallback, nil
	}
	return crawl.Identity{}, crawl.ErrPoolExhausted
}

// Penalize excludes an identity from selection for the cool-down period.
func (p *Pool) Penalize(id crawl.Identity) {
	p.penalties.SetDefault(id.Key(), struct{}{})
}

func (p *Pool) usedRecently(source crawl.SourceID, key string) bool {
	for _, used := range p.recent[source] {
		if used == key {
			return true
		}
	}
	return false
}

func (p *Pool) markUsed(source crawl.SourceID, key string) {
	history := append(p.recent[source], key)
	if len(history) > p.window {
		history = history[len(history)-p.window:]
	}
	p.recent[source] = history
}
