// Package retry classifies fetch failures and computes backoff decisions.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

// Classification buckets a failed fetch for retry handling.
type Classification string

// Failure classifications.
const (
	Transient   Classification = "transient"
	RateLimited Classification = "rate_limited"
	Blocked     Classification = "blocked"
	Permanent   Classification = "permanent"
)

// Config controls backoff behavior. Zero values fall back to defaults.
type Config struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	BlockedCoolDown time.Duration
}

// Policy implements deterministic capped exponential backoff. Given the same
// attempt number, classification and config, every decision is identical,
// which keeps retry behavior reproducible in tests.
type Policy struct {
	cfg Config
}

// New builds a Policy, applying defaults for unset fields.
func New(cfg Config) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.BlockedCoolDown <= 0 {
		cfg.BlockedCoolDown = 2 * time.Minute
	}
	return &Policy{cfg: cfg}
}

// MaxAttempts exposes the configured attempt cap.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// Classify buckets a fetch error. Unknown errors are treated as transient so
// a flaky source gets the benefit of the retry budget.
func (p *Policy) Classify(err error) Classification {
	if errors.Is(err, crawl.ErrBlocked) {
		return Blocked
	}
	var reqErr *crawl.RequestError
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.Status == http.StatusTooManyRequests:
			return RateLimited
		case reqErr.Status >= 500:
			return Transient
		case reqErr.Status >= 400:
			return Permanent
		}
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	return Transient
}

// NextDelay returns the wait before the next attempt, or ok=false when the
// task should give up. attempt is 1-based and counts completed attempts.
// hint carries a server-provided Retry-After and is honored for rate limits.
func (p *Policy) NextDelay(attempt int, class Classification, hint time.Duration) (time.Duration, bool) {
	if class == Permanent {
		return 0, false
	}
	if attempt >= p.cfg.MaxAttempts {
		return 0, false
	}
	if class == Blocked {
		return p.cfg.BlockedCoolDown, true
	}
	if class == RateLimited && hint > 0 {
		if hint > p.cfg.MaxDelay {
			hint = p.cfg.MaxDelay
		}
		return hint, true
	}
	delay := p.cfg.BaseDelay << uint(attempt-1)
	if delay > p.cfg.MaxDelay || delay <= 0 {
		delay = p.cfg.MaxDelay
	}
	return delay, true
}
