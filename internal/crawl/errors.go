package crawl

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrThrottled means the rate governor could not admit the request
	// within its wait ceiling.
	ErrThrottled = errors.New("rate governor wait ceiling exceeded")

	// ErrPoolExhausted means every identity is currently penalized.
	ErrPoolExhausted = errors.New("identity pool exhausted")

	// ErrCheckpointRegression means an advance would move a checkpoint
	// backward.
	ErrCheckpointRegression = errors.New("checkpoint regression")

	// ErrBlocked means the response was identified as a block page.
	ErrBlocked = errors.New("blocked by source")
)

// RequestError is an HTTP-level failure carrying the status code and
// any server-suggested retry delay.
type RequestError struct {
	Status     int
	RetryAfter time.Duration
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed with status %d", e.Status)
}

// ValidationError reports a record that failed a cleaning rule.
type ValidationError struct {
	Rule   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Rule, e.Reason)
}
