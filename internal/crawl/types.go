// Package crawl defines the core domain types shared by every layer of
// the crawler: tasks, fetch requests and responses, extracted records,
// checkpoints, and run summaries.
package crawl

import (
	"net/http"
	"time"
)

// SourceID identifies a configured data source.
type SourceID string

// Identity is a presentable client identity: a user agent, optionally
// routed through a proxy.
type Identity struct {
	UserAgent string `json:"user_agent"`
	ProxyURL  string `json:"proxy_url,omitempty"`
}

// Key returns a stable identifier for penalty and recency tracking.
func (i Identity) Key() string {
	if i.ProxyURL == "" {
		return i.UserAgent
	}
	return i.UserAgent + "|" + i.ProxyURL
}

// CrawlTask is a single unit of fetch work planned for a source.
type CrawlTask struct {
	SourceID  SourceID  `json:"source_id"`
	Target    string    `json:"target"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// QueueItem is a task together with its attempt counter, as carried on
// the task queue. Attempt starts at 1.
type QueueItem struct {
	Task    CrawlTask `json:"task"`
	Attempt int       `json:"attempt"`
}

// FetchRequest describes one outbound request.
type FetchRequest struct {
	SourceID    SourceID
	Target      string
	Identity    Identity
	Headers     http.Header
	UseHeadless bool
}

// FetchResponse is the result of a successful fetch.
type FetchResponse struct {
	Target     string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Latency    time.Duration
	RetryAfter time.Duration
}

// FetchAttempt records one attempt against a target, for run logs.
type FetchAttempt struct {
	Attempt    int
	Identity   Identity
	StartedAt  time.Time
	Latency    time.Duration
	StatusCode int
	ErrorText  string
}

// RawRecord is a single extracted record before cleaning.
type RawRecord struct {
	SourceID  SourceID
	Fields    map[string]any
	FetchedAt time.Time
}

// Verdict classifies a record after validation.
type Verdict string

const (
	VerdictAccepted Verdict = "accepted"
	VerdictRepaired Verdict = "repaired"
	VerdictRejected Verdict = "rejected"
)

// CleanRecord is a validated record ready for storage. NaturalKey is
// empty for rejected records.
type CleanRecord struct {
	SourceID        SourceID       `json:"source_id"`
	NaturalKey      string         `json:"natural_key"`
	Fields          map[string]any `json:"fields"`
	Verdict         Verdict        `json:"verdict"`
	Notes           []string       `json:"notes,omitempty"`
	CheckpointValue string         `json:"checkpoint_value,omitempty"`
	FetchedAt       time.Time      `json:"fetched_at"`
}

// Checkpoint marks the incremental progress of a source. Values compare
// lexicographically, so sources use sortable encodings such as ISO dates.
type Checkpoint struct {
	SourceID  SourceID  `json:"source_id"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskOutcome is the terminal state of a task within a run.
type TaskOutcome string

const (
	TaskSucceeded      TaskOutcome = "succeeded"
	TaskExhausted      TaskOutcome = "exhausted"
	TaskCircuitSkipped TaskOutcome = "circuit_skipped"
)

// TaskResult summarizes one finished task.
type TaskResult struct {
	Task      CrawlTask
	Outcome   TaskOutcome
	Attempts  []FetchAttempt
	Records   int
	Canceled  bool
	ErrorText string
}

// RunTrigger names what started a run.
type RunTrigger string

const (
	TriggerCron     RunTrigger = "cron"
	TriggerInterval RunTrigger = "interval"
	TriggerManual   RunTrigger = "manual"
)

// RunCounters aggregates task and record outcomes across a run.
type RunCounters struct {
	TasksTotal          int `json:"tasks_total"`
	TasksSucceeded      int `json:"tasks_succeeded"`
	TasksExhausted      int `json:"tasks_exhausted"`
	TasksSkipped        int `json:"tasks_skipped"`
	RecordsAccepted     int `json:"records_accepted"`
	RecordsRepaired     int `json:"records_repaired"`
	RecordsRejected     int `json:"records_rejected"`
	RecordsDeduplicated int `json:"records_deduplicated"`
	RecordsUpdated      int `json:"records_updated"`
}

// JobRun is the summary of a complete crawl run.
type JobRun struct {
	ID          string              `json:"id"`
	Trigger     RunTrigger          `json:"trigger"`
	StartedAt   time.Time           `json:"started_at"`
	EndedAt     time.Time           `json:"ended_at"`
	Counters    RunCounters         `json:"counters"`
	Checkpoints map[SourceID]string `json:"checkpoints,omitempty"`
	Canceled    bool                `json:"canceled,omitempty"`
	ErrorText   string              `json:"error,omitempty"`
}
