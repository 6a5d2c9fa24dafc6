package crawl

import (
	"context"
	"io"
	"time"
)

// Fetcher executes a single fetch under the issued identity.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// SourceAdapter knows one upstream source: how to plan incremental work
// from a checkpoint and how to extract records from a response.
type SourceAdapter interface {
	ID() SourceID
	PlanTasks(ctx context.Context, checkpoint Checkpoint) ([]CrawlTask, error)
	Extract(response FetchResponse) ([]RawRecord, error)
}

// CommitResult reports how the store handled a record.
type CommitResult string

const (
	CommitApplied      CommitResult = "applied"
	CommitUpdated      CommitResult = "updated"
	CommitDeduplicated CommitResult = "deduplicated"
)

// RecordStore persists clean records and per-source checkpoints.
// Commit is idempotent on the record's natural key. AdvanceCheckpoint
// never moves a checkpoint backward.
type RecordStore interface {
	Commit(ctx context.Context, record CleanRecord) (CommitResult, error)
	ReadCheckpoint(ctx context.Context, source SourceID) (Checkpoint, error)
	AdvanceCheckpoint(ctx context.Context, source SourceID, value string) error
	Close()
}

// TaskQueue carries pending tasks between the planner and the workers.
type TaskQueue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// BlobStore archives raw response bodies.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, body io.Reader) (string, error)
}

// Publisher emits run events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (string, error)
}

// BlockDetector inspects a successful response for signs the source is
// serving a block or challenge page instead of content.
type BlockDetector interface {
	Blocked(response FetchResponse) bool
}

// Hasher produces content digests for archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
