// Package memory provides an in-memory record store for development and
// tests.
package memory

import (
	"context"
	"reflect"
	"sync"

	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

// Store keeps clean records and checkpoints in process memory.
type Store struct {
	mu          sync.RWMutex
	records     map[crawl.SourceID]map[string]crawl.CleanRecord
	checkpoints map[crawl.SourceID]crawl.Checkpoint
	clock       crawl.Clock
}

// New builds an empty Store.
func New(clock crawl.Clock) *Store {
	return &Store{
		records:     make(map[crawl.SourceID]map[string]crawl.CleanRecord),
		checkpoints: make(map[crawl.SourceID]crawl.Checkpoint),
		clock:       clock,
	}
}

// Commit upserts a record keyed on (source, natural key). Identical content
// deduplicates; different content with a newer fetch time overwrites as an
// update. An older fetch never clobbers a newer one (last write wins by
// fetched_at).
func (s *Store) Commit(_ context.Context, record crawl.CleanRecord) (crawl.CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySource, ok := s.records[record.SourceID]
	if !ok {
		bySource = make(map[string]crawl.CleanRecord)
		s.records[record.SourceID] = bySource
	}

	existing, exists := bySource[record.NaturalKey]
	if !exists {
		bySource[record.NaturalKey] = record
		return crawl.CommitApplied, nil
	}
	if reflect.DeepEqual(existing.Fields, record.Fields) {
		return crawl.CommitDeduplicated, nil
	}
	if record.FetchedAt.Before(existing.FetchedAt) {
		return crawl.CommitDeduplicated, nil
	}
	bySource[record.NaturalKey] = record
	return crawl.CommitUpdated, nil
}

// ReadCheckpoint returns the source's checkpoint, zero-valued when absent.
func (s *Store) ReadCheckpoint(_ context.Context, source crawl.SourceID) (crawl.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[source]
	if !ok {
		return crawl.Checkpoint{SourceID: source}, nil
	}
	return cp, nil
}

// AdvanceCheckpoint moves the checkpoint forward; moving backward fails
// with crawl.ErrCheckpointRegression.
func (s *Store) AdvanceCheckpoint(_ context.Context, source crawl.SourceID, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.checkpoints[source]
	if ok && value < current.Value {
		return crawl.ErrCheckpointRegression
	}
	s.checkpoints[source] = crawl.Checkpoint{
		SourceID:  source,
		Value:     value,
		UpdatedAt: s.clock.Now(),
	}
	return nil
}

// ListRecords returns all committed records for a source.
func (s *Store) ListRecords(_ context.Context, source crawl.SourceID) ([]crawl.CleanRecord, error) {
	return s.Records(source), nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() {}

// Records returns a copy of the stored records for a source, for tests and
// inspection.
func (s *Store) Records(source crawl.SourceID) []crawl.CleanRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.CleanRecord, 0, len(s.records[source]))
	for _, rec := range s.records[source] {
		out = append(out, rec)
	}
	return out
}
