package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// CodeRestartInterrupted is assigned at startup to jobs that were queued or
// processing when the server stopped. Interrupted work is lost, not resumed.
const CodeRestartInterrupted = "RESTART_INTERRUPTED"

// ErrNotFound is returned when a job cannot be found by ID.
var ErrNotFound = errors.New("job not found")

// DocumentStore is the persistence port for job documents. The storage
// package implements it on the jobs directory.
type DocumentStore interface {
	WriteJob(jobID string, data []byte) error
	DeleteJob(jobID string) error
	LoadJobs() (map[string][]byte, error)
}

// Store maintains the in-memory job map with write-through to per-job JSON
// documents. A single mutex guards the map; every mutation is persisted
// before it becomes visible to other callers.
type Store struct {
	mu     sync.Mutex
	docs   DocumentStore
	jobs   map[string]*Record
	logger *slog.Logger
}

// NewStore creates a Store backed by the given document store.
func NewStore(docs DocumentStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		docs:   docs,
		jobs:   make(map[string]*Record),
		logger: logger,
	}
}

// Recover loads every job document from disk. Jobs that were queued or
// processing when the process died are rewritten as failed with
// CodeRestartInterrupted; they are never re-enqueued.
func (s *Store) Recover() error {
	raw, err := s.docs.LoadJobs()
	if err != nil {
		return fmt.Errorf("load job documents: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for jobID, data := range raw {
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			s.logger.Warn("skipping malformed job document",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if record.Status == StatusQueued || record.Status == StatusProcessing {
			record.Fail(CodeRestartInterrupted, "job was interrupted by server restart", Now())
			if err := s.writeLocked(&record); err != nil {
				s.logger.Warn("failed to rewrite interrupted job",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
			s.logger.Info("marked interrupted job as failed",
				slog.String("job_id", jobID),
			)
		}

		s.jobs[record.JobID] = &record
	}

	return nil
}

// Upsert persists the record and installs it in the map.
func (s *Store) Upsert(record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeLocked(record); err != nil {
		return err
	}
	s.jobs[record.JobID] = record.Clone()
	return nil
}

// Get returns a snapshot of the job, if present.
func (s *Store) Get(jobID string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	return record.Clone(), true
}

// List returns snapshots of all jobs.
func (s *Store) List() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]*Record, 0, len(s.jobs))
	for _, record := range s.jobs {
		records = append(records, record.Clone())
	}
	return records
}

// Mutate applies fn to the job under the lock. When fn reports a change the
// record is persisted before the lock is released. The returned record is a
// snapshot of the post-mutation state.
func (s *Store) Mutate(jobID string, fn func(*Record) bool) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}

	if fn(record) {
		if err := s.writeLocked(record); err != nil {
			return nil, err
		}
	}
	return record.Clone(), nil
}

// Delete removes the job from the map and deletes its document.
func (s *Store) Delete(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, jobID)
	return s.docs.DeleteJob(jobID)
}

func (s *Store) writeLocked(record *Record) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", record.JobID, err)
	}
	return s.docs.WriteJob(record.JobID, data)
}
