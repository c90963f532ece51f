package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore keeps workers and jobs in memory. It backs tests and single-node
// deployments; writes are durable for the lifetime of the process only.
type MemStore struct {
	mu       sync.RWMutex
	workers  map[string]*Worker
	jobs     map[string]*BuildJob
	jobOrder []string
	events   map[string][]WorkerEvent
}

func NewMemStore() *MemStore {
	return &MemStore{
		workers: make(map[string]*Worker),
		jobs:    make(map[string]*BuildJob),
		events:  make(map[string][]WorkerEvent),
	}
}

// AddWorker registers or replaces a worker record.
func (s *MemStore) AddWorker(w Worker) Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	if w.CleanStatus == "" {
		w.CleanStatus = CleanStatusDirty
	}
	copyW := w
	s.workers[w.Name] = &copyW
	return copyW
}

func (s *MemStore) GetWorker(ctx context.Context, name string) (Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[name]
	if !ok {
		return Worker{}, ErrNotFound
	}
	return *w, nil
}

func (s *MemStore) ListWorkers(ctx context.Context) ([]Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Worker, 0, len(s.workers))
	for _, w := range s.workers {
		result = append(result, *w)
	}
	return result, nil
}

func (s *MemStore) updateWorker(name string, fn func(w *Worker)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	if !ok {
		return ErrNotFound
	}
	fn(w)
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemStore) SetCleanStatus(ctx context.Context, name string, status CleanStatus) error {
	return s.updateWorker(name, func(w *Worker) { w.CleanStatus = status })
}

func (s *MemStore) FailWorker(ctx context.Context, name, notes string) error {
	err := s.updateWorker(name, func(w *Worker) {
		w.OK = false
		w.FailNotes = notes
	})
	if err == nil {
		s.AppendEvent(ctx, name, "FAILED", notes)
	}
	return err
}

func (s *MemStore) RecordWorkerFailure(ctx context.Context, name string) (int, error) {
	var count int
	err := s.updateWorker(name, func(w *Worker) {
		w.FailureCount++
		count = w.FailureCount
	})
	return count, err
}

func (s *MemStore) ResetWorkerFailures(ctx context.Context, name string) error {
	return s.updateWorker(name, func(w *Worker) { w.FailureCount = 0 })
}

func (s *MemStore) AppendEvent(ctx context.Context, name, state, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[name] = append(s.events[name], WorkerEvent{
		ID:         uuid.NewString(),
		WorkerName: name,
		State:      state,
		Message:    message,
		CreatedAt:  time.Now().UTC(),
	})
}

// Events returns the recorded lifecycle events for a worker.
func (s *MemStore) Events(ctx context.Context, name string) []WorkerEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]WorkerEvent(nil), s.events[name]...)
}

func (s *MemStore) GetJob(ctx context.Context, id string) (BuildJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return BuildJob{}, ErrNotFound
	}
	return *j, nil
}

func (s *MemStore) CreateJob(ctx context.Context, job BuildJob) (BuildJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobStatusNeedsBuild
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	copyJ := job
	s.jobs[job.ID] = &copyJ
	s.jobOrder = append(s.jobOrder, job.ID)
	return copyJ, nil
}

func (s *MemStore) NextCandidate(ctx context.Context, workerName string) (*BuildJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.jobOrder {
		j := s.jobs[id]
		if j.Status == JobStatusNeedsBuild && j.WorkerName == "" {
			copyJ := *j
			return &copyJ, nil
		}
	}
	return nil, nil
}

func (s *MemStore) updateJob(id string, fn func(j *BuildJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	fn(j)
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemStore) AssignJob(ctx context.Context, jobID, workerName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	w, ok := s.workers[workerName]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	j.WorkerName = workerName
	j.Status = JobStatusBuilding
	j.UpdatedAt = now
	w.CurrentJobID = jobID
	w.UpdatedAt = now
	return nil
}

func (s *MemStore) detachJob(jobID string) (*BuildJob, bool) {
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	if w, ok := s.workers[j.WorkerName]; ok && w.CurrentJobID == jobID {
		w.CurrentJobID = ""
		w.UpdatedAt = time.Now().UTC()
	}
	j.WorkerName = ""
	return j, true
}

func (s *MemStore) ResetJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.detachJob(jobID)
	if !ok {
		return ErrNotFound
	}
	j.Status = JobStatusNeedsBuild
	j.LogTail = ""
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemStore) ReleaseJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.detachJob(jobID); !ok {
		return ErrNotFound
	}
	return nil
}

func (s *MemStore) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus) error {
	return s.updateJob(jobID, func(j *BuildJob) { j.Status = status })
}

func (s *MemStore) CollectStatus(ctx context.Context, jobID, logTail string) error {
	return s.updateJob(jobID, func(j *BuildJob) { j.LogTail = logTail })
}

func (s *MemStore) RecordJobFailure(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.updateJob(jobID, func(j *BuildJob) {
		j.FailureCount++
		count = j.FailureCount
	})
	return count, err
}

var _ Store = (*MemStore)(nil)
