package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a worker or job does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the durable record of workers and build jobs.
//
// Every write is durable by the time the call returns; the dispatch core
// relies on that ordering to survive a crash between marking a worker DIRTY
// and sending the remote dispatch. Concurrent writers to the same row are
// serialized by the backing implementation.
type Store interface {
	// GetWorker returns a copy of the worker record.
	GetWorker(ctx context.Context, name string) (Worker, error)
	ListWorkers(ctx context.Context) ([]Worker, error)
	SetCleanStatus(ctx context.Context, name string, status CleanStatus) error
	// FailWorker marks the worker unhealthy with a diagnostic note.
	FailWorker(ctx context.Context, name, notes string) error
	// RecordWorkerFailure increments and returns the worker failure count.
	RecordWorkerFailure(ctx context.Context, name string) (int, error)
	ResetWorkerFailures(ctx context.Context, name string) error
	AppendEvent(ctx context.Context, name, state, message string)

	GetJob(ctx context.Context, id string) (BuildJob, error)
	CreateJob(ctx context.Context, job BuildJob) (BuildJob, error)
	// NextCandidate selects one dispatchable job for the worker, or nil if
	// none is queued. Selection order is the store's concern.
	NextCandidate(ctx context.Context, workerName string) (*BuildJob, error)
	// AssignJob binds a job to a worker and marks it BUILDING.
	AssignJob(ctx context.Context, jobID, workerName string) error
	// ResetJob returns a job to the queue so it can be dispatched elsewhere.
	ResetJob(ctx context.Context, jobID string) error
	// ReleaseJob detaches a finished job from its worker, keeping its status.
	ReleaseJob(ctx context.Context, jobID string) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus) error
	// CollectStatus records the latest log tail reported by the worker.
	CollectStatus(ctx context.Context, jobID, logTail string) error
	RecordJobFailure(ctx context.Context, jobID string) (int, error)
}
