// Package scanner drives the dispatch core: one scan loop per worker, each
// an independent goroutine, plus a manager that picks up newly registered
// workers. A failed scan is accounted against the worker and its job; the
// next tick is the retry mechanism.
package scanner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vyvo/buildfarm/pkg/dispatch"
	"github.com/vyvo/buildfarm/pkg/store"
)

// FailureThreshold is how many consecutive scan failures a worker survives
// before it is taken out of rotation. Workers are treated more leniently
// than jobs: they get unresponsive through human error and flaky networks
// and tend to recover, whereas a failing job rarely does.
const FailureThreshold = 5

// ClientFactory builds a worker client for a snapshot, letting the caller
// pick timeouts per worker class and letting tests substitute mocks.
type ClientFactory func(v dispatch.Vitals) dispatch.WorkerAPI

// Scanner polls and dispatches to a single worker.
type Scanner struct {
	workerName string
	store      store.Store
	interactor *dispatch.Interactor
	newClient  ClientFactory
	interval   time.Duration
	logger     *slog.Logger
}

func New(workerName string, st store.Store, in *dispatch.Interactor, newClient ClientFactory, interval time.Duration, logger *slog.Logger) *Scanner {
	return &Scanner{
		workerName: workerName,
		store:      st,
		interactor: in,
		newClient:  newClient,
		interval:   interval,
		logger:     logger,
	}
}

// Run scans the worker until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.singleCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scanner) singleCycle(ctx context.Context) {
	s.logger.Debug("scanning worker", "worker", s.workerName)
	if err := s.scan(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.scanFailed(ctx, err)
	}
}

// scan probes the worker and updates, collects, cleans, or dispatches as
// appropriate for its state.
func (s *Scanner) scan(ctx context.Context) error {
	w, err := s.store.GetWorker(ctx, s.workerName)
	if err != nil {
		return err
	}
	v := dispatch.VitalsOf(w)
	client := s.newClient(v)

	if !v.OK {
		// Workers can be pulled from the pool mid-build; requeue anything
		// we thought was running there so it is dispatched elsewhere.
		if v.BuildJobID != "" {
			s.logger.Info("worker unavailable, resetting attached job",
				"worker", v.Name, "job", v.BuildJobID)
			return s.store.ResetJob(ctx, v.BuildJobID)
		}
		return nil
	}

	cancelled, err := s.checkCancellation(ctx, v, client)
	if err != nil || cancelled {
		return err
	}

	if v.BuildJobID != "" {
		status, err := client.Status(ctx)
		if err != nil {
			return err
		}
		return s.interactor.UpdateBuild(ctx, v, status, client)
	}

	if v.Manual {
		s.logger.Debug("worker is in manual mode, not dispatching", "worker", v.Name)
		return nil
	}

	if v.CleanStatus != store.CleanStatusClean {
		clean, err := s.interactor.CleanWorker(ctx, v, client)
		if err != nil {
			return err
		}
		if !clean {
			return nil
		}
		if err := s.store.SetCleanStatus(ctx, v.Name, store.CleanStatusClean); err != nil {
			return err
		}
		// Dispatch from a fresh snapshot; the old one still says unclean.
		w, err = s.store.GetWorker(ctx, s.workerName)
		if err != nil {
			return err
		}
		v = dispatch.VitalsOf(w)
	}

	job, err := s.interactor.FindAndStartJob(ctx, v, client)
	if err != nil {
		return err
	}
	if job != nil {
		s.logger.Info("dispatched build", "worker", v.Name, "job", job.ID)
		// A successful dispatch clears the failure streak.
		return s.store.ResetWorkerFailures(ctx, v.Name)
	}
	return nil
}

// checkCancellation terminates a build whose job moved to CANCELLING, then
// resets the worker's VM so the abort takes effect immediately.
func (s *Scanner) checkCancellation(ctx context.Context, v dispatch.Vitals, client dispatch.WorkerAPI) (bool, error) {
	if !v.Virtualized || v.BuildJobID == "" {
		return false, nil
	}
	job, err := s.store.GetJob(ctx, v.BuildJobID)
	if err != nil {
		return false, err
	}
	if job.Status != store.JobStatusCancelling {
		return false, nil
	}

	s.logger.Info("cancelling build", "worker", v.Name, "job", job.ID)
	if err := s.store.UpdateJobStatus(ctx, job.ID, store.JobStatusCancelled); err != nil {
		return false, err
	}
	if err := s.store.ReleaseJob(ctx, job.ID); err != nil {
		return false, err
	}
	if _, _, err := s.interactor.ResumeHost(ctx, v, client); err != nil {
		return true, err
	}
	return true, nil
}

// scanFailed accounts a failed cycle against the worker and its job and
// decides which of the two needs to die.
func (s *Scanner) scanFailed(ctx context.Context, scanErr error) {
	s.logger.Info("scanning worker failed", "worker", s.workerName, "error", scanErr)

	workerFailures, err := s.store.RecordWorkerFailure(ctx, s.workerName)
	if err != nil {
		s.logger.Error("record worker failure", "worker", s.workerName, "error", err)
		return
	}
	w, err := s.store.GetWorker(ctx, s.workerName)
	if err != nil {
		s.logger.Error("examine failure counts", "worker", s.workerName, "error", err)
		return
	}

	jobID := w.CurrentJobID
	jobFailures := 0
	if jobID != "" {
		if jobFailures, err = s.store.RecordJobFailure(ctx, jobID); err != nil {
			s.logger.Error("record job failure", "job", jobID, "error", err)
			return
		}
	}

	switch {
	case jobID != "" && workerFailures == jobFailures:
		// Equal counts: we cannot tell whether the worker or the job is at
		// fault. Requeue the job and hope it lands on a different worker.
		if err := s.store.ResetJob(ctx, jobID); err != nil {
			s.logger.Error("reset job", "job", jobID, "error", err)
		}
	case workerFailures > jobFailures:
		if jobID != "" {
			if err := s.store.ResetJob(ctx, jobID); err != nil {
				s.logger.Error("reset job", "job", jobID, "error", err)
			}
		}
		if workerFailures >= FailureThreshold {
			s.logger.Info("failing worker", "worker", s.workerName, "failures", workerFailures)
			if err := s.store.FailWorker(ctx, s.workerName, scanErr.Error()); err != nil {
				s.logger.Error("fail worker", "worker", s.workerName, "error", err)
			}
		}
	default:
		// The job is the culprit. Mark it failed so it is never dispatched
		// again, and clear the worker's streak.
		if err := s.store.ResetWorkerFailures(ctx, s.workerName); err != nil {
			s.logger.Error("reset worker failures", "worker", s.workerName, "error", err)
		}
		if err := s.store.UpdateJobStatus(ctx, jobID, store.JobStatusFailed); err != nil {
			s.logger.Error("mark job failed", "job", jobID, "error", err)
		}
		if err := s.store.ReleaseJob(ctx, jobID); err != nil {
			s.logger.Error("release job", "job", jobID, "error", err)
		}
	}
}
