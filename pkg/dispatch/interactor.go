package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vyvo/buildfarm/pkg/store"
)

const buildStatusPrefix = "BuildStatus."

// LogTailSink receives the latest log tail for a building job, for live
// watchers. Implementations must not block the scan path for long.
type LogTailSink interface {
	PublishTail(ctx context.Context, jobID, tail string) error
}

// Interactor drives one worker through its clean/dispatch/poll/finish cycle.
// It holds no per-worker state; every step starts from a fresh Vitals
// snapshot and writes only through the store.
type Interactor struct {
	store      store.Store
	behaviours *BehaviourRegistry
	tails      LogTailSink
	logger     *slog.Logger
}

// NewInteractor wires the orchestrator. tails may be nil when no live log
// tail fanout is configured.
func NewInteractor(st store.Store, behaviours *BehaviourRegistry, tails LogTailSink, logger *slog.Logger) *Interactor {
	return &Interactor{store: st, behaviours: behaviours, tails: tails, logger: logger}
}

// ResumeHost resumes the worker's VM host to a known good condition. Fails
// fast with CannotResumeHost if the worker is not virtualized or has no VM
// host configured.
func (in *Interactor) ResumeHost(ctx context.Context, v Vitals, client WorkerAPI) (string, string, error) {
	if !v.Virtualized {
		return "", "", &CannotResumeHost{Worker: v.Name, Reason: "worker is not virtualized"}
	}
	if v.VMHost == "" {
		return "", "", &CannotResumeHost{Worker: v.Name, Reason: "undefined vm_host"}
	}

	in.logger.Info("resuming worker", "worker", v.Name, "url", v.URL)
	stdout, stderr, err := client.Resume(ctx)
	if err != nil {
		return "", "", &CannotResumeHost{
			Worker: v.Name,
			Reason: "resume command failed",
			Stdout: stdout,
			Stderr: stderr,
		}
	}
	return stdout, stderr, nil
}

// CleanWorker prepares a worker for a new build. It returns true when the
// worker is now clean, or false when cleaning is still in progress and the
// call must be repeated on a later tick.
func (in *Interactor) CleanWorker(ctx context.Context, v Vitals, client WorkerAPI) (bool, error) {
	if v.Virtualized {
		switch v.ResetProtocol {
		case store.ResetProtocolSync:
			// The reset trigger is synchronous: once the resume command
			// returns the worker should be running.
			if err := in.store.SetCleanStatus(ctx, v.Name, store.CleanStatusCleaning); err != nil {
				return false, err
			}
			if _, _, err := in.ResumeHost(ctx, v, client); err != nil {
				return false, err
			}
			// Ping the resumed worker before doing anything useful with it.
			// The first packet after a reset randomly gets dropped, so one
			// confirmation round-trip is mandatory.
			if _, err := client.Echo(ctx, "ping"); err != nil {
				return false, err
			}
			return true, nil
		case store.ResetProtocolAsync:
			// The reset trigger is asynchronous. We leave the worker in
			// CLEANING; external management flips it back to CLEAN through
			// the API once the reset completes.
			if v.CleanStatus == store.CleanStatusDirty {
				if _, _, err := in.ResumeHost(ctx, v, client); err != nil {
					return false, err
				}
				if err := in.store.SetCleanStatus(ctx, v.Name, store.CleanStatusCleaning); err != nil {
					return false, err
				}
				in.logger.Info("worker is being cleaned", "worker", v.Name)
			}
			return false, nil
		default:
			return false, &CannotResumeHost{
				Worker: v.Name,
				Reason: fmt.Sprintf("invalid reset protocol: %q", v.ResetProtocol),
			}
		}
	}

	status, err := client.Status(ctx)
	if err != nil {
		return false, err
	}
	switch status.BuilderStatus {
	case "BuilderStatus.IDLE":
		// This is as clean as we can get it.
		return true, nil
	case "BuilderStatus.BUILDING":
		// Asynchronously abort and wait until WAITING.
		if err := client.Abort(ctx); err != nil {
			return false, err
		}
		return false, nil
	case "BuilderStatus.ABORTING":
		// Wait it out until WAITING.
		return false, nil
	case "BuilderStatus.WAITING":
		// A synchronous clean call and we'll be idle.
		if err := client.Clean(ctx); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, &ProtocolError{Worker: v.Name, Status: status.BuilderStatus}
	}
}

// FindAndStartJob selects a candidate build for the worker and dispatches
// it. Returns the job started, or nil when nothing is queued.
func (in *Interactor) FindAndStartJob(ctx context.Context, v Vitals, client WorkerAPI) (*store.BuildJob, error) {
	candidate, err := in.store.NextCandidate(ctx, v.Name)
	if err != nil {
		return nil, err
	}
	if candidate == nil {
		in.logger.Debug("no build candidates available", "worker", v.Name)
		return nil, nil
	}

	behaviour, ok := in.behaviours.For(candidate.Kind)
	if !ok {
		return nil, &BehaviourMismatchError{Got: "nothing", Want: string(candidate.Kind)}
	}
	if behaviour.Kind() != candidate.Kind {
		return nil, &BehaviourMismatchError{
			Got:  string(behaviour.Kind()),
			Want: string(candidate.Kind),
		}
	}
	if err := in.startBuild(ctx, *candidate, v, client, behaviour); err != nil {
		return nil, err
	}
	return candidate, nil
}

// startBuild dispatches one verified candidate. The commit that marks the
// worker DIRTY completes before the remote dispatch call: a crash between
// the two leaves the worker recorded DIRTY rather than silently reusable
// while a build runs on it.
func (in *Interactor) startBuild(ctx context.Context, job store.BuildJob, v Vitals, client WorkerAPI, behaviour Behaviour) error {
	if err := behaviour.VerifyBuildRequest(job, v); err != nil {
		return err
	}

	if !v.OK {
		return &IsolationError{
			Worker: v.Name,
			Reason: "attempted to start a build on a known-bad worker",
		}
	}
	if v.CleanStatus != store.CleanStatusClean {
		return &IsolationError{
			Worker: v.Name,
			Reason: "attempted to start a build on a dirty worker",
		}
	}

	if err := in.store.AssignJob(ctx, job.ID, v.Name); err != nil {
		return err
	}
	if err := in.store.SetCleanStatus(ctx, v.Name, store.CleanStatusDirty); err != nil {
		return err
	}

	return behaviour.DispatchBuildToWorker(ctx, job, v, client)
}

// ExtractBuildStatus strips the namespace prefix from a reported build
// status, e.g. "BuildStatus.OK" -> "OK".
func ExtractBuildStatus(status WorkerStatus) (string, error) {
	if !strings.HasPrefix(status.BuildStatus, buildStatusPrefix) {
		return "", &MalformedStatusError{Raw: status.BuildStatus}
	}
	return strings.TrimPrefix(status.BuildStatus, buildStatusPrefix), nil
}

// UpdateBuild processes a freshly polled status for a worker the store says
// has an assigned job: bookkeeping while the build runs, behaviour handoff
// once the worker is WAITING with a result.
func (in *Interactor) UpdateBuild(ctx context.Context, v Vitals, status WorkerStatus, client WorkerAPI) error {
	// IDLE is deliberately not handled: this is only called when the store
	// says the worker has a job, and an idle worker contradicting that is a
	// lost-job situation handled by the scan loop.
	switch status.BuilderStatus {
	case "BuilderStatus.BUILDING", "BuilderStatus.ABORTING":
		if err := in.store.CollectStatus(ctx, v.BuildJobID, status.LogTail); err != nil {
			return err
		}
		if in.tails != nil {
			if err := in.tails.PublishTail(ctx, v.BuildJobID, status.LogTail); err != nil {
				in.logger.Error("publish log tail", "job", v.BuildJobID, "error", err)
			}
		}
		return nil
	case "BuilderStatus.WAITING":
		outcome, err := ExtractBuildStatus(status)
		if err != nil {
			return err
		}
		job, err := in.store.GetJob(ctx, v.BuildJobID)
		if err != nil {
			return err
		}
		behaviour, ok := in.behaviours.For(job.Kind)
		if !ok {
			return &BehaviourMismatchError{Got: "nothing", Want: string(job.Kind)}
		}
		return behaviour.HandleStatus(ctx, job, outcome, status, client)
	default:
		return &ProtocolError{Worker: v.Name, Status: status.BuilderStatus}
	}
}
