package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/vyvo/buildfarm/pkg/store"
)

// Behaviour is the per-build-kind strategy: it supplies the dispatch payload
// and interprets a finished build's outcome. Failures propagate unchanged
// through the dispatch core.
type Behaviour interface {
	Kind() store.BuildKind
	// VerifyBuildRequest rejects a candidate before anything is mutated; on
	// error the candidate stays untouched in the store.
	VerifyBuildRequest(job store.BuildJob, v Vitals) error
	// DispatchBuildToWorker sends the build to the worker.
	DispatchBuildToWorker(ctx context.Context, job store.BuildJob, v Vitals, client WorkerAPI) error
	// HandleStatus processes a terminal outcome: downloads result files,
	// records success or failure, and releases the job.
	HandleStatus(ctx context.Context, job store.BuildJob, outcome string, status WorkerStatus, client WorkerAPI) error
}

// BehaviourRegistry maps build kinds to their behaviour implementations. The
// set of kinds is closed at startup; the orchestrator selects by tag.
type BehaviourRegistry struct {
	mu      sync.RWMutex
	entries map[store.BuildKind]Behaviour
}

func NewBehaviourRegistry() *BehaviourRegistry {
	return &BehaviourRegistry{entries: map[store.BuildKind]Behaviour{}}
}

// Register stores or replaces the behaviour for its kind.
func (r *BehaviourRegistry) Register(b Behaviour) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[b.Kind()] = b
}

// For retrieves the behaviour for a kind and whether one is registered.
func (r *BehaviourRegistry) For(kind store.BuildKind) (Behaviour, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.entries[kind]
	return b, ok
}

// BinaryPackageBehaviour builds binary packages from source in a chroot on
// the worker.
type BinaryPackageBehaviour struct {
	store     store.Store
	uploadDir string
	logger    *slog.Logger
}

func NewBinaryPackageBehaviour(st store.Store, uploadDir string, logger *slog.Logger) *BinaryPackageBehaviour {
	return &BinaryPackageBehaviour{store: st, uploadDir: uploadDir, logger: logger}
}

func (b *BinaryPackageBehaviour) Kind() store.BuildKind { return store.KindBinaryPackage }

func (b *BinaryPackageBehaviour) VerifyBuildRequest(job store.BuildJob, v Vitals) error {
	if job.ChrootDigest == "" {
		return fmt.Errorf("build %s has no chroot", job.ID)
	}
	if !v.Virtualized {
		for _, arg := range []string{"archive_purpose"} {
			if job.Args[arg] == "PPA" {
				return fmt.Errorf("build %s: PPA builds may only run on virtualized workers", job.ID)
			}
		}
	}
	return nil
}

func (b *BinaryPackageBehaviour) DispatchBuildToWorker(ctx context.Context, job store.BuildJob, v Vitals, client WorkerAPI) error {
	if err := client.SendFile(ctx, job.ChrootDigest, job.ChrootURL, "", ""); err != nil {
		return err
	}
	filemap := make(map[string]string, len(job.Files))
	for _, f := range job.Files {
		if err := client.SendFile(ctx, f.Digest, f.URL, "", ""); err != nil {
			return err
		}
		filemap[f.Name] = f.Digest
	}
	b.logger.Info("initiating build", "build", job.ID, "worker", v.Name)
	return client.Build(ctx, job.ID, string(store.KindBinaryPackage), job.ChrootDigest, filemap, job.Args)
}

func (b *BinaryPackageBehaviour) HandleStatus(ctx context.Context, job store.BuildJob, outcome string, status WorkerStatus, client WorkerAPI) error {
	b.logger.Info("build finished", "build", job.ID, "outcome", outcome)
	switch outcome {
	case "OK":
		if err := b.collectResults(ctx, job, status, client); err != nil {
			return err
		}
		if err := b.store.UpdateJobStatus(ctx, job.ID, store.JobStatusUploading); err != nil {
			return err
		}
	case "PACKAGEFAIL":
		if err := b.store.UpdateJobStatus(ctx, job.ID, store.JobStatusFailed); err != nil {
			return err
		}
	case "DEPFAIL":
		if err := b.store.UpdateJobStatus(ctx, job.ID, store.JobStatusDepWait); err != nil {
			return err
		}
	case "CHROOTFAIL":
		if err := b.store.UpdateJobStatus(ctx, job.ID, store.JobStatusChrootWait); err != nil {
			return err
		}
	case "BUILDERFAIL":
		// The worker, not the job, is at fault. Requeue the build and take
		// the worker out of rotation.
		if err := b.store.FailWorker(ctx, job.WorkerName, "Builder returned BUILDERFAIL when asked for its status"); err != nil {
			return err
		}
		return b.store.ResetJob(ctx, job.ID)
	case "GIVENBACK", "ABORTED":
		return b.store.ResetJob(ctx, job.ID)
	default:
		return &ProtocolError{Worker: job.WorkerName, Status: status.BuildStatus}
	}
	return b.store.ReleaseJob(ctx, job.ID)
}

func (b *BinaryPackageBehaviour) collectResults(ctx context.Context, job store.BuildJob, status WorkerStatus, client WorkerAPI) error {
	resultDir := filepath.Join(b.uploadDir, job.ID)
	if err := os.MkdirAll(resultDir, 0o755); err != nil {
		return fmt.Errorf("create result dir: %w", err)
	}
	files := make([]FilePair, 0, len(status.Filemap))
	for name, digest := range status.Filemap {
		files = append(files, FilePair{
			Digest: digest,
			Path:   filepath.Join(resultDir, filepath.Base(name)),
		})
	}
	return client.GetFiles(ctx, files)
}
