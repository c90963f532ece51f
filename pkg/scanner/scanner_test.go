package scanner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/buildfarm/pkg/dispatch"
	"github.com/vyvo/buildfarm/pkg/store"
)

// stubWorker is a canned WorkerAPI for scan-loop tests.
type stubWorker struct {
	mu    sync.Mutex
	calls []string

	status    dispatch.WorkerStatus
	statusErr error
	echoErr   error
	resumeErr error
}

func (w *stubWorker) record(call string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, call)
}

func (w *stubWorker) callLog() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

func (w *stubWorker) Abort(ctx context.Context) error { w.record("abort"); return nil }
func (w *stubWorker) Clean(ctx context.Context) error { w.record("clean"); return nil }

func (w *stubWorker) Echo(ctx context.Context, args ...string) ([]string, error) {
	w.record("echo")
	return args, w.echoErr
}

func (w *stubWorker) Info(ctx context.Context) (dispatch.WorkerInfo, error) {
	w.record("info")
	return dispatch.WorkerInfo{ProtocolVersion: "1.0"}, nil
}

func (w *stubWorker) Status(ctx context.Context) (dispatch.WorkerStatus, error) {
	w.record("status")
	return w.status, w.statusErr
}

func (w *stubWorker) EnsurePresent(ctx context.Context, digest, fileURL, username, password string) (bool, string, error) {
	w.record("ensurepresent")
	return true, "", nil
}

func (w *stubWorker) SendFile(ctx context.Context, digest, fileURL, username, password string) error {
	w.record("sendfile")
	return nil
}

func (w *stubWorker) Build(ctx context.Context, buildID, builderType, chrootDigest string, filemap map[string]string, args map[string]string) error {
	w.record("build")
	return nil
}

func (w *stubWorker) GetURL(digest string) string { return "http://stub/filecache/" + digest }

func (w *stubWorker) GetFile(ctx context.Context, digest, destination string) error {
	w.record("getfile")
	return nil
}

func (w *stubWorker) GetFiles(ctx context.Context, files []dispatch.FilePair) error {
	w.record("getfiles")
	return nil
}

func (w *stubWorker) Resume(ctx context.Context) (string, string, error) {
	w.record("resume")
	return "", "", w.resumeErr
}

var _ dispatch.WorkerAPI = (*stubWorker)(nil)

// stubBehaviour accepts every candidate and records what it dispatched.
type stubBehaviour struct {
	mu         sync.Mutex
	dispatched []string
}

func (b *stubBehaviour) Kind() store.BuildKind { return store.KindBinaryPackage }

func (b *stubBehaviour) VerifyBuildRequest(job store.BuildJob, v dispatch.Vitals) error { return nil }

func (b *stubBehaviour) DispatchBuildToWorker(ctx context.Context, job store.BuildJob, v dispatch.Vitals, client dispatch.WorkerAPI) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatched = append(b.dispatched, job.ID)
	return nil
}

func (b *stubBehaviour) HandleStatus(ctx context.Context, job store.BuildJob, outcome string, status dispatch.WorkerStatus, client dispatch.WorkerAPI) error {
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newScannerRig(t *testing.T, w store.Worker, worker *stubWorker) (*store.MemStore, *stubBehaviour, *Scanner) {
	t.Helper()
	st := store.NewMemStore()
	st.AddWorker(w)
	behaviour := &stubBehaviour{}
	reg := dispatch.NewBehaviourRegistry()
	reg.Register(behaviour)
	in := dispatch.NewInteractor(st, reg, nil, quietLogger())
	factory := func(v dispatch.Vitals) dispatch.WorkerAPI { return worker }
	s := New(w.Name, st, in, factory, time.Minute, quietLogger())
	return st, behaviour, s
}

func TestScanResetsJobOfUnavailableWorker(t *testing.T) {
	worker := &stubWorker{}
	st, _, s := newScannerRig(t, store.Worker{
		Name: "bob", URL: "http://bob:8221", OK: false, CleanStatus: store.CleanStatusDirty,
	}, worker)
	job, err := st.CreateJob(context.Background(), store.BuildJob{Kind: store.KindBinaryPackage})
	require.NoError(t, err)
	require.NoError(t, st.AssignJob(context.Background(), job.ID, "bob"))

	require.NoError(t, s.scan(context.Background()))

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusNeedsBuild, got.Status)
	assert.Empty(t, got.WorkerName)
	assert.Empty(t, worker.callLog(), "an unavailable worker is never contacted")
}

func TestScanCleansThenDispatchesSameCycle(t *testing.T) {
	worker := &stubWorker{}
	st, behaviour, s := newScannerRig(t, store.Worker{
		Name:          "vm17",
		URL:           "http://vm17:8221",
		OK:            true,
		Virtualized:   true,
		VMHost:        "vmhost03",
		ResetProtocol: store.ResetProtocolSync,
		CleanStatus:   store.CleanStatusDirty,
		FailureCount:  2,
	}, worker)
	job, err := st.CreateJob(context.Background(), store.BuildJob{
		Kind:         store.KindBinaryPackage,
		ChrootDigest: "chroot",
	})
	require.NoError(t, err)

	require.NoError(t, s.scan(context.Background()))

	assert.Equal(t, []string{"resume", "echo"}, worker.callLog())
	assert.Equal(t, []string{job.ID}, behaviour.dispatched)

	got, err := st.GetWorker(context.Background(), "vm17")
	require.NoError(t, err)
	assert.Equal(t, store.CleanStatusDirty, got.CleanStatus,
		"a freshly dispatched worker is dirty again")
	assert.Equal(t, job.ID, got.CurrentJobID)
	assert.Zero(t, got.FailureCount, "a successful dispatch clears the streak")
}

func TestScanAsyncCleanDoesNotDispatch(t *testing.T) {
	worker := &stubWorker{}
	st, behaviour, s := newScannerRig(t, store.Worker{
		Name:          "vm17",
		URL:           "http://vm17:8221",
		OK:            true,
		Virtualized:   true,
		VMHost:        "vmhost03",
		ResetProtocol: store.ResetProtocolAsync,
		CleanStatus:   store.CleanStatusDirty,
	}, worker)
	_, err := st.CreateJob(context.Background(), store.BuildJob{
		Kind:         store.KindBinaryPackage,
		ChrootDigest: "chroot",
	})
	require.NoError(t, err)

	require.NoError(t, s.scan(context.Background()))

	assert.Equal(t, []string{"resume"}, worker.callLog())
	assert.Empty(t, behaviour.dispatched)

	got, err := st.GetWorker(context.Background(), "vm17")
	require.NoError(t, err)
	assert.Equal(t, store.CleanStatusCleaning, got.CleanStatus,
		"the worker waits for external confirmation before dispatch")
}

func TestScanCollectsRunningBuild(t *testing.T) {
	worker := &stubWorker{status: dispatch.WorkerStatus{
		BuilderStatus: "BuilderStatus.BUILDING",
		LogTail:       "compiling hello.c",
	}}
	st, _, s := newScannerRig(t, store.Worker{
		Name: "bob", URL: "http://bob:8221", OK: true, CleanStatus: store.CleanStatusDirty,
	}, worker)
	job, err := st.CreateJob(context.Background(), store.BuildJob{Kind: store.KindBinaryPackage})
	require.NoError(t, err)
	require.NoError(t, st.AssignJob(context.Background(), job.ID, "bob"))

	require.NoError(t, s.scan(context.Background()))

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "compiling hello.c", got.LogTail)
	assert.Equal(t, []string{"status"}, worker.callLog())
}

func TestScanSkipsManualWorker(t *testing.T) {
	worker := &stubWorker{}
	st, behaviour, s := newScannerRig(t, store.Worker{
		Name: "bob", URL: "http://bob:8221", OK: true, Manual: true,
		CleanStatus: store.CleanStatusClean,
	}, worker)
	_, err := st.CreateJob(context.Background(), store.BuildJob{
		Kind: store.KindBinaryPackage, ChrootDigest: "chroot",
	})
	require.NoError(t, err)

	require.NoError(t, s.scan(context.Background()))

	assert.Empty(t, behaviour.dispatched)
	assert.Empty(t, worker.callLog())
}

func TestScanCancelsBuildOnVirtualizedWorker(t *testing.T) {
	worker := &stubWorker{}
	st, _, s := newScannerRig(t, store.Worker{
		Name:          "vm17",
		URL:           "http://vm17:8221",
		OK:            true,
		Virtualized:   true,
		VMHost:        "vmhost03",
		ResetProtocol: store.ResetProtocolSync,
		CleanStatus:   store.CleanStatusDirty,
	}, worker)
	job, err := st.CreateJob(context.Background(), store.BuildJob{Kind: store.KindBinaryPackage})
	require.NoError(t, err)
	require.NoError(t, st.AssignJob(context.Background(), job.ID, "vm17"))
	require.NoError(t, st.UpdateJobStatus(context.Background(), job.ID, store.JobStatusCancelling))

	require.NoError(t, s.scan(context.Background()))

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusCancelled, got.Status)
	assert.Empty(t, got.WorkerName)
	assert.Equal(t, []string{"resume"}, worker.callLog())
}

func TestScanFailedRequeuesJobOnEqualCounts(t *testing.T) {
	worker := &stubWorker{}
	st, _, s := newScannerRig(t, store.Worker{
		Name: "bob", URL: "http://bob:8221", OK: true,
		CleanStatus: store.CleanStatusDirty, FailureCount: 2,
	}, worker)
	job, err := st.CreateJob(context.Background(), store.BuildJob{
		Kind: store.KindBinaryPackage, FailureCount: 2,
	})
	require.NoError(t, err)
	require.NoError(t, st.AssignJob(context.Background(), job.ID, "bob"))

	s.scanFailed(context.Background(), errors.New("connection refused"))

	gotJob, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusNeedsBuild, gotJob.Status)
	assert.Empty(t, gotJob.WorkerName)

	gotWorker, err := st.GetWorker(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, gotWorker.OK, "equal counts never condemn the worker")
}

func TestScanFailedFailsWorkerAtThreshold(t *testing.T) {
	worker := &stubWorker{}
	st, _, s := newScannerRig(t, store.Worker{
		Name: "bob", URL: "http://bob:8221", OK: true,
		CleanStatus: store.CleanStatusDirty, FailureCount: FailureThreshold - 1,
	}, worker)
	job, err := st.CreateJob(context.Background(), store.BuildJob{Kind: store.KindBinaryPackage})
	require.NoError(t, err)
	require.NoError(t, st.AssignJob(context.Background(), job.ID, "bob"))

	s.scanFailed(context.Background(), errors.New("connection refused"))

	gotWorker, err := st.GetWorker(context.Background(), "bob")
	require.NoError(t, err)
	assert.False(t, gotWorker.OK)
	assert.Equal(t, "connection refused", gotWorker.FailNotes)

	gotJob, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusNeedsBuild, gotJob.Status, "the job survives its worker")
}

func TestScanFailedBelowThresholdKeepsWorker(t *testing.T) {
	worker := &stubWorker{}
	st, _, s := newScannerRig(t, store.Worker{
		Name: "bob", URL: "http://bob:8221", OK: true,
		CleanStatus: store.CleanStatusDirty,
	}, worker)

	s.scanFailed(context.Background(), errors.New("timeout"))

	got, err := st.GetWorker(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, got.OK)
	assert.Equal(t, 1, got.FailureCount)
}

func TestScanFailedBlamesPersistentlyFailingJob(t *testing.T) {
	worker := &stubWorker{}
	st, _, s := newScannerRig(t, store.Worker{
		Name: "bob", URL: "http://bob:8221", OK: true,
		CleanStatus: store.CleanStatusDirty,
	}, worker)
	job, err := st.CreateJob(context.Background(), store.BuildJob{
		Kind: store.KindBinaryPackage, FailureCount: 3,
	})
	require.NoError(t, err)
	require.NoError(t, st.AssignJob(context.Background(), job.ID, "bob"))

	s.scanFailed(context.Background(), errors.New("build crashed the vm"))

	gotJob, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusFailed, gotJob.Status)
	assert.Empty(t, gotJob.WorkerName)

	gotWorker, err := st.GetWorker(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, gotWorker.OK)
	assert.Zero(t, gotWorker.FailureCount, "the worker's streak resets once the job is condemned")
}

func TestManagerStartsScannerPerWorker(t *testing.T) {
	st := store.NewMemStore()
	st.AddWorker(store.Worker{Name: "bob", URL: "http://bob:8221", OK: true, Manual: true, CleanStatus: store.CleanStatusClean})
	st.AddWorker(store.Worker{Name: "vm17", URL: "http://vm17:8221", OK: true, Manual: true, CleanStatus: store.CleanStatusClean})

	reg := dispatch.NewBehaviourRegistry()
	reg.Register(&stubBehaviour{})
	in := dispatch.NewInteractor(st, reg, nil, quietLogger())
	factory := func(v dispatch.Vitals) dispatch.WorkerAPI { return &stubWorker{} }
	m := NewManager(st, in, factory, time.Minute, 10*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.running) == 2
	}, time.Second, 5*time.Millisecond)

	st.AddWorker(store.Worker{Name: "vm18", URL: "http://vm18:8221", OK: true, Manual: true, CleanStatus: store.CleanStatusClean})
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, ok := m.running["vm18"]
		return ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
