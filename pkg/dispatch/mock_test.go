package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/vyvo/buildfarm/pkg/store"
)

// mockWorker records every remote call so tests can assert that the
// orchestrator contacted (or did not contact) the worker.
type mockWorker struct {
	mu    sync.Mutex
	calls []string

	status    WorkerStatus
	statusErr error
	echoErr   error
	abortErr  error
	cleanErr  error
	buildErr  error

	ensurePresent bool
	ensureInfo    string
	ensureErr     error
	getFilesErr   error
	resumeStdout  string
	resumeStderr  string
	resumeErr     error
}

func (m *mockWorker) record(format string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

func (m *mockWorker) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockWorker) Abort(ctx context.Context) error {
	m.record("abort")
	return m.abortErr
}

func (m *mockWorker) Clean(ctx context.Context) error {
	m.record("clean")
	return m.cleanErr
}

func (m *mockWorker) Echo(ctx context.Context, args ...string) ([]string, error) {
	m.record("echo %v", args)
	if m.echoErr != nil {
		return nil, m.echoErr
	}
	return args, nil
}

func (m *mockWorker) Info(ctx context.Context) (WorkerInfo, error) {
	m.record("info")
	return WorkerInfo{ProtocolVersion: "1.0", Methods: []string{"build"}}, nil
}

func (m *mockWorker) Status(ctx context.Context) (WorkerStatus, error) {
	m.record("status")
	return m.status, m.statusErr
}

func (m *mockWorker) EnsurePresent(ctx context.Context, digest, fileURL, username, password string) (bool, string, error) {
	m.record("ensurepresent %s", digest)
	return m.ensurePresent, m.ensureInfo, m.ensureErr
}

func (m *mockWorker) SendFile(ctx context.Context, digest, fileURL, username, password string) error {
	present, info, err := m.EnsurePresent(ctx, digest, fileURL, username, password)
	if err != nil {
		return err
	}
	if !present {
		return &CannotFetchFile{Digest: digest, URL: fileURL, Info: info}
	}
	return nil
}

func (m *mockWorker) Build(ctx context.Context, buildID, builderType, chrootDigest string, filemap map[string]string, args map[string]string) error {
	m.record("build %s %s", buildID, builderType)
	return m.buildErr
}

func (m *mockWorker) GetURL(digest string) string {
	return "http://fake:0000/filecache/" + digest
}

func (m *mockWorker) GetFile(ctx context.Context, digest, destination string) error {
	m.record("getfile %s", digest)
	return m.getFilesErr
}

func (m *mockWorker) GetFiles(ctx context.Context, files []FilePair) error {
	for _, pair := range files {
		m.record("getfile %s", pair.Digest)
	}
	return m.getFilesErr
}

func (m *mockWorker) Resume(ctx context.Context) (string, string, error) {
	m.record("resume")
	return m.resumeStdout, m.resumeStderr, m.resumeErr
}

var _ WorkerAPI = (*mockWorker)(nil)

// testBehaviour is a trivially configurable behaviour for orchestrator
// tests.
type testBehaviour struct {
	kind        store.BuildKind
	verifyErr   error
	dispatchErr error

	mu         sync.Mutex
	dispatched []string
	handled    []string
}

func (b *testBehaviour) Kind() store.BuildKind { return b.kind }

func (b *testBehaviour) VerifyBuildRequest(job store.BuildJob, v Vitals) error {
	return b.verifyErr
}

func (b *testBehaviour) DispatchBuildToWorker(ctx context.Context, job store.BuildJob, v Vitals, client WorkerAPI) error {
	b.mu.Lock()
	b.dispatched = append(b.dispatched, job.ID)
	b.mu.Unlock()
	return b.dispatchErr
}

func (b *testBehaviour) HandleStatus(ctx context.Context, job store.BuildJob, outcome string, status WorkerStatus, client WorkerAPI) error {
	b.mu.Lock()
	b.handled = append(b.handled, job.ID+":"+outcome)
	b.mu.Unlock()
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestRig(t *testing.T, w store.Worker) (*store.MemStore, *BehaviourRegistry, *testBehaviour, *Interactor) {
	t.Helper()
	st := store.NewMemStore()
	st.AddWorker(w)
	behaviour := &testBehaviour{kind: store.KindBinaryPackage}
	reg := NewBehaviourRegistry()
	reg.Register(behaviour)
	in := NewInteractor(st, reg, nil, testLogger())
	return st, reg, behaviour, in
}
