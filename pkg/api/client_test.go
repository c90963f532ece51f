package api

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/buildfarm/pkg/store"
)

func newClientRig(t *testing.T) (*store.MemStore, *Client) {
	t.Helper()
	st := store.NewMemStore()
	logger := slog.New(slog.NewTextHandler(nopWriter{}, nil))
	srv := httptest.NewServer(NewServer(st, st, nil, testKey, logger).Router())
	t.Cleanup(srv.Close)
	return st, NewClient(srv.URL, testKey)
}

func TestClientWorkerRoundTrip(t *testing.T) {
	st, client := newClientRig(t)
	st.AddWorker(store.Worker{Name: "bob", URL: "http://bob:8221", OK: true})

	workers, err := client.ListWorkers(context.Background())
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "bob", workers[0].Name)

	worker, err := client.GetWorker(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "http://bob:8221", worker.URL)

	_, err = client.GetWorker(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrAPINotFound)
}

func TestClientConfirmClean(t *testing.T) {
	st, client := newClientRig(t)
	st.AddWorker(store.Worker{
		Name:          "vm17",
		Virtualized:   true,
		ResetProtocol: store.ResetProtocolAsync,
		CleanStatus:   store.CleanStatusCleaning,
		OK:            true,
	})

	require.NoError(t, client.ConfirmClean(context.Background(), "vm17"))

	got, err := st.GetWorker(context.Background(), "vm17")
	require.NoError(t, err)
	assert.Equal(t, store.CleanStatusClean, got.CleanStatus)

	assert.ErrorIs(t, client.ConfirmClean(context.Background(), "nobody"), ErrAPINotFound)
	assert.Error(t, client.ConfirmClean(context.Background(), "vm17"),
		"confirming an already-clean worker is a conflict")
}

func TestClientJobAndLogTail(t *testing.T) {
	st, client := newClientRig(t)
	job, err := st.CreateJob(context.Background(), store.BuildJob{Kind: store.KindBinaryPackage})
	require.NoError(t, err)
	require.NoError(t, st.CollectStatus(context.Background(), job.ID, "checking build dependencies"))

	got, err := client.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	tail, err := client.LogTail(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "checking build dependencies", tail)
}
