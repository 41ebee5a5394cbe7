package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrec-io/go-recupload/chunkuploader"
	"github.com/medrec-io/go-recupload/kvstore"
	"github.com/medrec-io/go-recupload/recording"
	"github.com/medrec-io/go-recupload/session"
	"github.com/medrec-io/go-recupload/session/sessiontest"
)

func setupEnv(t *testing.T) (*sessiontest.Service, string) {
	t.Helper()

	service := sessiontest.New(t)
	stateDir := filepath.Join(t.TempDir(), "state")
	t.Setenv(recording.APIURLEnvKey, service.URL())
	t.Setenv(recording.AccessTokenEnvKey, service.Token)
	t.Setenv(recording.StateDirEnvKey, stateDir)
	t.Setenv(recording.ChunkSizeEnvKey, "4")
	t.Setenv(recording.RetryDelayEnvKey, "1ms")
	return service, stateDir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := rootCmd(log.NewLogger(), env.NewRepository())
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestUploadCommand(t *testing.T) {
	service, _ := setupEnv(t)
	path := filepath.Join(t.TempDir(), "encounter.m4a")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0600))
	metricsFile := filepath.Join(t.TempDir(), "recupload.prom")

	out, err := execute(t, "upload", path, "--encounter", "enc-9", "--patient", "pat-9", "--metrics-file", metricsFile)

	require.NoError(t, err)
	ids := service.SessionIDs()
	require.Len(t, ids, 1)
	assert.Equal(t, "rec-"+ids[0], strings.TrimSpace(out))

	remote, _ := service.Session(ids[0])
	assert.True(t, remote.Completed)
	assert.Equal(t, 3, remote.ExpectedChunks)
	assert.Equal(t, "enc-9", remote.Header.Get("X-Encounter-ID"))
	assert.Equal(t, "1", remote.Header.Get("X-Sequence-Number"))

	metrics, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `recupload_chunk_attempts_total{outcome="success"} 3`)

	out, err = execute(t, "status", ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[0]+": completed (3/3 chunks received)\n", out)

	out, err = execute(t, "snapshots")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestUploadCommand_EmptyRecording(t *testing.T) {
	service, _ := setupEnv(t)
	path := filepath.Join(t.TempDir(), "empty.m4a")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	_, err := execute(t, "upload", path)

	assert.ErrorIs(t, err, recording.ErrEmptyRecording)
	assert.Empty(t, service.SessionIDs())
}

func TestCancelCommand(t *testing.T) {
	service, stateDir := setupEnv(t)
	ctx := context.Background()
	logger := log.NewLogger()

	store, err := kvstore.NewFileStore(stateDir, logger)
	require.NoError(t, err)
	coordinator, err := session.NewCoordinator(session.Params{
		APIBaseURL:  service.URL(),
		AccessToken: service.Token,
	}, store, logger)
	require.NoError(t, err)
	chunks, err := chunkuploader.PlanChunks(10, 4)
	require.NoError(t, err)
	state, err := coordinator.CreateSession(ctx, session.Context{FilePath: "/tmp/a.m4a", PatientID: "pat-1"}, 10, chunks)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out, err := execute(t, "snapshots")
	require.NoError(t, err)
	assert.Contains(t, out, state.SessionID+"\t/tmp/a.m4a\t0/3 chunks")

	out, err = execute(t, "cancel", state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, state.SessionID+": cancel requested\n", out)

	remote, _ := service.Session(state.SessionID)
	assert.True(t, remote.Cancelled)

	out, err = execute(t, "snapshots")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMissingConfiguration(t *testing.T) {
	t.Setenv(recording.APIURLEnvKey, "")

	_, err := execute(t, "snapshots")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "the secret 'RECUPLOAD_API_URL' is not defined")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")

	require.NoError(t, err)
	assert.Equal(t, "recupload version 0.1.0\n", out)
}
