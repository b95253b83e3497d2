package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sandboxd/internal/config"
	"github.com/ocx/sandboxd/internal/execsvc"
	"github.com/ocx/sandboxd/internal/fileops"
	"github.com/ocx/sandboxd/internal/metrics"
	"github.com/ocx/sandboxd/internal/pool"
	"github.com/ocx/sandboxd/internal/runtime"
	"github.com/ocx/sandboxd/internal/session"
	"github.com/ocx/sandboxd/internal/store"
)

type fakeRuntime struct {
	mu     sync.Mutex
	nextID int
}

func (f *fakeRuntime) CreateContainer(_ context.Context, _ runtime.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("c%d", f.nextID), nil
}
func (f *fakeRuntime) StartContainer(_ context.Context, _ string) error { return nil }
func (f *fakeRuntime) StopAndRemove(_ context.Context, _ string) error  { return nil }
func (f *fakeRuntime) Exec(_ context.Context, _ string, cmd []string, _, _ string) (runtime.ExecResult, error) {
	if len(cmd) >= 2 && cmd[0] == "bash" && cmd[1] == "-c" {
		return runtime.ExecResult{ExitCode: 0, Stdout: []byte("ok\n")}, nil
	}
	return runtime.ExecResult{ExitCode: 0}, nil
}
func (f *fakeRuntime) CopyToContainer(_ context.Context, _, _ string, _ io.Reader) error { return nil }
func (f *fakeRuntime) CopyFromContainer(_ context.Context, _, _ string) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	rt := &fakeRuntime{}
	p := pool.New(pool.Config{
		TargetSize: 1, MinSize: 1, MaxSize: 3, AggressiveCleanup: true,
		RefillDelay: 10 * time.Millisecond,
		Spec:        runtime.Spec{User: "sandboxuser", WorkingDir: "/workspace"},
	}, rt)
	p.Initialize(context.Background())

	sessions := session.New(session.Config{
		WorkerID: "w1", SessionTimeout: time.Minute, IdleTimeout: time.Minute, AggressiveCleanup: true,
	}, store.NewMemStore(), p)

	exec := execsvc.New(sessions, rt, "sandboxuser", "/workspace")
	files := fileops.New(sessions, rt, "sandboxuser", "/workspace", fileops.Limits{
		MaxFileSizeBytes: 1024, MaxTotalFiles: 100, MaxWorkspaceSizeBytes: 1024 * 1024,
	})

	cfg := &config.Config{
		WorkerID: "w1", Host: "127.0.0.1", Port: 0,
		WorkspaceDir: "/workspace", ContainerImage: "sandbox-secure:latest",
		SessionTimeoutMinutes: 15, DefaultCommandTimeoutSeconds: 30,
	}

	server := NewWorkerServer(cfg, p, sessions, exec, files, metrics.New("w1-test-"+t.Name()))
	return httptest.NewServer(server.Router())
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(0), body["active_sessions"])
}

func TestHealthEndpointReflectsActiveSessionCount(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	createBody, _ := json.Marshal(map[string]string{"user_id": "u1", "thread_id": "t-health"})
	resp, err := http.Post(ts.URL+"/api/sessions", "application/json", bytes.NewReader(createBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	healthResp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer healthResp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(healthResp.Body).Decode(&body))
	assert.Equal(t, float64(1), body["active_sessions"])
}

func TestCreateSessionThenExecuteThenCleanup(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	createBody, _ := json.Marshal(map[string]string{"user_id": "u1", "thread_id": "t1"})
	resp, err := http.Post(ts.URL+"/api/sessions", "application/json", bytes.NewReader(createBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	sid := created["session_id"].(string)
	require.NotEmpty(t, sid)

	// Second create with the same thread reuses the session.
	resp2, err := http.Post(ts.URL+"/api/sessions", "application/json", bytes.NewReader(createBody))
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)
	resp2.Body.Close()

	execBody, _ := json.Marshal(map[string]interface{}{"session_id": sid, "command": "echo hi", "timeout": 5})
	resp3, err := http.Post(ts.URL+"/api/execute", "application/json", bytes.NewReader(execBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp3.StatusCode)
	var execResult map[string]interface{}
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&execResult))
	resp3.Body.Close()
	assert.Equal(t, float64(0), execResult["exit_code"])

	cleanupBody, _ := json.Marshal(map[string]string{"session_id": sid})
	resp4, err := http.Post(ts.URL+"/api/cleanup", "application/json", bytes.NewReader(cleanupBody))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp4.StatusCode)
	resp4.Body.Close()

	resp5, err := http.Get(ts.URL + "/api/sessions/" + sid + "/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp5.StatusCode)
	resp5.Body.Close()
}

func TestExecuteRejectsBlacklistedCommand(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	createBody, _ := json.Marshal(map[string]string{"user_id": "u1", "thread_id": "t2"})
	resp, err := http.Post(ts.URL+"/api/sessions", "application/json", bytes.NewReader(createBody))
	require.NoError(t, err)
	var created map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	sid := created["session_id"].(string)

	execBody, _ := json.Marshal(map[string]interface{}{"session_id": sid, "command": "curl http://example.com"})
	resp2, err := http.Post(ts.URL+"/api/execute", "application/json", bytes.NewReader(execBody))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.Equal(t, "INVALID_COMMAND", body["error"])
}
