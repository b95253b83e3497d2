package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sandboxd/internal/store"
)

func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }

func newFakeWorker(t *testing.T, sessionID string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]string{"session_id": sessionID, "status": "created"})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"session_id": sessionID, "status": "active"})
	})
	mux.HandleFunc("/api/execute", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"exit_code": 0, "stdout": "ok\n"})
	})
	mux.HandleFunc("/api/cleanup", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "cleaned_up"})
	})
	return httptest.NewServer(mux)
}

func TestSelectWorkerPicksAmongHealthy(t *testing.T) {
	w1 := newFakeWorker(t, "s1")
	defer w1.Close()
	w2 := newFakeWorker(t, "s2")
	defer w2.Close()

	c := New([]string{w1.URL, w2.URL}, store.NewMemStore(), time.Minute)
	worker, err := c.SelectWorker(context.Background())
	require.NoError(t, err)
	assert.Contains(t, []string{w1.URL, w2.URL}, worker)
}

func TestSelectWorkerReturnsNoWorkersWhenAllDown(t *testing.T) {
	c := New([]string{"http://127.0.0.1:1"}, store.NewMemStore(), time.Minute)
	_, err := c.SelectWorker(context.Background())
	require.Error(t, err)
}

func TestCreateSessionBindsAffinityThenExecuteForwards(t *testing.T) {
	w1 := newFakeWorker(t, "sess-1")
	defer w1.Close()

	c := New([]string{w1.URL}, store.NewMemStore(), time.Minute)
	srv := httptest.NewServer(NewServer(c).Router())
	defer srv.Close()

	createBody, _ := json.Marshal(map[string]string{"user_id": "u1", "thread_id": "t1"})
	resp, err := http.Post(srv.URL+"/api/sessions", "application/json", bytesReader(createBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.Equal(t, "sess-1", created["session_id"])

	worker, ok, err := c.WorkerForSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, w1.URL, worker)

	execBody, _ := json.Marshal(map[string]string{"session_id": "sess-1", "command": "echo hi"})
	resp2, err := http.Post(srv.URL+"/api/execute", "application/json", bytesReader(execBody))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	resp2.Body.Close()
}

func TestExecuteWithoutAffinityIsSessionNotFound(t *testing.T) {
	w1 := newFakeWorker(t, "sess-x")
	defer w1.Close()

	c := New([]string{w1.URL}, store.NewMemStore(), time.Minute)
	srv := httptest.NewServer(NewServer(c).Router())
	defer srv.Close()

	execBody, _ := json.Marshal(map[string]string{"session_id": "unknown", "command": "echo hi"})
	resp, err := http.Post(srv.URL+"/api/execute", "application/json", bytesReader(execBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCleanupForgetsAffinity(t *testing.T) {
	w1 := newFakeWorker(t, "sess-c")
	defer w1.Close()

	c := New([]string{w1.URL}, store.NewMemStore(), time.Minute)
	require.NoError(t, c.BindSessionToWorker(context.Background(), "sess-c", w1.URL))

	srv := httptest.NewServer(NewServer(c).Router())
	defer srv.Close()

	cleanupBody, _ := json.Marshal(map[string]string{"session_id": "sess-c"})
	resp, err := http.Post(srv.URL+"/api/cleanup", "application/json", bytesReader(cleanupBody))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	_, ok, err := c.WorkerForSession(context.Background(), "sess-c")
	require.NoError(t, err)
	assert.False(t, ok)
}
