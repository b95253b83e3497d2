package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/sandboxd/internal/circuitbreaker"
	"github.com/ocx/sandboxd/internal/sberrors"
)

// Server exposes the same client-facing routes a worker does, but resolves
// the owning worker per request and forwards there instead of handling
// locally. Grounded in original_source/sandbox/coordinator.py's Flask routes.
type Server struct {
	coord *Coordinator
}

// NewServer builds the coordinator's HTTP server.
func NewServer(c *Coordinator) *Server {
	return &Server{coord: c}
}

// Router builds the mux.Router for the coordinator tier.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions", s.handleGetSessionByThread).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{session_id}/status", s.handleSessionStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/execute", s.handleBySessionBody).Methods(http.MethodPost)
	r.HandleFunc("/api/files/upload", s.handleUploadForward).Methods(http.MethodPost)
	r.HandleFunc("/api/files/download", s.handleBySessionBody).Methods(http.MethodPost)
	r.HandleFunc("/api/files", s.handleByQuerySession).Methods(http.MethodGet)
	r.HandleFunc("/api/cleanup", s.handleCleanup).Methods(http.MethodPost)
	return r
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	if se, ok := sberrors.As(err); ok {
		writeJSON(w, se.HTTPStatus(), map[string]string{"error": string(se.Kind), "message": se.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "EXECUTION_ERROR", "message": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.coord.HealthyWorkers(r.Context())
	status, breakerStatus := s.coord.breakers.HealthStatus()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"healthy_workers": healthy,
		"worker_count":    len(s.coord.workers),
		"breakers":        breakerStatus,
		"breaker_summary": status,
	})
}

// handleCreateSession picks a healthy worker, forwards the create request,
// and on success records the session->worker and thread->session affinity,
// mirroring coordinator.py's /create_session.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	var req struct {
		ThreadID string `json:"thread_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	worker, err := s.coord.SelectWorker(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	resp, status, err := s.forward(r.Context(), worker, http.MethodPost, "/api/sessions", body, 10*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	if status == http.StatusCreated {
		var created struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(resp, &created); err == nil && created.SessionID != "" {
			if err := s.coord.BindSessionToWorker(r.Context(), created.SessionID, worker); err != nil {
				slog.Warn("coordinator: bind session to worker failed", "error", err)
			}
			if err := s.coord.CacheThreadSession(r.Context(), req.ThreadID, created.SessionID); err != nil {
				slog.Warn("coordinator: cache thread session failed", "error", err)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(resp)
}

// handleGetSessionByThread mirrors coordinator.py's /get_session: KV-cache
// first, then fan out sequentially to every healthy worker, caching the
// first hit.
func (s *Server) handleGetSessionByThread(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_REQUEST", "message": "thread_id query param is required"})
		return
	}

	if sid, found, err := s.coord.CachedSessionForThread(r.Context(), threadID); err == nil && found {
		if worker, ok, err := s.coord.WorkerForSession(r.Context(), sid); err == nil && ok {
			resp, status, err := s.forward(r.Context(), worker, http.MethodGet, "/api/sessions?thread_id="+threadID, nil, 5*time.Second)
			if err == nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_, _ = w.Write(resp)
				return
			}
		}
	}

	for _, worker := range s.coord.HealthyWorkers(r.Context()) {
		resp, status, err := s.forward(r.Context(), worker, http.MethodGet, "/api/sessions?thread_id="+threadID, nil, 5*time.Second)
		if err != nil || status != http.StatusOK {
			continue
		}
		var found struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(resp, &found); err == nil && found.SessionID != "" {
			_ = s.coord.BindSessionToWorker(r.Context(), found.SessionID, worker)
			_ = s.coord.CacheThreadSession(r.Context(), threadID, found.SessionID)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(resp)
		return
	}

	writeJSON(w, http.StatusNotFound, map[string]string{"error": "NOT_FOUND", "message": "no session for thread_id"})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["session_id"]
	s.forwardBySession(w, r, sid, http.MethodGet, "/api/sessions/"+sid+"/status", nil, 5*time.Second)
}

// handleBySessionBody covers /api/execute and /api/files/download, both of
// which carry session_id in the JSON body.
func (s *Server) handleBySessionBody(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	s.forwardBySession(w, r, req.SessionID, http.MethodPost, r.URL.Path, body, 60*time.Second)
}

// handleUploadForward must extract session_id from a multipart body without
// consuming it, since the full original bytes still need to reach the
// worker; it buffers the request once and parses a throwaway copy.
func (s *Server) handleUploadForward(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	probe := &http.Request{Method: r.Method, Header: r.Header, Body: io.NopCloser(bytes.NewReader(raw))}
	sid := ""
	if err := probe.ParseMultipartForm(32 << 20); err == nil {
		sid = probe.FormValue("session_id")
	}

	worker, ok, err := s.coord.WorkerForSession(r.Context(), sid)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "SESSION_NOT_FOUND", "message": "no worker bound to session"})
		return
	}
	s.proxyRequest(w, r, worker, raw)
}

func (s *Server) handleByQuerySession(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("session_id")
	s.forwardBySession(w, r, sid, http.MethodGet, r.URL.RequestURI(), nil, 10*time.Second)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	worker, ok, err := s.coord.WorkerForSession(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleaned_up", "session_id": req.SessionID})
		return
	}

	resp, status, err := s.forward(r.Context(), worker, http.MethodPost, "/api/cleanup", body, 10*time.Second)
	if err == nil && status == http.StatusOK {
		if err := s.coord.ForgetSession(r.Context(), req.SessionID); err != nil {
			slog.Warn("coordinator: forget session failed", "error", err)
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(resp)
}

func (s *Server) forwardBySession(w http.ResponseWriter, r *http.Request, sid string, method, path string, body []byte, timeout time.Duration) {
	worker, ok, err := s.coord.WorkerForSession(r.Context(), sid)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "SESSION_NOT_FOUND", "message": "no worker bound to session"})
		return
	}
	resp, status, err := s.forward(r.Context(), worker, method, path, body, timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(resp)
}

// forward issues a plain HTTP request to a worker through its circuit
// breaker, returning the raw response body and status code.
func (s *Server) forward(ctx context.Context, worker, method, path string, body []byte, timeout time.Duration) ([]byte, int, error) {
	breaker := s.coord.breakers.GetOrCreate(worker, circuitbreaker.DefaultConfig(worker))

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := breaker.ExecuteContext(reqCtx, func(ctx context.Context) (interface{}, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, worker+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.coord.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return forwardedResponse{status: resp.StatusCode, body: data}, nil
	})
	if err != nil {
		return nil, 0, sberrors.Newf(sberrors.KindExecutionError, "forwarding to worker %s: %v", worker, err)
	}
	fr := result.(forwardedResponse)
	return fr.body, fr.status, nil
}

// proxyRequest forwards the already-buffered multipart body through to the
// resolved worker unchanged.
func (s *Server) proxyRequest(w http.ResponseWriter, r *http.Request, worker string, body []byte) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, worker+r.URL.RequestURI(), bytes.NewReader(body))
	if err != nil {
		writeError(w, err)
		return
	}
	req.Header = r.Header.Clone()

	resp, err := s.coord.httpClient.Do(req)
	if err != nil {
		writeError(w, sberrors.Newf(sberrors.KindExecutionError, "forwarding upload to worker %s: %v", worker, err))
		return
	}
	defer resp.Body.Close()

	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

type forwardedResponse struct {
	status int
	body   []byte
}
