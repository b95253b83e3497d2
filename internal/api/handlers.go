package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/sandboxd/internal/fileops"
	"github.com/ocx/sandboxd/internal/sberrors"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	if se, ok := sberrors.As(err); ok {
		writeJSON(w, se.HTTPStatus(), map[string]string{
			"error":   string(se.Kind),
			"message": se.Message,
			"detail":  se.Detail,
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error":   "EXECUTION_ERROR",
		"message": err.Error(),
	})
}

func (s *WorkerServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.Stats()
	s.metrics.RecordPoolStats(stats.Available, stats.Allocated, stats.Total)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"worker_id": s.cfg.WorkerID,
		"pool": map[string]int{
			"available": stats.Available,
			"allocated": stats.Allocated,
			"total":     stats.Total,
			"max":       stats.Max,
		},
		"active_sessions": s.sessions.ActiveCount(),
		"config": map[string]interface{}{
			"container_image":     s.cfg.ContainerImage,
			"session_timeout_min": s.cfg.SessionTimeoutMinutes,
		},
	})
}

type createSessionRequest struct {
	UserID         string `json:"user_id"`
	ThreadID       string `json:"thread_id"`
	TimeoutMinutes int    `json:"timeout_minutes"`
}

func (s *WorkerServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	if req.ThreadID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_REQUEST", "message": "thread_id is required"})
		return
	}

	rec, status, err := s.sessions.GetOrCreate(r.Context(), req.UserID, req.ThreadID)
	if err != nil {
		writeError(w, err)
		return
	}

	httpStatus := http.StatusCreated
	if status == "existing" {
		httpStatus = http.StatusConflict
	}

	writeJSON(w, httpStatus, map[string]interface{}{
		"session_id":    rec.SessionID,
		"thread_id":     rec.ThreadID,
		"status":        status,
		"workspace_dir": s.cfg.WorkspaceDir,
		"user":          rec.UserID,
		"expires_at":    rec.CreatedAt.Add(time.Duration(s.cfg.SessionTimeoutMinutes) * time.Minute),
	})
}

func (s *WorkerServer) handleGetSessionByThread(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_REQUEST", "message": "thread_id query param is required"})
		return
	}

	rec, exists, err := s.sessions.GetByThread(r.Context(), threadID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !exists {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "NOT_FOUND", "message": "no session for thread_id"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":    rec.SessionID,
		"thread_id":     rec.ThreadID,
		"status":        "active",
		"created_at":    rec.CreatedAt,
		"last_activity": rec.LastActivity,
		"workspace_dir": s.cfg.WorkspaceDir,
	})
}

func (s *WorkerServer) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["session_id"]
	rec, exists, err := s.sessions.Get(r.Context(), sid)
	if err != nil {
		writeError(w, err)
		return
	}
	if !exists {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "SESSION_NOT_FOUND", "message": "session not found"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "active",
		"worker":        rec.WorkerID,
		"created_at":    rec.CreatedAt,
		"last_activity": rec.LastActivity,
	})
}

type executeRequest struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
	Timeout   int    `json:"timeout"`
}

func (s *WorkerServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	timeout := time.Duration(s.cfg.DefaultCommandTimeoutSeconds) * time.Second
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	start := time.Now()
	res, err := s.exec.Execute(r.Context(), req.SessionID, req.Command, timeout)
	if err != nil {
		outcome := "execution_error"
		if se, ok := sberrors.As(err); ok {
			switch se.Kind {
			case sberrors.KindInvalidCommand:
				outcome = "invalid_command"
				reason := "not-whitelisted"
				switch {
				case se.Detail == "empty" || se.Detail == "parse-error":
					reason = se.Detail
				case strings.HasPrefix(se.Detail, "(?i)"):
					reason = "forbidden-pattern"
				}
				s.metrics.RecordValidationRejected(reason)
			case sberrors.KindSessionExpired:
				outcome = "session_expired"
			}
		}
		s.metrics.RecordExecution(outcome, time.Since(start).Seconds())
		writeError(w, err)
		return
	}

	s.metrics.RecordExecution("success", time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, res)
}

func (s *WorkerServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.cfg.MaxFileSizeBytes() + 1<<20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	sessionID := r.FormValue("session_id")

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	res, err := s.files.Upload(r.Context(), sessionID, header.Filename, data)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "uploaded",
		"filename":   res.Filename,
		"path":       res.Path,
		"size_bytes": res.SizeBytes,
	})
}

type downloadRequest struct {
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
}

func (s *WorkerServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	data, err := s.files.Download(r.Context(), req.SessionID, req.Filename)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="`+req.Filename+`"`)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *WorkerServer) handleListFiles(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	res, err := s.files.List(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	files := make([]fileops.FileInfo, len(res.Files))
	copy(files, res.Files)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":       sessionID,
		"workspace_dir":    s.cfg.WorkspaceDir,
		"files":            files,
		"total_files":      res.TotalFiles,
		"total_size_bytes": res.TotalBytes,
	})
}

type cleanupRequest struct {
	SessionID string `json:"session_id"`
}

func (s *WorkerServer) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	s.sessions.Destroy(r.Context(), req.SessionID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleaned_up", "session_id": req.SessionID})
}
