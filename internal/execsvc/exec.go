// Package execsvc implements the command-execution path: validate, fetch
// session, dispatch into the allocated container, capture timing and
// split stdout/stderr.
package execsvc

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/ocx/sandboxd/internal/runtime"
	"github.com/ocx/sandboxd/internal/sberrors"
	"github.com/ocx/sandboxd/internal/session"
	"github.com/ocx/sandboxd/internal/validator"
)

// Result is the response shape execute() returns to the API layer.
type Result struct {
	ExitCode        int    `json:"exit_code"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

// Service ties the validator, session manager, and container runtime
// together into the single execute() operation.
type Service struct {
	sessions *session.Manager
	rt       runtime.Runtime
	user     string
	workdir  string
}

// New builds an execution service.
func New(sessions *session.Manager, rt runtime.Runtime, user, workdir string) *Service {
	return &Service{sessions: sessions, rt: rt, user: user, workdir: workdir}
}

// Execute runs command inside the container backing sid, honoring timeout
// as an advisory upper bound on the underlying exec call.
func (s *Service) Execute(ctx context.Context, sid, command string, timeout time.Duration) (*Result, error) {
	if err := validator.Validate(command); err != nil {
		return nil, err
	}

	rec, exists, err := s.sessions.Get(ctx, sid)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, sberrors.New(sberrors.KindSessionExpired, "session not found or expired")
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := s.rt.Exec(execCtx, rec.ContainerID, []string{"bash", "-c", command}, s.user, s.workdir)
	elapsed := time.Since(start)
	if err != nil {
		return nil, sberrors.Newf(sberrors.KindExecutionError, "executing command: %v", err)
	}

	// Touch errors (e.g. the session expired mid-exec) are not fatal: the
	// command already ran, so the result is still returned to the caller.
	_ = s.sessions.Touch(ctx, sid)

	return &Result{
		ExitCode:        res.ExitCode,
		Stdout:          decodeUTF8(res.Stdout),
		Stderr:          decodeUTF8(res.Stderr),
		ExecutionTimeMs: elapsed.Milliseconds(),
	}, nil
}

// decodeUTF8 replaces invalid byte sequences with the Unicode replacement
// character rather than erroring, per spec.md §4.4.
func decodeUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out := make([]rune, 0, len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		out = append(out, r)
		b = b[size:]
	}
	return string(out)
}
