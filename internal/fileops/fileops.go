// Package fileops implements upload/download/list against a session's
// workspace: path-safety checks, quota enforcement in the order spec.md
// §4.5 mandates, and the single-entry tar archive dance Docker's copy API
// requires.
package fileops

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ocx/sandboxd/internal/runtime"
	"github.com/ocx/sandboxd/internal/sberrors"
	"github.com/ocx/sandboxd/internal/session"
)

// UploadResult is returned from Upload.
type UploadResult struct {
	Filename  string `json:"filename"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// FileInfo describes one entry in a List response.
type FileInfo struct {
	Name        string    `json:"name"`
	SizeBytes   int64     `json:"size_bytes"`
	Modified    time.Time `json:"modified"`
	Permissions string    `json:"permissions"`
}

// ListResult is returned from List.
type ListResult struct {
	Files       []FileInfo `json:"files"`
	TotalFiles  int        `json:"total_files"`
	TotalBytes  int64      `json:"total_bytes"`
}

// Limits bundles the quota thresholds enforced on upload.
type Limits struct {
	MaxFileSizeBytes      int64
	MaxTotalFiles         int
	MaxWorkspaceSizeBytes int64
}

// Service implements the three file operations over a session's workspace.
type Service struct {
	sessions *session.Manager
	rt       runtime.Runtime
	user     string
	workdir  string
	limits   Limits
}

// New builds a file-operations service.
func New(sessions *session.Manager, rt runtime.Runtime, user, workdir string, limits Limits) *Service {
	return &Service{sessions: sessions, rt: rt, user: user, workdir: workdir, limits: limits}
}

// validateFilename rejects path traversal and absolute paths, per spec.md
// §4.5's path-safety requirement.
func validateFilename(filename string) error {
	if filename == "" {
		return sberrors.New(sberrors.KindInvalidCommand, "filename must not be empty")
	}
	if strings.HasPrefix(filename, "/") {
		return sberrors.New(sberrors.KindInvalidCommand, "filename must not be absolute")
	}
	clean := path.Clean(filename)
	if clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(filename, "..") {
		return sberrors.New(sberrors.KindInvalidCommand, "filename must not contain '..'")
	}
	return nil
}

func (s *Service) resolveContainer(ctx context.Context, sid string) (string, error) {
	rec, exists, err := s.sessions.Get(ctx, sid)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", sberrors.New(sberrors.KindSessionExpired, "session not found or expired")
	}
	return rec.ContainerID, nil
}

// workspaceStats returns (total file count, total bytes) for the
// container's workspace, computed the way spec.md §3 names: `find` for
// count, `du -sb` for bytes.
func (s *Service) workspaceStats(ctx context.Context, containerID string) (int, int64, error) {
	res, err := s.rt.Exec(ctx, containerID,
		[]string{"bash", "-c", fmt.Sprintf("find %s -type f | wc -l", s.workdir)}, s.user, s.workdir)
	if err != nil {
		return 0, 0, sberrors.Newf(sberrors.KindExecutionError, "counting files: %v", err)
	}
	count, _ := strconv.Atoi(strings.TrimSpace(string(res.Stdout)))

	res, err = s.rt.Exec(ctx, containerID,
		[]string{"bash", "-c", fmt.Sprintf("du -sb %s | cut -f1", s.workdir)}, s.user, s.workdir)
	if err != nil {
		return 0, 0, sberrors.Newf(sberrors.KindExecutionError, "measuring workspace size: %v", err)
	}
	bytesTotal, _ := strconv.ParseInt(strings.TrimSpace(string(res.Stdout)), 10, 64)

	return count, bytesTotal, nil
}

// Upload enforces the quota checks in order (size, file count, total
// bytes), then streams data into the workspace as a single-entry tar
// archive and chowns it to the sandbox user.
func (s *Service) Upload(ctx context.Context, sid, filename string, data []byte) (*UploadResult, error) {
	if err := validateFilename(filename); err != nil {
		return nil, err
	}

	containerID, err := s.resolveContainer(ctx, sid)
	if err != nil {
		return nil, err
	}

	if int64(len(data)) > s.limits.MaxFileSizeBytes {
		return nil, sberrors.Newf(sberrors.KindFileTooLarge, "file exceeds max size of %d bytes", s.limits.MaxFileSizeBytes)
	}

	totalFiles, totalBytes, err := s.workspaceStats(ctx, containerID)
	if err != nil {
		return nil, err
	}
	if totalFiles >= s.limits.MaxTotalFiles {
		return nil, sberrors.New(sberrors.KindTooManyFiles, "workspace file count limit reached")
	}
	if totalBytes+int64(len(data)) > s.limits.MaxWorkspaceSizeBytes {
		return nil, sberrors.New(sberrors.KindWorkspaceFull, "workspace byte quota exceeded")
	}

	archive, err := singleEntryTar(filename, data)
	if err != nil {
		return nil, sberrors.Newf(sberrors.KindExecutionError, "building archive: %v", err)
	}
	if err := s.rt.CopyToContainer(ctx, containerID, s.workdir, archive); err != nil {
		return nil, sberrors.Newf(sberrors.KindExecutionError, "copying file into container: %v", err)
	}

	chownTarget := filename
	if strings.Contains(filename, "/") {
		chownTarget = path.Dir(filename)
	}
	_, _ = s.rt.Exec(ctx, containerID,
		[]string{"chown", s.user, path.Join(s.workdir, chownTarget)}, "root", s.workdir)

	if err := s.sessions.Touch(ctx, sid); err != nil {
		return nil, err
	}

	return &UploadResult{
		Filename:  filename,
		Path:      path.Join(s.workdir, filename),
		SizeBytes: int64(len(data)),
	}, nil
}

// Download verifies the file exists, then streams it out as a tar archive
// and extracts the single member's bytes.
func (s *Service) Download(ctx context.Context, sid, filename string) ([]byte, error) {
	if err := validateFilename(filename); err != nil {
		return nil, err
	}

	containerID, err := s.resolveContainer(ctx, sid)
	if err != nil {
		return nil, err
	}

	fullPath := path.Join(s.workdir, filename)
	res, err := s.rt.Exec(ctx, containerID,
		[]string{"test", "-f", fullPath}, s.user, s.workdir)
	if err != nil {
		return nil, sberrors.Newf(sberrors.KindExecutionError, "checking file existence: %v", err)
	}
	if res.ExitCode != 0 {
		return nil, sberrors.New(sberrors.KindNotFound, "file not found")
	}

	rc, err := s.rt.CopyFromContainer(ctx, containerID, fullPath)
	if err != nil {
		return nil, sberrors.Newf(sberrors.KindExecutionError, "copying file from container: %v", err)
	}
	defer rc.Close()

	return extractSingleEntry(rc)
}

// List parses a `ls -la --time-style=iso` listing of the workspace,
// filtering `.`/`..` and sorting by modification time descending.
func (s *Service) List(ctx context.Context, sid string) (*ListResult, error) {
	containerID, err := s.resolveContainer(ctx, sid)
	if err != nil {
		return nil, err
	}

	res, err := s.rt.Exec(ctx, containerID,
		[]string{"ls", "-la", "--time-style=iso", s.workdir}, s.user, s.workdir)
	if err != nil {
		return nil, sberrors.Newf(sberrors.KindExecutionError, "listing workspace: %v", err)
	}

	files := parseLsLa(string(res.Stdout))

	sort.Slice(files, func(i, j int) bool { return files[i].Modified.After(files[j].Modified) })

	var totalBytes int64
	for _, f := range files {
		totalBytes += f.SizeBytes
	}

	return &ListResult{Files: files, TotalFiles: len(files), TotalBytes: totalBytes}, nil
}

// parseLsLa parses `ls -la --time-style=iso` output. A line looks like:
//   -rw-r--r-- 1 sandboxuser sandboxuser 123 2024-01-02 15:04 f.txt
func parseLsLa(output string) []FileInfo {
	var out []FileInfo
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "total ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			continue
		}
		perms := fields[0]
		size, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			continue
		}
		dateStr := fields[5]
		timeStr := fields[6]
		name := strings.Join(fields[7:], " ")
		if name == "." || name == ".." {
			continue
		}
		modified, err := time.Parse("2006-01-02 15:04", dateStr+" "+timeStr)
		if err != nil {
			modified = time.Time{}
		}
		out = append(out, FileInfo{
			Name:        name,
			SizeBytes:   size,
			Modified:    modified,
			Permissions: perms,
		})
	}
	return out
}

func singleEntryTar(filename string, data []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: filename,
		Mode: 0644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func extractSingleEntry(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	hdr, err := tr.Next()
	if err == io.EOF {
		return nil, sberrors.New(sberrors.KindNotFound, "empty archive")
	}
	if err != nil {
		return nil, sberrors.Newf(sberrors.KindExecutionError, "reading archive: %v", err)
	}
	if hdr.Typeflag == tar.TypeDir {
		return nil, sberrors.New(sberrors.KindInvalidCommand, "refusing to download a directory")
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, sberrors.Newf(sberrors.KindExecutionError, "reading archive member: %v", err)
	}
	return data, nil
}
