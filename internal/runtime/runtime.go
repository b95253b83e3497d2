// Package runtime is the thin adapter over the container engine: create,
// exec, archive put/get, stop/remove. Every other package talks to
// containers only through the Runtime interface so tests can substitute a
// fake engine and never require a live Docker daemon.
package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Spec describes the container a pool asks the runtime to create. It
// mirrors the attributes spec.md's pool configuration enumerates.
type Spec struct {
	Image        string
	MemoryBytes  int64
	CPUQuota     int64
	NetworkMode  string
	RuntimeClass string // e.g. "runsc" for gVisor; empty uses the engine default
	User         string
	WorkingDir   string
}

// ExecResult carries the result of a single exec call, stdout/stderr
// captured separately per spec.md §4.4.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runtime is the container-engine surface the rest of sandboxd depends on.
type Runtime interface {
	CreateContainer(ctx context.Context, spec Spec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopAndRemove(ctx context.Context, id string) error
	Exec(ctx context.Context, id string, cmd []string, user, workdir string) (ExecResult, error)
	CopyToContainer(ctx context.Context, id, dstDir string, archive io.Reader) error
	CopyFromContainer(ctx context.Context, id, srcPath string) (io.ReadCloser, error)
}

// DockerRuntime implements Runtime over the Docker Engine API.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime builds a runtime from the ambient Docker environment
// (DOCKER_HOST, DOCKER_CERT_PATH, etc.), matching the engine the rest of the
// corpus's Docker-backed adapters use.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("runtime: docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

func (r *DockerRuntime) CreateContainer(ctx context.Context, spec Spec) (string, error) {
	hostCfg := &container.HostConfig{
		NetworkMode:    container.NetworkMode(spec.NetworkMode),
		ReadonlyRootfs: false,
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.CPUQuota * 100, // CPUQuota is in the docker "microseconds per 100ms" convention
		},
	}
	if spec.RuntimeClass != "" {
		hostCfg.Runtime = spec.RuntimeClass
	}

	containerCfg := &container.Config{
		Image:      spec.Image,
		User:       spec.User,
		WorkingDir: spec.WorkingDir,
		Tty:        false,
		Cmd:        []string{"sleep", "infinity"},
	}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("runtime: container create: %w", err)
	}
	return resp.ID, nil
}

func (r *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	if err := r.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("runtime: container start: %w", err)
	}
	return nil
}

func (r *DockerRuntime) StopAndRemove(ctx context.Context, id string) error {
	timeout := 5
	_ = r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	return r.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true})
}

func (r *DockerRuntime) Exec(ctx context.Context, id string, cmd []string, user, workdir string) (ExecResult, error) {
	execCfg := types.ExecConfig{
		Cmd:          cmd,
		User:         user,
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := r.cli.ContainerExecCreate(ctx, id, execCfg)
	if err != nil {
		return ExecResult{}, fmt.Errorf("runtime: exec create: %w", err)
	}

	attached, err := r.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("runtime: exec attach: %w", err)
	}
	defer attached.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attached.Reader); err != nil && err != io.EOF {
		return ExecResult{}, fmt.Errorf("runtime: demuxing exec streams: %w", err)
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("runtime: exec inspect: %w", err)
	}

	return ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

func (r *DockerRuntime) CopyToContainer(ctx context.Context, id, dstDir string, archive io.Reader) error {
	return r.cli.CopyToContainer(ctx, id, dstDir, archive, types.CopyToContainerOptions{})
}

func (r *DockerRuntime) CopyFromContainer(ctx context.Context, id, srcPath string) (io.ReadCloser, error) {
	rc, _, err := r.cli.CopyFromContainer(ctx, id, srcPath)
	if err != nil {
		return nil, fmt.Errorf("runtime: copy from container: %w", err)
	}
	return rc, nil
}
