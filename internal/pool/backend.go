package pool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

func nowMs() int64 { return time.Now().UnixMilli() }

// Backend runs one ExecSpec to completion. execBackend (the default) runs
// the binary directly via os/exec; DockerBackend runs it inside a
// throwaway container instead, selected per spec §9's note that the
// dispatch target is a pluggable concern, not hardwired to os/exec.
//
// Grounded on internal/ghostpool/pool_backend.go's PoolBackend interface,
// narrowed from the teacher's provision/start/stop/remove/exec lifecycle
// (built for long-lived ghost containers) to a single Run call, since this
// spec's jobs are one-shot commands rather than a reused container pool.
type Backend interface {
	Run(ctx context.Context, spec ExecSpec) (*ExecResult, error)
}

// execBackend is the default: run the binary directly on the host,
// jailed by the sandbox executor's path/policy checks upstream.
type execBackend struct{}

func (execBackend) Run(ctx context.Context, spec ExecSpec) (*ExecResult, error) {
	start := nowMs()
	cmd := exec.CommandContext(ctx, spec.BinaryPath, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = envSlice(spec.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	out, trunc := truncate(stdout.Bytes(), spec.MaxOutputBytes)
	errOut, trunc2 := truncate(stderr.Bytes(), spec.MaxOutputBytes)
	return &ExecResult{
		Stdout:     out,
		Stderr:     errOut,
		ExitCode:   exitCode,
		Truncated:  trunc || trunc2,
		DurationMs: nowMs() - start,
	}, nil
}

// DockerBackend runs each ExecSpec inside a fresh, read-only,
// network-disabled container built from Image, removed after the job
// completes. Selected via Config.Backend when config.PoolConfig's
// ContainerImage is set, for deployments that want process isolation stronger than a
// shared host's os/exec.
type DockerBackend struct {
	Image   string
	Runtime string // e.g. "runsc" for gVisor; "" for the daemon default
}

func (d *DockerBackend) Run(ctx context.Context, spec ExecSpec) (*ExecResult, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("pool: docker client: %w", err)
	}
	defer cli.Close()

	hostConfig := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
	}
	if d.Runtime != "" {
		hostConfig.Runtime = d.Runtime
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: d.Image,
		Tty:   false,
		Env:   envSlice(spec.Env),
		Cmd:   []string{"sleep", "infinity"},
	}, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("pool: create container: %w", err)
	}
	defer cli.ContainerRemove(context.Background(), resp.ID, types.ContainerRemoveOptions{Force: true})

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("pool: start container: %w", err)
	}

	start := nowMs()
	execID, err := cli.ContainerExecCreate(ctx, resp.ID, types.ExecConfig{
		Cmd:          append([]string{spec.BinaryPath}, spec.Args...),
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   spec.WorkDir,
	})
	if err != nil {
		return nil, fmt.Errorf("pool: exec create: %w", err)
	}

	attach, err := cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("pool: exec attach: %w", err)
	}
	defer attach.Close()

	output, _ := io.ReadAll(attach.Reader)
	out, trunc := truncate(output, spec.MaxOutputBytes)

	inspect, err := cli.ContainerExecInspect(ctx, execID.ID)
	exitCode := 0
	if err == nil {
		exitCode = inspect.ExitCode
	}

	return &ExecResult{
		Stdout:     out,
		ExitCode:   exitCode,
		Truncated:  trunc,
		DurationMs: nowMs() - start,
	}, nil
}
