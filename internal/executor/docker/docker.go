// Package docker implements a container-backed step executor. Each step runs
// in its own container; the job's staging directory is bind-mounted as the
// workspace so steps share files and the runner can harvest artifacts.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"matrixci/internal/executor"
	"matrixci/internal/pipeline"
)

// Executor runs steps in containers via the Docker daemon.
type Executor struct {
	client  *client.Client
	actions *executor.Registry
	config  Config
}

// New creates a Docker step executor.
func New(cfg Config, actions *executor.Registry) (*Executor, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Executor{
		client:  dockerClient,
		actions: actions,
		config:  cfg.withDefaults(),
	}, nil
}

// Execute runs one step in a fresh container and waits for it to exit.
func (e *Executor) Execute(ctx context.Context, job *pipeline.JobSpec, step pipeline.StepSpec, stagingDir string) (executor.Result, error) {
	command := step.Run
	if step.Uses != "" {
		var err error
		if command, err = e.actions.Resolve(step.Uses); err != nil {
			return executor.Result{}, err
		}
	}

	img := e.config.image(job.RunsOn)
	if err := e.pullImageIfNeeded(ctx, img); err != nil {
		return executor.Result{}, fmt.Errorf("failed to pull image %s: %w", img, err)
	}

	containerID, err := e.createStepContainer(ctx, job, step, command, img, stagingDir)
	if err != nil {
		return executor.Result{}, fmt.Errorf("failed to create step container: %w", err)
	}
	defer e.removeContainer(context.WithoutCancel(ctx), containerID)

	if err := e.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return executor.Result{}, fmt.Errorf("failed to start step container: %w", err)
	}

	exitCode, err := e.waitForExit(ctx, containerID)
	if err != nil {
		return executor.Result{ExitCode: -1}, err
	}

	output, err := e.readLogs(ctx, containerID)
	if err != nil {
		output = ""
	}
	return executor.Result{ExitCode: exitCode, Output: output}, nil
}

// Ready verifies the Docker daemon is reachable.
func (e *Executor) Ready(ctx context.Context) error {
	_, err := e.client.Ping(ctx)
	return err
}

// Close releases the Docker client. Running containers are cleaned up by
// their deferred removal.
func (e *Executor) Close() error {
	return e.client.Close()
}

func (e *Executor) createStepContainer(ctx context.Context, job *pipeline.JobSpec, step pipeline.StepSpec, command, img, stagingDir string) (string, error) {
	env := []string{
		"MATRIXCI_STAGING=" + e.config.Workspace,
		"MATRIXCI_JOB=" + job.ID,
	}
	for k, v := range job.Vars {
		env = append(env, "MATRIX_"+envKey(k)+"="+v)
	}
	for k, v := range step.With {
		env = append(env, "INPUT_"+envKey(k)+"="+v)
	}

	containerConfig := &container.Config{
		Image:      img,
		Cmd:        []string{"/bin/sh", "-c", command},
		Env:        env,
		WorkingDir: e.config.Workspace,
		Labels: map[string]string{
			"matrixci.job":  job.ID,
			"matrixci.step": step.Name,
			"managed-by":    "matrixci",
		},
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: stagingDir,
				Target: e.config.Workspace,
			},
		},
	}

	resp, err := e.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *Executor) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := e.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// readLogs collects the container's combined stdout and stderr after exit.
// Docker frames non-TTY logs with an 8-byte header per chunk.
func (e *Executor) readLogs(ctx context.Context, containerID string) (string, error) {
	logs, err := e.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", err
	}
	defer logs.Close()

	var out bytes.Buffer
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(logs, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return out.String(), nil
			}
			return out.String(), err
		}
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size == 0 {
			continue
		}
		if _, err := io.CopyN(&out, logs, int64(size)); err != nil {
			return out.String(), err
		}
	}
}

func (e *Executor) removeContainer(ctx context.Context, containerID string) {
	stopTimeout := e.config.StopTimeout
	_ = e.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout})
	_ = e.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

func (e *Executor) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := e.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := e.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func envKey(k string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(k) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Verify Executor implements executor.Executor
var _ executor.Executor = (*Executor)(nil)
