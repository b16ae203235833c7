package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"matrixci/internal/pipeline"
)

// Local runs steps as shell commands on the host. Each step is invoked as
// `sh -c <command>` with the job's staging directory and variable binding
// exported through the environment.
type Local struct {
	actions *Registry
}

// NewLocal creates a local shell executor.
func NewLocal(actions *Registry) *Local {
	return &Local{actions: actions}
}

// Execute runs one step. Cancellation kills the process via the context.
func (l *Local) Execute(ctx context.Context, job *pipeline.JobSpec, step pipeline.StepSpec, stagingDir string) (Result, error) {
	command := step.Run
	if step.Uses != "" {
		var err error
		if command, err = l.actions.Resolve(step.Uses); err != nil {
			return Result{}, err
		}
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = stagingDir
	cmd.Env = stepEnv(job, step, stagingDir)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	result := Result{ExitCode: -1, Output: out.String()}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if _, isExit := err.(*exec.ExitError); !isExit {
			return result, fmt.Errorf("failed to invoke step %q: %w", step.Name, err)
		}
	}
	return result, nil
}

// Ready always succeeds: the host shell is assumed present.
func (l *Local) Ready(ctx context.Context) error {
	return nil
}

// Close releases resources.
func (l *Local) Close() error {
	return nil
}

// stepEnv builds the step environment: the parent environment plus the
// staging dir, job identity, MATRIX_* variables, and INPUT_* parameters.
func stepEnv(job *pipeline.JobSpec, step pipeline.StepSpec, stagingDir string) []string {
	env := append(os.Environ(),
		"MATRIXCI_STAGING="+stagingDir,
		"MATRIXCI_JOB="+job.ID,
	)
	for k, v := range job.Vars {
		env = append(env, "MATRIX_"+envKey(k)+"="+v)
	}
	for k, v := range step.With {
		env = append(env, "INPUT_"+envKey(k)+"="+v)
	}
	return env
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

// Verify Local implements Executor
var _ Executor = (*Local)(nil)
