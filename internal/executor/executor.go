// Package executor defines the step execution contract and the local shell
// backend. Steps are opaque external commands; the executor only observes
// their exit codes and captured output.
package executor

import (
	"context"

	"matrixci/internal/pipeline"
)

// Result is the outcome of one executed step.
type Result struct {
	ExitCode int
	Output   string // combined stdout and stderr
}

// Executor runs one step of a job. Implementations must be safe for
// concurrent use by multiple job runners; the staging directory is exclusive
// to the calling runner's job.
type Executor interface {
	// Execute runs a single step and returns its outcome. A non-zero exit
	// code is reported in the Result, not as an error; an error means the
	// step could not be invoked at all.
	Execute(ctx context.Context, job *pipeline.JobSpec, step pipeline.StepSpec, stagingDir string) (Result, error)

	// Ready checks whether the backend can accept work.
	Ready(ctx context.Context) error

	// Close releases resources held by the executor.
	Close() error
}
