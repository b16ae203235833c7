// Package runner executes one concrete job: its steps in declared order,
// fail-fast, with the builtin artifact upload handled here rather than by the
// step executor.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"matrixci/internal/apperrors"
	"matrixci/internal/artifactstore"
	"matrixci/internal/executor"
	"matrixci/internal/observability"
	"matrixci/internal/pipeline"
)

// Job and step statuses.
const (
	StatusPending          = "pending"
	StatusRunning          = "running"
	StatusSucceeded        = "succeeded"
	StatusFailed           = "failed"
	StatusFailedButAllowed = "failed-but-allowed"
	StatusSkipped          = "skipped"
	StatusCancelled        = "cancelled"
)

// StepOutcome records how one step ended.
type StepOutcome struct {
	Name     string
	Status   string
	ExitCode int
	Output   string
	Err      error
}

// Result is the terminal record of one job.
type Result struct {
	Job           *pipeline.JobSpec
	Status        string
	Steps         []StepOutcome
	ArtifactNames []string
	Err           error // hard failure cause, nil on success
	Started       time.Time
	Finished      time.Time
}

// Runner executes jobs against one executor backend and one per-run store.
type Runner struct {
	exec    executor.Executor
	store   *artifactstore.Store
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New creates a runner bound to a run's artifact store.
func New(exec executor.Executor, store *artifactstore.Store, metrics *observability.Metrics) *Runner {
	return &Runner{
		exec:    exec,
		store:   store,
		metrics: metrics,
		logger:  slog.With("component", "runner"),
	}
}

// Run executes all steps of the job in declared order. The first failing
// step aborts the rest, except steps marked always_run. Cancellation via ctx
// yields a cancelled result and never registers artifacts.
func (r *Runner) Run(ctx context.Context, job *pipeline.JobSpec) Result {
	result := Result{Job: job, Status: StatusRunning, Started: time.Now()}
	logger := r.logger.With("job", job.Name)

	r.metrics.RecordJobStarted(ctx)
	defer func() {
		result.Finished = time.Now()
		r.metrics.RecordJobFinished(ctx, job.Template, result.Status, result.Finished.Sub(result.Started))
	}()

	staging, err := os.MkdirTemp("", "matrixci-"+job.ID+"-*")
	if err != nil {
		result.Status = StatusFailed
		result.Err = apperrors.Internal("runner.staging", err)
		return result
	}
	defer os.RemoveAll(staging)

	failed := false
	for _, step := range job.Steps {
		if ctx.Err() != nil {
			result.Steps = append(result.Steps, StepOutcome{Name: step.Name, Status: StatusCancelled})
			result.Status = StatusCancelled
			return result
		}

		outcome := r.runStep(ctx, job, step, staging, failed, &result)
		result.Steps = append(result.Steps, outcome)
		r.metrics.RecordStep(ctx, outcome.Status)

		switch outcome.Status {
		case StatusCancelled:
			result.Status = StatusCancelled
			return result
		case StatusFailed:
			failed = true
			if result.Err == nil {
				result.Err = outcome.Err
			}
			logger.Info("Step failed", "step", step.Name, "exitCode", outcome.ExitCode)
		}
	}

	if failed {
		result.Status = StatusFailed
		return result
	}
	result.Status = StatusSucceeded
	return result
}

// runStep executes one step, or skips it when its condition is unmet or a
// prior step failed and the step is not marked always_run.
func (r *Runner) runStep(ctx context.Context, job *pipeline.JobSpec, step pipeline.StepSpec, staging string, priorFailure bool, result *Result) StepOutcome {
	if priorFailure && !step.AlwaysRun {
		return StepOutcome{Name: step.Name, Status: StatusSkipped}
	}
	if !step.Condition(job) {
		return StepOutcome{Name: step.Name, Status: StatusSkipped}
	}

	if step.IsUpload() {
		return r.uploadStep(ctx, job, step, staging, result)
	}

	res, err := r.exec.Execute(ctx, job, step, staging)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return StepOutcome{Name: step.Name, Status: StatusCancelled, Err: err}
		}
		return StepOutcome{Name: step.Name, Status: StatusFailed, ExitCode: res.ExitCode, Output: res.Output, Err: err}
	}
	if res.ExitCode != 0 {
		return StepOutcome{
			Name:     step.Name,
			Status:   StatusFailed,
			ExitCode: res.ExitCode,
			Output:   res.Output,
			Err:      apperrors.Validation(step.Name, "step exited non-zero"),
		}
	}
	return StepOutcome{Name: step.Name, Status: StatusSucceeded, Output: res.Output}
}

// uploadStep implements the builtin upload-artifact action: it globs the
// declared path under the staging directory and registers each match with the
// run's store under the job's identity. Zero matches is fatal to the job
// unless if_no_files is set to ignore; the failure bypasses allow_failure.
func (r *Runner) uploadStep(ctx context.Context, job *pipeline.JobSpec, step pipeline.StepSpec, staging string, result *Result) StepOutcome {
	name := step.With["name"]
	pattern := step.With["path"]

	matches, err := filepath.Glob(filepath.Join(staging, pattern))
	if err != nil {
		return StepOutcome{Name: step.Name, Status: StatusFailed, Err: apperrors.Validation("path", "bad artifact path pattern")}
	}

	if len(matches) == 0 {
		if step.With["if_no_files"] == "ignore" {
			return StepOutcome{Name: step.Name, Status: StatusSucceeded}
		}
		return StepOutcome{Name: step.Name, Status: StatusFailed, Err: apperrors.ArtifactMissing(pattern)}
	}

	// Every match is stored under the declared name so aggregation patterns
	// written against it keep matching; the source file survives in Origin.
	for _, match := range matches {
		if ctx.Err() != nil {
			return StepOutcome{Name: step.Name, Status: StatusCancelled}
		}

		data, err := os.ReadFile(match)
		if err != nil {
			return StepOutcome{Name: step.Name, Status: StatusFailed, Err: apperrors.Internal("runner.upload", err)}
		}

		if err := r.store.Put(name, data, job.ID, filepath.Base(match)); err != nil {
			if errors.Is(err, artifactstore.ErrSealed) {
				return StepOutcome{Name: step.Name, Status: StatusCancelled, Err: err}
			}
			return StepOutcome{Name: step.Name, Status: StatusFailed, Err: err}
		}
		r.metrics.RecordArtifactStored(ctx, job.Template)
	}

	result.ArtifactNames = append(result.ArtifactNames, name)
	return StepOutcome{Name: step.Name, Status: StatusSucceeded}
}
