package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"matrixci/internal/apperrors"
	"matrixci/internal/artifactstore"
	"matrixci/internal/notify"
	"matrixci/internal/pipeline"
	"matrixci/internal/runner"
	"matrixci/internal/trigger"
)

// Statuses shared with the runner.
const (
	StatusPending          = runner.StatusPending
	StatusRunning          = runner.StatusRunning
	StatusSucceeded        = runner.StatusSucceeded
	StatusFailed           = runner.StatusFailed
	StatusFailedButAllowed = runner.StatusFailedButAllowed
	StatusSkipped          = runner.StatusSkipped
	StatusCancelled        = runner.StatusCancelled
)

// JobStatus is the per-job entry in a run's breakdown.
type JobStatus struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Template  string   `json:"template"`
	Status    string   `json:"status"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// Snapshot is a point-in-time view of a run, safe to serialize.
type Snapshot struct {
	ID       string      `json:"id"`
	Pipeline string      `json:"pipeline"`
	Kind     string      `json:"kind"`
	Ref      string      `json:"ref"`
	SHA      string      `json:"sha,omitempty"`
	Status   string      `json:"status"`
	Started  time.Time   `json:"started"`
	Finished *time.Time  `json:"finished,omitempty"`
	Jobs     []JobStatus `json:"jobs"`
}

// Run is one triggered execution of a pipeline.
type Run struct {
	ID       string
	Pipeline string
	Event    trigger.Event
	GroupKey string
	Started  time.Time

	def   *pipeline.Pipeline
	specs map[string][]pipeline.JobSpec // by template, non-aggregate only
	order []string                      // template names in declared order
	store *artifactstore.Store

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	status     string
	finishedAt time.Time
	cancelled  bool
	jobs       map[string]*JobStatus
	jobOrder   []string
}

// supersede seals the artifact store before cancelling job contexts, so a
// superseded run can never register partial artifacts, then cancels all
// in-flight work. Idempotent.
func (r *Run) supersede() {
	r.mu.Lock()
	if r.cancelled || r.status != StatusRunning {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	r.mu.Unlock()

	r.store.Seal()
	r.cancel()
}

// Wait blocks until the run reaches a terminal state or ctx expires.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finished reports whether the run has reached a terminal state.
func (r *Run) Finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Status returns the run's current aggregate status.
func (r *Run) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Snapshot returns a copy of the run's state.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		ID:       r.ID,
		Pipeline: r.Pipeline,
		Kind:     r.Event.Kind,
		Ref:      r.Event.Ref,
		SHA:      r.Event.SHA,
		Status:   r.status,
		Started:  r.Started,
		Jobs:     make([]JobStatus, 0, len(r.jobOrder)),
	}
	if !r.finishedAt.IsZero() {
		t := r.finishedAt
		snap.Finished = &t
	}
	for _, id := range r.jobOrder {
		snap.Jobs = append(snap.Jobs, *r.jobs[id])
	}
	return snap
}

func (r *Run) addJob(js *JobStatus) {
	r.jobs[js.ID] = js
	r.jobOrder = append(r.jobOrder, js.ID)
}

func (r *Run) setJobStatus(id, status string, artifacts []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if js, ok := r.jobs[id]; ok {
		js.Status = status
		js.Artifacts = artifacts
	}
}

func (r *Run) totalJobs() int {
	return len(r.jobOrder)
}

// jobStatuses returns the breakdown keyed by display name.
func (r *Run) jobStatuses() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.jobOrder))
	for _, id := range r.jobOrder {
		out[r.jobs[id].Name] = r.jobs[id].Status
	}
	return out
}

// templateState tracks scheduling progress for one template within a run.
type templateState struct {
	tpl       *pipeline.JobTemplate
	handled   bool // dispatched, skipped, or cancelled
	remaining int  // in-flight or queued specs
	terminal  bool
	blocked   bool // a spec failed in a blocking way
	cancelled bool
	skipped   bool
}

// green reports whether dependents gated on require_success may run.
func (s *templateState) green() bool {
	return s.terminal && !s.blocked && !s.cancelled && !s.skipped
}

// execute drives a run to completion: a worker pool of Capacity goroutines
// executes concrete jobs, the scheduler loop dispatches templates whose
// needs have all reached terminal state, and aggregate templates run after
// their barrier.
func (c *Coordinator) execute(run *Run) {
	defer close(run.done)

	var builder *notify.EventBuilder
	if c.cfg.Notifier != nil && c.cfg.CallbackURL != "" {
		builder = notify.NewEventBuilder(run.ID, c.cfg.Source)
	}
	c.notifyRunStart(run, builder)

	jobRunner := runner.New(c.cfg.Executor, run.store, c.cfg.Metrics)

	total := 0
	for _, specs := range run.specs {
		total += len(specs)
	}

	jobs := make(chan *pipeline.JobSpec, total+1)
	results := make(chan runner.Result, total+1)

	var wg sync.WaitGroup
	workers := c.cfg.Capacity
	if workers > total {
		workers = total
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for spec := range jobs {
				// Queued specs stay pending; only the runner that owns a
				// job reports it running.
				run.setJobStatus(spec.ID, StatusRunning, nil)
				results <- jobRunner.Run(run.ctx, spec)
			}
		}()
	}

	states := make(map[string]*templateState, len(run.order))
	for i := range run.def.Jobs {
		states[run.def.Jobs[i].Name] = &templateState{tpl: &run.def.Jobs[i]}
	}

	outstanding := 0
	for {
		progressed := false
		for _, name := range run.order {
			st := states[name]
			if st.handled {
				continue
			}
			if c.advanceTemplate(run, st, states, jobs, builder, &outstanding) {
				progressed = true
			}
		}

		if allTerminal(states) {
			break
		}
		if outstanding == 0 {
			if !progressed {
				break
			}
			continue
		}

		res := <-results
		outstanding--
		c.recordResult(run, states, res, builder)
	}

	close(jobs)
	wg.Wait()

	c.finishRun(run, states, builder)
}

// advanceTemplate dispatches, skips, or cancels one template when its needs
// allow. Returns true when the template's state changed.
func (c *Coordinator) advanceTemplate(run *Run, st *templateState, states map[string]*templateState, jobs chan<- *pipeline.JobSpec, builder *notify.EventBuilder, outstanding *int) bool {
	needs := st.tpl.Needs
	if st.tpl.Aggregate != nil && len(needs) == 0 {
		// Implicit barrier: aggregate waits for every producing template.
		// Other aggregates are excluded or two of them would wait on each
		// other forever.
		for name, other := range states {
			if name != st.tpl.Name && other.tpl.Aggregate == nil {
				needs = append(needs, name)
			}
		}
	}
	for _, need := range needs {
		if !states[need].terminal {
			return false
		}
	}

	if run.ctx.Err() != nil {
		c.settleTemplate(run, st, StatusCancelled, builder)
		st.cancelled = true
		return true
	}

	if st.tpl.RequireSuccess {
		for _, need := range needs {
			if !states[need].green() {
				c.settleTemplate(run, st, StatusSkipped, builder)
				st.skipped = true
				return true
			}
		}
	}

	if st.tpl.Aggregate != nil {
		c.runAggregate(run, st, builder)
		return true
	}

	specs := run.specs[st.tpl.Name]
	for i := range specs {
		jobs <- &specs[i]
	}
	st.handled = true
	st.remaining = len(specs)
	if st.remaining == 0 {
		st.terminal = true
	}
	*outstanding += len(specs)
	return true
}

// settleTemplate marks every spec of a template with one terminal status
// without executing it.
func (c *Coordinator) settleTemplate(run *Run, st *templateState, status string, builder *notify.EventBuilder) {
	if st.tpl.Aggregate != nil {
		id := sanitizeID(st.tpl.Name)
		run.setJobStatus(id, status, nil)
		c.notifyJobFinish(run, builder, id, st.tpl.Name, status, nil)
	} else {
		for _, spec := range run.specs[st.tpl.Name] {
			run.setJobStatus(spec.ID, status, nil)
			c.notifyJobFinish(run, builder, spec.ID, spec.Name, status, nil)
		}
	}
	st.handled = true
	st.terminal = true
}

// runAggregate executes the aggregation stage inline. By this point every
// upstream job has settled, so reading the store races with nothing.
func (c *Coordinator) runAggregate(run *Run, st *templateState, builder *notify.EventBuilder) {
	st.handled = true
	id := sanitizeID(st.tpl.Name)
	run.setJobStatus(id, StatusRunning, nil)

	status, err := c.cfg.Aggregator.Run(run.ctx, run.ID, run.Pipeline, run.store, st.tpl)
	if status == StatusFailed {
		if st.tpl.AllowFailure && !errors.Is(err, apperrors.ErrArtifactMissing) {
			status = StatusFailedButAllowed
		} else {
			st.blocked = true
		}
		c.logger.Warn("Aggregate job failed", "run", run.ID, "job", st.tpl.Name, "error", err)
	}

	run.setJobStatus(id, status, nil)
	c.notifyJobFinish(run, builder, id, st.tpl.Name, status, nil)
	st.terminal = true
}

// recordResult folds one finished job back into the run and its template
// state, softening allowed failures. A missing artifact is fatal regardless
// of allow_failure.
func (c *Coordinator) recordResult(run *Run, states map[string]*templateState, res runner.Result, builder *notify.EventBuilder) {
	status := res.Status
	if status == StatusFailed && res.Job.AllowFailure && !errors.Is(res.Err, apperrors.ErrArtifactMissing) {
		status = StatusFailedButAllowed
	}

	st := states[res.Job.Template]
	st.remaining--
	switch status {
	case StatusFailed:
		st.blocked = true
	case StatusCancelled:
		st.cancelled = true
	}
	if st.remaining == 0 {
		st.terminal = true
	}

	run.setJobStatus(res.Job.ID, status, res.ArtifactNames)
	c.notifyJobFinish(run, builder, res.Job.ID, res.Job.Name, status, res.ArtifactNames)
}

// finishRun computes the aggregate status: cancelled beats failed beats
// succeeded; allowed failures never redden the run.
func (c *Coordinator) finishRun(run *Run, states map[string]*templateState, builder *notify.EventBuilder) {
	run.mu.Lock()
	status := StatusSucceeded
	if run.cancelled {
		status = StatusCancelled
	} else {
		for _, id := range run.jobOrder {
			if run.jobs[id].Status == StatusFailed {
				status = StatusFailed
				break
			}
		}
	}
	run.status = status
	run.finishedAt = time.Now()
	duration := run.finishedAt.Sub(run.Started)
	run.mu.Unlock()

	c.mu.Lock()
	if c.active[run.GroupKey] == run {
		delete(c.active, run.GroupKey)
	}
	c.mu.Unlock()

	c.cfg.Metrics.RecordRunFinished(context.Background(), run.Pipeline, status, duration)
	c.logger.Info("Run finished", "run", run.ID, "pipeline", run.Pipeline, "status", status, "duration", duration)

	if builder != nil {
		c.cfg.Notifier.Notify(&notify.Event{
			Payload:     builder.BuildRunFinishEvent(run.Pipeline, status, run.jobStatuses()),
			Destination: c.cfg.CallbackURL,
			SigningKey:  c.cfg.CallbackKey,
		})
	}
	run.cancel()
}

func (c *Coordinator) notifyRunStart(run *Run, builder *notify.EventBuilder) {
	if builder == nil {
		return
	}
	c.cfg.Notifier.Notify(&notify.Event{
		Payload:     builder.BuildRunStartEvent(run.Pipeline, run.Event.Ref, run.Event.SHA, run.totalJobs()),
		Destination: c.cfg.CallbackURL,
		SigningKey:  c.cfg.CallbackKey,
	})
}

func (c *Coordinator) notifyJobFinish(run *Run, builder *notify.EventBuilder, jobID, jobName, status string, artifacts []string) {
	if builder == nil {
		return
	}
	c.cfg.Notifier.Notify(&notify.Event{
		Payload:     builder.BuildJobFinishEvent(jobID, jobName, status, artifacts),
		Destination: c.cfg.CallbackURL,
		SigningKey:  c.cfg.CallbackKey,
	})
}

func allTerminal(states map[string]*templateState) bool {
	for _, st := range states {
		if !st.terminal {
			return false
		}
	}
	return true
}
