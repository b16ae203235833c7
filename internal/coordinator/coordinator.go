// Package coordinator owns pipeline runs: matrix expansion, dependency
// ordering, bounded-concurrency dispatch, cancel-in-progress, and the final
// aggregation stage.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"matrixci/internal/apperrors"
	"matrixci/internal/artifactstore"
	"matrixci/internal/executor"
	"matrixci/internal/notify"
	"matrixci/internal/observability"
	"matrixci/internal/pipeline"
	"matrixci/internal/report"
	"matrixci/internal/trigger"
)

// Config holds the coordinator's collaborators and limits.
type Config struct {
	Executor    executor.Executor
	Actions     *executor.Registry
	Notifier    notify.Notifier
	Metrics     *observability.Metrics
	Aggregator  *report.Aggregator
	Capacity    int    // max jobs in flight per run (default: 4)
	CallbackURL string // empty disables status callbacks
	CallbackKey string // HMAC key for callback signing
	Source      string // CloudEvents source identifier
}

// Coordinator manages the lifecycle of pipeline runs.
type Coordinator struct {
	mu      sync.Mutex
	runs    map[string]*Run // by run ID
	active  map[string]*Run // by concurrency group key
	ordered []*Run          // creation order

	cfg    Config
	logger *slog.Logger
	seq    atomic.Int64
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 4
	}
	if cfg.Source == "" {
		cfg.Source = "matrixci/coordinator"
	}
	if cfg.Aggregator == nil {
		cfg.Aggregator = report.NewAggregator(nil, cfg.Metrics, false)
	}
	return &Coordinator{
		runs:   make(map[string]*Run),
		active: make(map[string]*Run),
		cfg:    cfg,
		logger: slog.With("component", "coordinator"),
	}
}

// Trigger starts a run of the pipeline for the given event. It returns
// (nil, nil) when the event does not match the pipeline's trigger filter.
// Expansion or configuration errors abort before any job is dispatched.
func (c *Coordinator) Trigger(ctx context.Context, p *pipeline.Pipeline, ev trigger.Event) (*Run, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if !p.On.Matches(ev) {
		return nil, nil
	}

	specs, err := c.expand(p)
	if err != nil {
		return nil, err
	}

	run := c.newRun(p, ev, specs)

	c.mu.Lock()
	if prev, ok := c.active[run.GroupKey]; ok && !prev.Finished() {
		if p.Concurrency.CancelInProgress {
			c.logger.Info("Superseding in-progress run", "group", run.GroupKey, "superseded", prev.ID)
			prev.supersede()
		}
	}
	c.active[run.GroupKey] = run
	c.runs[run.ID] = run
	c.ordered = append(c.ordered, run)
	c.mu.Unlock()

	c.logger.Info("Run accepted",
		"run", run.ID,
		"pipeline", p.Name,
		"group", run.GroupKey,
		"jobs", run.totalJobs(),
	)

	go c.execute(run)
	return run, nil
}

// expand fans out every non-aggregate template up front so configuration
// errors surface before any dispatch.
func (c *Coordinator) expand(p *pipeline.Pipeline) (map[string][]pipeline.JobSpec, error) {
	specs := make(map[string][]pipeline.JobSpec, len(p.Jobs))
	for i := range p.Jobs {
		tpl := &p.Jobs[i]
		if tpl.Aggregate != nil {
			continue
		}
		expanded, err := pipeline.Expand(*tpl)
		if err != nil {
			return nil, err
		}
		if c.cfg.Actions != nil {
			for j := range expanded {
				if err := c.cfg.Actions.Check(&expanded[j]); err != nil {
					return nil, err
				}
			}
		}
		specs[tpl.Name] = expanded
	}
	return specs, nil
}

func (c *Coordinator) newRun(p *pipeline.Pipeline, ev trigger.Event, specs map[string][]pipeline.JobSpec) *Run {
	id := fmt.Sprintf("run-%d-%d", time.Now().Unix(), c.seq.Add(1))
	ctx, cancel := context.WithCancel(context.Background())

	run := &Run{
		ID:       id,
		Pipeline: p.Name,
		Event:    ev,
		GroupKey: trigger.GroupKey(p.Name, ev),
		Started:  time.Now(),

		def:    p,
		specs:  specs,
		store:  artifactstore.New(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		status: StatusRunning,
		jobs:   make(map[string]*JobStatus),
	}

	for i := range p.Jobs {
		tpl := &p.Jobs[i]
		run.order = append(run.order, tpl.Name)
		if tpl.Aggregate != nil {
			run.addJob(&JobStatus{
				ID:       sanitizeID(tpl.Name),
				Name:     tpl.Name,
				Template: tpl.Name,
				Status:   StatusPending,
			})
			continue
		}
		for _, spec := range specs[tpl.Name] {
			run.addJob(&JobStatus{
				ID:       spec.ID,
				Name:     spec.Name,
				Template: tpl.Name,
				Status:   StatusPending,
			})
		}
	}
	return run
}

// Get returns a run by ID.
func (c *Coordinator) Get(id string) (*Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.runs[id]
	if !ok {
		return nil, apperrors.NotFound("run", id)
	}
	return run, nil
}

// List returns all known runs in creation order.
func (c *Coordinator) List() []*Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	runs := make([]*Run, len(c.ordered))
	copy(runs, c.ordered)
	return runs
}

// Cancel cancels a run by ID. Cancelling a finished run is a no-op.
func (c *Coordinator) Cancel(id string) error {
	run, err := c.Get(id)
	if err != nil {
		return err
	}
	run.supersede()
	c.logger.Info("Run cancelled", "run", id)
	return nil
}

// Shutdown cancels all in-flight runs and waits for them to settle, bounded
// by ctx.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	runs := c.List()

	for _, r := range runs {
		if !r.Finished() {
			r.supersede()
		}
	}
	for _, r := range runs {
		if err := r.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func sanitizeID(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
