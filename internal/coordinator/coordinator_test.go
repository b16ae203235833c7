package coordinator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"matrixci/internal/apperrors"
	"matrixci/internal/executor"
	"matrixci/internal/pipeline"
	"matrixci/internal/report"
	"matrixci/internal/testutil"
	"matrixci/internal/trigger"
)

func newTestCoordinator(t *testing.T, capacity int, sinkURL string) *Coordinator {
	t.Helper()
	var agg *report.Aggregator
	if sinkURL != "" {
		agg = report.NewAggregator(report.NewSink(sinkURL, "", 5*time.Second), nil, true)
	}
	return New(Config{
		Executor:   executor.NewLocal(executor.NewRegistry()),
		Actions:    executor.NewRegistry(),
		Aggregator: agg,
		Capacity:   capacity,
	})
}

func mustParse(t *testing.T, def string) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.Parse([]byte(def))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return p
}

func pushEvent(ref string) trigger.Event {
	return trigger.Event{Kind: trigger.KindPush, Ref: ref, SHA: "abc123"}
}

func waitForRun(t *testing.T, run *Run) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := run.Wait(ctx); err != nil {
		t.Fatalf("run did not finish: %v", err)
	}
	return run.Snapshot()
}

const matrixDefinition = `
name: ci
on:
  branches: [main]
jobs:
  - name: test
    matrix:
      axes:
        os: [linux, macos]
        py: ["3.11", "3.12", "3.13"]
    steps:
      - name: unit
        run: "true"
`

func TestTrigger_NonMatchingEventIgnored(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, 2, "")
	p := mustParse(t, matrixDefinition)

	run, err := c.Trigger(context.Background(), p, pushEvent("feature"))
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if run != nil {
		t.Fatal("expected non-matching event to be ignored")
	}
}

func TestTrigger_MatrixFanOut(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, 3, "")
	p := mustParse(t, matrixDefinition)

	run, err := c.Trigger(context.Background(), p, pushEvent("main"))
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	snap := waitForRun(t, run)
	if snap.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", snap.Status)
	}
	if len(snap.Jobs) != 6 {
		t.Fatalf("expected 6 jobs, got %d", len(snap.Jobs))
	}
	seen := map[string]bool{}
	for _, j := range snap.Jobs {
		if j.Status != StatusSucceeded {
			t.Errorf("job %s: expected succeeded, got %s", j.Name, j.Status)
		}
		if seen[j.ID] {
			t.Errorf("duplicate job ID %s", j.ID)
		}
		seen[j.ID] = true
	}
}

func TestTrigger_ZeroExpansionRejected(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, 2, "")
	p := mustParse(t, `
name: ci
on:
  branches: [main]
jobs:
  - name: test
    matrix:
      axes:
        os: []
    steps:
      - name: unit
        run: "true"
`)

	_, err := c.Trigger(context.Background(), p, pushEvent("main"))
	if !errors.Is(err, apperrors.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if len(c.List()) != 0 {
		t.Error("expected no run to be registered on expansion failure")
	}
}

func TestRun_AllowedFailureKeepsRunGreen(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, 4, "")
	p := mustParse(t, `
name: ci
on:
  branches: [main]
jobs:
  - name: test
    matrix:
      axes:
        py: ["3.11", "3.12"]
    steps:
      - name: unit
        run: "true"
  - name: experimental
    allow_failure: true
    steps:
      - name: unit
        run: "true"
      - name: flaky
        run: "exit 1"
`)

	run, err := c.Trigger(context.Background(), p, pushEvent("main"))
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	snap := waitForRun(t, run)
	if snap.Status != StatusSucceeded {
		t.Fatalf("expected aggregate succeeded, got %s", snap.Status)
	}

	var allowed int
	for _, j := range snap.Jobs {
		if j.Template == "experimental" {
			if j.Status != StatusFailedButAllowed {
				t.Errorf("expected failed-but-allowed, got %s", j.Status)
			}
			allowed++
		} else if j.Status != StatusSucceeded {
			t.Errorf("job %s: expected succeeded, got %s", j.Name, j.Status)
		}
	}
	if allowed != 1 {
		t.Errorf("expected 1 allowed failure in breakdown, got %d", allowed)
	}
}

func TestRun_BlockingFailureReddensRun(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, 2, "")
	p := mustParse(t, `
name: ci
on:
  branches: [main]
jobs:
  - name: test
    steps:
      - name: unit
        run: "exit 2"
`)

	run, err := c.Trigger(context.Background(), p, pushEvent("main"))
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	snap := waitForRun(t, run)
	if snap.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", snap.Status)
	}
}

func TestRun_MissingArtifactOverridesAllowFailure(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, 2, "")
	p := mustParse(t, `
name: ci
on:
  branches: [main]
jobs:
  - name: test
    allow_failure: true
    steps:
      - name: upload
        uses: upload-artifact@v4
        with:
          name: report
          path: missing.xml
`)

	run, err := c.Trigger(context.Background(), p, pushEvent("main"))
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	snap := waitForRun(t, run)
	if snap.Status != StatusFailed {
		t.Fatalf("missing artifact must redden the run despite allow_failure, got %s", snap.Status)
	}
	if snap.Jobs[0].Status != StatusFailed {
		t.Errorf("expected job failed, got %s", snap.Jobs[0].Status)
	}
}

func TestRun_NeedsOrderingAndAggregate(t *testing.T) {
	t.Parallel()
	var uploads atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		uploads.Add(1)
		if n := len(r.MultipartForm.File["artifacts"]); n != 2 {
			t.Errorf("expected 2 artifact parts, got %d", n)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestCoordinator(t, 4, server.URL)
	p := mustParse(t, `
name: ci
on:
  branches: [main]
jobs:
  - name: test
    matrix:
      axes:
        py: ["3.11", "3.12"]
    steps:
      - name: produce
        run: "echo data > cov.xml"
      - name: upload
        uses: upload-artifact@v4
        with:
          name: cov-${{ matrix.py }}
          path: cov.xml
  - name: coverage
    needs: [test]
    aggregate:
      pattern: "cov-*"
      require_match: true
`)

	run, err := c.Trigger(context.Background(), p, pushEvent("main"))
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	snap := waitForRun(t, run)
	if snap.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", snap.Status)
	}
	if uploads.Load() != 1 {
		t.Errorf("expected 1 sink upload, got %d", uploads.Load())
	}
	for _, j := range snap.Jobs {
		if j.Template == "coverage" && j.Status != StatusSucceeded {
			t.Errorf("aggregate job: expected succeeded, got %s", j.Status)
		}
	}
}

func TestRun_RequireSuccessSkipsDependent(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, 2, "")
	p := mustParse(t, `
name: ci
on:
  branches: [main]
jobs:
  - name: build
    steps:
      - name: compile
        run: "exit 1"
  - name: deploy
    needs: [build]
    require_success: true
    steps:
      - name: ship
        run: "true"
`)

	run, err := c.Trigger(context.Background(), p, pushEvent("main"))
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	snap := waitForRun(t, run)
	if snap.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", snap.Status)
	}
	for _, j := range snap.Jobs {
		if j.Template == "deploy" && j.Status != StatusSkipped {
			t.Errorf("expected deploy skipped, got %s", j.Status)
		}
	}
}

func TestRun_NeedsIsCompletionBarrierOnly(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, 2, "")
	p := mustParse(t, `
name: ci
on:
  branches: [main]
jobs:
  - name: build
    steps:
      - name: compile
        run: "exit 1"
  - name: report
    needs: [build]
    steps:
      - name: summarize
        run: "true"
`)

	run, err := c.Trigger(context.Background(), p, pushEvent("main"))
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	snap := waitForRun(t, run)
	for _, j := range snap.Jobs {
		if j.Template == "report" && j.Status != StatusSucceeded {
			t.Errorf("without require_success the dependent must still run, got %s", j.Status)
		}
	}
}

func TestRun_CancelInProgress(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, 2, "")
	p := mustParse(t, `
name: ci
on:
  branches: [main]
concurrency:
  cancel_in_progress: true
jobs:
  - name: slow
    steps:
      - name: produce
        run: "echo x > out.txt"
      - name: wait
        run: "sleep 30"
      - name: upload
        uses: upload-artifact@v4
        with:
          name: out
          path: out.txt
`)

	first, err := c.Trigger(context.Background(), p, pushEvent("main"))
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		return first.Snapshot().Jobs[0].Status == StatusRunning
	}, testutil.WithTimeout(10*time.Second))

	second, err := c.Trigger(context.Background(), p, pushEvent("main"))
	if err != nil {
		t.Fatalf("second Trigger failed: %v", err)
	}

	snap := waitForRun(t, first)
	if snap.Status != StatusCancelled {
		t.Fatalf("expected superseded run cancelled, got %s", snap.Status)
	}
	for _, j := range snap.Jobs {
		if len(j.Artifacts) != 0 {
			t.Errorf("cancelled run must not register artifacts, got %v", j.Artifacts)
		}
	}

	second.supersede()
	waitForRun(t, second)
}

func TestRun_SameGroupWithoutCancelRunsToCompletion(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, 2, "")
	p := mustParse(t, `
name: ci
on:
  branches: [main]
jobs:
  - name: quick
    steps:
      - name: unit
        run: "true"
`)

	first, err := c.Trigger(context.Background(), p, pushEvent("main"))
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	second, err := c.Trigger(context.Background(), p, pushEvent("main"))
	if err != nil {
		t.Fatalf("second Trigger failed: %v", err)
	}

	if s := waitForRun(t, first); s.Status == StatusCancelled {
		t.Errorf("without cancel_in_progress the first run must not be cancelled")
	}
	if s := waitForRun(t, second); s.Status != StatusSucceeded {
		t.Errorf("expected second run succeeded, got %s", s.Status)
	}
}

func TestCoordinator_GetAndCancel(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, 1, "")
	p := mustParse(t, `
name: ci
on:
  branches: [main]
jobs:
  - name: slow
    steps:
      - name: wait
        run: "sleep 30"
`)

	run, err := c.Trigger(context.Background(), p, pushEvent("main"))
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	got, err := c.Get(run.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != run.ID {
		t.Errorf("expected run %s, got %s", run.ID, got.ID)
	}

	if _, err := c.Get("nope"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := c.Cancel(run.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	snap := waitForRun(t, run)
	if snap.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", snap.Status)
	}
}

func TestRun_AggregateSeesMultiFileUpload(t *testing.T) {
	t.Parallel()
	var parts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		parts.Store(int32(len(r.MultipartForm.File["artifacts"])))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestCoordinator(t, 2, server.URL)
	p := mustParse(t, `
name: ci
on:
  branches: [main]
jobs:
  - name: test
    steps:
      - name: produce
        run: "echo a > a.dat; echo b > b.dat"
      - name: upload
        uses: upload-artifact@v4
        with:
          name: cov-data
          path: "*.dat"
  - name: coverage
    needs: [test]
    aggregate:
      pattern: "cov-*"
      require_match: true
`)

	run, err := c.Trigger(context.Background(), p, pushEvent("main"))
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	snap := waitForRun(t, run)
	if snap.Status != StatusSucceeded {
		t.Fatalf("pattern matching the declared name must see all uploaded files, got %s", snap.Status)
	}
	if parts.Load() != 2 {
		t.Errorf("expected both files forwarded to the sink, got %d parts", parts.Load())
	}
}

func TestRun_MultipleAggregatesBothSettle(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, 2, "")
	p := mustParse(t, `
name: ci
on:
  branches: [main]
jobs:
  - name: test
    steps:
      - name: produce
        run: "echo data > cov.xml"
      - name: upload
        uses: upload-artifact@v4
        with:
          name: cov-report
          path: cov.xml
  - name: coverage
    aggregate:
      pattern: "cov-*"
  - name: reports
    aggregate:
      pattern: "log-*"
`)

	run, err := c.Trigger(context.Background(), p, pushEvent("main"))
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	snap := waitForRun(t, run)
	if snap.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", snap.Status)
	}
	for _, j := range snap.Jobs {
		switch j.Template {
		case "coverage":
			if j.Status != StatusSucceeded {
				t.Errorf("coverage: expected succeeded, got %s", j.Status)
			}
		case "reports":
			if j.Status != StatusSkipped {
				t.Errorf("reports: expected skipped on zero matches, got %s", j.Status)
			}
		}
		if j.Status == StatusPending || j.Status == StatusRunning {
			t.Errorf("job %s left non-terminal (%s) in a finished run", j.Name, j.Status)
		}
	}
}

func TestRun_QueuedJobsStayPendingUntilPicked(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, 1, "")
	p := mustParse(t, `
name: ci
on:
  branches: [main]
jobs:
  - name: slow
    matrix:
      axes:
        py: ["3.11", "3.12"]
    steps:
      - name: wait
        run: "sleep 30"
`)

	run, err := c.Trigger(context.Background(), p, pushEvent("main"))
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		for _, j := range run.Snapshot().Jobs {
			if j.Status == StatusRunning {
				return true
			}
		}
		return false
	}, testutil.WithTimeout(10*time.Second))

	var running, pending int
	for _, j := range run.Snapshot().Jobs {
		switch j.Status {
		case StatusRunning:
			running++
		case StatusPending:
			pending++
		}
	}
	if running != 1 || pending != 1 {
		t.Errorf("with capacity 1, expected 1 running and 1 pending, got %d running %d pending", running, pending)
	}

	run.supersede()
	waitForRun(t, run)
}

func TestRun_AggregateZeroMatchesSkips(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, 2, "")
	p := mustParse(t, `
name: ci
on:
  branches: [main]
jobs:
  - name: test
    steps:
      - name: unit
        run: "true"
  - name: coverage
    aggregate:
      pattern: "cov-*"
`)

	run, err := c.Trigger(context.Background(), p, pushEvent("main"))
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	snap := waitForRun(t, run)
	if snap.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", snap.Status)
	}
	for _, j := range snap.Jobs {
		if j.Template == "coverage" && j.Status != StatusSkipped {
			t.Errorf("expected aggregate skipped on zero matches, got %s", j.Status)
		}
	}
}
