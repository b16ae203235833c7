// pipeline-runner executes one pipeline definition to completion and prints
// the per-job breakdown. Intended for local use and CI debugging.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"matrixci/internal/coordinator"
	"matrixci/internal/executor"
	"matrixci/internal/pipeline"
	"matrixci/internal/report"
	"matrixci/internal/trigger"
)

func main() {
	var (
		file     = flag.String("file", "", "pipeline definition file (required)")
		event    = flag.String("event", trigger.KindPush, "event kind: push, tag, or pull_request")
		ref      = flag.String("ref", "main", "branch or tag name the event refers to")
		sha      = flag.String("sha", "", "commit SHA for the event")
		capacity = flag.Int("capacity", 4, "max jobs in flight")
		actions  = flag.String("actions", "", "action registry file")
		sinkURL  = flag.String("sink", "", "reporting sink URL for aggregate jobs")
		verbose  = flag.Bool("v", false, "log at debug level")
	)
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: pipeline-runner -file <pipeline.yaml> [-event push] [-ref main]")
		os.Exit(2)
	}

	if err := run(*file, *event, *ref, *sha, *capacity, *actions, *sinkURL); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(file, event, ref, sha string, capacity int, actionsFile, sinkURL string) error {
	p, err := pipeline.Load(file)
	if err != nil {
		return err
	}

	registry := executor.NewRegistry()
	if actionsFile != "" {
		registry, err = executor.LoadActionsFile(actionsFile)
		if err != nil {
			return err
		}
	}

	var sink *report.Sink
	if sinkURL != "" {
		sink = report.NewSink(sinkURL, "", 30*time.Second)
	}

	coord := coordinator.New(coordinator.Config{
		Executor:   executor.NewLocal(registry),
		Actions:    registry,
		Aggregator: report.NewAggregator(sink, nil, sink != nil),
		Capacity:   capacity,
	})

	ev := trigger.Event{Kind: event, Ref: ref, SHA: sha}
	runHandle, err := coord.Trigger(context.Background(), p, ev)
	if err != nil {
		return err
	}
	if runHandle == nil {
		fmt.Printf("event %s/%s does not match pipeline %q, nothing to run\n", event, ref, p.Name)
		return nil
	}

	if err := runHandle.Wait(context.Background()); err != nil {
		return err
	}

	snap := runHandle.Snapshot()
	printBreakdown(snap)

	if snap.Status != coordinator.StatusSucceeded {
		return fmt.Errorf("run %s", snap.Status)
	}
	return nil
}

func printBreakdown(snap coordinator.Snapshot) {
	fmt.Printf("pipeline %s: %s\n", snap.Pipeline, snap.Status)
	for _, j := range snap.Jobs {
		marker := " "
		switch j.Status {
		case coordinator.StatusSucceeded:
			marker = "+"
		case coordinator.StatusFailed:
			marker = "x"
		case coordinator.StatusFailedButAllowed:
			marker = "!"
		case coordinator.StatusSkipped, coordinator.StatusCancelled:
			marker = "-"
		}
		line := fmt.Sprintf("  %s %-40s %s", marker, j.Name, j.Status)
		if j.Status == coordinator.StatusFailedButAllowed {
			line += " (allowed)"
		}
		fmt.Println(line)
		for _, a := range j.Artifacts {
			fmt.Printf("      artifact: %s\n", a)
		}
	}
}
