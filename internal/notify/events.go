package notify

import (
	"fmt"
	"time"

	"matrixci/pkg/cloudevent"
)

// Event types for run lifecycle callbacks
const (
	EventTypeRunStart  = "matrixci.run.start"
	EventTypeRunFinish = "matrixci.run.finish"
	EventTypeJobFinish = "matrixci.job.finish"
)

// EventBuilder builds CloudEvents for run lifecycle events.
type EventBuilder struct {
	source  string
	subject string
}

// NewEventBuilder creates a new EventBuilder. The subject is the run ID.
func NewEventBuilder(runID, source string) *EventBuilder {
	return &EventBuilder{
		source:  source,
		subject: runID,
	}
}

// Build creates a new CloudEvent with the given type and data.
func (b *EventBuilder) Build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	eventID := fmt.Sprintf("%s-%d", b.subject, time.Now().UnixNano())
	return cloudevent.New(eventType, b.source, b.subject, eventID, data)
}

// BuildRunStartEvent creates a run start event.
func (b *EventBuilder) BuildRunStartEvent(pipeline, ref, sha string, jobs int) *cloudevent.CloudEvent {
	data := map[string]any{
		"runId":    b.subject,
		"pipeline": pipeline,
		"ref":      ref,
		"sha":      sha,
		"jobs":     jobs,
	}
	return b.Build(EventTypeRunStart, data)
}

// BuildRunFinishEvent creates a run finish event.
func (b *EventBuilder) BuildRunFinishEvent(pipeline, status string, jobStatuses map[string]string) *cloudevent.CloudEvent {
	data := map[string]any{
		"runId":    b.subject,
		"pipeline": pipeline,
		"status":   status,
		"jobs":     jobStatuses,
	}
	return b.Build(EventTypeRunFinish, data)
}

// BuildJobFinishEvent creates a job finish event.
func (b *EventBuilder) BuildJobFinishEvent(jobID, jobName, status string, artifacts []string) *cloudevent.CloudEvent {
	data := map[string]any{
		"runId":   b.subject,
		"jobId":   jobID,
		"jobName": jobName,
		"status":  status,
	}
	if len(artifacts) > 0 {
		data["artifacts"] = artifacts
	}
	return b.Build(EventTypeJobFinish, data)
}
