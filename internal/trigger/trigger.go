// Package trigger models the events that instantiate pipeline runs and the
// filters that decide whether a pipeline reacts to them.
package trigger

import (
	"fmt"
	"path"

	"matrixci/internal/apperrors"
)

// Event kinds.
const (
	KindPush        = "push"
	KindTag         = "tag"
	KindPullRequest = "pull_request"
)

// Event is one triggering event (push, tag push, or pull request).
type Event struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"` // branch name, tag name, or PR source branch
	SHA  string `json:"sha,omitempty"`
}

// Validate checks that the event is well formed.
func (e Event) Validate() error {
	switch e.Kind {
	case KindPush, KindTag, KindPullRequest:
	case "":
		return apperrors.Validation("kind", "event kind is required")
	default:
		return apperrors.Validation("kind", fmt.Sprintf("unknown event kind %q", e.Kind))
	}
	if e.Ref == "" {
		return apperrors.Validation("ref", "event ref is required")
	}
	return nil
}

// On declares which events a pipeline reacts to. Branch and tag entries may be
// literal names or path.Match globs.
type On struct {
	Branches    []string `yaml:"branches"`
	Tags        []string `yaml:"tags"`
	PullRequest bool     `yaml:"pull_request"`
}

// Matches reports whether the event should instantiate a run.
func (o On) Matches(ev Event) bool {
	switch ev.Kind {
	case KindPush:
		return matchAny(o.Branches, ev.Ref)
	case KindTag:
		return matchAny(o.Tags, ev.Ref)
	case KindPullRequest:
		return o.PullRequest
	default:
		return false
	}
}

func matchAny(patterns []string, ref string) bool {
	for _, p := range patterns {
		if p == ref {
			return true
		}
		if ok, err := path.Match(p, ref); err == nil && ok {
			return true
		}
	}
	return false
}

// GroupKey computes the concurrency-group key for a pipeline and event.
// Runs sharing a key are subject to cancel-in-progress.
func GroupKey(pipeline string, ev Event) string {
	return fmt.Sprintf("%s@%s/%s", pipeline, ev.Kind, ev.Ref)
}
