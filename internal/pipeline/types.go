// Package pipeline defines the pipeline declaration surface and the matrix
// expansion that turns job templates into concrete job specs.
package pipeline

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"matrixci/internal/trigger"
)

// UploadAction is the builtin action name for artifact upload steps. It is
// handled by the job runner instead of the step executor.
const UploadAction = "upload-artifact"

// Pipeline is one parsed pipeline definition file.
type Pipeline struct {
	Name        string        `yaml:"name"`
	On          trigger.On    `yaml:"on"`
	Concurrency Concurrency   `yaml:"concurrency"`
	Jobs        []JobTemplate `yaml:"jobs"`
}

// Concurrency controls overlapping runs for the same group key.
type Concurrency struct {
	CancelInProgress bool `yaml:"cancel_in_progress"`
}

// JobTemplate declares one job, possibly fanned out over a matrix.
type JobTemplate struct {
	Name           string         `yaml:"name"`
	RunsOn         string         `yaml:"runs_on"`
	Matrix         Matrix         `yaml:"matrix"`
	Steps          []StepSpec     `yaml:"steps"`
	AllowFailure   bool           `yaml:"allow_failure"`
	Needs          []string       `yaml:"needs"`
	RequireSuccess bool           `yaml:"require_success"`
	Aggregate      *AggregateSpec `yaml:"aggregate"`
}

// Matrix declares fan-out axes and explicit include entries. Includes are
// unioned with the axis product, never restricted by it.
type Matrix struct {
	Axes    map[string][]string `yaml:"axes"`
	Include []map[string]string `yaml:"include"`
}

// StepSpec is one named action inside a job. Exactly one of Run (a shell
// command) or Uses (a pinned action reference, "name@version") must be set.
type StepSpec struct {
	Name      string            `yaml:"name"`
	Run       string            `yaml:"run"`
	Uses      string            `yaml:"uses"`
	With      map[string]string `yaml:"with"`
	If        string            `yaml:"if"`
	AlwaysRun bool              `yaml:"always_run"`
}

// AggregateSpec marks a template as the downstream aggregator stage: it
// collects artifacts matching Pattern and forwards them to the reporting sink.
type AggregateSpec struct {
	Pattern      string `yaml:"pattern"`
	RequireMatch bool   `yaml:"require_match"`
	// IgnoreSinkError keeps the aggregator green when the sink rejects the
	// payload. Default is to fail.
	IgnoreSinkError bool `yaml:"ignore_sink_error"`
}

// JobSpec is one concrete matrix entry. Immutable once created.
type JobSpec struct {
	Template     string            // name of the originating template
	ID           string            // stable identity derived from bound variables
	Name         string            // display name
	RunsOn       string            // target environment descriptor, interpolated
	Vars         map[string]string // resolved variable binding
	Steps        []StepSpec        // interpolated step list
	AllowFailure bool
}

// identity derives the stable job ID from the template name and the sorted
// variable binding. Used for dedup within a concurrency group. Sanitizing is
// lossy, so a digest of the raw binding keeps distinct bindings like "3.11"
// and "3-11" from collapsing into one identity.
func identity(template string, vars map[string]string) string {
	parts := []string{sanitize(template)}
	h := fnv.New32a()
	for _, k := range sortedKeys(vars) {
		parts = append(parts, sanitize(k), sanitize(vars[k]))
		fmt.Fprintf(h, "%s=%s\x00", k, vars[k])
	}
	if len(vars) > 0 {
		parts = append(parts, fmt.Sprintf("%08x", h.Sum32()))
	}
	return strings.Join(parts, "-")
}

// displayName renders the human-facing job name, e.g. "test (os=linux, py=3.11)".
func displayName(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	pairs := make([]string, 0, len(vars))
	for _, k := range sortedKeys(vars) {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, vars[k]))
	}
	return fmt.Sprintf("%s (%s)", template, strings.Join(pairs, ", "))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
