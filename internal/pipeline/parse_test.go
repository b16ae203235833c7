package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"matrixci/internal/apperrors"
)

const sampleDefinition = `
name: ci
on:
  branches: [main, "release/*"]
  tags: ["v*"]
  pull_request: true
concurrency:
  cancel_in_progress: true
jobs:
  - name: test
    runs_on: "${{ matrix.os }}"
    matrix:
      axes:
        os: [linux, macos]
        python: ["3.11", "3.12"]
    steps:
      - name: checkout
        uses: checkout@v4
      - name: run tests
        run: tox -e py${{ matrix.python }}
      - name: upload coverage
        uses: upload-artifact@v4
        if: "name-contains:cov"
        always_run: true
        with:
          name: "coverage_${{ matrix.os }}_${{ matrix.python }}"
          path: "coverage/*.xml"
  - name: coverage
    needs: [test]
    aggregate:
      pattern: "coverage_*"
`

func TestParse_ValidDefinition(t *testing.T) {
	t.Parallel()

	p, err := Parse([]byte(sampleDefinition))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if p.Name != "ci" {
		t.Errorf("expected name %q, got %q", "ci", p.Name)
	}
	if !p.Concurrency.CancelInProgress {
		t.Error("expected cancel_in_progress to be set")
	}
	if len(p.Jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(p.Jobs))
	}
	if p.Jobs[1].Aggregate == nil || p.Jobs[1].Aggregate.Pattern != "coverage_*" {
		t.Errorf("aggregate spec not parsed: %+v", p.Jobs[1].Aggregate)
	}
	if !p.Jobs[0].Steps[2].AlwaysRun {
		t.Error("expected always_run on the upload step")
	}
}

func TestParse_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", `{{{`},
		{"missing name", `
jobs:
  - name: a
    steps: [{run: "true"}]
`},
		{"no jobs", `
name: ci
jobs: []
`},
		{"duplicate job names", `
name: ci
jobs:
  - name: a
    steps: [{run: "true"}]
  - name: a
    steps: [{run: "true"}]
`},
		{"job without steps", `
name: ci
jobs:
  - name: a
`},
		{"step with run and uses", `
name: ci
jobs:
  - name: a
    steps: [{run: "true", uses: checkout@v4}]
`},
		{"unpinned action", `
name: ci
jobs:
  - name: a
    steps: [{uses: checkout}]
`},
		{"upload without path", `
name: ci
jobs:
  - name: a
    steps:
      - uses: upload-artifact@v4
        with: {name: cov}
`},
		{"unknown need", `
name: ci
jobs:
  - name: a
    needs: [ghost]
    steps: [{run: "true"}]
`},
		{"self need", `
name: ci
jobs:
  - name: a
    needs: [a]
    steps: [{run: "true"}]
`},
		{"needs cycle", `
name: ci
jobs:
  - name: a
    needs: [b]
    steps: [{run: "true"}]
  - name: b
    needs: [a]
    steps: [{run: "true"}]
`},
		{"unsupported condition", `
name: ci
jobs:
  - name: a
    steps: [{run: "true", if: "branch-is:main"}]
`},
		{"undeclared matrix variable", `
name: ci
jobs:
  - name: a
    steps: [{run: "echo ${{ matrix.os }}"}]
`},
		{"aggregate with matrix", `
name: ci
jobs:
  - name: a
    matrix:
      axes: {os: [linux]}
    aggregate: {pattern: "coverage_*"}
`},
		{"aggregate with steps", `
name: ci
jobs:
  - name: a
    aggregate: {pattern: "coverage_*"}
    steps: [{run: "true"}]
`},
		{"aggregate without pattern", `
name: ci
jobs:
  - name: a
    aggregate: {require_match: true}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if !errors.Is(err, apperrors.ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestStepSpec_Condition(t *testing.T) {
	t.Parallel()

	job := &JobSpec{Name: "test (os=linux, tox=cov-py311)"}

	if !(StepSpec{}).Condition(job) {
		t.Error("empty condition must always be met")
	}
	if !(StepSpec{If: "name-contains:cov"}).Condition(job) {
		t.Error("expected matching marker to satisfy condition")
	}
	if (StepSpec{If: "name-contains:windows"}).Condition(job) {
		t.Error("expected missing marker to fail condition")
	}
}

func TestLoadDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ci.yaml"), sampleDefinition)
	writeFile(t, filepath.Join(dir, "notes.txt"), "not a pipeline")

	pipelines, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(pipelines) != 1 {
		t.Fatalf("expected 1 pipeline, got %d", len(pipelines))
	}
	if _, ok := pipelines["ci"]; !ok {
		t.Error("expected pipeline keyed by name")
	}
}

func TestLoadDir_DuplicateNames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), sampleDefinition)
	writeFile(t, filepath.Join(dir, "b.yaml"), sampleDefinition)

	_, err := LoadDir(dir)
	if !errors.Is(err, apperrors.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for duplicate pipeline names, got %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
