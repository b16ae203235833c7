package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"matrixci/internal/apperrors"
)

// usesPattern validates pinned action references ("name@version").
var usesPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*@[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// condPrefix is the only supported run-condition form: the step runs when the
// job display name contains the marker substring.
const condPrefix = "name-contains:"

// Parse parses and validates a pipeline definition.
func Parse(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, apperrors.Configuration("", fmt.Sprintf("malformed pipeline definition: %v", err))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load reads and parses a pipeline definition file.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Internal("pipeline.load", err)
	}
	return Parse(data)
}

// LoadDir loads every .yaml/.yml pipeline definition in a directory, keyed by
// pipeline name.
func LoadDir(dir string) (map[string]*Pipeline, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperrors.Internal("pipeline.loadDir", err)
	}

	pipelines := make(map[string]*Pipeline)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		p, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		if _, dup := pipelines[p.Name]; dup {
			return nil, apperrors.Configuration("name",
				fmt.Sprintf("duplicate pipeline name %q", p.Name))
		}
		pipelines[p.Name] = p
	}
	return pipelines, nil
}

// Validate checks the whole definition. All violations are configuration
// errors and surface before any job is dispatched.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return apperrors.Configuration("name", "pipeline name is required")
	}
	if len(p.Jobs) == 0 {
		return apperrors.Configuration("jobs", "pipeline declares no jobs")
	}

	byName := make(map[string]*JobTemplate, len(p.Jobs))
	for i := range p.Jobs {
		tpl := &p.Jobs[i]
		if tpl.Name == "" {
			return apperrors.Configuration("jobs", fmt.Sprintf("job %d has no name", i))
		}
		if _, dup := byName[tpl.Name]; dup {
			return apperrors.Configuration("jobs", fmt.Sprintf("duplicate job name %q", tpl.Name))
		}
		byName[tpl.Name] = tpl
	}

	for i := range p.Jobs {
		if err := validateTemplate(&p.Jobs[i], byName); err != nil {
			return err
		}
	}
	return validateNeedsAcyclic(p.Jobs)
}

func validateTemplate(tpl *JobTemplate, byName map[string]*JobTemplate) error {
	for _, need := range tpl.Needs {
		if need == tpl.Name {
			return apperrors.Configuration("needs",
				fmt.Sprintf("job %q depends on itself", tpl.Name))
		}
		if _, ok := byName[need]; !ok {
			return apperrors.Configuration("needs",
				fmt.Sprintf("job %q needs unknown job %q", tpl.Name, need))
		}
	}

	if tpl.Aggregate != nil {
		if tpl.Aggregate.Pattern == "" {
			return apperrors.Configuration("aggregate.pattern",
				fmt.Sprintf("aggregate job %q has no artifact pattern", tpl.Name))
		}
		if len(tpl.Matrix.Axes) > 0 || len(tpl.Matrix.Include) > 0 {
			return apperrors.Configuration("aggregate",
				fmt.Sprintf("aggregate job %q cannot declare a matrix", tpl.Name))
		}
		if len(tpl.Steps) > 0 {
			return apperrors.Configuration("aggregate",
				fmt.Sprintf("aggregate job %q cannot declare steps", tpl.Name))
		}
		return nil
	}

	if len(tpl.Steps) == 0 {
		return apperrors.Configuration("steps",
			fmt.Sprintf("job %q declares no steps", tpl.Name))
	}

	declared := declaredVars(tpl.Matrix)
	for i, step := range tpl.Steps {
		where := fmt.Sprintf("job %q step %d", tpl.Name, i)
		if (step.Run == "") == (step.Uses == "") {
			return apperrors.Configuration("steps",
				fmt.Sprintf("%s must set exactly one of run or uses", where))
		}
		if step.Uses != "" && !usesPattern.MatchString(step.Uses) {
			return apperrors.Configuration("steps",
				fmt.Sprintf("%s: action reference %q is not pinned (want name@version)", where, step.Uses))
		}
		if strings.HasPrefix(step.Uses, UploadAction+"@") {
			if step.With["name"] == "" || step.With["path"] == "" {
				return apperrors.Configuration("steps",
					fmt.Sprintf("%s: %s requires with.name and with.path", where, UploadAction))
			}
		}
		if step.If != "" {
			marker, ok := strings.CutPrefix(step.If, condPrefix)
			if !ok || marker == "" {
				return apperrors.Configuration("steps",
					fmt.Sprintf("%s: unsupported condition %q", where, step.If))
			}
		}
		if err := validateRefs(tpl.Name, step, declared); err != nil {
			return err
		}
	}

	for _, ref := range varPattern.FindAllStringSubmatch(tpl.RunsOn, -1) {
		if !declared[ref[1]] {
			return apperrors.Configuration("runs_on",
				fmt.Sprintf("job %q references undeclared variable %q", tpl.Name, "matrix."+ref[1]))
		}
	}
	return nil
}

// validateRefs checks that every ${{ matrix.* }} reference in a step resolves
// against the declared matrix variables.
func validateRefs(job string, step StepSpec, declared map[string]bool) error {
	texts := []string{step.Name, step.Run, step.If}
	for _, v := range step.With {
		texts = append(texts, v)
	}
	for _, text := range texts {
		for _, ref := range varPattern.FindAllStringSubmatch(text, -1) {
			if !declared[ref[1]] {
				return apperrors.Configuration("steps",
					fmt.Sprintf("job %q references undeclared variable %q", job, "matrix."+ref[1]))
			}
		}
	}
	return nil
}

func declaredVars(m Matrix) map[string]bool {
	declared := make(map[string]bool)
	for name := range m.Axes {
		declared[name] = true
	}
	for _, include := range m.Include {
		for name := range include {
			declared[name] = true
		}
	}
	return declared
}

// validateNeedsAcyclic rejects dependency cycles. The coordinator's barrier
// logic handles arbitrary DAGs, but only DAGs.
func validateNeedsAcyclic(jobs []JobTemplate) error {
	needs := make(map[string][]string, len(jobs))
	for _, tpl := range jobs {
		needs[tpl.Name] = tpl.Needs
	}

	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(jobs))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return apperrors.Configuration("needs",
				fmt.Sprintf("dependency cycle through job %q", name))
		case done:
			return nil
		}
		state[name] = visiting
		for _, dep := range needs[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for _, tpl := range jobs {
		if err := visit(tpl.Name); err != nil {
			return err
		}
	}
	return nil
}

// Condition reports whether a step's run-condition is met for a job.
func (s StepSpec) Condition(job *JobSpec) bool {
	if s.If == "" {
		return true
	}
	marker, _ := strings.CutPrefix(s.If, condPrefix)
	return strings.Contains(job.Name, marker)
}

// IsUpload reports whether the step is the builtin artifact-upload action.
func (s StepSpec) IsUpload() bool {
	return strings.HasPrefix(s.Uses, UploadAction+"@")
}
