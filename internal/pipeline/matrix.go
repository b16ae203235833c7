package pipeline

import (
	"fmt"
	"regexp"
	"sort"

	"matrixci/internal/apperrors"
)

// varPattern matches ${{ matrix.key }} references inside templates.
var varPattern = regexp.MustCompile(`\$\{\{\s*matrix\.([A-Za-z0-9_-]+)\s*\}\}`)

// anyRefPattern matches any leftover ${{ ... }} reference after substitution.
var anyRefPattern = regexp.MustCompile(`\$\{\{[^}]*\}\}`)

// Expand turns a job template into its ordered set of concrete job specs.
//
// Axes produce the full cross product (axis names in sorted order, values in
// declared order); include entries are unioned afterwards, skipping any entry
// whose identity duplicates a product entry. A template without a matrix
// yields exactly one spec. A template expanding to zero specs is a
// configuration error, never a silent skip.
func Expand(tpl JobTemplate) ([]JobSpec, error) {
	bindings, err := expandBindings(tpl)
	if err != nil {
		return nil, err
	}
	if len(bindings) == 0 {
		return nil, apperrors.Configuration("matrix",
			fmt.Sprintf("job %q expands to zero entries", tpl.Name))
	}

	specs := make([]JobSpec, 0, len(bindings))
	seen := make(map[string]bool, len(bindings))
	for _, vars := range bindings {
		id := identity(tpl.Name, vars)
		if seen[id] {
			continue
		}
		seen[id] = true

		spec, err := bind(tpl, id, vars)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// expandBindings computes the variable bindings: cross product of axes plus
// include entries.
func expandBindings(tpl JobTemplate) ([]map[string]string, error) {
	var bindings []map[string]string

	if len(tpl.Matrix.Axes) > 0 {
		names := make([]string, 0, len(tpl.Matrix.Axes))
		for name, values := range tpl.Matrix.Axes {
			if len(values) == 0 {
				return nil, apperrors.Configuration("matrix.axes",
					fmt.Sprintf("job %q: axis %q has no values", tpl.Name, name))
			}
			names = append(names, name)
		}
		sort.Strings(names)

		bindings = []map[string]string{{}}
		for _, name := range names {
			next := make([]map[string]string, 0, len(bindings)*len(tpl.Matrix.Axes[name]))
			for _, base := range bindings {
				for _, value := range tpl.Matrix.Axes[name] {
					vars := make(map[string]string, len(base)+1)
					for k, v := range base {
						vars[k] = v
					}
					vars[name] = value
					next = append(next, vars)
				}
			}
			bindings = next
		}
	}

	for i, include := range tpl.Matrix.Include {
		if len(include) == 0 {
			return nil, apperrors.Configuration("matrix.include",
				fmt.Sprintf("job %q: include entry %d is empty", tpl.Name, i))
		}
		vars := make(map[string]string, len(include))
		for k, v := range include {
			vars[k] = v
		}
		bindings = append(bindings, vars)
	}

	if len(tpl.Matrix.Axes) == 0 && len(tpl.Matrix.Include) == 0 {
		bindings = []map[string]string{nil}
	}
	return bindings, nil
}

// bind produces the immutable JobSpec for one variable binding, interpolating
// ${{ matrix.* }} references throughout the template.
func bind(tpl JobTemplate, id string, vars map[string]string) (JobSpec, error) {
	spec := JobSpec{
		Template:     tpl.Name,
		ID:           id,
		Name:         displayName(tpl.Name, vars),
		Vars:         vars,
		AllowFailure: tpl.AllowFailure,
	}

	var err error
	if spec.RunsOn, err = interpolate(tpl.Name, tpl.RunsOn, vars); err != nil {
		return JobSpec{}, err
	}

	spec.Steps = make([]StepSpec, len(tpl.Steps))
	for i, step := range tpl.Steps {
		out := step
		if out.Name, err = interpolate(tpl.Name, step.Name, vars); err != nil {
			return JobSpec{}, err
		}
		if out.Run, err = interpolate(tpl.Name, step.Run, vars); err != nil {
			return JobSpec{}, err
		}
		if out.If, err = interpolate(tpl.Name, step.If, vars); err != nil {
			return JobSpec{}, err
		}
		if len(step.With) > 0 {
			out.With = make(map[string]string, len(step.With))
			for k, v := range step.With {
				if out.With[k], err = interpolate(tpl.Name, v, vars); err != nil {
					return JobSpec{}, err
				}
			}
		}
		spec.Steps[i] = out
	}
	return spec, nil
}

// interpolate substitutes ${{ matrix.key }} references. Any reference that
// does not resolve against the binding is a configuration error.
func interpolate(job, text string, vars map[string]string) (string, error) {
	if text == "" {
		return "", nil
	}
	var missing string
	result := varPattern.ReplaceAllStringFunc(text, func(ref string) string {
		key := varPattern.FindStringSubmatch(ref)[1]
		value, ok := vars[key]
		if !ok {
			if missing == "" {
				missing = key
			}
			return ref
		}
		return value
	})
	if missing != "" {
		return "", apperrors.Configuration("steps",
			fmt.Sprintf("job %q references undeclared variable %q", job, "matrix."+missing))
	}
	if leftover := anyRefPattern.FindString(result); leftover != "" {
		return "", apperrors.Configuration("steps",
			fmt.Sprintf("job %q contains unresolvable reference %s", job, leftover))
	}
	return result, nil
}
