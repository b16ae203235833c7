package executor

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"matrixci/internal/apperrors"
	"matrixci/internal/pipeline"
)

// Registry maps pinned action references ("name@version") to the shell
// commands that implement them. Step parameters reach the command as
// INPUT_<KEY> environment variables.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]string
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]string)}
}

// Register binds an action reference to a command.
func (r *Registry) Register(ref, command string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[ref] = command
}

// Resolve returns the command for a pinned action reference.
func (r *Registry) Resolve(ref string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	command, ok := r.commands[ref]
	if !ok {
		return "", apperrors.Configuration("steps",
			fmt.Sprintf("unknown action %q", ref))
	}
	return command, nil
}

// Check verifies that every action a spec uses is registered. The builtin
// upload action is handled by the runner and needs no registration.
func (r *Registry) Check(spec *pipeline.JobSpec) error {
	for _, step := range spec.Steps {
		if step.Uses == "" || step.IsUpload() {
			continue
		}
		if _, err := r.Resolve(step.Uses); err != nil {
			return err
		}
	}
	return nil
}

// LoadActionsFile loads action bindings from a YAML file mapping
// "name@version" references to commands.
func LoadActionsFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Internal("actions.load", err)
	}

	var commands map[string]string
	if err := yaml.Unmarshal(data, &commands); err != nil {
		return nil, apperrors.Configuration("actions",
			fmt.Sprintf("malformed actions file: %v", err))
	}

	r := NewRegistry()
	for ref, command := range commands {
		if !strings.Contains(ref, "@") {
			return nil, apperrors.Configuration("actions",
				fmt.Sprintf("action %q is not pinned (want name@version)", ref))
		}
		r.Register(ref, command)
	}
	return r, nil
}
