package workflow

import (
	"fmt"

	"github.com/tears-mysthrala/Oroitz/internal/types"
)

// StepSpec describes one invocation of the external analysis tool.
type StepSpec struct {
	// ID identifies the step and maps to one tool plugin invocation,
	// e.g. "windows.pslist".
	ID string `yaml:"id" json:"id"`

	// Plugin is the tool plugin identifier. Defaults to ID when empty.
	Plugin string `yaml:"plugin,omitempty" json:"plugin,omitempty"`

	// Args is the argument template passed to the plugin.
	Args map[string]any `yaml:"args,omitempty" json:"args,omitempty"`

	// SchemaID names the output schema the normalizer validates against.
	SchemaID string `yaml:"schema" json:"schema"`

	// Idempotent marks the step safe to cache and retry.
	Idempotent bool `yaml:"idempotent" json:"idempotent"`

	// Requires lists capabilities the target image must advertise.
	Requires []types.Capability `yaml:"requires,omitempty" json:"requires,omitempty"`

	// DependsOn lists step IDs whose output this step consumes. Dependent
	// steps run strictly after their dependencies resolve.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// ContinueOnError lets the workflow proceed when this step fails fatally.
	ContinueOnError bool `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`
}

// PluginName returns the tool plugin identifier for this step.
func (s StepSpec) PluginName() string {
	if s.Plugin != "" {
		return s.Plugin
	}
	return s.ID
}

// TransformSpec describes a post-processing transform applied to the
// workflow's normalized output.
type TransformSpec struct {
	Name string         `yaml:"name" json:"name"`
	Args map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
}

// Workflow is a named, ordered sequence of steps plus post-processing.
// Workflows are immutable once registered.
type Workflow struct {
	Name        string          `yaml:"name" json:"name"`
	Description string          `yaml:"description" json:"description"`
	Steps       []StepSpec      `yaml:"steps" json:"steps"`
	Transforms  []TransformSpec `yaml:"transforms,omitempty" json:"transforms,omitempty"`
}

// Validate checks structural invariants: non-empty name, at least one step,
// unique step IDs, and dependencies that reference earlier steps only.
func (w Workflow) Validate() error {
	if w.Name == "" {
		return types.NewError(types.WORKFLOW_INVALID, "workflow name cannot be empty")
	}
	if len(w.Steps) == 0 {
		return types.NewError(types.WORKFLOW_INVALID, fmt.Sprintf("workflow %s has no steps", w.Name))
	}

	seen := make(map[string]bool, len(w.Steps))
	for i, step := range w.Steps {
		if step.ID == "" {
			return types.NewError(types.WORKFLOW_INVALID, fmt.Sprintf("workflow %s step %d has no id", w.Name, i))
		}
		if seen[step.ID] {
			return types.NewError(types.WORKFLOW_INVALID, fmt.Sprintf("workflow %s has duplicate step %s", w.Name, step.ID))
		}
		if step.SchemaID == "" {
			return types.NewError(types.WORKFLOW_INVALID, fmt.Sprintf("workflow %s step %s declares no output schema", w.Name, step.ID))
		}
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return types.NewError(types.WORKFLOW_INVALID,
					fmt.Sprintf("workflow %s step %s depends on %s which is not an earlier step", w.Name, step.ID, dep))
			}
		}
		seen[step.ID] = true
	}

	for i, tr := range w.Transforms {
		if tr.Name == "" {
			return types.NewError(types.WORKFLOW_INVALID, fmt.Sprintf("workflow %s transform %d has no name", w.Name, i))
		}
	}

	return nil
}

// RequiredCapabilities returns the union of all step capability requirements.
func (w Workflow) RequiredCapabilities() []types.Capability {
	seen := make(map[types.Capability]bool)
	var caps []types.Capability
	for _, step := range w.Steps {
		for _, c := range step.Requires {
			if !seen[c] {
				seen[c] = true
				caps = append(caps, c)
			}
		}
	}
	return caps
}
