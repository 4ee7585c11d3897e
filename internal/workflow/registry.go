package workflow

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tears-mysthrala/Oroitz/internal/types"
)

// Sentinel errors for registry operations. Callers match with errors.Is.
var (
	// ErrDuplicateWorkflow is returned when registering a name twice.
	ErrDuplicateWorkflow = types.NewError(types.WORKFLOW_DUPLICATE, "workflow already registered")

	// ErrUnknownWorkflow is returned when resolving a name never registered.
	ErrUnknownWorkflow = types.NewError(types.WORKFLOW_UNKNOWN, "workflow not registered")

	// ErrIncompatibleWorkflow is returned when a step requires a capability
	// the target image does not advertise.
	ErrIncompatibleWorkflow = types.NewError(types.WORKFLOW_INCOMPATIBLE, "workflow incompatible with image")
)

// Registry is the catalog of named workflows. It is an explicitly
// constructed, dependency-injected instance: populate it at startup, pass
// it to sessions, and never mutate entries after registration. The mutex
// exists only to keep concurrent registration during startup safe.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
	logger    *slog.Logger
}

// RegistryOption is a functional option for configuring the Registry.
type RegistryOption func(*Registry)

// WithLogger configures the registry to use the specified structured logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty workflow Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		workflows: make(map[string]Workflow),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a workflow to the catalog.
// Returns ErrDuplicateWorkflow if the name is already taken.
func (r *Registry) Register(w Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[w.Name]; exists {
		return types.WrapError(types.WORKFLOW_DUPLICATE,
			fmt.Sprintf("workflow %s already registered", w.Name), ErrDuplicateWorkflow)
	}

	r.workflows[w.Name] = w
	r.logger.Debug("registered workflow", "workflow", w.Name, "steps", len(w.Steps))
	return nil
}

// Resolve returns the workflow's ordered step sequence after validating it
// against the image's detected capabilities. Resolution is pure: it never
// spawns the external tool.
//
// Returns ErrUnknownWorkflow for an unregistered name and
// ErrIncompatibleWorkflow when any step requires a capability absent from
// caps.
func (r *Registry) Resolve(name string, caps []types.Capability) (Workflow, error) {
	r.mu.RLock()
	w, exists := r.workflows[name]
	r.mu.RUnlock()

	if !exists {
		return Workflow{}, types.WrapError(types.WORKFLOW_UNKNOWN,
			fmt.Sprintf("no workflow named %s", name), ErrUnknownWorkflow)
	}

	// Capabilities compare case-insensitively; fold both sides.
	capSet := make(map[types.Capability]bool, len(caps))
	for _, c := range caps {
		capSet[c.Fold()] = true
	}

	for _, step := range w.Steps {
		for _, required := range step.Requires {
			if !capSet[required.Fold()] {
				return Workflow{}, types.WrapError(types.WORKFLOW_INCOMPATIBLE,
					fmt.Sprintf("step %s requires capability %q not present on image", step.ID, required),
					ErrIncompatibleWorkflow)
			}
		}
	}

	return w, nil
}

// Get returns the workflow by name without compatibility checks.
func (r *Registry) Get(name string) (Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[name]
	return w, ok
}

// List returns all registered workflows sorted by name.
func (r *Registry) List() []Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Workflow, 0, len(r.workflows))
	for _, w := range r.workflows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
