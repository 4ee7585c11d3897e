package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tears-mysthrala/Oroitz/internal/types"
)

func testWorkflow(name string) Workflow {
	return Workflow{
		Name:        name,
		Description: "test workflow",
		Steps: []StepSpec{
			{ID: "windows.pslist", SchemaID: "process", Idempotent: true, Requires: []types.Capability{types.CapabilityWindows}},
			{ID: "windows.netscan", SchemaID: "connection", Idempotent: true, Requires: []types.Capability{types.CapabilityWindows}},
		},
	}
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testWorkflow("triage")))

	w, err := r.Resolve("triage", []types.Capability{types.CapabilityWindows})
	require.NoError(t, err)

	require.Len(t, w.Steps, 2)
	assert.Equal(t, "windows.pslist", w.Steps[0].ID)
	assert.Equal(t, "windows.netscan", w.Steps[1].ID)
}

func TestRegistry_DuplicateWorkflow(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testWorkflow("triage")))

	err := r.Register(testWorkflow("triage"))
	assert.ErrorIs(t, err, ErrDuplicateWorkflow)
}

func TestRegistry_UnknownWorkflow(t *testing.T) {
	r := NewRegistry()

	_, err := r.Resolve("nope", []types.Capability{types.CapabilityWindows})
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestRegistry_ResolveCapabilitiesCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testWorkflow("triage")))

	_, err := r.Resolve("triage", []types.Capability{"Windows"})
	assert.NoError(t, err)

	_, err = r.Resolve("triage", []types.Capability{"WINDOWS"})
	assert.NoError(t, err)
}

func TestRegistry_IncompatibleWorkflow(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testWorkflow("triage")))

	_, err := r.Resolve("triage", []types.Capability{types.CapabilityLinux})
	assert.ErrorIs(t, err, ErrIncompatibleWorkflow)

	_, err = r.Resolve("triage", nil)
	assert.ErrorIs(t, err, ErrIncompatibleWorkflow)
}

func TestRegistry_ResolvePreservesDeclaredOrder(t *testing.T) {
	r := NewRegistry()
	w := Workflow{
		Name:        "ordered",
		Description: "order check",
		Steps: []StepSpec{
			{ID: "c", SchemaID: "process"},
			{ID: "a", SchemaID: "process"},
			{ID: "b", SchemaID: "process"},
		},
	}
	require.NoError(t, r.Register(w))

	resolved, err := r.Resolve("ordered", nil)
	require.NoError(t, err)

	ids := make([]string, 0, len(resolved.Steps))
	for _, s := range resolved.Steps {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testWorkflow("zeta")))
	require.NoError(t, r.Register(testWorkflow("alpha")))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "zeta", list[1].Name)
}

func TestWorkflow_Validate(t *testing.T) {
	tests := []struct {
		name     string
		workflow Workflow
		wantErr  bool
	}{
		{
			name:     "valid",
			workflow: testWorkflow("ok"),
			wantErr:  false,
		},
		{
			name:     "empty name",
			workflow: Workflow{Steps: []StepSpec{{ID: "a", SchemaID: "process"}}},
			wantErr:  true,
		},
		{
			name:     "no steps",
			workflow: Workflow{Name: "empty"},
			wantErr:  true,
		},
		{
			name: "duplicate step id",
			workflow: Workflow{
				Name: "dup",
				Steps: []StepSpec{
					{ID: "a", SchemaID: "process"},
					{ID: "a", SchemaID: "process"},
				},
			},
			wantErr: true,
		},
		{
			name: "missing schema",
			workflow: Workflow{
				Name:  "noschema",
				Steps: []StepSpec{{ID: "a"}},
			},
			wantErr: true,
		},
		{
			name: "dependency on later step",
			workflow: Workflow{
				Name: "forward-dep",
				Steps: []StepSpec{
					{ID: "a", SchemaID: "process", DependsOn: []string{"b"}},
					{ID: "b", SchemaID: "process"},
				},
			},
			wantErr: true,
		},
		{
			name: "unnamed transform",
			workflow: Workflow{
				Name:       "badtransform",
				Steps:      []StepSpec{{ID: "a", SchemaID: "process"}},
				Transforms: []TransformSpec{{Args: map[string]any{"by": "pid"}}},
			},
			wantErr: true,
		},
		{
			name: "dependency on earlier step",
			workflow: Workflow{
				Name: "back-dep",
				Steps: []StepSpec{
					{ID: "a", SchemaID: "process"},
					{ID: "b", SchemaID: "process", DependsOn: []string{"a"}},
				},
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.workflow.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStepSpec_PluginName(t *testing.T) {
	assert.Equal(t, "windows.pslist", StepSpec{ID: "windows.pslist"}.PluginName())
	assert.Equal(t, "windows.pslist", StepSpec{ID: "pslist-rescan", Plugin: "windows.pslist"}.PluginName())
}

func TestSeed(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Seed(r))

	names := make([]string, 0)
	for _, w := range r.List() {
		names = append(names, w.Name)
	}
	assert.Equal(t, []string{"network-focus", "process-deepdive", "quick-triage", "timeline-overview"}, names)

	// Every seeded workflow resolves against a Windows image.
	for _, w := range r.List() {
		_, err := r.Resolve(w.Name, []types.Capability{types.CapabilityWindows})
		assert.NoError(t, err, "workflow %s", w.Name)
	}
}

func TestSeed_QuickTriagePlugins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Seed(r))

	w, ok := r.Get("quick-triage")
	require.True(t, ok)

	ids := make([]string, 0, len(w.Steps))
	for _, s := range w.Steps {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"windows.pslist", "windows.netscan", "windows.malfind"}, ids)
}
