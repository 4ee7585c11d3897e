package workflow

import (
	"github.com/tears-mysthrala/Oroitz/internal/types"
)

// Seed registers the built-in workflow catalog. Call once at startup,
// before any user catalogs load.
func Seed(r *Registry) error {
	builtins := []Workflow{
		{
			Name: "quick-triage",
			Description: "Rapid overview of running processes, network connections, " +
				"and suspicious memory regions",
			Steps: []StepSpec{
				{ID: "windows.pslist", SchemaID: "process", Idempotent: true, Requires: []types.Capability{types.CapabilityWindows}},
				{ID: "windows.netscan", SchemaID: "connection", Idempotent: true, Requires: []types.Capability{types.CapabilityWindows}},
				{ID: "windows.malfind", SchemaID: "malfind", Idempotent: true, Requires: []types.Capability{types.CapabilityWindows}},
			},
		},
		{
			Name:        "process-deepdive",
			Description: "Exhaustive process tree analysis including DLL listings and handles",
			Steps: []StepSpec{
				{ID: "windows.pstree", SchemaID: "process", Idempotent: true, Requires: []types.Capability{types.CapabilityWindows}},
				{ID: "windows.dlllist", SchemaID: "module", Idempotent: true, Requires: []types.Capability{types.CapabilityWindows}, DependsOn: []string{"windows.pstree"}},
				{ID: "windows.handles", SchemaID: "handle", Idempotent: true, Requires: []types.Capability{types.CapabilityWindows}, DependsOn: []string{"windows.pstree"}},
				{ID: "windows.psscan", SchemaID: "process", Idempotent: true, Requires: []types.Capability{types.CapabilityWindows}},
			},
		},
		{
			Name:        "network-focus",
			Description: "Highlight network activity, sockets, and associated processes",
			Steps: []StepSpec{
				{ID: "windows.netscan", SchemaID: "connection", Idempotent: true, Requires: []types.Capability{types.CapabilityWindows}},
				{ID: "windows.sockscan", SchemaID: "connection", Idempotent: true, Requires: []types.Capability{types.CapabilityWindows}},
				{ID: "windows.connections", SchemaID: "connection", Idempotent: true, Requires: []types.Capability{types.CapabilityWindows}},
			},
		},
		{
			Name:        "timeline-overview",
			Description: "Produce a chronological timeline of key memory events",
			Steps: []StepSpec{
				{ID: "windows.timeliner", SchemaID: "timeline", Idempotent: true, Requires: []types.Capability{types.CapabilityWindows}},
				{ID: "windows.getservicesids", SchemaID: "service", Idempotent: true, Requires: []types.Capability{types.CapabilityWindows}},
			},
		},
	}

	for _, w := range builtins {
		if err := r.Register(w); err != nil {
			return err
		}
	}

	return nil
}
