package workflow

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tears-mysthrala/Oroitz/internal/types"
)

// catalogFile is the on-disk shape of a workflow catalog document.
type catalogFile struct {
	Workflows []Workflow `yaml:"workflows"`
}

// LoadCatalog parses a YAML workflow catalog and registers every workflow
// it contains. Files look like:
//
//	workflows:
//	  - name: quick-triage
//	    description: Rapid overview of a memory image
//	    steps:
//	      - id: windows.pslist
//	        schema: process
//	        idempotent: true
//	        requires: [windows]
func LoadCatalog(r *Registry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.WrapError(types.WORKFLOW_INVALID, fmt.Sprintf("cannot read workflow catalog %s", path), err)
	}

	var catalog catalogFile
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return types.WrapError(types.WORKFLOW_INVALID, fmt.Sprintf("cannot parse workflow catalog %s", path), err)
	}

	for _, w := range catalog.Workflows {
		if err := r.Register(w); err != nil {
			return err
		}
	}

	return nil
}

// LoadCatalogDir registers every *.yaml and *.yml catalog under dir.
// A missing directory is not an error; user catalogs are optional.
func LoadCatalogDir(r *Registry, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return types.WrapError(types.WORKFLOW_INVALID, fmt.Sprintf("cannot read workflow catalog dir %s", dir), err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if err := LoadCatalog(r, filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}

	return nil
}
