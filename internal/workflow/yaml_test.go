package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tears-mysthrala/Oroitz/internal/types"
)

const sampleCatalog = `
workflows:
  - name: registry-sweep
    description: Inspect registry hives for persistence mechanisms
    steps:
      - id: windows.registry.hivelist
        schema: generic
        idempotent: true
        requires: [windows]
      - id: windows.registry.printkey
        schema: generic
        idempotent: true
        requires: [windows]
        depends_on: [windows.registry.hivelist]
        args:
          key: "Software\\Microsoft\\Windows\\CurrentVersion\\Run"
    transforms:
      - name: sort
        args:
          by: key
`

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))

	r := NewRegistry()
	require.NoError(t, LoadCatalog(r, path))

	w, err := r.Resolve("registry-sweep", []types.Capability{types.CapabilityWindows})
	require.NoError(t, err)

	require.Len(t, w.Steps, 2)
	assert.Equal(t, "windows.registry.hivelist", w.Steps[0].ID)
	assert.Equal(t, []string{"windows.registry.hivelist"}, w.Steps[1].DependsOn)
	assert.Equal(t, `Software\Microsoft\Windows\CurrentVersion\Run`, w.Steps[1].Args["key"])

	require.Len(t, w.Transforms, 1)
	assert.Equal(t, "sort", w.Transforms[0].Name)
	assert.Equal(t, "key", w.Transforms[0].Args["by"])
}

func TestLoadCatalog_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workflows: [notamap"), 0o644))

	assert.Error(t, LoadCatalog(NewRegistry(), path))
}

func TestLoadCatalog_MissingFile(t *testing.T) {
	assert.Error(t, LoadCatalog(NewRegistry(), filepath.Join(t.TempDir(), "nope.yaml")))
}

func TestLoadCatalogDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(sampleCatalog), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignore.txt"), []byte("not yaml"), 0o644))

	r := NewRegistry()
	require.NoError(t, LoadCatalogDir(r, dir))
	assert.Len(t, r.List(), 1)
}

func TestLoadCatalogDir_MissingDirIsNotError(t *testing.T) {
	r := NewRegistry()
	assert.NoError(t, LoadCatalogDir(r, filepath.Join(t.TempDir(), "absent")))
	assert.Empty(t, r.List())
}
