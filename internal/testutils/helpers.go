// Package testutils holds helpers shared by adapter tests.
package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aretw0/loam"
	"github.com/aretw0/loam/pkg/core"
	"github.com/stretchr/testify/require"
)

// SetupGraphRepo initializes an unversioned Loam repository in a temp dir
// and writes files into it, keyed by name relative to the root. It returns
// the absolute root and the repository.
func SetupGraphRepo(t *testing.T, files map[string]string, opts ...loam.Option) (string, core.Repository) {
	t.Helper()

	root, err := filepath.Abs(t.TempDir())
	require.NoError(t, err)

	repo, err := loam.Init(root, append([]loam.Option{loam.WithVersioning(false)}, opts...)...)
	require.NoError(t, err, "init loam repo")

	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root, repo
}
