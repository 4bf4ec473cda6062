package specfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeSpec(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeSpec(t, "billing.yml", `
name: billing
estimated_duration_sec: 3600
dependencies:
  - auth
  - schema
team_size: 3
`)

	spec, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "billing", spec.Name)
	require.Equal(t, int64(3600), spec.EstimatedDurationSec)
	require.Equal(t, []string{"auth", "schema"}, spec.Dependencies)
}

func TestLoad_NameDefaultsToFilename(t *testing.T) {
	path := writeSpec(t, "checkout-v2.yml", "estimated_duration_sec: 60\n")

	spec, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "checkout-v2", spec.Name)
	require.Empty(t, spec.Dependencies)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.ErrorContains(t, err, "reading spec")
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeSpec(t, "bad.yml", "name: [unclosed\n")
	_, err := Load(path)
	require.ErrorContains(t, err, "parsing spec")
}
