// Package specfile reads project specification files at enqueue time.
// Only scheduling metadata is parsed here; the rest of the document
// belongs to the setup collaborator.
package specfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Spec is the scheduling metadata of a project specification.
type Spec struct {
	// Name identifies the project; dependency lists refer to it.
	// Defaults to the spec filename without extension.
	Name string `yaml:"name"`

	// Dependencies lists project names that must complete first.
	Dependencies []string `yaml:"dependencies"`

	// EstimatedDurationSec is advisory; the setup collaborator's own
	// estimate wins once it runs.
	EstimatedDurationSec int64 `yaml:"estimated_duration_sec"`
}

// Load reads the spec at path. Unknown keys are ignored; the file
// belongs primarily to the setup collaborator.
func Load(path string) (Spec, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // G304: user-provided spec path
	if err != nil {
		return Spec{}, fmt.Errorf("reading spec: %w", err)
	}

	var spec Spec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return Spec{}, fmt.Errorf("parsing spec %s: %w", path, err)
	}

	if spec.Name == "" {
		base := filepath.Base(path)
		spec.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return spec, nil
}
