package depgraph

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// artifact is the on-disk shape of a dependency artifact.
type artifact struct {
	Provides []string `yaml:"provides"`
	Depends  []string `yaml:"depends"`
}

// readArtifact parses the YAML dependency artifact at path.
func readArtifact(path string) (*artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dependency artifact %s: %w", path, err)
	}

	var art artifact
	if err := yaml.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("failed to parse dependency artifact %s: %w", path, err)
	}
	return &art, nil
}
