package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Bootstrap names the initial model's layer shapes (for model.Zero)
// and the aggregation algorithm's starting hyperparameters. It is
// optional: a coordinator with no bootstrap file falls back to a
// single flat layer and the algorithm's own defaults.
type Bootstrap struct {
	InitialShapes   [][]int                `yaml:"initial_shapes"`
	Hyperparameters map[string]interface{} `yaml:"hyperparameters"`
}

// LoadBootstrap reads and validates a YAML bootstrap file at path.
func LoadBootstrap(path string) (*Bootstrap, error) {
	if err := validateBootstrapPath(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) // path validated by validateBootstrapPath above
	if err != nil {
		return nil, fmt.Errorf("config: read bootstrap file: %w", err)
	}

	var b Bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("config: parse bootstrap file: %w", err)
	}
	if len(b.InitialShapes) == 0 {
		return nil, fmt.Errorf("config: bootstrap file names no initial_shapes")
	}
	return &b, nil
}

// SaveBootstrap writes b to path, atomically and with restrictive
// permissions since the file may end up alongside operator secrets.
func SaveBootstrap(b *Bootstrap, path string) error {
	data, err := yaml.Marshal(b)
	if err != nil {
		return fmt.Errorf("config: marshal bootstrap file: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("config: write bootstrap file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: rename bootstrap file into place: %w", err)
	}
	return nil
}

// validateBootstrapPath rejects path traversal and non-YAML files
// before the coordinator ever reads operator-supplied config paths.
func validateBootstrapPath(path string) error {
	clean := filepath.Clean(path)
	if strings.Contains(clean, "..") {
		return fmt.Errorf("config: invalid bootstrap path: path traversal detected")
	}
	ext := filepath.Ext(clean)
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("config: invalid bootstrap path: only .yaml and .yml files are allowed")
	}
	if len(clean) > 256 {
		return fmt.Errorf("config: invalid bootstrap path: exceeds 256 characters")
	}
	return nil
}
