// Package docgen generates JSON Schema and markdown documentation from
// the cluster configuration structs and the CLI command tree.
package docgen

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"github.com/mwheeler-geo/parsim/internal/config"
)

// ModuleRoot finds the repo root by walking up from the current
// directory looking for go.mod. Returns the absolute path.
func ModuleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent of %s", dir)
		}
		dir = parent
	}
}

// GenerateClusterSchema produces a JSON Schema for the cluster.toml
// config format. It reflects config.Config using TOML field names and
// extracts Go doc comments as descriptions.
//
// AddGoComments requires the path parameter to be "." with the working
// directory set to the module root, so that filepath.Walk produces
// paths like "internal/config" mapping to the right import path.
func GenerateClusterSchema() (*jsonschema.Schema, error) {
	root, err := ModuleRoot()
	if err != nil {
		return nil, err
	}
	orig, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}
	if err := os.Chdir(root); err != nil {
		return nil, fmt.Errorf("chdir to module root: %w", err)
	}
	defer func() { _ = os.Chdir(orig) }()

	r := &jsonschema.Reflector{FieldNameTag: "toml"}
	if err := r.AddGoComments("github.com/mwheeler-geo/parsim", "."); err != nil {
		return nil, fmt.Errorf("extracting Go comments: %w", err)
	}
	s := r.Reflect(&config.Config{})
	s.Title = "Cluster Configuration"
	s.Description = "Schema for cluster.toml — the configuration file for one cluster profile."
	return s, nil
}
