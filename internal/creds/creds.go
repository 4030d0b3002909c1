// Package creds loads AT Protocol account credentials from a YAML file.
// Loading credentials is external-collaborator glue (spec.md §1 scope note);
// this package does only the minimal parse-and-validate the daemon needs.
package creds

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Credentials holds the identifier and app password used to authenticate
// against the PDS (spec.md §6 "Credentials file").
type Credentials struct {
	ID   string `yaml:"id"`
	Pass string `yaml:"pass"`
}

// Load reads and parses a credentials YAML file. Re-invoked on token refresh
// in case the operator rotated the app password on disk.
func Load(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file %q: %w", path, err)
	}

	var c Credentials
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse credentials file %q: %w", path, err)
	}
	if c.ID == "" || c.Pass == "" {
		return nil, fmt.Errorf("credentials file %q: both id and pass are required", path)
	}
	return &c, nil
}
