package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// changeFile is the YAML document accepted by `approvals submit -f`.
// Values are plain strings and are sent as opaque bytes.
type changeFile struct {
	Workspace   string       `yaml:"workspace"`
	Environment string       `yaml:"environment"`
	Approvers   []string     `yaml:"approvers"`
	Changes     []fileChange `yaml:"changes"`
}

type fileChange struct {
	Kind      string   `yaml:"kind"`
	SecretID  string   `yaml:"secret_id"`
	Key       string   `yaml:"key"`
	Value     *string  `yaml:"value"`
	Comment   string   `yaml:"comment"`
	Version   int64    `yaml:"version"`
	Approvers []string `yaml:"approvers"`
}

func readChangeFile(path string) (*changeFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f changeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(f.Changes) == 0 {
		return nil, errors.New("change file lists no changes")
	}
	return &f, nil
}

// body renders the file as the submit request payload. An omitted value on
// update keeps the live value.
func (f *changeFile) body() map[string]any {
	changes := make([]map[string]any, 0, len(f.Changes))
	for _, c := range f.Changes {
		m := map[string]any{"kind": c.Kind}
		if c.SecretID != "" {
			m["secret_id"] = c.SecretID
		}
		if c.Key != "" {
			m["key"] = c.Key
		}
		if c.Value != nil {
			m["value"] = []byte(*c.Value)
		}
		if c.Comment != "" {
			m["comment"] = c.Comment
		}
		if c.Version != 0 {
			m["version"] = c.Version
		}
		if len(c.Approvers) > 0 {
			m["approvers"] = c.Approvers
		}
		changes = append(changes, m)
	}
	return map[string]any{
		"workspace":   f.Workspace,
		"environment": f.Environment,
		"approvers":   f.Approvers,
		"changes":     changes,
	}
}
