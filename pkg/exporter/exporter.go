// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Fuseline - A distributed workflow engine: step graphs, a broker, and workers coordinating over a pluggable runtime store.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package exporter serializes a schema.WorkflowSchema to YAML: a
// shallow mapping of workflow_id, version, steps, outputs, and
// policies, with no executable code. FromYAML parses it back into a
// WorkflowSchema only; nothing in this module rebuilds a graph.Workflow
// from a schema.
package exporter

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jsam/fuseline/pkg/schema"
)

// ToYAML renders s as YAML bytes.
func ToYAML(s schema.WorkflowSchema) ([]byte, error) {
	return yaml.Marshal(s)
}

// WriteFile renders s as YAML and writes it to path.
func WriteFile(path string, s schema.WorkflowSchema) error {
	data, err := ToYAML(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// FromYAML parses YAML bytes produced by ToYAML back into a
// WorkflowSchema.
func FromYAML(data []byte) (schema.WorkflowSchema, error) {
	var s schema.WorkflowSchema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return schema.WorkflowSchema{}, err
	}
	return s, nil
}
