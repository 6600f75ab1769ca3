// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Fuseline - A distributed workflow engine: step graphs, a broker, and workers coordinating over a pluggable runtime store.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

package worker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jsam/fuseline/pkg/graph"
)

// A workflow locator names a Go package-level *graph.Workflow the way
// the original CLI named a Python "module:attribute" importable — Go
// has no dynamic-import equivalent, so locators resolve against a
// process-wide registry that workflow packages populate via init().
var (
	registryMu sync.RWMutex
	registry   = map[string]*graph.Workflow{}
)

// RegisterWorkflow makes wf resolvable by its locator (wf.ID) for the
// "run" command's positional locator arguments. Call from an init() in the package
// that defines the workflow.
func RegisterWorkflow(wf *graph.Workflow) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[wf.ID] = wf
}

// Resolve looks up one or more registered locators, returning an error
// naming the first unknown one.
func Resolve(locators []string) ([]*graph.Workflow, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]*graph.Workflow, 0, len(locators))
	for _, name := range locators {
		wf, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("unknown workflow locator %q (registered: %v)", name, registeredNamesLocked())
		}
		out = append(out, wf)
	}
	return out, nil
}

func registeredNamesLocked() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
