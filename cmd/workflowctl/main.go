// Copyright 2025 Presso Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command workflowctl validates a workflow definition file against the
// same rules internal/core applies to LOAD_WORKFLOW and prints its
// steps in topological order. It is a developer-facing convenience, not
// part of the wire protocol the core process serves.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/truongnn001/presso/internal/workflow"
	"gopkg.in/yaml.v3"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s <workflow-definition.json|.yaml>\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(path string, out *os.File) error {
	d, err := loadDefinition(path)
	if err != nil {
		return fmt.Errorf("workflowctl: %w", err)
	}
	if err := workflow.Validate(d); err != nil {
		return fmt.Errorf("workflowctl: invalid definition: %w", err)
	}

	fmt.Fprintf(out, "workflow_id: %s\n", d.WorkflowID)
	fmt.Fprintf(out, "name: %s\n", d.Name)
	fmt.Fprintf(out, "steps: %d\n", len(d.Steps))
	if d.IsDAG() {
		fmt.Fprintln(out, "scheduling: dag")
		fmt.Fprintln(out, "topological order:")
		for i, id := range workflow.TopologicalOrder(d) {
			fmt.Fprintf(out, "  %d. %s\n", i+1, id)
		}
	} else {
		fmt.Fprintln(out, "scheduling: sequential")
		for i, s := range d.Steps {
			fmt.Fprintf(out, "  %d. %s\n", i+1, s.StepID)
		}
	}
	fmt.Fprintln(out, "valid: true")
	return nil
}

func loadDefinition(path string) (workflow.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return workflow.Definition{}, fmt.Errorf("read %s: %w", path, err)
	}

	var d workflow.Definition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		// Definition's struct tags are json, not yaml; round-trip through
		// a generic value so yaml-authored snake_case keys still land on
		// the right fields instead of silently zero-valuing everything.
		var generic interface{}
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return workflow.Definition{}, fmt.Errorf("parse yaml: %w", err)
		}
		asJSON, err := json.Marshal(normalizeYAML(generic))
		if err != nil {
			return workflow.Definition{}, fmt.Errorf("convert yaml to json: %w", err)
		}
		if err := json.Unmarshal(asJSON, &d); err != nil {
			return workflow.Definition{}, fmt.Errorf("parse yaml-derived json: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &d); err != nil {
			return workflow.Definition{}, fmt.Errorf("parse json: %w", err)
		}
	}
	return d, nil
}

// normalizeYAML converts the map[interface{}]interface{} values
// yaml.Unmarshal produces for nested maps into map[string]interface{},
// which encoding/json requires.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return v
	}
}
