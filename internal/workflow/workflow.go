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

// Package workflow holds the immutable Workflow/Step definition model and
// its validation rules, including DAG acyclicity checking.
package workflow

import (
	"fmt"
)

// StepType enumerates the kinds of step a worker can execute.
type StepType string

const (
	PythonTask      StepType = "PYTHON_TASK"
	ExternalAPICall StepType = "EXTERNAL_API_CALL"
	InternalOp      StepType = "INTERNAL_OP"
	HumanApproval   StepType = "HUMAN_APPROVAL"
)

// OnFailure is the policy applied once a step's retries are exhausted.
type OnFailure string

const (
	Fail  OnFailure = "FAIL"
	Retry OnFailure = "RETRY"
	Skip  OnFailure = "SKIP"
)

// TimeoutPolicy governs what happens when a HUMAN_APPROVAL step's approval
// window (if any) elapses without a resolution.
type TimeoutPolicy string

const (
	TimeoutWait TimeoutPolicy = "WAIT"
	TimeoutFail TimeoutPolicy = "FAIL"
)

// RetryPolicy bounds how many times a step is attempted and how long to
// wait between attempts.
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts"`
	BackoffMs   int `json:"backoff_ms"`
}

// Definition is an immutable workflow definition, identified by WorkflowID.
type Definition struct {
	WorkflowID     string `json:"workflow_id"`
	Name           string `json:"name"`
	Version        string `json:"version"`
	Steps          []Step `json:"steps"`
	MaxParallelism int    `json:"max_parallelism,omitempty"`
}

// Step is a single step definition within a workflow.
type Step struct {
	StepID       string                 `json:"step_id"`
	Type         StepType               `json:"type"`
	InputMapping map[string]interface{} `json:"input_mapping"`
	RetryPolicy  RetryPolicy            `json:"retry_policy"`
	OnFailure    OnFailure              `json:"on_failure"`
	DependsOn    []string               `json:"depends_on,omitempty"`

	// HUMAN_APPROVAL-only fields.
	Prompt         string        `json:"prompt,omitempty"`
	AllowedActions []string      `json:"allowed_actions,omitempty"`
	TimeoutPolicy  TimeoutPolicy `json:"timeout_policy,omitempty"`
	TimeoutMs      int           `json:"timeout_ms,omitempty"`
}

// IsDAG reports whether any step declares a dependency, making this a DAG
// workflow rather than a purely sequential one.
func (d Definition) IsDAG() bool {
	for _, s := range d.Steps {
		if len(s.DependsOn) > 0 {
			return true
		}
	}
	return false
}

// StepByID returns the step with the given id, or false if not found.
func (d Definition) StepByID(id string) (Step, bool) {
	for _, s := range d.Steps {
		if s.StepID == id {
			return s, true
		}
	}
	return Step{}, false
}

// ValidationError describes exactly one reason a definition was rejected.
// Validation never partially applies: a single error means no state for
// this definition is persisted anywhere.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

var validStepTypes = map[StepType]bool{
	PythonTask:      true,
	ExternalAPICall: true,
	InternalOp:      true,
	HumanApproval:   true,
}

var validOnFailure = map[OnFailure]bool{
	Fail:  true,
	Retry: true,
	Skip:  true,
}

// Validate checks structural and semantic rules: non-empty steps, unique
// step ids, valid enums, valid retry policy, self-loop and
// unknown-dependency rejection, and (for DAG workflows) acyclicity.
func Validate(d Definition) error {
	if d.WorkflowID == "" {
		return &ValidationError{Reason: "workflow_id is required"}
	}
	if len(d.Steps) == 0 {
		return &ValidationError{Reason: "workflow must declare at least one step"}
	}
	if d.MaxParallelism < 0 {
		return &ValidationError{Reason: "max_parallelism must be positive"}
	}

	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.StepID == "" {
			return &ValidationError{Reason: "step_id is required"}
		}
		if seen[s.StepID] {
			return &ValidationError{Reason: fmt.Sprintf("duplicate step_id %q", s.StepID)}
		}
		seen[s.StepID] = true

		if !validStepTypes[s.Type] {
			return &ValidationError{Reason: fmt.Sprintf("step %q: unknown type %q", s.StepID, s.Type)}
		}
		if !validOnFailure[s.OnFailure] {
			return &ValidationError{Reason: fmt.Sprintf("step %q: invalid on_failure %q", s.StepID, s.OnFailure)}
		}
		if s.RetryPolicy.MaxAttempts < 1 {
			return &ValidationError{Reason: fmt.Sprintf("step %q: max_attempts must be >= 1", s.StepID)}
		}
		if s.RetryPolicy.BackoffMs < 0 {
			return &ValidationError{Reason: fmt.Sprintf("step %q: backoff_ms must be >= 0", s.StepID)}
		}

		if s.Type == HumanApproval {
			if len(s.AllowedActions) == 0 {
				return &ValidationError{Reason: fmt.Sprintf("step %q: allowed_actions must be non-empty", s.StepID)}
			}
			if s.TimeoutPolicy != TimeoutWait && s.TimeoutPolicy != TimeoutFail {
				return &ValidationError{Reason: fmt.Sprintf("step %q: invalid timeout_policy %q", s.StepID, s.TimeoutPolicy)}
			}
		}

		for _, dep := range s.DependsOn {
			if dep == s.StepID {
				return &ValidationError{Reason: fmt.Sprintf("step %q: self-dependency is forbidden", s.StepID)}
			}
		}
	}

	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return &ValidationError{Reason: fmt.Sprintf("step %q depends on unknown step %q", s.StepID, dep)}
			}
		}
	}

	if d.IsDAG() {
		if err := checkAcyclic(d); err != nil {
			return err
		}
	}

	return nil
}

// checkAcyclic runs a DFS cycle check over the depends_on graph.
func checkAcyclic(d Definition) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(d.Steps))
	for _, s := range d.Steps {
		color[s.StepID] = white
	}

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		step, _ := d.StepByID(id)
		for _, dep := range step.DependsOn {
			switch color[dep] {
			case gray:
				return &ValidationError{Reason: fmt.Sprintf("dependency cycle detected involving step %q", dep)}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, s := range d.Steps {
		if color[s.StepID] == white {
			if err := visit(s.StepID); err != nil {
				return err
			}
		}
	}
	return nil
}
