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

package executor

import (
	"context"
	"fmt"
)

// StepStatus is one step's status as reported to a GET_WORKFLOW_STATUS
// caller.
type StepStatus struct {
	StepID       string                 `json:"step_id"`
	Status       string                 `json:"status"`
	RetryCount   int                    `json:"retry_count"`
	Result       map[string]interface{} `json:"result,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// ExecutionStatus is the full status snapshot of one execution.
type ExecutionStatus struct {
	ExecutionID  string       `json:"execution_id"`
	WorkflowID   string       `json:"workflow_id"`
	WorkflowName string       `json:"workflow_name"`
	Status       string       `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Steps        []StepStatus `json:"steps"`
}

// GetStatus assembles a point-in-time status snapshot for executionID,
// reading straight from the store rather than the in-memory active set
// so it works whether or not the execution is currently being scheduled
// by this process.
func (e *Engine) GetStatus(ctx context.Context, executionID string) (ExecutionStatus, error) {
	exec, ok, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return ExecutionStatus{}, fmt.Errorf("executor: get execution: %w", err)
	}
	if !ok {
		return ExecutionStatus{}, fmt.Errorf("%w: %q", ErrExecutionNotFound, executionID)
	}

	stepExecs, err := e.store.ListStepExecutions(ctx, executionID)
	if err != nil {
		return ExecutionStatus{}, fmt.Errorf("executor: list step executions: %w", err)
	}

	steps := make([]StepStatus, 0, len(stepExecs))
	for _, se := range stepExecs {
		steps = append(steps, StepStatus{
			StepID:       se.StepID,
			Status:       se.Status,
			RetryCount:   se.RetryCount,
			Result:       se.Result,
			ErrorMessage: se.ErrorMessage,
		})
	}

	return ExecutionStatus{
		ExecutionID:  exec.ExecutionID,
		WorkflowID:   exec.WorkflowID,
		WorkflowName: exec.WorkflowName,
		Status:       exec.Status,
		ErrorMessage: exec.ErrorMessage,
		Steps:        steps,
	}, nil
}

// Cancel marks an in-memory active execution's context as done,
// satisfying the cooperative cancellation model: running step
// goroutines observe ctx.Done() at their next suspension point rather
// than being interrupted mid-request.
func (e *Engine) Cancel(executionID string) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	active, ok := e.active[executionID]
	if !ok {
		return false
	}
	active.cancel()
	return true
}
