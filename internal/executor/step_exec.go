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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/truongnn001/presso/internal/approval"
	"github.com/truongnn001/presso/internal/store"
	"github.com/truongnn001/presso/internal/workflow"
)

// dispatchPayload is the envelope sent to a worker for a PYTHON_TASK,
// EXTERNAL_API_CALL, or INTERNAL_OP step.
type dispatchPayload struct {
	ExecutionID string                 `json:"execution_id"`
	StepID      string                 `json:"step_id"`
	Input       map[string]interface{} `json:"input"`
}

// executeOneStep runs step to a terminal outcome or a pause, persisting
// every transition before returning. results accumulates the full result
// object of every step completed so far in this execution, keyed by
// step_id, so later steps can resolve "${step_id...}" references against
// it. A non-nil error here means a store or collaborator call failed
// unexpectedly — not a business-level step failure, which is always
// reported through stepOutcome instead.
func (e *Engine) executeOneStep(ctx context.Context, executionID string, step workflow.Step, results map[string]map[string]interface{}, initialContext map[string]interface{}) (stepOutcome, error) {
	outcome, err := e.executeOneStepUnmetered(ctx, executionID, step, results, initialContext)
	if err == nil && e.metrics != nil {
		e.metrics.StepExecutionsTotal.WithLabelValues(outcome.kind).Inc()
	}
	return outcome, err
}

func (e *Engine) executeOneStepUnmetered(ctx context.Context, executionID string, step workflow.Step, results map[string]map[string]interface{}, initialContext map[string]interface{}) (stepOutcome, error) {
	now := time.Now()

	if step.Type == workflow.HumanApproval {
		return e.executeApprovalStep(ctx, executionID, step, now)
	}

	if err := e.store.UpsertStepExecution(ctx, store.StepExecution{
		ExecutionID: executionID,
		StepID:      step.StepID,
		Status:      store.StepRunning,
		StartedAt:   now,
	}); err != nil {
		return stepOutcome{}, fmt.Errorf("executor: persist running step %q: %w", step.StepID, err)
	}

	resolvedInput, warnings := resolveInput(step.StepID, step.InputMapping, results, initialContext)
	for _, w := range warnings {
		e.log.Warn("", "unresolved input reference", map[string]interface{}{
			"execution_id": executionID, "step_id": w.StepID, "field": w.Field, "detail": w.Message,
		})
	}

	payload, err := json.Marshal(dispatchPayload{ExecutionID: executionID, StepID: step.StepID, Input: resolvedInput})
	if err != nil {
		return stepOutcome{}, fmt.Errorf("executor: marshal step payload: %w", err)
	}

	result, attempts, dispatchErr := e.dispatchWithRetry(ctx, executionID, step.StepID, requestTypeFor(step.Type), payload, step.RetryPolicy)
	completedAt := time.Now()

	if dispatchErr == nil {
		if err := e.store.UpsertStepExecution(ctx, store.StepExecution{
			ExecutionID: executionID,
			StepID:      step.StepID,
			Status:      store.StepCompleted,
			RetryCount:  attempts - 1,
			Result:      result,
			StartedAt:   now,
			CompletedAt: &completedAt,
		}); err != nil {
			return stepOutcome{}, fmt.Errorf("executor: persist completed step %q: %w", step.StepID, err)
		}
		return stepOutcome{kind: outcomeCompleted, result: result}, nil
	}

	if step.OnFailure == workflow.Skip {
		if err := e.store.UpsertStepExecution(ctx, store.StepExecution{
			ExecutionID:  executionID,
			StepID:       step.StepID,
			Status:       store.StepSkipped,
			RetryCount:   attempts - 1,
			StartedAt:    now,
			CompletedAt:  &completedAt,
			ErrorMessage: dispatchErr.Error(),
		}); err != nil {
			return stepOutcome{}, fmt.Errorf("executor: persist skipped step %q: %w", step.StepID, err)
		}
		return stepOutcome{kind: outcomeSkipped, err: dispatchErr}, nil
	}

	// FAIL and RETRY (once attempts are exhausted) both stop the step here.
	if err := e.store.UpsertStepExecution(ctx, store.StepExecution{
		ExecutionID:  executionID,
		StepID:       step.StepID,
		Status:       store.StepFailed,
		RetryCount:   attempts - 1,
		StartedAt:    now,
		CompletedAt:  &completedAt,
		ErrorMessage: dispatchErr.Error(),
	}); err != nil {
		return stepOutcome{}, fmt.Errorf("executor: persist failed step %q: %w", step.StepID, err)
	}
	return stepOutcome{kind: outcomeFailed, err: dispatchErr}, nil
}

// executeApprovalStep implements the HUMAN_APPROVAL branch of spec §4.6:
// check for a prior resolution first (the resume-after-restart case),
// and otherwise record a fresh request and pause the execution
// indefinitely.
func (e *Engine) executeApprovalStep(ctx context.Context, executionID string, step workflow.Step, now time.Time) (stepOutcome, error) {
	decision, err := e.checkApproval(ctx, executionID, step.StepID)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("executor: check approval for step %q: %w", step.StepID, err)
	}

	if decision.resolved {
		completedAt := time.Now()
		if decision.approved {
			result := map[string]interface{}{"decision": "APPROVE", "comment": decision.comment}
			if err := e.store.UpsertStepExecution(ctx, store.StepExecution{
				ExecutionID: executionID, StepID: step.StepID, Status: store.StepCompleted,
				Result: result, StartedAt: now, CompletedAt: &completedAt,
			}); err != nil {
				return stepOutcome{}, fmt.Errorf("executor: persist approved step %q: %w", step.StepID, err)
			}
			if e.metrics != nil {
				e.metrics.ApprovalsTotal.WithLabelValues(approval.Approve).Inc()
			}
			return stepOutcome{kind: outcomeCompleted, result: result}, nil
		}
		errMsg := "approval rejected"
		if decision.comment != "" {
			errMsg = "approval rejected: " + decision.comment
		}
		if err := e.store.UpsertStepExecution(ctx, store.StepExecution{
			ExecutionID: executionID, StepID: step.StepID, Status: store.StepFailed,
			StartedAt: now, CompletedAt: &completedAt, ErrorMessage: errMsg,
		}); err != nil {
			return stepOutcome{}, fmt.Errorf("executor: persist rejected step %q: %w", step.StepID, err)
		}
		if e.metrics != nil {
			e.metrics.ApprovalsTotal.WithLabelValues(approval.Reject).Inc()
		}
		return stepOutcome{kind: outcomeFailed, err: errors.New(errMsg)}, nil
	}

	// No resolution yet: request one and pause. The step stays "running"
	// (the store has no distinct "waiting" status) until a resolution
	// arrives and ResumeExecution re-enters this function.
	if err := e.store.UpsertStepExecution(ctx, store.StepExecution{
		ExecutionID: executionID, StepID: step.StepID, Status: store.StepRunning, StartedAt: now,
	}); err != nil {
		return stepOutcome{}, fmt.Errorf("executor: persist waiting step %q: %w", step.StepID, err)
	}
	if err := e.requestApproval(ctx, executionID, step); err != nil {
		return stepOutcome{}, fmt.Errorf("executor: request approval for step %q: %w", step.StepID, err)
	}
	return stepOutcome{kind: outcomePaused}, nil
}
