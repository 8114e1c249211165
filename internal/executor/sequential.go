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
	"time"

	"github.com/truongnn001/presso/internal/store"
	"github.com/truongnn001/presso/internal/workflow"
)

// runSequential executes a non-DAG definition's steps in declaration
// order, resuming past whatever steps the store already reports
// completed or skipped. It never fans out: one step runs at a time.
func (e *Engine) runSequential(ctx context.Context, executionID string, d workflow.Definition) error {
	initialContext, err := e.store.GetInitialContext(ctx, executionID)
	if err != nil {
		return fmt.Errorf("executor: get initial context: %w", err)
	}

	results, done, err := e.loadPriorResults(ctx, executionID)
	if err != nil {
		return err
	}

	for _, step := range d.Steps {
		if prior, ok := done[step.StepID]; ok {
			switch prior {
			case store.StepCompleted, store.StepSkipped:
				continue
			case store.StepFailed:
				// The execution should already be terminal; nothing more to do.
				return nil
			}
			// StepRunning: an in-flight step at crash time (including a
			// HUMAN_APPROVAL step awaiting resolution) — fall through and
			// re-enter it below.
		}

		outcome, err := e.executeOneStep(ctx, executionID, step, results, initialContext)
		if err != nil {
			return err
		}

		switch outcome.kind {
		case outcomeCompleted:
			results[step.StepID] = outcome.result
		case outcomeSkipped:
			results[step.StepID] = nil
		case outcomePaused:
			return e.finalizeStatus(ctx, executionID, store.StatusPausedForApproval, "")
		case outcomeFailed:
			msg := ""
			if outcome.err != nil {
				msg = outcome.err.Error()
			}
			return e.finalizeStatus(ctx, executionID, store.StatusFailed, msg)
		}
	}

	return e.finalizeStatus(ctx, executionID, store.StatusCompleted, "")
}

// loadPriorResults reconstructs the in-memory results map and the
// per-step status map from persisted step executions, so a resumed run
// doesn't re-dispatch already-completed work.
func (e *Engine) loadPriorResults(ctx context.Context, executionID string) (map[string]map[string]interface{}, map[string]string, error) {
	existing, err := e.store.ListStepExecutions(ctx, executionID)
	if err != nil {
		return nil, nil, fmt.Errorf("executor: list step executions: %w", err)
	}
	results := make(map[string]map[string]interface{}, len(existing))
	done := make(map[string]string, len(existing))
	for _, se := range existing {
		done[se.StepID] = se.Status
		if se.Status == store.StepCompleted {
			results[se.StepID] = se.Result
		}
		if se.Status == store.StepSkipped {
			results[se.StepID] = nil
		}
	}
	return results, done, nil
}

// finalizeStatus persists the execution's terminal (or pausing) status.
func (e *Engine) finalizeStatus(ctx context.Context, executionID, status, errMsg string) error {
	var completedAt *time.Time
	if status == store.StatusCompleted || status == store.StatusFailed {
		now := time.Now()
		completedAt = &now
	}
	if err := e.store.UpdateExecutionStatus(ctx, executionID, status, errMsg, completedAt); err != nil {
		return fmt.Errorf("executor: update execution status: %w", err)
	}
	e.publish("execution."+statusTag(status), executionID, "")
	return nil
}

func statusTag(status string) string {
	switch status {
	case store.StatusCompleted:
		return "completed"
	case store.StatusFailed:
		return "failed"
	case store.StatusPausedForApproval:
		return "paused"
	default:
		return status
	}
}
