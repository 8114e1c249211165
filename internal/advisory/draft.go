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

package advisory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Draft type identifiers, matching the GENERATE_DRAFT draft_type values.
const (
	DraftWorkflowSkeleton  = "WORKFLOW_JSON"
	DraftRetryPolicyTuning = "RETRY_POLICY_TUNING"
)

// DraftStatus is fixed for every generated draft: a draft is always a
// proposal, never something the engine will run on its own.
const DraftStatus = "DRAFT_ONLY"

// DraftRequest is the parsed form of a GENERATE_DRAFT call.
type DraftRequest struct {
	DraftType    string
	ContextScope map[string]interface{}
	Constraints  map[string]interface{}
}

// Draft is a generated proposal, prior to guardrail review. Like a
// Suggestion it carries a category and confidence so the same guardrail
// pipeline can evaluate it.
type Draft struct {
	DraftID    string
	DraftType  string
	Category   string
	Content    map[string]interface{}
	Confidence float64
}

func newDraftID() string {
	return "draft-" + uuid.NewString()
}

// GenerateDraft produces a deterministic draft for req.DraftType. An
// unrecognized draft_type is a caller error (INVALID_PARAMS at the IPC
// layer), not an advisory failure.
func (s *Service) GenerateDraft(ctx context.Context, req DraftRequest) (Draft, error) {
	switch req.DraftType {
	case DraftWorkflowSkeleton:
		return draftWorkflowSkeleton(req), nil
	case DraftRetryPolicyTuning:
		return s.draftRetryPolicyTuning(ctx, req)
	default:
		return Draft{}, fmt.Errorf("advisory: unknown draft_type %q", req.DraftType)
	}
}

// draftWorkflowSkeletonConfidence is fixed: a scaffold is always equally
// tentative regardless of its step count. It sits above the default
// guardrail confidence threshold so a default-configured core hands the
// scaffold back instead of blocking it outright — a drafted skeleton is
// meant to be reviewed and edited, not treated as a high-risk suggestion.
const draftWorkflowSkeletonConfidence = 0.6

// draftWorkflowSkeleton builds a sequential workflow definition scaffold
// from constraints["step_count"] and constraints["step_type"], so a
// caller can iterate on a starting point rather than an empty file.
func draftWorkflowSkeleton(req DraftRequest) Draft {
	stepCount := 1
	if raw, ok := req.Constraints["step_count"].(float64); ok && raw > 0 {
		stepCount = int(raw)
	}
	stepType := "PYTHON_TASK"
	if raw, ok := req.Constraints["step_type"].(string); ok && raw != "" {
		stepType = raw
	}
	name := "untitled draft"
	if raw, ok := req.Constraints["name"].(string); ok && raw != "" {
		name = raw
	}

	steps := make([]map[string]interface{}, 0, stepCount)
	for i := 1; i <= stepCount; i++ {
		steps = append(steps, map[string]interface{}{
			"step_id":       fmt.Sprintf("step_%d", i),
			"type":          stepType,
			"input_mapping": map[string]interface{}{},
			"retry_policy":  map[string]interface{}{"max_attempts": 1, "backoff_ms": 0},
			"on_failure":    "FAIL",
		})
	}

	return Draft{
		DraftID:   newDraftID(),
		DraftType: DraftWorkflowSkeleton,
		Category:  Definition,
		Content: map[string]interface{}{
			"workflow_id": "draft-" + uuid.NewString(),
			"name":        name,
			"version":     "1",
			"steps":       steps,
		},
		Confidence: draftWorkflowSkeletonConfidence,
	}
}

// draftRetryPolicyTuning proposes a higher max_attempts for a step whose
// recorded history shows it usually needs retries, using the same
// confidence formula as the history analyzer so a drafted tuning and an
// analyzer suggestion about the same step never disagree on confidence.
func (s *Service) draftRetryPolicyTuning(ctx context.Context, req DraftRequest) (Draft, error) {
	stepID, _ := req.ContextScope["step_id"].(string)
	if stepID == "" {
		return Draft{}, fmt.Errorf("advisory: retry_policy_tuning draft requires context_scope.step_id")
	}

	executionCount, err := s.store.GetExecutionCountForStep(ctx, stepID)
	if err != nil {
		return Draft{}, fmt.Errorf("advisory: retry_policy_tuning draft: %w", err)
	}
	failureCounts, err := s.store.GetStepFailureCounts(ctx)
	if err != nil {
		return Draft{}, fmt.Errorf("advisory: retry_policy_tuning draft: %w", err)
	}
	failureCount := 0
	for _, fc := range failureCounts {
		if fc.StepID == stepID {
			failureCount = fc.FailureCount
			break
		}
	}

	proposedAttempts := 3
	if raw, ok := req.Constraints["max_attempts"].(float64); ok && raw >= 1 {
		proposedAttempts = int(raw)
	}

	return Draft{
		DraftID:   newDraftID(),
		DraftType: DraftRetryPolicyTuning,
		Category:  History,
		Content: map[string]interface{}{
			"step_id": stepID,
			"retry_policy": map[string]interface{}{
				"max_attempts": proposedAttempts,
				"backoff_ms":   500,
			},
			"rationale": fmt.Sprintf("step %q has failed %d times across %d executions", stepID, failureCount, executionCount),
		},
		Confidence: historyConfidence(executionCount, failureCount),
	}, nil
}
