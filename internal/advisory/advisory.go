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

// Package advisory implements the three read-only analyzers — definition,
// history, and state — that produce deterministic Suggestion records.
// Nothing in this package ever calls a mutation path of the executor,
// approval service, or store: it only reads.
package advisory

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/truongnn001/presso/internal/store"
	"github.com/truongnn001/presso/internal/workflow"
)

// Analysis type identifiers, matching the GET_AI_SUGGESTIONS analysis_type
// values.
const (
	Definition = "definition"
	History    = "history"
	State      = "state"
)

// Suggestion is one analyzer's output record, prior to guardrail review.
type Suggestion struct {
	SuggestionID string
	Category     string
	Title        string
	Message      string
	Context      map[string]interface{}
	Metadata     map[string]interface{}
	Confidence   float64
	Reasoning    []string
	Evidence     []string
	Limitations  []string
	ExecutionID  string
	WorkflowID   string
}

func (s Suggestion) toRecord() store.SuggestionRecord {
	return store.SuggestionRecord{
		SuggestionID: s.SuggestionID,
		Category:     s.Category,
		Title:        s.Title,
		Message:      s.Message,
		Context:      s.Context,
		Metadata:     s.Metadata,
		Confidence:   s.Confidence,
		Reasoning:    s.Reasoning,
		Evidence:     s.Evidence,
		Limitations:  s.Limitations,
		ExecutionID:  s.ExecutionID,
		WorkflowID:   s.WorkflowID,
		CreatedAt:    time.Now(),
	}
}

// ToRecord exposes the append-only audit shape of a Suggestion, used by
// the guardrail enforcer and the audit writer.
func (s Suggestion) ToRecord() store.SuggestionRecord { return s.toRecord() }

// Service reads definitions, execution history, and live state to produce
// suggestions. It holds no mutation methods.
type Service struct {
	store *store.Store
}

// New constructs a Service over st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

func newSuggestionID() string {
	return "sugg-" + uuid.NewString()
}

// AnalyzeDefinitionByWorkflowID loads a persisted definition and runs the
// definition analyzer over it. Returns (nil, false, nil) if the workflow
// is not known.
func (s *Service) AnalyzeDefinitionByWorkflowID(ctx context.Context, workflowID string) ([]Suggestion, bool, error) {
	d, ok, err := s.store.LoadDefinition(ctx, workflowID)
	if err != nil {
		return nil, false, fmt.Errorf("advisory: load definition: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return AnalyzeDefinition(d), true, nil
}

// AnalyzeDefinition inspects d for structural improvement opportunities.
// Fixed, per-rule confidence constants make identical inputs always
// produce identical output.
func AnalyzeDefinition(d workflow.Definition) []Suggestion {
	var out []Suggestion

	if !d.IsDAG() && len(d.Steps) > 1 && !hasCrossStepReference(d) {
		out = append(out, Suggestion{
			SuggestionID: newSuggestionID(),
			Category:     Definition,
			Title:        "parallelization opportunity",
			Message:      fmt.Sprintf("workflow %q runs %d steps sequentially but none reference another step's result", d.WorkflowID, len(d.Steps)),
			Context:      map[string]interface{}{"workflow_id": d.WorkflowID, "step_count": len(d.Steps)},
			Metadata:     map[string]interface{}{"rule": "parallelization_opportunity"},
			Confidence:   0.6,
			Reasoning:    []string{"no step's input_mapping references another step's output", "a sequential chain with no data dependency can run as a DAG instead"},
			Evidence:     []string{fmt.Sprintf("%d steps declared, 0 depends_on edges, 0 cross-step input_mapping references", len(d.Steps))},
			Limitations:  []string{"does not account for side-effect ordering requirements outside the declared input_mapping"},
			WorkflowID:   d.WorkflowID,
		})
	}

	if d.IsDAG() && d.MaxParallelism == 0 {
		out = append(out, Suggestion{
			SuggestionID: newSuggestionID(),
			Category:     Definition,
			Title:        "missing max_parallelism",
			Message:      fmt.Sprintf("DAG workflow %q has no max_parallelism, so the executor may run all ready steps at once", d.WorkflowID),
			Context:      map[string]interface{}{"workflow_id": d.WorkflowID},
			Metadata:     map[string]interface{}{"rule": "missing_max_parallelism"},
			Confidence:   0.8,
			Reasoning:    []string{"unbounded parallelism in a DAG can exhaust worker in-flight capacity"},
			Evidence:     []string{"max_parallelism == 0"},
			Limitations:  []string{"cannot infer a safe bound without knowing external resource limits"},
			WorkflowID:   d.WorkflowID,
		})
	}

	for _, step := range d.Steps {
		if step.RetryPolicy.MaxAttempts == 1 && step.OnFailure == workflow.Fail {
			out = append(out, Suggestion{
				SuggestionID: newSuggestionID(),
				Category:     Definition,
				Title:        "no retry margin before failing the workflow",
				Message:      fmt.Sprintf("step %q has max_attempts=1 and on_failure=FAIL: any transient error fails the whole execution", step.StepID),
				Context:      map[string]interface{}{"workflow_id": d.WorkflowID, "step_id": step.StepID},
				Metadata:     map[string]interface{}{"rule": "single_attempt_fail_fast"},
				Confidence:   0.7,
				Reasoning:    []string{"max_attempts=1 gives the step no chance to recover from a transient failure before the on_failure policy applies"},
				Evidence:     []string{fmt.Sprintf("step %q: max_attempts=1, on_failure=FAIL", step.StepID)},
				Limitations:  []string{"some operations are legitimately non-idempotent and should not be retried"},
				WorkflowID:   d.WorkflowID,
			})
		}
		if step.Type == workflow.HumanApproval && step.TimeoutPolicy == workflow.TimeoutWait {
			out = append(out, Suggestion{
				SuggestionID: newSuggestionID(),
				Category:     Definition,
				Title:        "approval step has no timeout",
				Message:      fmt.Sprintf("approval step %q uses timeout_policy=WAIT and can pause the execution indefinitely", step.StepID),
				Context:      map[string]interface{}{"workflow_id": d.WorkflowID, "step_id": step.StepID},
				Metadata:     map[string]interface{}{"rule": "approval_timeout_wait"},
				Confidence:   0.5,
				Reasoning:    []string{"an unresolved WAIT approval holds the execution in paused_waiting_for_approval with no automatic escape"},
				Evidence:     []string{fmt.Sprintf("step %q: timeout_policy=WAIT", step.StepID)},
				Limitations:  []string{"some approvals are intentionally indefinite and should remain WAIT"},
				WorkflowID:   d.WorkflowID,
			})
		}
	}

	return out
}

var stepRefPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9_\-]+)\.`)

// hasCrossStepReference reports whether any step's input_mapping
// references another declared step's result via "${step_id.field}".
func hasCrossStepReference(d workflow.Definition) bool {
	stepIDs := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		stepIDs[s.StepID] = true
	}
	for _, s := range d.Steps {
		for _, v := range s.InputMapping {
			str, ok := v.(string)
			if !ok {
				continue
			}
			for _, m := range stepRefPattern.FindAllStringSubmatch(str, -1) {
				if ref := m[1]; ref != "input" && stepIDs[ref] {
					return true
				}
			}
		}
	}
	return false
}

// historyFailureThreshold, historyDurationThresholdSeconds, and
// historyRetryThreshold are the fixed rule boundaries for history
// patterns.
const (
	historyFailureThreshold         = 3
	historyDurationThresholdSeconds = 10.0
	historyRetryThreshold           = 1.5
)

// AnalyzeHistory scans persisted step execution history for recurring
// problems. The confidence formula is fixed: min(1, execution_count/20)
// plus 0.1 if the step's failure rate exceeds 0.5, so identical inputs
// always produce an identical confidence value.
func (s *Service) AnalyzeHistory(ctx context.Context) ([]Suggestion, error) {
	var out []Suggestion

	failureCounts, err := s.store.GetStepFailureCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("advisory: history analyzer: %w", err)
	}
	for _, fc := range failureCounts {
		if fc.FailureCount < historyFailureThreshold {
			continue
		}
		executionCount, err := s.store.GetExecutionCountForStep(ctx, fc.StepID)
		if err != nil {
			return nil, fmt.Errorf("advisory: history analyzer execution count: %w", err)
		}
		confidence := historyConfidence(executionCount, fc.FailureCount)
		out = append(out, Suggestion{
			SuggestionID: newSuggestionID(),
			Category:     History,
			Title:        "recurring step failures",
			Message:      fmt.Sprintf("step %q has failed %d times across %d executions", fc.StepID, fc.FailureCount, executionCount),
			Context:      map[string]interface{}{"step_id": fc.StepID},
			Metadata:     map[string]interface{}{"rule": "failure_pattern"},
			Confidence:   confidence,
			Reasoning:    []string{"a step failing at least 3 times is a recurring pattern, not an isolated incident"},
			Evidence:     []string{fmt.Sprintf("failure_count=%d execution_count=%d", fc.FailureCount, executionCount)},
			Limitations:  []string{"does not distinguish between distinct root causes across failures"},
		})
	}

	durationStats, err := s.store.GetStepDurationStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("advisory: history analyzer duration stats: %w", err)
	}
	for _, ds := range durationStats {
		executionCount, err := s.store.GetExecutionCountForStep(ctx, ds.StepID)
		if err != nil {
			return nil, fmt.Errorf("advisory: history analyzer execution count: %w", err)
		}
		failureCount := 0
		for _, fc := range failureCounts {
			if fc.StepID == ds.StepID {
				failureCount = fc.FailureCount
				break
			}
		}
		confidence := historyConfidence(executionCount, failureCount)

		if ds.AvgDurationSeconds > historyDurationThresholdSeconds {
			out = append(out, Suggestion{
				SuggestionID: newSuggestionID(),
				Category:     History,
				Title:        "slow step",
				Message:      fmt.Sprintf("step %q averages %.1fs per execution", ds.StepID, ds.AvgDurationSeconds),
				Context:      map[string]interface{}{"step_id": ds.StepID},
				Metadata:     map[string]interface{}{"rule": "performance_pattern"},
				Confidence:   confidence,
				Reasoning:    []string{"an average duration above 10s is a consistent performance pattern, not a one-off"},
				Evidence:     []string{fmt.Sprintf("avg_duration_seconds=%.2f sample_count=%d", ds.AvgDurationSeconds, ds.SampleCount)},
				Limitations:  []string{"does not attribute the slowness to a specific external dependency"},
			})
		}
		if ds.AvgRetryCount >= historyRetryThreshold {
			out = append(out, Suggestion{
				SuggestionID: newSuggestionID(),
				Category:     History,
				Title:        "step needs multiple retries to succeed",
				Message:      fmt.Sprintf("step %q averages %.1f retries per execution", ds.StepID, ds.AvgRetryCount),
				Context:      map[string]interface{}{"step_id": ds.StepID},
				Metadata:     map[string]interface{}{"rule": "retry_pattern"},
				Confidence:   confidence,
				Reasoning:    []string{"an average retry count at or above 1.5 indicates the step's first attempt usually fails"},
				Evidence:     []string{fmt.Sprintf("avg_retry_count=%.2f sample_count=%d", ds.AvgRetryCount, ds.SampleCount)},
				Limitations:  []string{"does not identify whether retries succeed due to transient conditions or masking a persistent bug"},
			})
		}
	}

	return out, nil
}

func historyConfidence(executionCount, failureCount int) float64 {
	confidence := float64(executionCount) / 20.0
	if confidence > 1 {
		confidence = 1
	}
	if executionCount > 0 && float64(failureCount)/float64(executionCount) > 0.5 {
		confidence += 0.1
	}
	return confidence
}

const (
	longPendingApprovalAge = time.Hour
	longRunningWorkflowAge = 2 * time.Hour

	stateConfidenceLongPendingApproval = 0.9
	stateConfidenceLongRunningWorkflow = 0.85
)

// AnalyzeState inspects live execution/approval state for stuck work.
func (s *Service) AnalyzeState(ctx context.Context) ([]Suggestion, error) {
	var out []Suggestion
	now := time.Now()

	stalePending, err := s.store.ListPendingApprovalsOlderThan(ctx, now.Add(-longPendingApprovalAge).UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("advisory: state analyzer pending approvals: %w", err)
	}
	for _, a := range stalePending {
		out = append(out, Suggestion{
			SuggestionID: newSuggestionID(),
			Category:     State,
			Title:        "long-pending approval",
			Message:      fmt.Sprintf("approval for step %q in execution %q has been pending since %s", a.StepID, a.ExecutionID, a.RequestedAt.Format(time.RFC3339)),
			Context:      map[string]interface{}{"execution_id": a.ExecutionID, "step_id": a.StepID},
			Metadata:     map[string]interface{}{"rule": "long_pending_approval"},
			Confidence:   stateConfidenceLongPendingApproval,
			Reasoning:    []string{"an approval pending more than one hour is likely blocked on an unavailable reviewer"},
			Evidence:     []string{fmt.Sprintf("requested_at=%s", a.RequestedAt.Format(time.RFC3339))},
			Limitations:  []string{"cannot distinguish an intentionally slow review from a forgotten one"},
			ExecutionID:  a.ExecutionID,
		})
	}

	longRunning, err := s.store.ListRunningExecutionsOlderThan(ctx, now.Add(-longRunningWorkflowAge).UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("advisory: state analyzer running executions: %w", err)
	}
	for _, e := range longRunning {
		out = append(out, Suggestion{
			SuggestionID: newSuggestionID(),
			Category:     State,
			Title:        "long-running workflow",
			Message:      fmt.Sprintf("execution %q has been running since %s", e.ExecutionID, e.StartedAt.Format(time.RFC3339)),
			Context:      map[string]interface{}{"execution_id": e.ExecutionID, "workflow_id": e.WorkflowID},
			Metadata:     map[string]interface{}{"rule": "long_running_workflow"},
			Confidence:   stateConfidenceLongRunningWorkflow,
			Reasoning:    []string{"an execution still running after two hours is unusual for interactive desktop automation workflows"},
			Evidence:     []string{fmt.Sprintf("started_at=%s", e.StartedAt.Format(time.RFC3339))},
			Limitations:  []string{"some workflows are legitimately long-running by design"},
			ExecutionID:  e.ExecutionID,
			WorkflowID:   e.WorkflowID,
		})
	}

	return out, nil
}
