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
	"path/filepath"
	"testing"
	"time"

	"github.com/truongnn001/presso/internal/logger"
	"github.com/truongnn001/presso/internal/store"
	"github.com/truongnn001/presso/internal/workflow"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), logger.New("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sequentialDefinition() workflow.Definition {
	return workflow.Definition{
		WorkflowID: "wf-seq",
		Name:       "seq",
		Version:    "1",
		Steps: []workflow.Step{
			{StepID: "a", Type: workflow.PythonTask, RetryPolicy: workflow.RetryPolicy{MaxAttempts: 1}, OnFailure: workflow.Fail},
			{StepID: "b", Type: workflow.PythonTask, RetryPolicy: workflow.RetryPolicy{MaxAttempts: 3}, OnFailure: workflow.Retry},
		},
	}
}

func TestAnalyzeDefinition_ParallelizationOpportunity(t *testing.T) {
	suggestions := AnalyzeDefinition(sequentialDefinition())

	found := false
	for _, s := range suggestions {
		if s.Metadata["rule"] == "parallelization_opportunity" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a parallelization_opportunity suggestion, got %+v", suggestions)
	}
}

func TestAnalyzeDefinition_NoSuggestionWhenStepsCrossReference(t *testing.T) {
	d := sequentialDefinition()
	d.Steps[1].InputMapping = map[string]interface{}{"value": "${a.result}"}

	suggestions := AnalyzeDefinition(d)
	for _, s := range suggestions {
		if s.Metadata["rule"] == "parallelization_opportunity" {
			t.Fatalf("expected no parallelization suggestion once step b references step a, got %+v", suggestions)
		}
	}
}

func TestAnalyzeDefinition_MissingMaxParallelismOnDAG(t *testing.T) {
	d := workflow.Definition{
		WorkflowID: "wf-dag",
		Steps: []workflow.Step{
			{StepID: "a", Type: workflow.PythonTask, RetryPolicy: workflow.RetryPolicy{MaxAttempts: 1}, OnFailure: workflow.Skip},
			{StepID: "b", Type: workflow.PythonTask, RetryPolicy: workflow.RetryPolicy{MaxAttempts: 1}, OnFailure: workflow.Skip, DependsOn: []string{"a"}},
		},
	}
	suggestions := AnalyzeDefinition(d)

	found := false
	for _, s := range suggestions {
		if s.Metadata["rule"] == "missing_max_parallelism" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected missing_max_parallelism suggestion, got %+v", suggestions)
	}
}

func TestAnalyzeDefinition_SingleAttemptFailFast(t *testing.T) {
	suggestions := AnalyzeDefinition(sequentialDefinition())

	found := false
	for _, s := range suggestions {
		if s.Metadata["rule"] == "single_attempt_fail_fast" {
			found = true
			if s.Context["step_id"] != "a" {
				t.Fatalf("expected suggestion to reference step a, got %+v", s.Context)
			}
		}
	}
	if !found {
		t.Fatalf("expected single_attempt_fail_fast suggestion, got %+v", suggestions)
	}
}

func TestAnalyzeDefinition_ApprovalTimeoutWait(t *testing.T) {
	d := workflow.Definition{
		WorkflowID: "wf-approval",
		Steps: []workflow.Step{
			{
				StepID: "h", Type: workflow.HumanApproval,
				RetryPolicy: workflow.RetryPolicy{MaxAttempts: 1}, OnFailure: workflow.Fail,
				AllowedActions: []string{"APPROVE", "REJECT"}, TimeoutPolicy: workflow.TimeoutWait,
			},
		},
	}
	suggestions := AnalyzeDefinition(d)

	found := false
	for _, s := range suggestions {
		if s.Metadata["rule"] == "approval_timeout_wait" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected approval_timeout_wait suggestion, got %+v", suggestions)
	}
}

func TestAnalyzeDefinition_DeterministicConfidence(t *testing.T) {
	d := sequentialDefinition()
	first := AnalyzeDefinition(d)
	second := AnalyzeDefinition(d)

	if len(first) != len(second) {
		t.Fatalf("expected identical suggestion counts across runs, got %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Confidence != second[i].Confidence || first[i].Metadata["rule"] != second[i].Metadata["rule"] {
			t.Fatalf("expected deterministic output, differed at index %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestAnalyzeHistory_FailurePatternAndConfidenceFormula(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		status := store.StepCompleted
		if i < 6 {
			status = store.StepFailed
		}
		if err := st.UpsertStepExecution(ctx, store.StepExecution{
			ExecutionID: "exec-" + string(rune('a'+i)),
			StepID:      "flaky",
			Status:      status,
			StartedAt:   time.Now(),
		}); err != nil {
			t.Fatalf("seed step execution: %v", err)
		}
	}

	svc := New(st)
	suggestions, err := svc.AnalyzeHistory(ctx)
	if err != nil {
		t.Fatalf("AnalyzeHistory: %v", err)
	}

	found := false
	for _, s := range suggestions {
		if s.Metadata["rule"] == "failure_pattern" {
			found = true
			// execution_count=10, failure_count=6 -> failure_rate=0.6 > 0.5
			// confidence = min(1, 10/20) + 0.1 = 0.6
			if s.Confidence < 0.59 || s.Confidence > 0.61 {
				t.Fatalf("expected confidence ~0.6, got %v", s.Confidence)
			}
		}
	}
	if !found {
		t.Fatalf("expected a failure_pattern suggestion, got %+v", suggestions)
	}
}

func TestAnalyzeHistory_PerformanceAndRetryPatterns(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	start := time.Now()
	end := start.Add(15 * time.Second)
	if err := st.UpsertStepExecution(ctx, store.StepExecution{
		ExecutionID: "exec-x", StepID: "slow-and-retried", Status: store.StepCompleted,
		RetryCount: 2, StartedAt: start, CompletedAt: &end,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	svc := New(st)
	suggestions, err := svc.AnalyzeHistory(ctx)
	if err != nil {
		t.Fatalf("AnalyzeHistory: %v", err)
	}

	rules := map[string]bool{}
	for _, s := range suggestions {
		rules[s.Metadata["rule"].(string)] = true
	}
	if !rules["performance_pattern"] {
		t.Fatalf("expected performance_pattern suggestion, got %+v", suggestions)
	}
	if !rules["retry_pattern"] {
		t.Fatalf("expected retry_pattern suggestion, got %+v", suggestions)
	}
}

func TestAnalyzeState_LongPendingApprovalAndLongRunningWorkflow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)
	if err := st.CreateApprovalRequest(ctx, store.Approval{
		ExecutionID: "exec-stale", StepID: "h", Prompt: "approve?",
		AllowedActions: []string{"APPROVE", "REJECT"}, RequestedAt: old,
	}); err != nil {
		t.Fatalf("seed approval: %v", err)
	}
	if err := st.CreateExecution(ctx, store.Execution{
		ExecutionID: "exec-long", WorkflowID: "wf-long", WorkflowName: "long",
		Status: store.StatusRunning, StartedAt: old,
	}); err != nil {
		t.Fatalf("seed execution: %v", err)
	}

	svc := New(st)
	suggestions, err := svc.AnalyzeState(ctx)
	if err != nil {
		t.Fatalf("AnalyzeState: %v", err)
	}

	rules := map[string]bool{}
	for _, s := range suggestions {
		rules[s.Metadata["rule"].(string)] = true
	}
	if !rules["long_pending_approval"] {
		t.Fatalf("expected long_pending_approval suggestion, got %+v", suggestions)
	}
	if !rules["long_running_workflow"] {
		t.Fatalf("expected long_running_workflow suggestion, got %+v", suggestions)
	}
}
