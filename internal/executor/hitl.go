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

	"github.com/truongnn001/presso/internal/approval"
	"github.com/truongnn001/presso/internal/workflow"
)

// approvalDecision is what runApprovalStep found when it checked for an
// existing resolution, or the fact that none exists yet.
type approvalDecision struct {
	resolved bool
	approved bool
	comment  string
}

// checkApproval consults the approval service for a prior decision on
// (executionID, stepID) — the resume-after-restart path: if a decision
// was already recorded, the executor must honor it rather than request
// approval a second time.
func (e *Engine) checkApproval(ctx context.Context, executionID, stepID string) (approvalDecision, error) {
	a, ok, err := e.approvals.Existing(ctx, executionID, stepID)
	if err != nil {
		return approvalDecision{}, err
	}
	if !ok || !a.Resolved() {
		return approvalDecision{resolved: false}, nil
	}
	return approvalDecision{resolved: true, approved: a.Decision == approval.Approve, comment: a.Comment}, nil
}

// requestApproval records a fresh approval request for step, arming a
// timeout timer if the step declares timeout_policy FAIL.
func (e *Engine) requestApproval(ctx context.Context, executionID string, step workflow.Step) error {
	return e.approvals.Request(ctx, executionID, step.StepID, step.Prompt, step.AllowedActions, string(step.TimeoutPolicy), step.TimeoutMs)
}
