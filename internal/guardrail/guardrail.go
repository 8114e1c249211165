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

// Package guardrail implements the declarative ALLOW/FLAG/BLOCK policy
// layer that stands between the advisory analyzers and every caller. It
// is the only component permitted to decide whether a Suggestion or
// Draft ever leaves the process, and it never mutates anything outside
// its own audit trail.
package guardrail

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/truongnn001/presso/internal/advisory"
	"github.com/truongnn001/presso/internal/audit"
	"github.com/truongnn001/presso/internal/config"
	"github.com/truongnn001/presso/internal/logger"
	"github.com/truongnn001/presso/internal/store"
)

// Decision values. These are part of the audit record and must not be
// renamed.
const (
	Allow = "ALLOW"
	Flag  = "FLAG"
	Block = "BLOCK"
)

// ErrDraftBlocked is returned by EnforceDraft when the policy blocks the
// draft. Callers surface this as the DRAFT_BLOCKED wire error.
var ErrDraftBlocked = fmt.Errorf("guardrail: draft blocked by policy")

// Verdict is one record's decision alongside the record itself.
type Verdict struct {
	Suggestion          advisory.Suggestion
	Decision            string
	Reason              string
	RequiresHumanReview bool
}

// Enforcer applies a GuardrailPolicy to advisory output and audits every
// decision it makes, ALLOW included.
type Enforcer struct {
	policy config.GuardrailPolicy
	audit  *audit.Writer
	log    *logger.Logger
}

// New constructs an Enforcer over the given policy.
func New(policy config.GuardrailPolicy, auditWriter *audit.Writer, log *logger.Logger) *Enforcer {
	return &Enforcer{policy: policy, audit: auditWriter, log: log}
}

// SetPolicy replaces the enforced policy, e.g. after a config reload.
func (e *Enforcer) SetPolicy(policy config.GuardrailPolicy) {
	e.policy = policy
}

func (e *Enforcer) analysisTypePermitted(analysisType string) bool {
	if len(e.policy.AllowedAnalysisTypes) == 0 {
		return true
	}
	for _, t := range e.policy.AllowedAnalysisTypes {
		if t == analysisType {
			return true
		}
	}
	return false
}

func (e *Enforcer) categoryBlocked(category string) bool {
	for _, c := range e.policy.BlockedSuggestionTypes {
		if c == category {
			return true
		}
	}
	return false
}

// decide applies rules 1-4 in order to a single record, given whether
// the whole batch's analysis_type is permitted.
func (e *Enforcer) decide(category string, confidence float64, analysisTypeOK bool) (decision, reason string) {
	if !analysisTypeOK {
		return Block, "analysis_type not permitted"
	}
	if e.categoryBlocked(category) {
		return Block, fmt.Sprintf("category %q is in blocked_suggestion_types", category)
	}
	if confidence < e.policy.MinConfidenceThreshold {
		if e.policy.RequireHumanReviewBelowThreshold {
			return Flag, fmt.Sprintf("confidence %.2f below threshold %.2f", confidence, e.policy.MinConfidenceThreshold)
		}
		return Block, fmt.Sprintf("confidence %.2f below threshold %.2f", confidence, e.policy.MinConfidenceThreshold)
	}
	return Allow, ""
}

// EnforceSuggestions applies the policy to every suggestion produced for
// analysisType, truncates to max_suggestions_per_request, and audits
// every decision including overflow and BLOCK records. Only ALLOW and
// FLAG records are returned; BLOCK is visible solely in the audit log.
func (e *Enforcer) EnforceSuggestions(ctx context.Context, analysisType string, suggestions []advisory.Suggestion) []Verdict {
	analysisTypeOK := e.analysisTypePermitted(analysisType)

	var kept []Verdict
	var overflowAt int = -1
	for i, s := range suggestions {
		decision, reason := e.decide(s.Category, s.Confidence, analysisTypeOK)
		if decision != Block && e.policy.MaxSuggestionsPerRequest > 0 && len(kept) >= e.policy.MaxSuggestionsPerRequest {
			decision = Block
			reason = "max_suggestions_per_request exceeded"
			if overflowAt < 0 {
				overflowAt = i
			}
		}

		e.auditDecision(ctx, "suggestion", s.SuggestionID, decision, reason, s.Confidence, s.ExecutionID)

		if decision == Block {
			continue
		}
		kept = append(kept, Verdict{
			Suggestion:          s,
			Decision:            decision,
			Reason:              reason,
			RequiresHumanReview: decision == Flag,
		})
	}
	return kept
}

// EnforceDraft applies the policy to a single draft-backing suggestion.
// A BLOCK or FLAG decision returns ErrDraftBlocked, since a draft has no
// partial-release form: the caller must not return any payload in that
// case.
func (e *Enforcer) EnforceDraft(ctx context.Context, analysisType string, draftID string, category string, confidence float64, executionID string) error {
	analysisTypeOK := e.analysisTypePermitted(analysisType)
	decision, reason := e.decide(category, confidence, analysisTypeOK)

	e.auditDecision(ctx, "draft", draftID, decision, reason, confidence, executionID)

	if decision == Allow {
		return nil
	}
	return ErrDraftBlocked
}

func (e *Enforcer) auditDecision(_ context.Context, kind, recordID, decision, reason string, confidence float64, executionID string) {
	e.audit.Guardrail(store.GuardrailDecision{
		ID:          "grd-" + uuid.NewString(),
		RecordID:    recordID,
		RecordKind:  kind,
		Decision:    decision,
		Reason:      reason,
		Confidence:  confidence,
		ExecutionID: executionID,
		CreatedAt:   time.Now(),
	})
}
