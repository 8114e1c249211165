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

package guardrail

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/truongnn001/presso/internal/advisory"
	"github.com/truongnn001/presso/internal/audit"
	"github.com/truongnn001/presso/internal/config"
	"github.com/truongnn001/presso/internal/logger"
	"github.com/truongnn001/presso/internal/store"
)

func newTestEnforcer(t *testing.T, policy config.GuardrailPolicy) (*Enforcer, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), logger.New("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	w := audit.New(st, logger.New("test"))
	t.Cleanup(w.Close)

	return New(policy, w, logger.New("test")), st
}

func TestEnforceSuggestions_ExampleFromWalkthrough(t *testing.T) {
	policy := config.GuardrailPolicy{
		MinConfidenceThreshold:           0.7,
		RequireHumanReviewBelowThreshold: true,
		MaxSuggestionsPerRequest:         2,
	}
	e, _ := newTestEnforcer(t, policy)

	suggestions := []advisory.Suggestion{
		{SuggestionID: "s1", Category: "definition", Confidence: 0.9},
		{SuggestionID: "s2", Category: "definition", Confidence: 0.6},
		{SuggestionID: "s3", Category: "definition", Confidence: 0.4},
	}

	kept := e.EnforceSuggestions(context.Background(), "definition", suggestions)
	if len(kept) != 2 {
		t.Fatalf("expected 2 records returned, got %d: %+v", len(kept), kept)
	}
	if kept[0].RequiresHumanReview {
		t.Fatalf("expected first record (confidence 0.9) to not require human review: %+v", kept[0])
	}
	if !kept[1].RequiresHumanReview {
		t.Fatalf("expected second record (confidence 0.6) to require human review: %+v", kept[1])
	}
	if kept[0].Suggestion.SuggestionID != "s1" || kept[1].Suggestion.SuggestionID != "s2" {
		t.Fatalf("unexpected records kept: %+v", kept)
	}
}

func TestEnforceSuggestions_AnalysisTypeNotPermittedBlocksAll(t *testing.T) {
	policy := config.GuardrailPolicy{
		MinConfidenceThreshold:   0.0,
		MaxSuggestionsPerRequest: 10,
		AllowedAnalysisTypes:     []string{"history"},
	}
	e, _ := newTestEnforcer(t, policy)

	suggestions := []advisory.Suggestion{{SuggestionID: "s1", Category: "definition", Confidence: 0.99}}
	kept := e.EnforceSuggestions(context.Background(), "definition", suggestions)
	if len(kept) != 0 {
		t.Fatalf("expected no records for a disallowed analysis_type, got %+v", kept)
	}
}

func TestEnforceSuggestions_BlockedCategory(t *testing.T) {
	policy := config.GuardrailPolicy{
		MinConfidenceThreshold:   0.0,
		MaxSuggestionsPerRequest: 10,
		BlockedSuggestionTypes:   []string{"definition"},
	}
	e, _ := newTestEnforcer(t, policy)

	suggestions := []advisory.Suggestion{{SuggestionID: "s1", Category: "definition", Confidence: 0.99}}
	kept := e.EnforceSuggestions(context.Background(), "definition", suggestions)
	if len(kept) != 0 {
		t.Fatalf("expected blocked category to be suppressed, got %+v", kept)
	}
}

func TestEnforceSuggestions_BelowThresholdBlockedWhenHumanReviewDisabled(t *testing.T) {
	policy := config.GuardrailPolicy{
		MinConfidenceThreshold:           0.5,
		RequireHumanReviewBelowThreshold: false,
		MaxSuggestionsPerRequest:         10,
	}
	e, _ := newTestEnforcer(t, policy)

	suggestions := []advisory.Suggestion{{SuggestionID: "s1", Category: "history", Confidence: 0.2}}
	kept := e.EnforceSuggestions(context.Background(), "history", suggestions)
	if len(kept) != 0 {
		t.Fatalf("expected low-confidence record to be blocked, got %+v", kept)
	}
}

func TestEnforceDraft_BlockedReturnsErrDraftBlocked(t *testing.T) {
	policy := config.GuardrailPolicy{MinConfidenceThreshold: 0.8, MaxSuggestionsPerRequest: 10}
	e, _ := newTestEnforcer(t, policy)

	err := e.EnforceDraft(context.Background(), "definition", "d1", "definition", 0.5, "exec-1")
	if err != ErrDraftBlocked {
		t.Fatalf("expected ErrDraftBlocked, got %v", err)
	}
}

func TestEnforceDraft_AllowedReturnsNil(t *testing.T) {
	policy := config.GuardrailPolicy{MinConfidenceThreshold: 0.3, MaxSuggestionsPerRequest: 10}
	e, _ := newTestEnforcer(t, policy)

	err := e.EnforceDraft(context.Background(), "definition", "d1", "definition", 0.9, "exec-1")
	if err != nil {
		t.Fatalf("expected draft to be allowed, got %v", err)
	}
}
