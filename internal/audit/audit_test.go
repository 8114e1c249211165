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

package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/truongnn001/presso/internal/logger"
	"github.com/truongnn001/presso/internal/store"
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

func TestWriter_SuggestionPersisted(t *testing.T) {
	st := newTestStore(t)
	w := New(st, logger.New("test"))

	w.Suggestion(store.SuggestionRecord{
		SuggestionID: "sugg-1",
		Category:     "definition",
		Title:        "parallelize steps",
		Message:      "steps a and b have no cross-reference",
		Confidence:   0.8,
		CreatedAt:    time.Now(),
	})
	w.Close()

	var got int
	row := st.DB().QueryRow(`SELECT COUNT(*) FROM ai_suggestion_audit WHERE suggestion_id = ?`, "sugg-1")
	if err := row.Scan(&got); err != nil {
		t.Fatalf("query suggestion audit: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected 1 persisted suggestion, got %d", got)
	}
}

func TestWriter_DraftAndGuardrailPersisted(t *testing.T) {
	st := newTestStore(t)
	w := New(st, logger.New("test"))

	w.Draft(store.DraftRecord{
		DraftID:     "draft-1",
		DraftType:   "config_patch",
		Content:     map[string]interface{}{"k": "v"},
		ContentHash: "abc123",
		Status:      "generated",
		CreatedAt:   time.Now(),
	})
	w.Guardrail(store.GuardrailDecision{
		ID:         "g-1",
		RecordID:   "draft-1",
		RecordKind: "draft",
		Decision:   "ALLOW",
		Reason:     "within confidence threshold",
		Confidence: 0.9,
		CreatedAt:  time.Now(),
	})
	w.Close()

	var draftCount, guardrailCount int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM ai_draft_audit WHERE draft_id = ?`, "draft-1").Scan(&draftCount); err != nil {
		t.Fatalf("query draft audit: %v", err)
	}
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM ai_guardrail_audit WHERE record_id = ?`, "draft-1").Scan(&guardrailCount); err != nil {
		t.Fatalf("query guardrail audit: %v", err)
	}
	if draftCount != 1 || guardrailCount != 1 {
		t.Fatalf("expected 1 draft and 1 guardrail record, got draft=%d guardrail=%d", draftCount, guardrailCount)
	}
}

func TestWriter_FlushesManyEntriesPastBatchSize(t *testing.T) {
	st := newTestStore(t)
	w := New(st, logger.New("test"))

	for i := 0; i < batchSize+10; i++ {
		w.Guardrail(store.GuardrailDecision{
			ID:         fmt.Sprintf("g-%d", i),
			RecordID:   "rec",
			RecordKind: "suggestion",
			Decision:   "ALLOW",
			Reason:     "ok",
			CreatedAt:  time.Now(),
		})
	}
	w.Close()

	var count int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM ai_guardrail_audit WHERE record_id = ?`, "rec").Scan(&count); err != nil {
		t.Fatalf("query guardrail audit: %v", err)
	}
	if count != batchSize+10 {
		t.Fatalf("expected %d guardrail records, got %d", batchSize+10, count)
	}
}
