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

package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// InsertSuggestionAudit records an advisory suggestion's content. This is
// the read-only advisory output itself, not the guardrail's ALLOW/FLAG/
// BLOCK decision about it (see InsertGuardrailDecision).
func (s *Store) InsertSuggestionAudit(ctx context.Context, r SuggestionRecord) error {
	contextData, _ := json.Marshal(r.Context)
	metaData, _ := json.Marshal(r.Metadata)
	reasoningData, _ := json.Marshal(r.Reasoning)
	evidenceData, _ := json.Marshal(r.Evidence)
	limitationsData, _ := json.Marshal(r.Limitations)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_suggestion_audit
		 (suggestion_id, category, title, message, context_json, metadata_json, confidence, reasoning_json, evidence_json, limitations_json, execution_id, workflow_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SuggestionID, r.Category, r.Title, r.Message, string(contextData), string(metaData),
		r.Confidence, string(reasoningData), string(evidenceData), string(limitationsData),
		r.ExecutionID, r.WorkflowID, r.CreatedAt.UTC().Format(isoLayout),
	)
	if err != nil {
		return fmt.Errorf("store: insert suggestion audit: %w", err)
	}
	return nil
}

// InsertDraftAudit records a generated draft's content and hash.
func (s *Store) InsertDraftAudit(ctx context.Context, d DraftRecord) error {
	contentData, err := json.Marshal(d.Content)
	if err != nil {
		return fmt.Errorf("store: marshal draft content: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ai_draft_audit (draft_id, draft_type, content_json, content_hash, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.DraftID, d.DraftType, string(contentData), d.ContentHash, d.Status, d.CreatedAt.UTC().Format(isoLayout),
	)
	if err != nil {
		return fmt.Errorf("store: insert draft audit: %w", err)
	}
	return nil
}

// InsertGuardrailDecision records one ALLOW/FLAG/BLOCK decision. This
// table, like the advisory content tables, is append-only: no UPDATE
// statement exists against it anywhere in this package.
func (s *Store) InsertGuardrailDecision(ctx context.Context, d GuardrailDecision) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_guardrail_audit (id, record_id, record_kind, decision, reason, confidence, execution_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RecordID, d.RecordKind, d.Decision, d.Reason, d.Confidence, d.ExecutionID, d.CreatedAt.UTC().Format(isoLayout),
	)
	if err != nil {
		return fmt.Errorf("store: insert guardrail decision: %w", err)
	}
	return nil
}

// ListGuardrailAudit returns the most recent append-only guardrail
// decisions, newest first, for a read-only activity-log query. limit <=
// 0 means no cap.
func (s *Store) ListGuardrailAudit(ctx context.Context, limit int) ([]GuardrailDecision, error) {
	query := `SELECT id, record_id, record_kind, decision, reason, confidence, execution_id, created_at
		FROM ai_guardrail_audit ORDER BY created_at DESC, id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list guardrail audit: %w", err)
	}
	defer rows.Close()

	var out []GuardrailDecision
	for rows.Next() {
		var d GuardrailDecision
		var createdAt string
		if err := rows.Scan(&d.ID, &d.RecordID, &d.RecordKind, &d.Decision, &d.Reason, &d.Confidence, &d.ExecutionID, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan guardrail audit row: %w", err)
		}
		d.CreatedAt, err = parseISO(createdAt)
		if err != nil {
			return nil, fmt.Errorf("store: parse guardrail audit timestamp: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list guardrail audit rows: %w", err)
	}
	return out, nil
}

// StepFailureCount is one step's observed failure count across all
// executions of its workflow, used by the history analyzer.
type StepFailureCount struct {
	StepID       string
	FailureCount int
	ExecutionIDs []string
}

// GetStepFailureCounts returns, per step_id, how many step executions
// ended in "failed" status.
func (s *Store) GetStepFailureCounts(ctx context.Context) ([]StepFailureCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, COUNT(*) FROM workflow_step_execution WHERE status=? GROUP BY step_id`, StepFailed)
	if err != nil {
		return nil, fmt.Errorf("store: get step failure counts: %w", err)
	}
	defer rows.Close()

	var out []StepFailureCount
	for rows.Next() {
		var c StepFailureCount
		if err := rows.Scan(&c.StepID, &c.FailureCount); err != nil {
			return nil, fmt.Errorf("store: scan step failure count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// StepDurationStats is average duration and average retry count for one
// step across all completed executions, used by the history analyzer.
type StepDurationStats struct {
	StepID             string
	AvgDurationSeconds float64
	AvgRetryCount      float64
	SampleCount        int
}

// GetStepDurationStats computes average wall-clock duration and average
// retry count per step_id over completed step executions.
func (s *Store) GetStepDurationStats(ctx context.Context) ([]StepDurationStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, started_at, completed_at, retry_count
		 FROM workflow_step_execution WHERE status=? AND completed_at IS NOT NULL`, StepCompleted)
	if err != nil {
		return nil, fmt.Errorf("store: get step duration stats: %w", err)
	}
	defer rows.Close()

	type accum struct {
		totalSeconds float64
		totalRetries int
		count        int
	}
	byStep := make(map[string]*accum)

	for rows.Next() {
		var stepID, startedAt string
		var completedAt string
		var retryCount int
		if err := rows.Scan(&stepID, &startedAt, &completedAt, &retryCount); err != nil {
			return nil, fmt.Errorf("store: scan duration row: %w", err)
		}
		start, serr := parseISO(startedAt)
		end, eerr := parseISO(completedAt)
		if serr != nil || eerr != nil {
			continue
		}
		a, ok := byStep[stepID]
		if !ok {
			a = &accum{}
			byStep[stepID] = a
		}
		a.totalSeconds += end.Sub(start).Seconds()
		a.totalRetries += retryCount
		a.count++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]StepDurationStats, 0, len(byStep))
	for stepID, a := range byStep {
		if a.count == 0 {
			continue
		}
		out = append(out, StepDurationStats{
			StepID:             stepID,
			AvgDurationSeconds: a.totalSeconds / float64(a.count),
			AvgRetryCount:      float64(a.totalRetries) / float64(a.count),
			SampleCount:        a.count,
		})
	}
	return out, nil
}

// GetExecutionCountForStep returns the total number of times a step_id
// has been executed across all executions, feeding the history
// analyzer's confidence formula.
func (s *Store) GetExecutionCountForStep(ctx context.Context, stepID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_step_execution WHERE step_id=?`, stepID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: get execution count for step: %w", err)
	}
	return count, nil
}

// ListRunningExecutionsOlderThan returns executions still "running" and
// started before cutoffISO, used by the state analyzer to flag stuck
// long-running workflows.
func (s *Store) ListRunningExecutionsOlderThan(ctx context.Context, cutoffISO string) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, workflow_id, workflow_name, initial_context_json, status, started_at, completed_at, error_message
		 FROM workflow_execution WHERE status=? AND started_at < ?`, StatusRunning, cutoffISO)
	if err != nil {
		return nil, fmt.Errorf("store: list long-running executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		var ctxRaw, startedAt string
		var completedAt, errMsg *string
		if err := rows.Scan(&e.ExecutionID, &e.WorkflowID, &e.WorkflowName, &ctxRaw, &e.Status, &startedAt, &completedAt, &errMsg); err != nil {
			return nil, fmt.Errorf("store: scan long-running execution: %w", err)
		}
		_ = json.Unmarshal([]byte(ctxRaw), &e.InitialContext)
		if t, perr := parseISO(startedAt); perr == nil {
			e.StartedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
