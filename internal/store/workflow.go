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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/truongnn001/presso/internal/workflow"
)

const isoLayout = "2006-01-02T15:04:05.999999999Z07:00"

// SaveDefinition persists a validated workflow definition, overwriting
// any prior definition with the same workflow_id.
func (s *Store) SaveDefinition(ctx context.Context, d workflow.Definition) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("store: marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO workflow_definition (workflow_id, name, version, definition_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		d.WorkflowID, d.Name, d.Version, string(data), nowISO(),
	)
	if err != nil {
		return fmt.Errorf("store: save definition: %w", err)
	}
	return nil
}

// LoadDefinition returns the workflow definition for workflowID, or
// (zero, false, nil) if none exists.
func (s *Store) LoadDefinition(ctx context.Context, workflowID string) (workflow.Definition, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition_json FROM workflow_definition WHERE workflow_id = ?`, workflowID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return workflow.Definition{}, false, nil
	}
	if err != nil {
		return workflow.Definition{}, false, fmt.Errorf("store: load definition: %w", err)
	}
	var d workflow.Definition
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return workflow.Definition{}, false, fmt.Errorf("store: unmarshal definition: %w", err)
	}
	return d, true, nil
}

// CreateExecution inserts a new execution row with the status in e.Status.
func (s *Store) CreateExecution(ctx context.Context, e Execution) error {
	ctxData, err := json.Marshal(e.InitialContext)
	if err != nil {
		return fmt.Errorf("store: marshal initial context: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_execution (execution_id, workflow_id, workflow_name, initial_context_json, status, started_at, completed_at, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, '')`,
		e.ExecutionID, e.WorkflowID, e.WorkflowName, string(ctxData), e.Status, e.StartedAt.UTC().Format(isoLayout),
	)
	if err != nil {
		return fmt.Errorf("store: create execution: %w", err)
	}
	return nil
}

// UpdateExecutionStatus transitions an execution to status, optionally
// recording completion time and an error message. Terminal statuses are
// monotone: callers must not call this after a terminal status has
// already been persisted (enforced by the executor, not the store).
func (s *Store) UpdateExecutionStatus(ctx context.Context, executionID, status, errMsg string, completedAt *time.Time) error {
	var completedStr interface{}
	if completedAt != nil {
		completedStr = completedAt.UTC().Format(isoLayout)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_execution SET status=?, completed_at=?, error_message=? WHERE execution_id=?`,
		status, completedStr, errMsg, executionID,
	)
	if err != nil {
		return fmt.Errorf("store: update execution status: %w", err)
	}
	return nil
}

// GetExecution returns the execution record, or (zero, false, nil) if
// not found.
func (s *Store) GetExecution(ctx context.Context, executionID string) (Execution, bool, error) {
	var e Execution
	var ctxRaw string
	var completedAt, errMsg sql.NullString
	var startedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT execution_id, workflow_id, workflow_name, initial_context_json, status, started_at, completed_at, error_message
		 FROM workflow_execution WHERE execution_id = ?`, executionID,
	).Scan(&e.ExecutionID, &e.WorkflowID, &e.WorkflowName, &ctxRaw, &e.Status, &startedAt, &completedAt, &errMsg)
	if err == sql.ErrNoRows {
		return Execution{}, false, nil
	}
	if err != nil {
		return Execution{}, false, fmt.Errorf("store: get execution: %w", err)
	}
	_ = json.Unmarshal([]byte(ctxRaw), &e.InitialContext)
	if t, perr := parseISO(startedAt); perr == nil {
		e.StartedAt = t
	}
	if cp, perr := nullableTimePtr(completedAt); perr == nil {
		e.CompletedAt = cp
	}
	if errMsg.Valid {
		e.ErrorMessage = errMsg.String
	}
	return e, true, nil
}

// GetResumableExecutions returns every execution whose status is
// "running" or "paused" — the set a fresh startup must resume or
// finalize.
func (s *Store) GetResumableExecutions(ctx context.Context) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, workflow_id, workflow_name, initial_context_json, status, started_at, completed_at, error_message
		 FROM workflow_execution WHERE status IN (?, ?)`, StatusRunning, StatusPaused,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get resumable executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		var ctxRaw string
		var completedAt, errMsg sql.NullString
		var startedAt string
		if err := rows.Scan(&e.ExecutionID, &e.WorkflowID, &e.WorkflowName, &ctxRaw, &e.Status, &startedAt, &completedAt, &errMsg); err != nil {
			return nil, fmt.Errorf("store: scan execution: %w", err)
		}
		_ = json.Unmarshal([]byte(ctxRaw), &e.InitialContext)
		if t, perr := parseISO(startedAt); perr == nil {
			e.StartedAt = t
		}
		if cp, perr := nullableTimePtr(completedAt); perr == nil {
			e.CompletedAt = cp
		}
		if errMsg.Valid {
			e.ErrorMessage = errMsg.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetInitialContext returns just the initial_context of an execution.
func (s *Store) GetInitialContext(ctx context.Context, executionID string) (map[string]interface{}, error) {
	e, ok, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("store: execution %q not found", executionID)
	}
	return e.InitialContext, nil
}

// UpsertStepExecution inserts or replaces a step execution row.
func (s *Store) UpsertStepExecution(ctx context.Context, se StepExecution) error {
	resultData, err := json.Marshal(se.Result)
	if err != nil {
		return fmt.Errorf("store: marshal step result: %w", err)
	}
	var completedStr interface{}
	if se.CompletedAt != nil {
		completedStr = se.CompletedAt.UTC().Format(isoLayout)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO workflow_step_execution
		 (execution_id, step_id, status, retry_count, result_json, started_at, completed_at, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		se.ExecutionID, se.StepID, se.Status, se.RetryCount, string(resultData),
		se.StartedAt.UTC().Format(isoLayout), completedStr, se.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("store: upsert step execution: %w", err)
	}
	return nil
}

// GetStepStatus returns the persisted status of (executionID, stepID),
// or ("", false, nil) if no row exists yet.
func (s *Store) GetStepStatus(ctx context.Context, executionID, stepID string) (string, bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM workflow_step_execution WHERE execution_id=? AND step_id=?`, executionID, stepID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get step status: %w", err)
	}
	return status, true, nil
}

// GetStepExecution returns the full step execution row.
func (s *Store) GetStepExecution(ctx context.Context, executionID, stepID string) (StepExecution, bool, error) {
	var se StepExecution
	se.ExecutionID = executionID
	se.StepID = stepID
	var resultRaw string
	var startedAt string
	var completedAt, errMsg sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT status, retry_count, result_json, started_at, completed_at, error_message
		 FROM workflow_step_execution WHERE execution_id=? AND step_id=?`, executionID, stepID,
	).Scan(&se.Status, &se.RetryCount, &resultRaw, &startedAt, &completedAt, &errMsg)
	if err == sql.ErrNoRows {
		return StepExecution{}, false, nil
	}
	if err != nil {
		return StepExecution{}, false, fmt.Errorf("store: get step execution: %w", err)
	}
	_ = json.Unmarshal([]byte(resultRaw), &se.Result)
	if t, perr := parseISO(startedAt); perr == nil {
		se.StartedAt = t
	}
	if cp, perr := nullableTimePtr(completedAt); perr == nil {
		se.CompletedAt = cp
	}
	if errMsg.Valid {
		se.ErrorMessage = errMsg.String
	}
	return se, true, nil
}

// GetLastCompletedStepID returns the step_id of the most recently
// completed step in an execution, used to resume a sequential workflow
// without re-executing already-completed steps.
func (s *Store) GetLastCompletedStepID(ctx context.Context, executionID string) (string, bool, error) {
	var stepID string
	err := s.db.QueryRowContext(ctx,
		`SELECT step_id FROM workflow_step_execution
		 WHERE execution_id=? AND status=?
		 ORDER BY completed_at DESC LIMIT 1`, executionID, StepCompleted,
	).Scan(&stepID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get last completed step: %w", err)
	}
	return stepID, true, nil
}

// ListStepExecutions returns every step execution row for an execution.
func (s *Store) ListStepExecutions(ctx context.Context, executionID string) ([]StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, status, retry_count, result_json, started_at, completed_at, error_message
		 FROM workflow_step_execution WHERE execution_id=?`, executionID)
	if err != nil {
		return nil, fmt.Errorf("store: list step executions: %w", err)
	}
	defer rows.Close()

	var out []StepExecution
	for rows.Next() {
		se := StepExecution{ExecutionID: executionID}
		var resultRaw, startedAt string
		var completedAt, errMsg sql.NullString
		if err := rows.Scan(&se.StepID, &se.Status, &se.RetryCount, &resultRaw, &startedAt, &completedAt, &errMsg); err != nil {
			return nil, fmt.Errorf("store: scan step execution: %w", err)
		}
		_ = json.Unmarshal([]byte(resultRaw), &se.Result)
		if t, perr := parseISO(startedAt); perr == nil {
			se.StartedAt = t
		}
		if cp, perr := nullableTimePtr(completedAt); perr == nil {
			se.CompletedAt = cp
		}
		if errMsg.Valid {
			se.ErrorMessage = errMsg.String
		}
		out = append(out, se)
	}
	return out, rows.Err()
}
