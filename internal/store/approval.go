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
)

// CreateApprovalRequest records a new, unresolved approval request.
func (s *Store) CreateApprovalRequest(ctx context.Context, a Approval) error {
	actionsData, err := json.Marshal(a.AllowedActions)
	if err != nil {
		return fmt.Errorf("store: marshal allowed actions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO workflow_approval
		 (execution_id, step_id, prompt, allowed_actions_json, requested_at, decision, actor_id, comment, resolved_at)
		 VALUES (?, ?, ?, ?, ?, NULL, NULL, NULL, NULL)`,
		a.ExecutionID, a.StepID, a.Prompt, string(actionsData), a.RequestedAt.UTC().Format(isoLayout),
	)
	if err != nil {
		return fmt.Errorf("store: create approval request: %w", err)
	}
	return nil
}

// GetApproval returns the approval record for (executionID, stepID), or
// (zero, false, nil) if none was ever requested.
func (s *Store) GetApproval(ctx context.Context, executionID, stepID string) (Approval, bool, error) {
	a := Approval{ExecutionID: executionID, StepID: stepID}
	var actionsRaw, requestedAt string
	var decision, actorID, comment, resolvedAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT prompt, allowed_actions_json, requested_at, decision, actor_id, comment, resolved_at
		 FROM workflow_approval WHERE execution_id=? AND step_id=?`, executionID, stepID,
	).Scan(&a.Prompt, &actionsRaw, &requestedAt, &decision, &actorID, &comment, &resolvedAt)
	if err == sql.ErrNoRows {
		return Approval{}, false, nil
	}
	if err != nil {
		return Approval{}, false, fmt.Errorf("store: get approval: %w", err)
	}
	_ = json.Unmarshal([]byte(actionsRaw), &a.AllowedActions)
	if t, perr := parseISO(requestedAt); perr == nil {
		a.RequestedAt = t
	}
	if decision.Valid {
		a.Decision = decision.String
	}
	if actorID.Valid {
		a.ActorID = actorID.String
	}
	if comment.Valid {
		a.Comment = comment.String
	}
	if rp, perr := nullableTimePtr(resolvedAt); perr == nil {
		a.ResolvedAt = rp
	}
	return a, true, nil
}

// ResolveApproval records a decision for (executionID, stepID) and
// reports whether this call is the one that resolved it. A second call
// against an already-resolved or nonexistent approval returns
// (false, nil), the idempotent "not found / already resolved" sentinel.
func (s *Store) ResolveApproval(ctx context.Context, executionID, stepID, decision, actorID, comment string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_approval
		 SET decision=?, actor_id=?, comment=?, resolved_at=?
		 WHERE execution_id=? AND step_id=? AND resolved_at IS NULL`,
		decision, actorID, comment, nowISO(), executionID, stepID,
	)
	if err != nil {
		return false, fmt.Errorf("store: resolve approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: resolve approval rows affected: %w", err)
	}
	return n == 1, nil
}

// ListPendingApprovals returns every approval request that has not yet
// been resolved.
func (s *Store) ListPendingApprovals(ctx context.Context) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, step_id, prompt, allowed_actions_json, requested_at
		 FROM workflow_approval WHERE resolved_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("store: list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		var a Approval
		var actionsRaw, requestedAt string
		if err := rows.Scan(&a.ExecutionID, &a.StepID, &a.Prompt, &actionsRaw, &requestedAt); err != nil {
			return nil, fmt.Errorf("store: scan approval: %w", err)
		}
		_ = json.Unmarshal([]byte(actionsRaw), &a.AllowedActions)
		if t, perr := parseISO(requestedAt); perr == nil {
			a.RequestedAt = t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListPendingApprovalsOlderThan returns pending approvals requested
// before cutoffISO, used by the state analyzer to flag long-pending
// approvals.
func (s *Store) ListPendingApprovalsOlderThan(ctx context.Context, cutoffISO string) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, step_id, prompt, allowed_actions_json, requested_at
		 FROM workflow_approval WHERE resolved_at IS NULL AND requested_at < ?`, cutoffISO)
	if err != nil {
		return nil, fmt.Errorf("store: list stale pending approvals: %w", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		var a Approval
		var actionsRaw, requestedAt string
		if err := rows.Scan(&a.ExecutionID, &a.StepID, &a.Prompt, &actionsRaw, &requestedAt); err != nil {
			return nil, fmt.Errorf("store: scan approval: %w", err)
		}
		_ = json.Unmarshal([]byte(actionsRaw), &a.AllowedActions)
		if t, perr := parseISO(requestedAt); perr == nil {
			a.RequestedAt = t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
