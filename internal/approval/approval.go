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

// Package approval implements the human-in-the-loop approval service: it
// records approval requests for HUMAN_APPROVAL steps, resolves them
// idempotently, and notifies a registered resumer once a decision lands
// so a paused execution can continue.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/truongnn001/presso/internal/logger"
	"github.com/truongnn001/presso/internal/store"
)

// Allowed decision values. Any decision other than Approve is treated as
// a rejection by the executor.
const (
	Approve = "APPROVE"
	Reject  = "REJECT"
)

const (
	TimeoutWait = "WAIT"
	TimeoutFail = "FAIL"
)

// systemActor is the actor_id recorded when a FAIL timeout_policy
// resolves a step on the operator's behalf.
const systemActor = "system"

// Resumer is implemented by the workflow executor. Resolve calls it,
// outside of the service's own lock, once a decision has been durably
// persisted.
type Resumer interface {
	ResumeExecution(ctx context.Context, executionID string)
}

// Service is the approval request/resolve service.
type Service struct {
	store   *store.Store
	log     *logger.Logger
	resumer Resumer

	mu     sync.Mutex
	timers map[string]*time.Timer // key: executionID+"/"+stepID
}

// New constructs a Service. Call SetResumer before any execution reaches
// a HUMAN_APPROVAL step, or resolutions will persist without reviving
// the waiting execution.
func New(st *store.Store, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		log:    log,
		timers: make(map[string]*time.Timer),
	}
}

// SetResumer registers the callback invoked after a decision resolves.
func (s *Service) SetResumer(r Resumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumer = r
}

func timerKey(executionID, stepID string) string {
	return executionID + "/" + stepID
}

// Existing returns a previously-recorded approval for (executionID,
// stepID), used by the executor when resuming to avoid re-requesting
// approval for a step already resolved.
func (s *Service) Existing(ctx context.Context, executionID, stepID string) (store.Approval, bool, error) {
	return s.store.GetApproval(ctx, executionID, stepID)
}

// Request records a new approval request and, if timeoutPolicy is FAIL
// with a positive timeoutMs, arms a timer that resolves the step as
// REJECT on the operator's behalf if no human decision arrives first.
func (s *Service) Request(ctx context.Context, executionID, stepID, prompt string, allowedActions []string, timeoutPolicy string, timeoutMs int) error {
	a := store.Approval{
		ExecutionID:    executionID,
		StepID:         stepID,
		Prompt:         prompt,
		AllowedActions: allowedActions,
		RequestedAt:    time.Now(),
	}
	if err := s.store.CreateApprovalRequest(ctx, a); err != nil {
		return fmt.Errorf("approval: request: %w", err)
	}

	if timeoutPolicy == TimeoutFail && timeoutMs > 0 {
		s.armTimeout(executionID, stepID, timeoutMs)
	}
	return nil
}

func (s *Service) armTimeout(executionID, stepID string, timeoutMs int) {
	key := timerKey(executionID, stepID)
	timer := time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
		ctx := context.Background()
		resumed, err := s.Resolve(ctx, executionID, stepID, Reject, systemActor, "timeout policy FAIL: no decision within timeout_ms")
		if err != nil {
			s.log.Error("", "approval timeout resolve failed", err, map[string]interface{}{
				"execution_id": executionID, "step_id": stepID,
			})
			return
		}
		if resumed {
			s.log.Info("", "approval timed out, auto-rejected", map[string]interface{}{
				"execution_id": executionID, "step_id": stepID,
			})
		}
	})

	s.mu.Lock()
	s.timers[key] = timer
	s.mu.Unlock()
}

func (s *Service) disarmTimeout(executionID, stepID string) {
	key := timerKey(executionID, stepID)
	s.mu.Lock()
	timer, ok := s.timers[key]
	if ok {
		delete(s.timers, key)
	}
	s.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

// Resolve persists a decision and reports whether this call is the one
// that resolved it (the idempotent sentinel described by the service's
// store-layer ResolveApproval). On a true resolution it disarms any
// pending timeout timer and, if a resumer is registered, notifies it.
func (s *Service) Resolve(ctx context.Context, executionID, stepID, decision, actorID, comment string) (bool, error) {
	resolved, err := s.store.ResolveApproval(ctx, executionID, stepID, decision, actorID, comment)
	if err != nil {
		return false, fmt.Errorf("approval: resolve: %w", err)
	}
	if !resolved {
		return false, nil
	}

	s.disarmTimeout(executionID, stepID)

	s.mu.Lock()
	resumer := s.resumer
	s.mu.Unlock()
	if resumer != nil {
		resumer.ResumeExecution(ctx, executionID)
	}
	return true, nil
}

// ListPending returns every unresolved approval request.
func (s *Service) ListPending(ctx context.Context) ([]store.Approval, error) {
	return s.store.ListPendingApprovals(ctx)
}

// ListStalePending returns unresolved approvals requested before
// cutoff, for the advisory state analyzer's long-pending detection.
func (s *Service) ListStalePending(ctx context.Context, cutoff time.Time) ([]store.Approval, error) {
	return s.store.ListPendingApprovalsOlderThan(ctx, cutoff.UTC().Format(time.RFC3339Nano))
}
