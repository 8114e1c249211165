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

// Package executor runs workflow definitions to completion: sequential
// ordering for workflows with no dependencies, topological DAG
// scheduling with bounded parallelism otherwise. It persists every step
// and execution transition through internal/store before considering a
// step terminal, dispatches step work through internal/dispatcher, and
// pauses indefinitely at a HUMAN_APPROVAL step until internal/approval
// reports a resolution.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/truongnn001/presso/internal/approval"
	"github.com/truongnn001/presso/internal/dispatcher"
	"github.com/truongnn001/presso/internal/logger"
	"github.com/truongnn001/presso/internal/metrics"
	"github.com/truongnn001/presso/internal/store"
	"github.com/truongnn001/presso/internal/trigger"
	"github.com/truongnn001/presso/internal/workflow"
)

// ErrWorkflowNotFound is returned by StartWorkflow when workflowID has
// never been loaded. Callers surface this as the NOT_FOUND wire error.
var ErrWorkflowNotFound = errors.New("executor: workflow not found")

// ErrExecutionNotFound is returned by GetStatus when executionID is
// unknown. Callers surface this as the NOT_FOUND wire error.
var ErrExecutionNotFound = errors.New("executor: execution not found")

// Engine owns the in-memory definition cache, the set of actively
// running executions, and every collaborator a step dispatch needs.
type Engine struct {
	store      *store.Store
	dispatcher *dispatcher.Dispatcher
	approvals  *approval.Service
	bus        *trigger.Bus
	metrics    *metrics.Registry
	log        *logger.Logger

	defsMu sync.RWMutex
	defs   map[string]workflow.Definition

	activeMu sync.Mutex
	active   map[string]*activeExecution
}

// activeExecution holds the cancel function of one live execution so
// Cancel can stop the background goroutine running it.
type activeExecution struct {
	cancel context.CancelFunc
}

// New constructs an Engine. The caller must also call
// approvals.SetResumer(engine) so HITL resolutions revive paused
// executions.
func New(st *store.Store, d *dispatcher.Dispatcher, approvals *approval.Service, bus *trigger.Bus, m *metrics.Registry, log *logger.Logger) *Engine {
	return &Engine{
		store:      st,
		dispatcher: d,
		approvals:  approvals,
		bus:        bus,
		metrics:    m,
		log:        log,
		defs:       make(map[string]workflow.Definition),
		active:     make(map[string]*activeExecution),
	}
}

// LoadDefinition validates, caches, and persists a workflow definition.
// Validation failures leave no trace: nothing is cached or persisted.
func (e *Engine) LoadDefinition(ctx context.Context, d workflow.Definition) error {
	if err := workflow.Validate(d); err != nil {
		return err
	}
	if err := e.store.SaveDefinition(ctx, d); err != nil {
		return fmt.Errorf("executor: persist definition: %w", err)
	}
	e.defsMu.Lock()
	e.defs[d.WorkflowID] = d
	e.defsMu.Unlock()
	return nil
}

// Definition returns a cached definition, loading it from the store on a
// cache miss (e.g. after a restart).
func (e *Engine) Definition(ctx context.Context, workflowID string) (workflow.Definition, bool, error) {
	e.defsMu.RLock()
	d, ok := e.defs[workflowID]
	e.defsMu.RUnlock()
	if ok {
		return d, true, nil
	}

	d, ok, err := e.store.LoadDefinition(ctx, workflowID)
	if err != nil || !ok {
		return workflow.Definition{}, ok, err
	}
	e.defsMu.Lock()
	e.defs[d.WorkflowID] = d
	e.defsMu.Unlock()
	return d, true, nil
}

// StartWorkflow creates a new execution for workflowID and runs it on a
// background goroutine, satisfying trigger.Starter so the trigger
// service can start workflows directly.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID string, initialContext map[string]interface{}) (string, error) {
	d, ok, err := e.Definition(ctx, workflowID)
	if err != nil {
		return "", fmt.Errorf("executor: load definition: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrWorkflowNotFound, workflowID)
	}

	executionID := "exec-" + uuid.NewString()
	exec := store.Execution{
		ExecutionID:    executionID,
		WorkflowID:     d.WorkflowID,
		WorkflowName:   d.Name,
		InitialContext: initialContext,
		Status:         store.StatusRunning,
		StartedAt:      time.Now(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("executor: create execution: %w", err)
	}

	e.publish("execution.started", executionID, d.WorkflowID)
	e.runInBackground(executionID, d)
	return executionID, nil
}

// ResumeExecution re-enters an execution that is "running" or "paused"
// in the store — called after a crash-restart recovery sweep, or by the
// approval service once a HUMAN_APPROVAL decision lands, satisfying
// approval.Resumer.
func (e *Engine) ResumeExecution(ctx context.Context, executionID string) {
	exec, ok, err := e.store.GetExecution(ctx, executionID)
	if err != nil || !ok {
		e.log.Error("", "resume: execution not found", err, map[string]interface{}{"execution_id": executionID})
		return
	}
	if exec.Status != store.StatusRunning && exec.Status != store.StatusPaused && exec.Status != store.StatusPausedForApproval {
		return
	}

	d, ok, err := e.Definition(ctx, exec.WorkflowID)
	if err != nil || !ok {
		e.log.Error("", "resume: definition not found", err, map[string]interface{}{"workflow_id": exec.WorkflowID})
		return
	}

	e.runInBackground(executionID, d)
}

// ResumeAll is called once at startup to revive every execution the
// store reports as running or paused.
func (e *Engine) ResumeAll(ctx context.Context) error {
	resumable, err := e.store.GetResumableExecutions(ctx)
	if err != nil {
		return fmt.Errorf("executor: get resumable executions: %w", err)
	}
	for _, exec := range resumable {
		if exec.Status == store.StatusPausedForApproval {
			// Still legitimately waiting on a human; do not re-enter the
			// scheduling loop until RESOLVE_APPROVAL revives it.
			continue
		}
		e.ResumeExecution(ctx, exec.ExecutionID)
	}
	return nil
}

func (e *Engine) runInBackground(executionID string, d workflow.Definition) {
	ctx, cancel := context.WithCancel(context.Background())

	e.activeMu.Lock()
	e.active[executionID] = &activeExecution{cancel: cancel}
	e.activeMu.Unlock()

	go func() {
		defer func() {
			e.activeMu.Lock()
			delete(e.active, executionID)
			e.activeMu.Unlock()
		}()

		var err error
		if d.IsDAG() {
			err = e.runDAG(ctx, executionID, d)
		} else {
			err = e.runSequential(ctx, executionID, d)
		}
		if err != nil {
			e.log.Error("", "workflow execution ended with error", err, map[string]interface{}{
				"execution_id": executionID, "workflow_id": d.WorkflowID,
			})
		}
	}()
}

// publish emits a lifecycle event onto the bus, if one is wired. The bus
// is optional so unit tests can exercise the engine without standing up
// the full event-bus/trigger stack.
func (e *Engine) publish(tag, executionID, workflowID string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(trigger.Event{
		Tag: tag,
		Payload: map[string]interface{}{
			"execution_id": executionID,
			"workflow_id":  workflowID,
		},
		Timestamp: time.Now(),
	})
}

// stepTerminal reports whether status is one this engine considers
// terminal for DAG in-degree purposes (completed or skipped unblock
// descendants; failed does not, and is handled by failure propagation).
func stepTerminal(status string) bool {
	return status == store.StepCompleted || status == store.StepSkipped || status == store.StepFailed
}

// sortedStepIDs returns ids in deterministic order for stable
// tie-breaking among equally-eligible steps.
func sortedStepIDs(ids map[string]bool) []string {
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
