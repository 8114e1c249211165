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
	"fmt"
	"sync"

	"github.com/truongnn001/presso/internal/store"
	"github.com/truongnn001/presso/internal/workflow"
)

// stepCompletion reports one step's outcome back to the scheduling loop.
type stepCompletion struct {
	stepID  string
	outcome stepOutcome
}

// dagRun holds all mutable scheduling state for one DAG execution. Every
// field it touches after construction is only ever read or written from
// the single goroutine running the scheduling loop, except results and
// mu, which are also read concurrently by in-flight step goroutines
// building their input resolution snapshot.
type dagRun struct {
	engine      *Engine
	executionID string
	initialCtx  map[string]interface{}
	stepByID    map[string]workflow.Step
	dependents  map[string][]string
	indegree    map[string]int
	pending     map[string]bool

	mu      sync.Mutex
	results map[string]map[string]interface{}

	sem         chan struct{}
	completions chan stepCompletion
	inFlight    int

	failed     bool
	diagnostic string
	paused     bool
}

// runDAG executes a dependency-graph definition per the DAG scheduling
// rules: failure propagation to undispatched descendants, bounded
// concurrent submission of the runnable set, in-degree decrement on
// completion, and at least one completion awaited before scheduling a
// new round. A runnable set that goes empty while a non-terminal step
// remains is a fatal "stuck DAG" invariant violation.
func (e *Engine) runDAG(ctx context.Context, executionID string, d workflow.Definition) error {
	initialContext, err := e.store.GetInitialContext(ctx, executionID)
	if err != nil {
		return fmt.Errorf("executor: get initial context: %w", err)
	}

	results, done, err := e.loadPriorResults(ctx, executionID)
	if err != nil {
		return err
	}
	for _, status := range done {
		if status == store.StepFailed {
			return e.finalizeStatus(ctx, executionID, store.StatusFailed, "execution already contains a failed step")
		}
	}

	run := &dagRun{
		engine:      e,
		executionID: executionID,
		initialCtx:  initialContext,
		stepByID:    make(map[string]workflow.Step, len(d.Steps)),
		dependents:  make(map[string][]string, len(d.Steps)),
		indegree:    make(map[string]int, len(d.Steps)),
		pending:     make(map[string]bool, len(d.Steps)),
		results:     results,
		completions: make(chan stepCompletion, len(d.Steps)),
	}

	for _, s := range d.Steps {
		run.stepByID[s.StepID] = s
	}
	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			run.dependents[dep] = append(run.dependents[dep], s.StepID)
			run.indegree[s.StepID]++
		}
	}
	for stepID, status := range done {
		if status == store.StepCompleted || status == store.StepSkipped {
			for _, dependent := range run.dependents[stepID] {
				run.indegree[dependent]--
			}
		}
	}
	for _, s := range d.Steps {
		if status, ok := done[s.StepID]; !ok || status == store.StepRunning {
			run.pending[s.StepID] = true
		}
	}

	maxParallelism := d.MaxParallelism
	if maxParallelism <= 0 || maxParallelism > len(d.Steps) {
		maxParallelism = len(d.Steps)
	}
	if maxParallelism < 1 {
		maxParallelism = 1
	}
	run.sem = make(chan struct{}, maxParallelism)

	run.schedule(ctx)

	switch {
	case run.paused:
		return e.finalizeStatus(ctx, executionID, store.StatusPausedForApproval, "")
	case run.failed:
		return e.finalizeStatus(ctx, executionID, store.StatusFailed, run.diagnostic)
	default:
		return e.finalizeStatus(ctx, executionID, store.StatusCompleted, "")
	}
}

// schedule runs the scheduling loop to completion, failure, or pause.
func (r *dagRun) schedule(ctx context.Context) {
	for {
		if r.failed || r.paused {
			r.drainInFlight()
			return
		}
		if len(r.pending) == 0 && r.inFlight == 0 {
			return
		}

		runnable := r.runnableSet()
		if len(runnable) == 0 {
			if r.inFlight == 0 {
				r.failed = true
				r.diagnostic = "stuck DAG: no runnable steps remain while undispatched steps are present"
				return
			}
			r.awaitOne(ctx)
			continue
		}

		for _, stepID := range runnable {
			r.submit(ctx, stepID)
		}
		r.awaitOne(ctx)
		r.drainReady()
	}
}

// runnableSet returns pending step ids with satisfied dependencies, in
// deterministic step_id order.
func (r *dagRun) runnableSet() []string {
	ids := make(map[string]bool)
	for stepID := range r.pending {
		if r.indegree[stepID] <= 0 {
			ids[stepID] = true
		}
	}
	return sortedStepIDs(ids)
}

func (r *dagRun) submit(ctx context.Context, stepID string) {
	delete(r.pending, stepID)
	r.inFlight++
	r.sem <- struct{}{}
	step := r.stepByID[stepID]

	go func() {
		defer func() { <-r.sem }()
		r.mu.Lock()
		snapshot := snapshotResults(r.results)
		r.mu.Unlock()

		outcome, err := r.engine.executeOneStep(ctx, r.executionID, step, snapshot, r.initialCtx)
		if err != nil {
			r.engine.log.Error("", "step execution failed unexpectedly", err, map[string]interface{}{
				"execution_id": r.executionID, "step_id": step.StepID,
			})
			outcome = stepOutcome{kind: outcomeFailed, err: err}
		}
		r.completions <- stepCompletion{stepID: step.StepID, outcome: outcome}
	}()
}

// awaitOne blocks for exactly one completion and applies it.
func (r *dagRun) awaitOne(ctx context.Context) {
	c := <-r.completions
	r.inFlight--
	r.apply(ctx, c)
}

// drainReady applies any further completions already buffered, without
// blocking, so the next runnable scan sees every in-degree update
// available so far.
func (r *dagRun) drainReady() {
	for {
		select {
		case c := <-r.completions:
			r.inFlight--
			r.apply(context.Background(), c)
		default:
			return
		}
	}
}

// drainInFlight waits out any steps still running after the loop has
// already decided to fail or pause, so no goroutine outlives this
// execution's run.
func (r *dagRun) drainInFlight() {
	for r.inFlight > 0 {
		<-r.completions
		r.inFlight--
	}
}

func (r *dagRun) apply(ctx context.Context, c stepCompletion) {
	switch c.outcome.kind {
	case outcomeCompleted:
		r.mu.Lock()
		r.results[c.stepID] = c.outcome.result
		r.mu.Unlock()
		r.unblockDependents(c.stepID)

	case outcomeSkipped:
		r.mu.Lock()
		r.results[c.stepID] = nil
		r.mu.Unlock()
		r.unblockDependents(c.stepID)

	case outcomePaused:
		r.paused = true

	case outcomeFailed:
		r.failed = true
		msg := c.stepID + " failed"
		if c.outcome.err != nil {
			msg = fmt.Sprintf("%s failed: %s", c.stepID, c.outcome.err.Error())
		}
		r.diagnostic = msg
		r.propagateFailure(ctx, c.stepID)
	}
}

func (r *dagRun) unblockDependents(stepID string) {
	for _, dependent := range r.dependents[stepID] {
		r.indegree[dependent]--
	}
}

// propagateFailure marks every undispatched descendant of a failed step
// as failed too, removing them from the pending set so they are never
// submitted.
func (r *dagRun) propagateFailure(ctx context.Context, stepID string) {
	var visit func(id string)
	visited := make(map[string]bool)
	visit = func(id string) {
		for _, dependent := range r.dependents[id] {
			if visited[dependent] {
				continue
			}
			visited[dependent] = true
			if r.pending[dependent] {
				delete(r.pending, dependent)
				if err := r.engine.store.UpsertStepExecution(ctx, store.StepExecution{
					ExecutionID:  r.executionID,
					StepID:       dependent,
					Status:       store.StepFailed,
					ErrorMessage: fmt.Sprintf("ancestor step %q failed", stepID),
				}); err != nil {
					r.engine.log.Error("", "failed to persist propagated step failure", err, map[string]interface{}{
						"execution_id": r.executionID, "step_id": dependent,
					})
				}
			}
			visit(dependent)
		}
	}
	visit(stepID)
}

// snapshotResults shallow-copies the results map so a step goroutine's
// view of prior results is stable even as sibling goroutines complete
// concurrently.
func snapshotResults(results map[string]map[string]interface{}) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(results))
	for k, v := range results {
		out[k] = v
	}
	return out
}
