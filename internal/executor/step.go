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
	"encoding/json"
	"fmt"
	"time"

	"github.com/truongnn001/presso/internal/backoff"
	"github.com/truongnn001/presso/internal/workflow"
)

// Outcome kinds a single step attempt can settle on.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
	outcomePaused    = "paused"
)

// stepOutcome is the result of running one step to whatever conclusion
// it reaches this pass: a terminal completion/failure/skip, or a pause
// awaiting human approval.
type stepOutcome struct {
	kind   string
	result map[string]interface{}
	err    error
}

// requestTypeFor maps a step's declared type onto the IPC request type
// the dispatcher routes on. HUMAN_APPROVAL never reaches the
// dispatcher — it is handled entirely within the executor.
func requestTypeFor(t workflow.StepType) string {
	return string(t)
}

// dispatchWithRetry submits payload as requestType, retrying per retry
// up to MaxAttempts with a fixed retry.BackoffMs delay between
// attempts, matching spec's deterministic (non-jittered) retry
// arithmetic. It returns the worker's parsed result on success, or the
// final attempt's error.
func (e *Engine) dispatchWithRetry(ctx context.Context, executionID, stepID, requestType string, payload []byte, retry workflow.RetryPolicy) (map[string]interface{}, int, error) {
	maxAttempts := retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delay := time.Duration(retry.BackoffMs) * time.Millisecond

	var result map[string]interface{}
	attempts, err := backoff.Fixed(ctx, maxAttempts, delay, func(attempt int) error {
		if attempt > 1 && e.metrics != nil {
			e.metrics.RetryAttemptsTotal.WithLabelValues(requestType).Inc()
		}

		requestID := stepRequestID(executionID, stepID, attempt)
		started := time.Now()
		resp, dispatchErr := e.dispatcher.Submit(ctx, requestType, requestID, payload)
		e.observeDispatch(requestType, time.Since(started), dispatchErr == nil && resp.Success)

		if dispatchErr != nil {
			return dispatchErr
		}
		if !resp.Success {
			if resp.Error != nil {
				return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return fmt.Errorf("worker reported failure with no error detail")
		}
		var parsed map[string]interface{}
		if len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, &parsed); err != nil {
				return fmt.Errorf("parse worker result: %w", err)
			}
		}
		result = parsed
		return nil
	})

	return result, attempts, err
}

func (e *Engine) observeDispatch(worker string, d time.Duration, success bool) {
	if e.metrics == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	e.metrics.DispatchTotal.WithLabelValues(worker, outcome).Inc()
	e.metrics.DispatchLatencyMs.WithLabelValues(worker).Observe(float64(d.Milliseconds()))
}

// stepRequestID derives a deterministic-per-attempt request id so
// dispatcher-level outstanding-request correlation never collides
// across retries of the same step.
func stepRequestID(executionID, stepID string, attempt int) string {
	return fmt.Sprintf("%s/%s/%d", executionID, stepID, attempt)
}
