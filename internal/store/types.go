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

import "time"

// Execution statuses.
const (
	StatusRunning           = "running"
	StatusPaused            = "paused"
	StatusPausedForApproval = "paused_waiting_for_approval"
	StatusCompleted         = "completed"
	StatusFailed            = "failed"
)

// Step execution statuses.
const (
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// Execution is the durable record of one workflow run.
type Execution struct {
	ExecutionID    string
	WorkflowID     string
	WorkflowName   string
	InitialContext map[string]interface{}
	Status         string
	StartedAt      time.Time
	CompletedAt    *time.Time
	ErrorMessage   string
}

// StepExecution is the durable record of one step attempt within an
// execution.
type StepExecution struct {
	ExecutionID  string
	StepID       string
	Status       string
	RetryCount   int
	Result       map[string]interface{}
	StartedAt    time.Time
	CompletedAt  *time.Time
	ErrorMessage string
}

// Approval is the durable record of a HUMAN_APPROVAL step's request and,
// once resolved, its decision.
type Approval struct {
	ExecutionID    string
	StepID         string
	Prompt         string
	AllowedActions []string
	RequestedAt    time.Time
	Decision       string
	ActorID        string
	Comment        string
	ResolvedAt     *time.Time
}

// Resolved reports whether a decision has already been recorded.
func (a Approval) Resolved() bool {
	return a.ResolvedAt != nil
}

// SuggestionRecord is the append-only content record for one advisory
// suggestion.
type SuggestionRecord struct {
	SuggestionID string
	Category     string
	Title        string
	Message      string
	Context      map[string]interface{}
	Metadata     map[string]interface{}
	Confidence   float64
	Reasoning    []string
	Evidence     []string
	Limitations  []string
	ExecutionID  string
	WorkflowID   string
	CreatedAt    time.Time
}

// DraftRecord is the append-only content record for one advisory draft.
type DraftRecord struct {
	DraftID     string
	DraftType   string
	Content     map[string]interface{}
	ContentHash string
	Status      string
	CreatedAt   time.Time
}

// GuardrailDecision is one append-only ALLOW/FLAG/BLOCK decision.
type GuardrailDecision struct {
	ID          string
	RecordID    string
	RecordKind  string // "suggestion" or "draft"
	Decision    string // ALLOW, FLAG, BLOCK
	Reason      string
	Confidence  float64
	ExecutionID string
	CreatedAt   time.Time
}
