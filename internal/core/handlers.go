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

package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/truongnn001/presso/internal/advisory"
	"github.com/truongnn001/presso/internal/approval"
	"github.com/truongnn001/presso/internal/executor"
	"github.com/truongnn001/presso/internal/guardrail"
	"github.com/truongnn001/presso/internal/ipc"
	"github.com/truongnn001/presso/internal/store"
	"github.com/truongnn001/presso/internal/workflow"
)

// Verb identifiers, per spec.md §6. These are part of the wire contract
// and must not be renamed.
const (
	verbShutdown            = "SHUTDOWN"
	verbLoadWorkflow        = "LOAD_WORKFLOW"
	verbStartWorkflow       = "START_WORKFLOW"
	verbGetWorkflowStatus   = "GET_WORKFLOW_STATUS"
	verbRegisterTrigger     = "REGISTER_WORKFLOW_TRIGGER"
	verbUnregisterTrigger   = "UNREGISTER_WORKFLOW_TRIGGER"
	verbListTriggers        = "LIST_WORKFLOW_TRIGGERS"
	verbResolveApproval     = "RESOLVE_APPROVAL"
	verbGetPendingApprovals = "GET_PENDING_APPROVALS"
	verbGetAISuggestions    = "GET_AI_SUGGESTIONS"
	verbGenerateDraft       = "GENERATE_DRAFT"
	verbGetExecution        = "GET_EXECUTION"
	verbListStepExecutions  = "LIST_STEP_EXECUTIONS"
	verbGetWorkflowContract = "GET_WORKFLOW_DEFINITION"
	verbGetActivityLog      = "GET_ACTIVITY_LOG"
)

// handle dispatches one parent request to its verb handler and never
// panics out of the serve loop: an unmarshal failure becomes
// PARSE_ERROR, a handler error becomes the most specific wire error code
// that applies.
func (s *server) handle(ctx context.Context, req ipc.Request) ipc.Response {
	switch req.Type {
	case verbShutdown:
		return ipc.Response{ID: req.ID, Success: true}

	case verbLoadWorkflow:
		return s.handleLoadWorkflow(ctx, req)
	case verbStartWorkflow:
		return s.handleStartWorkflow(ctx, req)
	case verbGetWorkflowStatus:
		return s.handleGetWorkflowStatus(ctx, req)
	case verbRegisterTrigger:
		return s.handleRegisterTrigger(ctx, req)
	case verbUnregisterTrigger:
		return s.handleUnregisterTrigger(ctx, req)
	case verbListTriggers:
		return s.handleListTriggers(req)
	case verbResolveApproval:
		return s.handleResolveApproval(ctx, req)
	case verbGetPendingApprovals:
		return s.handleGetPendingApprovals(ctx, req)
	case verbGetAISuggestions:
		return s.handleGetAISuggestions(ctx, req)
	case verbGenerateDraft:
		return s.handleGenerateDraft(ctx, req)
	case verbGetExecution:
		return s.handleGetExecution(ctx, req)
	case verbListStepExecutions:
		return s.handleListStepExecutions(ctx, req)
	case verbGetWorkflowContract:
		return s.handleGetWorkflowContract(ctx, req)
	case verbGetActivityLog:
		return s.handleGetActivityLog(ctx, req)

	default:
		return ipc.NewErrorResponse(req.ID, ipc.ErrInvalidParams, fmt.Sprintf("unrecognized request type %q", req.Type))
	}
}

func parseError(req ipc.Request, err error) ipc.Response {
	return ipc.NewErrorResponse(req.ID, ipc.ErrParseError, fmt.Sprintf("malformed payload: %s", err.Error()))
}

func resultOrInternal(req ipc.Request, result interface{}) ipc.Response {
	resp, err := ipc.NewResultResponse(req.ID, result)
	if err != nil {
		return ipc.NewErrorResponse(req.ID, ipc.ErrInternal, err.Error())
	}
	return resp
}

// --- LOAD_WORKFLOW ---------------------------------------------------

type loadWorkflowParams struct {
	WorkflowID string              `json:"workflow_id"`
	Definition workflow.Definition `json:"definition"`
}

func (s *server) handleLoadWorkflow(ctx context.Context, req ipc.Request) ipc.Response {
	var p loadWorkflowParams
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return parseError(req, err)
	}
	d := p.Definition
	if d.WorkflowID == "" {
		d.WorkflowID = p.WorkflowID
	}
	if p.WorkflowID != "" && d.WorkflowID != p.WorkflowID {
		return ipc.NewErrorResponse(req.ID, ipc.ErrInvalidParams, "workflow_id does not match definition.workflow_id")
	}

	if err := s.engine.LoadDefinition(ctx, d); err != nil {
		var verr *workflow.ValidationError
		if errors.As(err, &verr) {
			return ipc.NewErrorResponse(req.ID, ipc.ErrInvalidParams, verr.Reason)
		}
		return ipc.NewErrorResponse(req.ID, ipc.ErrInternal, err.Error())
	}
	return resultOrInternal(req, map[string]interface{}{"workflow_id": d.WorkflowID})
}

// --- START_WORKFLOW ---------------------------------------------------

type startWorkflowParams struct {
	WorkflowID     string                 `json:"workflow_id"`
	InitialContext map[string]interface{} `json:"initial_context,omitempty"`
}

func (s *server) handleStartWorkflow(ctx context.Context, req ipc.Request) ipc.Response {
	var p startWorkflowParams
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return parseError(req, err)
	}
	if p.WorkflowID == "" {
		return ipc.NewErrorResponse(req.ID, ipc.ErrInvalidParams, "workflow_id is required")
	}

	executionID, err := s.engine.StartWorkflow(ctx, p.WorkflowID, p.InitialContext)
	if err != nil {
		if errors.Is(err, executor.ErrWorkflowNotFound) {
			return ipc.NewErrorResponse(req.ID, ipc.ErrNotFound, err.Error())
		}
		return ipc.NewErrorResponse(req.ID, ipc.ErrWorkflowError, err.Error())
	}
	return resultOrInternal(req, map[string]interface{}{"execution_id": executionID, "workflow_id": p.WorkflowID})
}

// --- GET_WORKFLOW_STATUS ----------------------------------------------

type getWorkflowStatusParams struct {
	ExecutionID string `json:"execution_id"`
}

func (s *server) handleGetWorkflowStatus(ctx context.Context, req ipc.Request) ipc.Response {
	var p getWorkflowStatusParams
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return parseError(req, err)
	}
	if p.ExecutionID == "" {
		return ipc.NewErrorResponse(req.ID, ipc.ErrInvalidParams, "execution_id is required")
	}

	status, err := s.engine.GetStatus(ctx, p.ExecutionID)
	if err != nil {
		if errors.Is(err, executor.ErrExecutionNotFound) {
			return ipc.NewErrorResponse(req.ID, ipc.ErrNotFound, err.Error())
		}
		return ipc.NewErrorResponse(req.ID, ipc.ErrInternal, err.Error())
	}
	return resultOrInternal(req, status)
}

// --- REGISTER_WORKFLOW_TRIGGER / UNREGISTER_WORKFLOW_TRIGGER / LIST ----

type triggerParams struct {
	Tag        string `json:"tag"`
	WorkflowID string `json:"workflow_id"`
}

func (s *server) handleRegisterTrigger(ctx context.Context, req ipc.Request) ipc.Response {
	var p triggerParams
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return parseError(req, err)
	}
	if err := s.triggers.Register(p.Tag, p.WorkflowID); err != nil {
		return ipc.NewErrorResponse(req.ID, ipc.ErrInvalidParams, err.Error())
	}
	return resultOrInternal(req, map[string]interface{}{"tag": p.Tag, "workflow_id": p.WorkflowID})
}

func (s *server) handleUnregisterTrigger(ctx context.Context, req ipc.Request) ipc.Response {
	var p triggerParams
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return parseError(req, err)
	}
	if err := s.triggers.Unregister(p.Tag, p.WorkflowID); err != nil {
		return ipc.NewErrorResponse(req.ID, ipc.ErrInvalidParams, err.Error())
	}
	return resultOrInternal(req, map[string]interface{}{"tag": p.Tag, "workflow_id": p.WorkflowID})
}

func (s *server) handleListTriggers(req ipc.Request) ipc.Response {
	return resultOrInternal(req, map[string]interface{}{"triggers": s.triggers.List()})
}

// --- RESOLVE_APPROVAL / GET_PENDING_APPROVALS --------------------------

type resolveApprovalParams struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	Decision    string `json:"decision"`
	ActorID     string `json:"actor_id,omitempty"`
	Comment     string `json:"comment,omitempty"`
}

const defaultApprovalActor = "operator"

func (s *server) handleResolveApproval(ctx context.Context, req ipc.Request) ipc.Response {
	var p resolveApprovalParams
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return parseError(req, err)
	}
	if p.ExecutionID == "" || p.StepID == "" {
		return ipc.NewErrorResponse(req.ID, ipc.ErrInvalidParams, "execution_id and step_id are required")
	}
	if p.Decision != approval.Approve && p.Decision != approval.Reject {
		return ipc.NewErrorResponse(req.ID, ipc.ErrInvalidParams, fmt.Sprintf("decision must be %q or %q", approval.Approve, approval.Reject))
	}
	actorID := p.ActorID
	if actorID == "" {
		actorID = defaultApprovalActor
	}

	resumed, err := s.approvals.Resolve(ctx, p.ExecutionID, p.StepID, p.Decision, actorID, p.Comment)
	if err != nil {
		return ipc.NewErrorResponse(req.ID, ipc.ErrApprovalError, err.Error())
	}
	return resultOrInternal(req, map[string]interface{}{"resumed": resumed})
}

func (s *server) handleGetPendingApprovals(ctx context.Context, req ipc.Request) ipc.Response {
	pending, err := s.approvals.ListPending(ctx)
	if err != nil {
		return ipc.NewErrorResponse(req.ID, ipc.ErrInternal, err.Error())
	}
	return resultOrInternal(req, map[string]interface{}{"approvals": pending})
}

// --- GET_AI_SUGGESTIONS -------------------------------------------------

type getAISuggestionsParams struct {
	AnalysisType string `json:"analysis_type"`
	WorkflowID   string `json:"workflow_id,omitempty"`
	ExecutionID  string `json:"execution_id,omitempty"`
}

func (s *server) handleGetAISuggestions(ctx context.Context, req ipc.Request) ipc.Response {
	var p getAISuggestionsParams
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return parseError(req, err)
	}

	var suggestions []advisory.Suggestion
	switch p.AnalysisType {
	case advisory.Definition:
		if p.WorkflowID == "" {
			return ipc.NewErrorResponse(req.ID, ipc.ErrInvalidParams, "workflow_id is required for analysis_type=definition")
		}
		found, ok, err := s.advisory.AnalyzeDefinitionByWorkflowID(ctx, p.WorkflowID)
		if err != nil {
			return ipc.NewErrorResponse(req.ID, ipc.ErrAIError, err.Error())
		}
		if !ok {
			return ipc.NewErrorResponse(req.ID, ipc.ErrNotFound, fmt.Sprintf("unknown workflow %q", p.WorkflowID))
		}
		suggestions = found
	case advisory.History:
		found, err := s.advisory.AnalyzeHistory(ctx)
		if err != nil {
			return ipc.NewErrorResponse(req.ID, ipc.ErrAIError, err.Error())
		}
		suggestions = found
	case advisory.State:
		found, err := s.advisory.AnalyzeState(ctx)
		if err != nil {
			return ipc.NewErrorResponse(req.ID, ipc.ErrAIError, err.Error())
		}
		suggestions = found
	default:
		return ipc.NewErrorResponse(req.ID, ipc.ErrInvalidParams, fmt.Sprintf("unknown analysis_type %q", p.AnalysisType))
	}

	verdicts := s.guardrail.EnforceSuggestions(ctx, p.AnalysisType, suggestions)
	out := make([]map[string]interface{}, 0, len(verdicts))
	for _, v := range verdicts {
		s.audit.Suggestion(v.Suggestion.ToRecord())
		out = append(out, map[string]interface{}{
			"suggestion_id":         v.Suggestion.SuggestionID,
			"category":              v.Suggestion.Category,
			"title":                 v.Suggestion.Title,
			"message":               v.Suggestion.Message,
			"context":               v.Suggestion.Context,
			"confidence":            v.Suggestion.Confidence,
			"reasoning":             v.Suggestion.Reasoning,
			"evidence":              v.Suggestion.Evidence,
			"limitations":           v.Suggestion.Limitations,
			"requires_human_review": v.RequiresHumanReview,
		})
	}
	return resultOrInternal(req, map[string]interface{}{"suggestions": out, "count": len(out)})
}

// --- GENERATE_DRAFT -------------------------------------------------

type generateDraftParams struct {
	DraftType    string                 `json:"draft_type"`
	ContextScope map[string]interface{} `json:"context_scope,omitempty"`
	Constraints  map[string]interface{} `json:"constraints,omitempty"`
}

func (s *server) handleGenerateDraft(ctx context.Context, req ipc.Request) ipc.Response {
	var p generateDraftParams
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return parseError(req, err)
	}

	draft, err := s.advisory.GenerateDraft(ctx, advisory.DraftRequest{
		DraftType:    p.DraftType,
		ContextScope: p.ContextScope,
		Constraints:  p.Constraints,
	})
	if err != nil {
		return ipc.NewErrorResponse(req.ID, ipc.ErrInvalidParams, err.Error())
	}

	executionID, _ := p.ContextScope["execution_id"].(string)
	if err := s.guardrail.EnforceDraft(ctx, draft.Category, draft.DraftID, draft.Category, draft.Confidence, executionID); err != nil {
		if errors.Is(err, guardrail.ErrDraftBlocked) {
			return ipc.NewErrorResponse(req.ID, ipc.ErrDraftBlocked, "draft blocked by guardrail policy")
		}
		return ipc.NewErrorResponse(req.ID, ipc.ErrInternal, err.Error())
	}

	contentHashValue := contentHash(draft.Content)
	s.audit.Draft(store.DraftRecord{
		DraftID:     draft.DraftID,
		DraftType:   draft.DraftType,
		Content:     draft.Content,
		ContentHash: contentHashValue,
		Status:      advisory.DraftStatus,
		CreatedAt:   time.Now(),
	})

	return resultOrInternal(req, map[string]interface{}{"draft": map[string]interface{}{
		"draft_id":     draft.DraftID,
		"draft_type":   draft.DraftType,
		"content":      draft.Content,
		"content_hash": contentHashValue,
		"status":       advisory.DraftStatus,
		"confidence":   draft.Confidence,
	}})
}

func contentHash(content map[string]interface{}) string {
	data, err := json.Marshal(content)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// --- Read-only passthrough query verbs -----------------------------

type getExecutionParams struct {
	ExecutionID string `json:"execution_id"`
}

func (s *server) handleGetExecution(ctx context.Context, req ipc.Request) ipc.Response {
	var p getExecutionParams
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return parseError(req, err)
	}
	exec, ok, err := s.st.GetExecution(ctx, p.ExecutionID)
	if err != nil {
		return ipc.NewErrorResponse(req.ID, ipc.ErrInternal, err.Error())
	}
	if !ok {
		return ipc.NewErrorResponse(req.ID, ipc.ErrNotFound, fmt.Sprintf("unknown execution %q", p.ExecutionID))
	}
	return resultOrInternal(req, exec)
}

type listStepExecutionsParams struct {
	ExecutionID string `json:"execution_id"`
}

func (s *server) handleListStepExecutions(ctx context.Context, req ipc.Request) ipc.Response {
	var p listStepExecutionsParams
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return parseError(req, err)
	}
	steps, err := s.st.ListStepExecutions(ctx, p.ExecutionID)
	if err != nil {
		return ipc.NewErrorResponse(req.ID, ipc.ErrInternal, err.Error())
	}
	return resultOrInternal(req, map[string]interface{}{"steps": steps})
}

type getWorkflowContractParams struct {
	WorkflowID string `json:"workflow_id"`
}

// handleGetWorkflowContract is the "contracts" read-only query spec.md
// §6 leaves unnamed: it returns the cached/persisted workflow
// definition a caller agreed to when it last called LOAD_WORKFLOW.
func (s *server) handleGetWorkflowContract(ctx context.Context, req ipc.Request) ipc.Response {
	var p getWorkflowContractParams
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return parseError(req, err)
	}
	if p.WorkflowID == "" {
		return ipc.NewErrorResponse(req.ID, ipc.ErrInvalidParams, "workflow_id is required")
	}
	d, ok, err := s.engine.Definition(ctx, p.WorkflowID)
	if err != nil {
		return ipc.NewErrorResponse(req.ID, ipc.ErrInternal, err.Error())
	}
	if !ok {
		return ipc.NewErrorResponse(req.ID, ipc.ErrNotFound, fmt.Sprintf("unknown workflow %q", p.WorkflowID))
	}
	return resultOrInternal(req, d)
}

type getActivityLogParams struct {
	Limit int `json:"limit,omitempty"`
}

// handleGetActivityLog is the "activity logs" read-only query spec.md
// §6 leaves unnamed: the append-only guardrail decision trail is the
// one activity record every GET_AI_SUGGESTIONS/GENERATE_DRAFT call
// writes to regardless of outcome, so it is the natural passthrough.
func (s *server) handleGetActivityLog(ctx context.Context, req ipc.Request) ipc.Response {
	var p getActivityLogParams
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return parseError(req, err)
		}
	}
	entries, err := s.st.ListGuardrailAudit(ctx, p.Limit)
	if err != nil {
		return ipc.NewErrorResponse(req.ID, ipc.ErrInternal, err.Error())
	}
	return resultOrInternal(req, map[string]interface{}{"entries": entries})
}
