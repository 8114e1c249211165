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

package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/truongnn001/presso/internal/logger"
)

// Starter is implemented by the workflow executor: it creates and begins
// running a new execution for workflowID using initialContext.
type Starter interface {
	StartWorkflow(ctx context.Context, workflowID string, initialContext map[string]interface{}) (executionID string, err error)
}

// Registration is one (tag, workflow_id) trigger table entry.
type Registration struct {
	Tag        string
	WorkflowID string
}

// Service owns the trigger table and subscribes it to an event bus. On a
// tag match it builds an initial context from the event and starts the
// workflow.
type Service struct {
	bus     *Bus
	starter Starter
	log     *logger.Logger

	mu    sync.RWMutex
	byTag map[string]map[string]bool // tag -> set of workflow_id
}

// New constructs a Service and subscribes it to bus.
func New(bus *Bus, starter Starter, log *logger.Logger) *Service {
	s := &Service{
		bus:     bus,
		starter: starter,
		log:     log,
		byTag:   make(map[string]map[string]bool),
	}
	bus.Subscribe(s.handle)
	return s
}

// Register adds (tag, workflowID) to the trigger table. Re-registering an
// existing pair is a no-op.
func (s *Service) Register(tag, workflowID string) error {
	if tag == "" || workflowID == "" {
		return fmt.Errorf("trigger: tag and workflow_id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byTag[tag] == nil {
		s.byTag[tag] = make(map[string]bool)
	}
	s.byTag[tag][workflowID] = true
	return nil
}

// Unregister removes (tag, workflowID) from the trigger table. Removing a
// pair that was never registered is a no-op.
func (s *Service) Unregister(tag, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wfs, ok := s.byTag[tag]; ok {
		delete(wfs, workflowID)
		if len(wfs) == 0 {
			delete(s.byTag, tag)
		}
	}
	return nil
}

// List returns every current trigger registration.
func (s *Service) List() []Registration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Registration
	for tag, wfs := range s.byTag {
		for wf := range wfs {
			out = append(out, Registration{Tag: tag, WorkflowID: wf})
		}
	}
	return out
}

func (s *Service) handle(e Event) {
	s.mu.RLock()
	wfs := make([]string, 0, len(s.byTag[e.Tag]))
	for wf := range s.byTag[e.Tag] {
		wfs = append(wfs, wf)
	}
	s.mu.RUnlock()

	if len(wfs) == 0 {
		return
	}

	initialContext := buildInitialContext(e)
	for _, workflowID := range wfs {
		executionID, err := s.starter.StartWorkflow(context.Background(), workflowID, initialContext)
		if err != nil {
			s.log.Error("", "trigger failed to start workflow", err, map[string]interface{}{
				"tag": e.Tag, "workflow_id": workflowID,
			})
			continue
		}
		s.log.Info("", "trigger started workflow", map[string]interface{}{
			"tag": e.Tag, "workflow_id": workflowID, "execution_id": executionID,
		})
	}
}

// buildInitialContext shallow-copies string, number and bool fields of the
// event payload and adds trigger_event and trigger_timestamp. Nested
// maps/slices are not copied: the trigger table only feeds scalar
// context, matching the workflow input_mapping resolution contract.
func buildInitialContext(e Event) map[string]interface{} {
	ctx := make(map[string]interface{}, len(e.Payload)+2)
	for k, v := range e.Payload {
		switch v.(type) {
		case string, int, int32, int64, float32, float64, bool:
			ctx[k] = v
		}
	}
	ctx["trigger_event"] = e.Tag
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ctx["trigger_timestamp"] = ts.UTC().Format(time.RFC3339Nano)
	return ctx
}
