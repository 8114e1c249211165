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
	"sync"
	"testing"
	"time"

	"github.com/truongnn001/presso/internal/logger"
)

type fakeStarter struct {
	mu      sync.Mutex
	started []string
	ctxs    []map[string]interface{}
}

func (f *fakeStarter) StartWorkflow(ctx context.Context, workflowID string, initialContext map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, workflowID)
	f.ctxs = append(f.ctxs, initialContext)
	return "exec-" + workflowID, nil
}

func TestService_RegisterAndPublishStartsWorkflow(t *testing.T) {
	bus := NewBus()
	starter := &fakeStarter{}
	svc := New(bus, starter, logger.New("test"))

	if err := svc.Register("contract.created", "wf-contract"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	bus.Publish(Event{
		Tag:       "contract.created",
		Payload:   map[string]interface{}{"contract_id": "c-1", "amount": 42.5, "nested": map[string]interface{}{"x": 1}},
		Timestamp: time.Now(),
	})

	starter.mu.Lock()
	defer starter.mu.Unlock()
	if len(starter.started) != 1 || starter.started[0] != "wf-contract" {
		t.Fatalf("expected wf-contract to be started, got %+v", starter.started)
	}
	gotCtx := starter.ctxs[0]
	if gotCtx["contract_id"] != "c-1" || gotCtx["amount"] != 42.5 {
		t.Fatalf("expected scalar fields copied, got %+v", gotCtx)
	}
	if _, ok := gotCtx["nested"]; ok {
		t.Fatalf("expected nested map field to be excluded, got %+v", gotCtx)
	}
	if gotCtx["trigger_event"] != "contract.created" {
		t.Fatalf("expected trigger_event set, got %+v", gotCtx)
	}
	if _, ok := gotCtx["trigger_timestamp"].(string); !ok {
		t.Fatalf("expected trigger_timestamp as string, got %+v", gotCtx)
	}
}

func TestService_UnregisteredTagDoesNotStart(t *testing.T) {
	bus := NewBus()
	starter := &fakeStarter{}
	svc := New(bus, starter, logger.New("test"))
	_ = svc

	bus.Publish(Event{Tag: "unregistered.tag", Payload: nil, Timestamp: time.Now()})

	starter.mu.Lock()
	defer starter.mu.Unlock()
	if len(starter.started) != 0 {
		t.Fatalf("expected no workflow started for unregistered tag, got %+v", starter.started)
	}
}

func TestService_UnregisterStopsFutureMatches(t *testing.T) {
	bus := NewBus()
	starter := &fakeStarter{}
	svc := New(bus, starter, logger.New("test"))

	if err := svc.Register("x.y", "wf-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.Unregister("x.y", "wf-1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	bus.Publish(Event{Tag: "x.y", Timestamp: time.Now()})

	starter.mu.Lock()
	defer starter.mu.Unlock()
	if len(starter.started) != 0 {
		t.Fatalf("expected no workflow started after unregister, got %+v", starter.started)
	}

	list := svc.List()
	if len(list) != 0 {
		t.Fatalf("expected empty trigger table after unregister, got %+v", list)
	}
}

func TestService_ListReturnsRegistrations(t *testing.T) {
	bus := NewBus()
	svc := New(bus, &fakeStarter{}, logger.New("test"))

	svc.Register("a", "wf-a")
	svc.Register("b", "wf-b")

	list := svc.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 registrations, got %+v", list)
	}
}
