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

package approval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/truongnn001/presso/internal/logger"
	"github.com/truongnn001/presso/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), logger.New("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type recordingResumer struct {
	executionIDs []string
}

func (r *recordingResumer) ResumeExecution(ctx context.Context, executionID string) {
	r.executionIDs = append(r.executionIDs, executionID)
}

func TestService_RequestAndResolve(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, logger.New("test"))
	resumer := &recordingResumer{}
	svc.SetResumer(resumer)
	ctx := context.Background()

	if err := svc.Request(ctx, "exec-1", "approve-step", "do it?", []string{"APPROVE", "REJECT"}, TimeoutWait, 0); err != nil {
		t.Fatalf("Request: %v", err)
	}

	pending, err := svc.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].StepID != "approve-step" {
		t.Fatalf("expected one pending approval for approve-step, got %+v", pending)
	}

	resumed, err := svc.Resolve(ctx, "exec-1", "approve-step", Approve, "alice", "looks fine")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !resumed {
		t.Fatalf("expected first resolution to report resumed=true")
	}
	if len(resumer.executionIDs) != 1 || resumer.executionIDs[0] != "exec-1" {
		t.Fatalf("expected resumer notified for exec-1, got %+v", resumer.executionIDs)
	}

	pending, err = svc.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending after resolve: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending approvals after resolution, got %+v", pending)
	}
}

func TestService_ResolveIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, logger.New("test"))
	ctx := context.Background()

	if err := svc.Request(ctx, "exec-2", "step-a", "ok?", []string{"APPROVE", "REJECT"}, TimeoutWait, 0); err != nil {
		t.Fatalf("Request: %v", err)
	}

	first, err := svc.Resolve(ctx, "exec-2", "step-a", Approve, "alice", "")
	if err != nil || !first {
		t.Fatalf("expected first resolve to succeed, got resumed=%v err=%v", first, err)
	}

	second, err := svc.Resolve(ctx, "exec-2", "step-a", Reject, "bob", "too late")
	if err != nil {
		t.Fatalf("second Resolve returned error: %v", err)
	}
	if second {
		t.Fatalf("expected second resolution to report resumed=false (sentinel)")
	}

	a, ok, err := svc.Existing(ctx, "exec-2", "step-a")
	if err != nil || !ok {
		t.Fatalf("Existing: ok=%v err=%v", ok, err)
	}
	if a.Decision != Approve || a.ActorID != "alice" {
		t.Fatalf("expected first decision to stick, got decision=%s actor=%s", a.Decision, a.ActorID)
	}
}

func TestService_UnknownApprovalResolveReturnsFalse(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, logger.New("test"))
	ctx := context.Background()

	resumed, err := svc.Resolve(ctx, "no-such-exec", "no-such-step", Approve, "alice", "")
	if err != nil {
		t.Fatalf("Resolve on unknown approval returned error: %v", err)
	}
	if resumed {
		t.Fatalf("expected resumed=false for unknown approval")
	}
}

func TestService_TimeoutPolicyFailAutoRejects(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, logger.New("test"))
	resumer := &recordingResumer{}
	svc.SetResumer(resumer)
	ctx := context.Background()

	if err := svc.Request(ctx, "exec-3", "step-timeout", "approve?", []string{"APPROVE", "REJECT"}, TimeoutFail, 20); err != nil {
		t.Fatalf("Request: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a, ok, err := svc.Existing(ctx, "exec-3", "step-timeout")
		if err != nil {
			t.Fatalf("Existing: %v", err)
		}
		if ok && a.Resolved() {
			if a.Decision != Reject || a.ActorID != systemActor {
				t.Fatalf("expected system REJECT, got decision=%s actor=%s", a.Decision, a.ActorID)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout policy FAIL did not auto-resolve within deadline")
}
