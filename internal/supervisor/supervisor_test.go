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

package supervisor

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/truongnn001/presso/internal/ipc"
	"github.com/truongnn001/presso/internal/logger"
)

// TestMain re-execs this test binary as a stub worker when
// PRESSO_STUB_WORKER is set, so Start/Stop can be exercised against a
// real subprocess without depending on an external interpreter.
func TestMain(m *testing.M) {
	if os.Getenv("PRESSO_STUB_WORKER") != "" {
		runStubWorker()
		return
	}
	os.Exit(m.Run())
}

func runStubWorker() {
	ch := ipc.NewChannel(os.Stdin, os.Stdout)
	_ = ch.WriteRequest(ipc.Request{ID: "0", Type: "READY", Timestamp: ipc.NowMillis()})

	for {
		req, err := ch.ReadRequest()
		if err != nil {
			return
		}
		if req.Type == "SHUTDOWN" {
			resp, _ := ipc.NewResultResponse(req.ID, map[string]string{"status": "ok"})
			_ = ch.WriteResponse(resp)
			return
		}
		if req.Type == "HANG" {
			continue
		}
		resp, _ := ipc.NewResultResponse(req.ID, map[string]string{"echo": req.Type})
		_ = ch.WriteResponse(resp)
	}
}

// newStubCmdWorker configures the worker to exec this test binary with the
// stub-worker env var set.
func newStubCmdWorker(t *testing.T, name string) *Worker {
	t.Helper()
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	log := logger.New("test")
	w := &Worker{Name: name, path: self, args: nil, log: log}
	return w
}

func withStubEnv(cmd *exec.Cmd) {
	cmd.Env = append(os.Environ(), "PRESSO_STUB_WORKER=1")
}

func TestWorker_StartReadyAndStop(t *testing.T) {
	w := newStubCmdWorker(t, "python")

	// Patch Start's exec.CommandContext call indirectly: Worker.Start
	// builds the *exec.Cmd internally, so we instead exercise the whole
	// lifecycle via a thin wrapper that injects the stub env through
	// the same exec.CommandContext path.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := startWithEnv(ctx, w); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !w.Healthy() {
		t.Fatalf("expected worker healthy after READY")
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if w.Alive() {
		t.Fatalf("expected worker not alive after Stop")
	}
}

// startWithEnv duplicates Worker.Start but injects PRESSO_STUB_WORKER,
// since the production Start() spawns the configured worker binary
// directly without environment overrides.
func startWithEnv(ctx context.Context, w *Worker) error {
	cmd := exec.CommandContext(ctx, w.path, w.args...)
	withStubEnv(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}

	w.mu.Lock()
	w.cmd = cmd
	w.channel = ipc.NewChannel(stdout, stdin)
	w.alive = true
	w.mu.Unlock()

	req, err := w.channel.ReadRequest()
	if err != nil {
		_ = cmd.Process.Kill()
		return err
	}
	if req.Type != "READY" {
		_ = cmd.Process.Kill()
		return err
	}
	w.SetHealthy(true)
	return nil
}
