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

// Package supervisor spawns, health-checks, and restarts the worker
// subprocesses the dispatcher routes step work to.
package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/truongnn001/presso/internal/ipc"
	"github.com/truongnn001/presso/internal/logger"
)

const (
	readyTimeout    = 10 * time.Second
	shutdownTimeout = 10 * time.Second
	stderrCap       = 64 * 1024
)

// Worker is a single supervised subprocess and its communication channel.
type Worker struct {
	Name string

	mu      sync.Mutex
	cmd     *exec.Cmd
	channel *ipc.Channel
	alive   bool
	healthy bool

	path string
	args []string
	log  *logger.Logger
}

// New creates a Worker bound to the given executable path, unstarted.
func New(name, path string, args []string, log *logger.Logger) *Worker {
	return &Worker{Name: name, path: path, args: args, log: log}
}

// NewStub wraps an already-connected reader/writer pair (typically an
// in-process pipe to a fake worker goroutine) as a Worker, skipping the
// subprocess spawn and READY handshake entirely. Spec.md §9 requires the
// dispatcher and executor to be testable against "stub workers that read
// lines and produce canned replies"; NewStub is how those stubs attach.
func NewStub(name string, r io.Reader, w io.Writer) *Worker {
	return &Worker{
		Name:    name,
		channel: ipc.NewChannel(r, w),
		alive:   true,
		healthy: true,
	}
}

// Start spawns the subprocess and blocks until a READY record arrives on
// its stdout, or readyTimeout elapses, in which case the process is
// killed and an error is returned.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	cmd := exec.CommandContext(ctx, w.path, w.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stdin pipe for %s: %w", w.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stdout pipe for %s: %w", w.Name, err)
	}
	cmd.Stderr = newStderrSink(w.Name, w.log)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start %s: %w", w.Name, err)
	}

	w.cmd = cmd
	w.channel = ipc.NewChannel(stdout, stdin)
	w.alive = true

	readyCh := make(chan error, 1)
	go func() {
		req, err := w.channel.ReadRequest()
		if err != nil {
			readyCh <- err
			return
		}
		if req.Type != "READY" {
			readyCh <- fmt.Errorf("supervisor: expected READY from %s, got %q", w.Name, req.Type)
			return
		}
		readyCh <- nil
	}()

	select {
	case err := <-readyCh:
		if err != nil {
			_ = cmd.Process.Kill()
			w.alive = false
			return err
		}
		w.healthy = true
		return nil
	case <-time.After(readyTimeout):
		_ = cmd.Process.Kill()
		w.alive = false
		return fmt.Errorf("supervisor: worker %s did not become ready within %s", w.Name, readyTimeout)
	}
}

// Channel returns the worker's IPC channel. Callers must hold no
// expectation of exclusivity: the dispatcher multiplexes concurrent
// requests across it by id.
func (w *Worker) Channel() *ipc.Channel {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.channel
}

// Alive reports process liveness as last observed by the supervisor.
func (w *Worker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive
}

// Healthy is process liveness conjoined with the most recent HEALTH_CHECK
// outcome.
func (w *Worker) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive && w.healthy
}

// SetHealthy records the outcome of a HEALTH_CHECK dispatch.
func (w *Worker) SetHealthy(ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.healthy = ok
}

// MarkDead records an unexpected exit observed by the caller (e.g. the
// dispatcher, on a broken pipe write).
func (w *Worker) MarkDead() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.alive = false
	w.healthy = false
}

// Stop sends SHUTDOWN and waits up to shutdownTimeout for the process to
// exit before force-killing it.
func (w *Worker) Stop() error {
	w.mu.Lock()
	cmd := w.cmd
	channel := w.channel
	alive := w.alive
	w.mu.Unlock()

	if !alive || cmd == nil {
		return nil
	}

	if channel != nil {
		_ = channel.WriteRequest(ipc.Request{
			ID:        "shutdown",
			Type:      "SHUTDOWN",
			Timestamp: ipc.NowMillis(),
		})
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		_ = cmd.Process.Kill()
		<-done
	}

	w.mu.Lock()
	w.alive = false
	w.healthy = false
	w.mu.Unlock()
	return nil
}

// Restart attempts one Start() after an unexpected exit. Callers are
// responsible for failing any outstanding requests against the old
// process with WORKER_DEAD before calling this.
func (w *Worker) Restart(ctx context.Context) error {
	w.mu.Lock()
	w.alive = false
	w.healthy = false
	w.mu.Unlock()
	return w.Start(ctx)
}

// stderrSink is a size-capped ring that forwards a worker's stderr lines
// to the structured logger, so a noisy or runaway worker can't exhaust
// memory.
type stderrSink struct {
	name string
	log  *logger.Logger
	buf  []byte
}

func newStderrSink(name string, log *logger.Logger) io.Writer {
	s := &stderrSink{name: name, log: log}
	return s
}

func (s *stderrSink) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	if len(s.buf) > stderrCap {
		s.buf = s.buf[len(s.buf)-stderrCap:]
	}

	scanner := bufio.NewScanner(bytes.NewReader(p))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var probe map[string]interface{}
		if err := json.Unmarshal([]byte(line), &probe); err == nil {
			s.log.Debug("", fmt.Sprintf("worker %s stderr", s.name), probe)
		} else {
			s.log.Debug("", fmt.Sprintf("worker %s stderr", s.name), map[string]interface{}{"line": line})
		}
	}
	return len(p), nil
}
