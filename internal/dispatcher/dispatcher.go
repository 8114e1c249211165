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

// Package dispatcher routes step work to the right worker process, tracks
// outstanding requests by id, and applies a circuit breaker per worker so
// a dead worker doesn't get hammered with new submissions.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/truongnn001/presso/internal/backoff"
	"github.com/truongnn001/presso/internal/ipc"
	"github.com/truongnn001/presso/internal/logger"
	"github.com/truongnn001/presso/internal/supervisor"
)

const (
	WorkerPython    = "python"
	WorkerNetwork   = "network"
	workerBroadcast = "broadcast"
)

// defaultRoutes implements the deterministic worker-selection mapping.
// Any request type absent from this table routes to the python worker,
// matching "any unknown operation -> python worker".
var defaultRoutes = map[string]string{
	"EXTERNAL_API_CALL":      WorkerNetwork,
	"LIST_PROVIDERS":         WorkerNetwork,
	"GET_PROVIDER_INFO":      WorkerNetwork,
	"SAVE_CREDENTIAL":        WorkerNetwork,
	"DELETE_CREDENTIAL":      WorkerNetwork,
	"GET_RATE_LIMIT_STATUS":  WorkerNetwork,
	"GET_METRICS":            WorkerNetwork,
	"PYTHON_TASK":            WorkerPython,
	"PING":                   workerBroadcast,
	"HEALTH_CHECK":           workerBroadcast,
	"GET_STATUS":             workerBroadcast,
	"SHUTDOWN":               workerBroadcast,
}

// pendingEntry is one in-flight request awaiting its correlated response.
type pendingEntry struct {
	resultCh chan ipc.Response
}

// workerState bundles the per-worker concurrency-control structures: a
// semaphore bounding in-flight capacity, a circuit breaker, and the
// outstanding-request table demultiplexed by id.
type workerState struct {
	worker   *supervisor.Worker
	breaker  *backoff.CircuitBreaker
	sem      chan struct{}

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// Dispatcher correlates requests to responses by id, per worker, and
// enforces per-worker in-flight capacity and circuit breaking.
type Dispatcher struct {
	pool    *supervisor.Pool
	routes  map[string]string
	timeout time.Duration
	log     *logger.Logger

	mu      sync.RWMutex
	workers map[string]*workerState
}

// Config controls dispatcher-wide tunables. The core fills Capacity from
// workers.json; the other fields keep their DefaultConfig values.
type Config struct {
	// RequestTimeout bounds how long the dispatcher waits for a response
	// line before failing the outstanding request with WORKER_TIMEOUT.
	RequestTimeout time.Duration
	// Capacity is the declared in-flight request capacity per worker
	// name. A worker absent from this map gets the default of 1.
	Capacity map[string]int
	// CircuitMaxFailures and CircuitResetTimeout configure the per-worker
	// breaker.
	CircuitMaxFailures int
	CircuitResetTimeout time.Duration
}

// DefaultConfig returns the default in-flight capacity of 1 per worker
// and a conservative circuit breaker.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:      30 * time.Second,
		Capacity:            map[string]int{},
		CircuitMaxFailures:  3,
		CircuitResetTimeout: 30 * time.Second,
	}
}

// New builds a Dispatcher over an already-populated worker pool. Every
// worker in the pool must already be started (its Channel() non-nil)
// before Submit is called against it.
func New(pool *supervisor.Pool, cfg Config, log *logger.Logger) *Dispatcher {
	d := &Dispatcher{
		pool:    pool,
		routes:  defaultRoutes,
		timeout: cfg.RequestTimeout,
		log:     log,
		workers: make(map[string]*workerState),
	}

	for _, w := range pool.All() {
		capacity := cfg.Capacity[w.Name]
		if capacity <= 0 {
			capacity = 1
		}
		ws := &workerState{
			worker:  w,
			breaker: backoff.NewCircuitBreaker(w.Name, cfg.CircuitMaxFailures, cfg.CircuitResetTimeout),
			sem:     make(chan struct{}, capacity),
			pending: make(map[string]*pendingEntry),
		}
		d.workers[w.Name] = ws
		go d.readLoop(ws)
	}

	return d
}

// SetRoute overrides the worker a request type routes to — the
// deterministic, config-overridable routing hook.
func (d *Dispatcher) SetRoute(requestType, workerName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.routes == nil {
		d.routes = make(map[string]string, len(defaultRoutes))
		for k, v := range defaultRoutes {
			d.routes[k] = v
		}
	}
	d.routes[requestType] = workerName
}

func (d *Dispatcher) routeFor(requestType string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if name, ok := d.routes[requestType]; ok {
		return name
	}
	return WorkerPython
}

// Submit dispatches a request to the worker selected by requestType,
// waits for the correlated response (subject to the dispatcher's
// configured timeout), and returns it. If requestType routes to
// "broadcast", Submit fails fast: broadcast requests must go through
// Broadcast instead.
func (d *Dispatcher) Submit(ctx context.Context, requestType string, id string, payload []byte) (ipc.Response, error) {
	workerName := d.routeFor(requestType)
	if workerName == workerBroadcast {
		return ipc.Response{}, fmt.Errorf("dispatcher: %s must be broadcast, not submitted to a single worker", requestType)
	}
	return d.submitTo(ctx, workerName, requestType, id, payload)
}

// Broadcast submits requestType to every registered worker and returns
// each worker's response keyed by worker name.
func (d *Dispatcher) Broadcast(ctx context.Context, requestType string, id string, payload []byte) map[string]ipc.Response {
	d.mu.RLock()
	names := make([]string, 0, len(d.workers))
	for name := range d.workers {
		names = append(names, name)
	}
	d.mu.RUnlock()

	results := make(map[string]ipc.Response, len(names))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			resp, err := d.submitTo(ctx, name, requestType, id, payload)
			if err != nil {
				resp = ipc.NewErrorResponse(id, ipc.ErrWorkerDead, err.Error())
			}
			mu.Lock()
			results[name] = resp
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) submitTo(ctx context.Context, workerName, requestType, id string, payload []byte) (ipc.Response, error) {
	d.mu.RLock()
	ws, ok := d.workers[workerName]
	d.mu.RUnlock()
	if !ok {
		return ipc.Response{}, fmt.Errorf("dispatcher: unknown worker %q", workerName)
	}

	if !ws.breaker.Allow() {
		return ipc.NewErrorResponse(id, ipc.ErrWorkerDead, fmt.Sprintf("worker %q circuit breaker open", workerName)), nil
	}
	if !ws.worker.Alive() {
		return ipc.NewErrorResponse(id, ipc.ErrWorkerDead, fmt.Sprintf("worker %q is not running", workerName)), nil
	}

	select {
	case ws.sem <- struct{}{}:
		defer func() { <-ws.sem }()
	case <-ctx.Done():
		return ipc.Response{}, ctx.Err()
	}

	entry := &pendingEntry{resultCh: make(chan ipc.Response, 1)}
	ws.mu.Lock()
	ws.pending[id] = entry
	ws.mu.Unlock()

	defer func() {
		ws.mu.Lock()
		delete(ws.pending, id)
		ws.mu.Unlock()
	}()

	req := ipc.Request{ID: id, Type: requestType, Payload: payload, Timestamp: ipc.NowMillis()}
	channel := ws.worker.Channel()
	if channel == nil {
		return ipc.Response{}, fmt.Errorf("dispatcher: worker %q has no channel", workerName)
	}
	if err := channel.WriteRequest(req); err != nil {
		ws.breaker.RecordFailure()
		ws.worker.MarkDead()
		return ipc.NewErrorResponse(id, ipc.ErrWorkerDead, err.Error()), nil
	}

	timeout := d.timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case resp := <-entry.resultCh:
		// An error reply from a live worker says nothing about its health;
		// only WORKER_DEAD counts against the breaker here.
		if !resp.Success && resp.Error != nil && resp.Error.Code == ipc.ErrWorkerDead {
			ws.breaker.RecordFailure()
		} else {
			ws.breaker.RecordSuccess()
		}
		return resp, nil
	case <-time.After(timeout):
		ws.breaker.RecordFailure()
		return ipc.NewErrorResponse(id, ipc.ErrWorkerTimeout, fmt.Sprintf("worker %q did not respond within %s", workerName, timeout)), nil
	case <-ctx.Done():
		return ipc.Response{}, ctx.Err()
	}
}

// readLoop continuously demultiplexes response lines from a worker's
// channel to the pending entry matching their id. It runs for the
// lifetime of the dispatcher; on read error (EOF, broken pipe) it marks
// the worker dead and fails every outstanding request with WORKER_DEAD.
func (d *Dispatcher) readLoop(ws *workerState) {
	for {
		channel := ws.worker.Channel()
		if channel == nil {
			return
		}
		resp, err := channel.ReadResponse()
		if err != nil {
			ws.worker.MarkDead()
			d.failAllPending(ws)
			return
		}

		ws.mu.Lock()
		entry, ok := ws.pending[resp.ID]
		ws.mu.Unlock()
		if !ok {
			continue
		}
		entry.resultCh <- resp
	}
}

func (d *Dispatcher) failAllPending(ws *workerState) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, entry := range ws.pending {
		entry.resultCh <- ipc.NewErrorResponse(id, ipc.ErrWorkerDead, fmt.Sprintf("worker %q exited unexpectedly", ws.worker.Name))
	}
}

// Rebind restarts response demultiplexing against a worker that has just
// been restarted by the supervisor, so outstanding-request correlation
// resumes on the new channel.
func (d *Dispatcher) Rebind(workerName string) {
	d.mu.RLock()
	ws, ok := d.workers[workerName]
	d.mu.RUnlock()
	if !ok {
		return
	}
	go d.readLoop(ws)
}
