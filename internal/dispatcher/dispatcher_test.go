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

package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/truongnn001/presso/internal/ipc"
	"github.com/truongnn001/presso/internal/logger"
	"github.com/truongnn001/presso/internal/supervisor"
)

// stubEcho wires an in-process pair of pipes and runs a goroutine that
// echoes every request back as a success response, standing in for a
// canned-reply worker instead of a real subprocess.
func stubEcho(t *testing.T, name string, reply func(ipc.Request) ipc.Response) *supervisor.Worker {
	t.Helper()
	toWorker, toWorkerW := io.Pipe()
	fromWorkerR, fromWorker := io.Pipe()

	serverSide := ipc.NewChannel(toWorker, fromWorker)
	go func() {
		for {
			req, err := serverSide.ReadRequest()
			if err != nil {
				return
			}
			_ = serverSide.WriteResponse(reply(req))
		}
	}()

	return supervisor.NewStub(name, fromWorkerR, toWorkerW)
}

func newTestDispatcher(t *testing.T, workers ...*supervisor.Worker) *Dispatcher {
	t.Helper()
	pool := supervisor.NewPool()
	for _, w := range workers {
		pool.Add(w)
	}
	cfg := DefaultConfig()
	cfg.RequestTimeout = 2 * time.Second
	return New(pool, cfg, logger.New("test"))
}

func TestDispatcher_RoutesPythonTask(t *testing.T) {
	python := stubEcho(t, WorkerPython, func(req ipc.Request) ipc.Response {
		resp, _ := ipc.NewResultResponse(req.ID, map[string]string{"worker": "python"})
		return resp
	})
	d := newTestDispatcher(t, python)

	resp, err := d.Submit(context.Background(), "PYTHON_TASK", "1", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
}

func TestDispatcher_RoutesExternalAPICallToNetwork(t *testing.T) {
	network := stubEcho(t, WorkerNetwork, func(req ipc.Request) ipc.Response {
		resp, _ := ipc.NewResultResponse(req.ID, map[string]string{"worker": "network"})
		return resp
	})
	d := newTestDispatcher(t, network)

	resp, err := d.Submit(context.Background(), "EXTERNAL_API_CALL", "2", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	var out map[string]string
	_ = json.Unmarshal(resp.Result, &out)
	if out["worker"] != "network" {
		t.Fatalf("expected network worker, got %+v", out)
	}
}

func TestDispatcher_UnknownTypeRoutesToPython(t *testing.T) {
	python := stubEcho(t, WorkerPython, func(req ipc.Request) ipc.Response {
		resp, _ := ipc.NewResultResponse(req.ID, map[string]string{"worker": "python"})
		return resp
	})
	d := newTestDispatcher(t, python)

	resp, err := d.Submit(context.Background(), "SOME_UNKNOWN_OP", "3", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success routing unknown op to python, got %+v", resp)
	}
}

func TestDispatcher_Timeout(t *testing.T) {
	hung := stubEcho(t, WorkerPython, func(req ipc.Request) ipc.Response {
		time.Sleep(time.Hour)
		return ipc.Response{}
	})
	pool := supervisor.NewPool()
	pool.Add(hung)
	cfg := DefaultConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	d := New(pool, cfg, logger.New("test"))

	resp, err := d.Submit(context.Background(), "PYTHON_TASK", "4", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != ipc.ErrWorkerTimeout {
		t.Fatalf("expected WORKER_TIMEOUT, got %+v", resp)
	}
}

func TestDispatcher_Broadcast(t *testing.T) {
	python := stubEcho(t, WorkerPython, func(req ipc.Request) ipc.Response {
		resp, _ := ipc.NewResultResponse(req.ID, map[string]string{"from": "python"})
		return resp
	})
	network := stubEcho(t, WorkerNetwork, func(req ipc.Request) ipc.Response {
		resp, _ := ipc.NewResultResponse(req.ID, map[string]string{"from": "network"})
		return resp
	})
	d := newTestDispatcher(t, python, network)

	results := d.Broadcast(context.Background(), "PING", "5", json.RawMessage(`{}`))
	if len(results) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(results))
	}
	for name, resp := range results {
		if !resp.Success {
			t.Fatalf("worker %s: expected success, got %+v", name, resp)
		}
	}
}

func TestDispatcher_WorkerDeadOnChannelClose(t *testing.T) {
	toWorker, toWorkerW := io.Pipe()
	fromWorkerR, fromWorker := io.Pipe()
	serverSide := ipc.NewChannel(toWorker, fromWorker)
	go func() {
		req, err := serverSide.ReadRequest()
		if err != nil {
			return
		}
		_ = req
		toWorker.Close()
		fromWorker.Close()
	}()

	w := supervisor.NewStub(WorkerPython, fromWorkerR, toWorkerW)
	d := newTestDispatcher(t, w)

	resp, err := d.Submit(context.Background(), "PYTHON_TASK", "6", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != ipc.ErrWorkerDead {
		t.Fatalf("expected WORKER_DEAD, got %+v", resp)
	}
}
