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

// Package core wires every component of the Presso orchestration core
// together and runs the parent-facing IPC loop: load workflow
// definitions, dispatch step work to external worker subprocesses,
// persist every transition, and serve the verb set spec.md §6
// describes.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/truongnn001/presso/internal/advisory"
	"github.com/truongnn001/presso/internal/approval"
	"github.com/truongnn001/presso/internal/audit"
	"github.com/truongnn001/presso/internal/config"
	"github.com/truongnn001/presso/internal/dispatcher"
	"github.com/truongnn001/presso/internal/executor"
	"github.com/truongnn001/presso/internal/guardrail"
	"github.com/truongnn001/presso/internal/ipc"
	"github.com/truongnn001/presso/internal/logger"
	"github.com/truongnn001/presso/internal/metrics"
	"github.com/truongnn001/presso/internal/store"
	"github.com/truongnn001/presso/internal/supervisor"
	"github.com/truongnn001/presso/internal/trigger"
)

// Config controls where the core reads its configuration and database
// from. Run applies no defaults of its own; cmd/presso-core fills in
// ./config and ./presso.db when the environment leaves them unset.
type Config struct {
	ConfigDir string
	DBPath    string
	Log       *logger.Logger
}

// server bundles every wired component the IPC loop's handlers need.
type server struct {
	log       *logger.Logger
	st        *store.Store
	pool      *supervisor.Pool
	dispatch  *dispatcher.Dispatcher
	metrics   *metrics.Registry
	bus       *trigger.Bus
	audit     *audit.Writer
	approvals *approval.Service
	advisory  *advisory.Service
	guardrail *guardrail.Enforcer
	engine    *executor.Engine
	triggers  *trigger.Service
}

// Run wires every component in dependency order, resumes any executions
// left running or paused from a prior process, emits the unsolicited
// READY record, and then serves requests from in until it is closed or
// ctx is canceled. A SHUTDOWN request stops the loop from the inside;
// ctx cancellation (e.g. SIGTERM) stops it from the outside. Either path
// drains the supervised worker pool and the audit writer before
// returning.
func Run(ctx context.Context, cfg Config, in io.Reader, out io.Writer) error {
	log := cfg.Log
	if log == nil {
		log = logger.New("presso-core")
	}

	st, err := store.New(cfg.DBPath, log)
	if err != nil {
		return fmt.Errorf("core: open store: %w", err)
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("core: init store: %w", err)
	}

	workersCfg, err := config.LoadWorkersConfig(cfg.ConfigDir)
	if err != nil {
		return fmt.Errorf("core: load workers config: %w", err)
	}
	guardrailPolicy, err := config.LoadGuardrailPolicy(cfg.ConfigDir)
	if err != nil {
		return fmt.Errorf("core: load guardrail policy: %w", err)
	}

	pool := supervisor.NewPool()
	capacity := make(map[string]int, len(workersCfg))
	for name, w := range workersCfg {
		pool.Add(supervisor.New(name, w.Path, w.Args, log))
		capacity[name] = w.Capacity
	}
	if err := pool.StartAll(ctx); err != nil {
		return fmt.Errorf("core: start worker pool: %w", err)
	}
	defer pool.StopAll()

	dispatchCfg := dispatcher.DefaultConfig()
	dispatchCfg.Capacity = capacity
	dispatch := dispatcher.New(pool, dispatchCfg, log)

	reg := metrics.New()
	bus := trigger.NewBus()
	auditWriter := audit.New(st, log)
	defer auditWriter.Close()

	approvals := approval.New(st, log)
	advisorySvc := advisory.New(st)
	guardrailEnforcer := guardrail.New(guardrailPolicy, auditWriter, log)
	engine := executor.New(st, dispatch, approvals, bus, reg, log)
	approvals.SetResumer(engine)
	triggers := trigger.New(bus, engine, log)

	if err := engine.ResumeAll(ctx); err != nil {
		log.Error("", "resume of in-flight executions failed", err, nil)
	}

	s := &server{
		log: log, st: st, pool: pool, dispatch: dispatch, metrics: reg,
		bus: bus, audit: auditWriter, approvals: approvals, advisory: advisorySvc,
		guardrail: guardrailEnforcer, engine: engine, triggers: triggers,
	}

	channel := ipc.NewChannel(in, out)
	if err := channel.WriteReady(ipc.Ready{Type: "READY"}); err != nil {
		return fmt.Errorf("core: emit READY: %w", err)
	}

	return s.serve(ctx, channel)
}

// serve reads one request per iteration and replies with exactly one
// response, until ReadRequest returns io.EOF, a SHUTDOWN request is
// handled, or ctx is canceled. Parent-facing I/O never blocks handling
// of a different, already-read request: each request is handled
// synchronously on this goroutine, matching the "one request at a time
// over one channel" framing of spec.md §6 (concurrency happens inside
// the executor and dispatcher, not at this loop). A malformed line is a
// per-request PARSE_ERROR, not a fatal condition: the reader keeps
// scanning past it and the loop keeps serving subsequent verbs.
func (s *server) serve(ctx context.Context, channel *ipc.Channel) error {
	type readResult struct {
		req ipc.Request
		err error
	}
	requests := make(chan readResult)
	go func() {
		for {
			req, err := channel.ReadRequest()
			requests <- readResult{req: req, err: err}
			if err != nil && !errors.Is(err, ipc.ErrMalformedLine) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-requests:
			if r.err != nil {
				if r.err == io.EOF {
					return nil
				}
				if errors.Is(r.err, ipc.ErrMalformedLine) {
					resp := ipc.NewErrorResponse("", ipc.ErrParseError, fmt.Sprintf("malformed request line: %s", r.err.Error()))
					if err := channel.WriteResponse(resp); err != nil {
						return fmt.Errorf("core: write response: %w", err)
					}
					continue
				}
				return fmt.Errorf("core: read request: %w", r.err)
			}

			resp := s.handle(ctx, r.req)
			if err := channel.WriteResponse(resp); err != nil {
				return fmt.Errorf("core: write response: %w", err)
			}
			if r.req.Type == verbShutdown {
				return nil
			}
		}
	}
}
