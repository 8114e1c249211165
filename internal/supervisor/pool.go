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
	"fmt"
	"sync"
)

// Pool owns the set of named workers (typically "python" and "network")
// and starts/stops them together.
type Pool struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{workers: make(map[string]*Worker)}
}

// Add registers a worker under its name. Add must be called before
// StartAll.
func (p *Pool) Add(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers[w.Name] = w
}

// Get returns the named worker, or false if it isn't registered.
func (p *Pool) Get(name string) (*Worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.workers[name]
	return w, ok
}

// All returns every registered worker, in no particular order.
func (p *Pool) All() []*Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w)
	}
	return out
}

// StartAll starts every registered worker, stopping already-started ones
// and returning the first error if any worker fails its READY handshake.
func (p *Pool) StartAll(ctx context.Context) error {
	started := make([]*Worker, 0, len(p.workers))
	for _, w := range p.All() {
		if err := w.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop()
			}
			return fmt.Errorf("supervisor: pool start: %w", err)
		}
		started = append(started, w)
	}
	return nil
}

// StopAll sends SHUTDOWN to every worker and waits for each, in turn.
func (p *Pool) StopAll() {
	for _, w := range p.All() {
		_ = w.Stop()
	}
}
