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

// Package audit buffers advisory audit records (suggestions, drafts, and
// guardrail decisions) onto a channel and flushes them to the embedded
// store from a single background goroutine, so the caller issuing a
// suggestion or a guardrail verdict never blocks on a database write.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/truongnn001/presso/internal/logger"
	"github.com/truongnn001/presso/internal/store"
)

const (
	queueCapacity = 10000
	batchSize     = 50
	flushInterval = 2 * time.Second
)

type kind int

const (
	kindSuggestion kind = iota
	kindDraft
	kindGuardrail
)

type entry struct {
	kind       kind
	suggestion store.SuggestionRecord
	draft      store.DraftRecord
	guardrail  store.GuardrailDecision
}

// Writer is the append-only audit sink. Every record it accepts is
// eventually persisted, in submission order except that a record which
// finds the queue full is written at once, ahead of those still queued;
// nothing it writes is ever updated afterward.
type Writer struct {
	store *store.Store
	log   *logger.Logger

	queue    chan entry
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New starts the background flush goroutine and returns a ready Writer.
func New(st *store.Store, log *logger.Logger) *Writer {
	w := &Writer{
		store:    st,
		log:      log,
		queue:    make(chan entry, queueCapacity),
		shutdown: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Suggestion enqueues a suggestion record for persistence. If the queue is
// full the entry is written synchronously rather than dropped, since the
// append-only audit trail must never silently lose a record.
func (w *Writer) Suggestion(r store.SuggestionRecord) {
	w.enqueue(entry{kind: kindSuggestion, suggestion: r})
}

// Draft enqueues a draft record for persistence.
func (w *Writer) Draft(r store.DraftRecord) {
	w.enqueue(entry{kind: kindDraft, draft: r})
}

// Guardrail enqueues a guardrail decision for persistence.
func (w *Writer) Guardrail(r store.GuardrailDecision) {
	w.enqueue(entry{kind: kindGuardrail, guardrail: r})
}

func (w *Writer) enqueue(e entry) {
	select {
	case w.queue <- e:
	default:
		w.log.Warn("", "audit queue full, writing synchronously", nil)
		w.write(e)
	}
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]entry, 0, batchSize)
	flush := func() {
		for _, e := range batch {
			w.write(e)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-w.queue:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.shutdown:
			flush()
			w.drainRemaining()
			return
		}
	}
}

// drainRemaining writes any entries still queued once shutdown has been
// signaled, returning as soon as the queue is empty.
func (w *Writer) drainRemaining() {
	for {
		select {
		case e := <-w.queue:
			w.write(e)
		default:
			return
		}
	}
}

func (w *Writer) write(e entry) {
	ctx := context.Background()
	var err error
	switch e.kind {
	case kindSuggestion:
		err = w.store.InsertSuggestionAudit(ctx, e.suggestion)
	case kindDraft:
		err = w.store.InsertDraftAudit(ctx, e.draft)
	case kindGuardrail:
		err = w.store.InsertGuardrailDecision(ctx, e.guardrail)
	}
	if err != nil {
		w.log.Error("", "failed to write audit record", err, nil)
	}
}

// Close flushes remaining entries and stops the background goroutine. It
// blocks until the final flush completes.
func (w *Writer) Close() {
	close(w.shutdown)
	w.wg.Wait()
}
