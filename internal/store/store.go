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

// Package store implements the embedded relational store: schema init,
// a single-connection handle (to avoid SQLITE_BUSY under the core's
// cooperative concurrency model), and a write method per logical
// operation for every durable table backing workflow execution,
// approvals, and advisory audit trails.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/truongnn001/presso/internal/logger"
)

// Store wraps the embedded SQLite database.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// New opens (creating if absent) a SQLite database at path. A single
// connection is used so that every write is serialized through one
// connection, eliminating SQLITE_BUSY errors that would otherwise arise
// from the executor's concurrent background fibers opening independent
// connections.
func New(path string, log *logger.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db, log: log}, nil
}

// Init creates every table the core needs if it does not already exist.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS workflow_definition (
			workflow_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			definition_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_execution (
			execution_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_name TEXT NOT NULL,
			initial_context_json TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			error_message TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_step_execution (
			execution_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			result_json TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			error_message TEXT,
			PRIMARY KEY (execution_id, step_id)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_approval (
			execution_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			prompt TEXT,
			allowed_actions_json TEXT,
			requested_at TEXT NOT NULL,
			decision TEXT,
			actor_id TEXT,
			comment TEXT,
			resolved_at TEXT,
			PRIMARY KEY (execution_id, step_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ai_suggestion_audit (
			suggestion_id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			context_json TEXT,
			metadata_json TEXT,
			confidence REAL NOT NULL,
			reasoning_json TEXT,
			evidence_json TEXT,
			limitations_json TEXT,
			execution_id TEXT,
			workflow_id TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ai_draft_audit (
			draft_id TEXT PRIMARY KEY,
			draft_type TEXT NOT NULL,
			content_json TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ai_guardrail_audit (
			id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL,
			record_kind TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT NOT NULL,
			confidence REAL NOT NULL,
			execution_id TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_execution_execution ON workflow_step_execution(execution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_guardrail_audit_record ON ai_guardrail_audit(record_id)`,
	}

	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: create table: %w", err)
		}
	}
	s.log.Info("", "store initialized", nil)
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for callers (e.g. sqlmock-based unit
// tests) that need to construct a Store around a pre-opened connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// FromDB wraps an already-open *sql.DB (used by tests against
// DATA-DOG/go-sqlmock, which must own the Open/connection lifecycle).
func FromDB(db *sql.DB, log *logger.Logger) *Store {
	return &Store{db: db, log: log}
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseISO(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func nullableTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseISO(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
