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

// Package main is the entry point for the Presso orchestration core: a
// long-running process that loads workflow definitions, dispatches step
// work to external worker subprocesses, and persists every state
// transition to an embedded store. It speaks line-delimited JSON on
// stdin/stdout to its parent process; structured logs go to stderr.
package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/truongnn001/presso/internal/core"
	"github.com/truongnn001/presso/internal/logger"
)

// stdout is written unbuffered: the parent process reads one
// line-delimited response at a time and a response sitting in a Go-side
// buffer it never flushes would simply never arrive.

func main() {
	log := logger.New("presso-core")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configDir := os.Getenv("PRESSO_CONFIG_DIR")
	if configDir == "" {
		configDir = "./config"
	}
	dbPath := os.Getenv("PRESSO_DB_PATH")
	if dbPath == "" {
		dbPath = "./presso.db"
	}

	in := bufio.NewReaderSize(os.Stdin, 1<<20)

	if err := core.Run(ctx, core.Config{
		ConfigDir: configDir,
		DBPath:    dbPath,
		Log:       log,
	}, in, os.Stdout); err != nil {
		log.Error("", "core exited with error", err, nil)
		os.Exit(1)
	}
}
