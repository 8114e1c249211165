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

// Package logger provides structured JSON logging for Presso's core
// components.
//
// Every entry is written as a single line of JSON to stderr. Stdout is
// reserved for the line-delimited JSON protocol the core speaks to its
// parent process and to worker subprocesses (see the ipc package), so
// logs never interleave with protocol frames.
package logger

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Level is the severity of a log entry.
type Level string

const (
	Debug Level = "DEBUG"
	Info  Level = "INFO"
	Warn  Level = "WARN"
	Error Level = "ERROR"
)

// Logger emits structured log entries tagged with a component name.
type Logger struct {
	Component  string
	InstanceID string
}

// Entry is the on-wire shape of a single log line.
type Entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     Level                  `json:"level"`
	Component string                 `json:"component"`
	Instance  string                 `json:"instance_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// stderrLog is the destination logger; stdout must never receive these.
var stderrLog = log.New(os.Stderr, "", 0)

// New creates a Logger for the given component.
func New(component string) *Logger {
	instanceID := os.Getenv("PRESSO_INSTANCE_ID")
	if instanceID == "" {
		instanceID = "local"
	}
	return &Logger{Component: component, InstanceID: instanceID}
}

func (l *Logger) log(level Level, requestID, message string, fields map[string]interface{}) {
	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Component: l.Component,
		Instance:  l.InstanceID,
		RequestID: requestID,
		Message:   message,
		Fields:    fields,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		stderrLog.Printf("ERROR: failed to marshal log entry: %v", err)
		return
	}
	stderrLog.Println(string(data))
}

// Info logs an informational message.
func (l *Logger) Info(requestID, message string, fields map[string]interface{}) {
	l.log(Info, requestID, message, fields)
}

// Warn logs a warning.
func (l *Logger) Warn(requestID, message string, fields map[string]interface{}) {
	l.log(Warn, requestID, message, fields)
}

// Error logs an error with an optional Go error value attached.
func (l *Logger) Error(requestID, message string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.log(Error, requestID, message, fields)
}

// Debug logs a debug-level message.
func (l *Logger) Debug(requestID, message string, fields map[string]interface{}) {
	l.log(Debug, requestID, message, fields)
}

// InfoDuration logs an informational message with an attached duration.
func (l *Logger) InfoDuration(requestID, message string, d time.Duration, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = d.Milliseconds()
	l.Info(requestID, message, fields)
}
