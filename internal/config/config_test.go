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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadGuardrailPolicy_MissingFileReturnsDefault(t *testing.T) {
	dir := t.TempDir()
	got, err := LoadGuardrailPolicy(dir)
	if err != nil {
		t.Fatalf("LoadGuardrailPolicy: %v", err)
	}
	want := DefaultGuardrailPolicy()
	if got.MinConfidenceThreshold != want.MinConfidenceThreshold ||
		got.RequireHumanReviewBelowThreshold != want.RequireHumanReviewBelowThreshold ||
		got.MaxSuggestionsPerRequest != want.MaxSuggestionsPerRequest ||
		len(got.BlockedSuggestionTypes) != 0 ||
		len(got.AllowedAnalysisTypes) != 0 {
		t.Fatalf("expected default policy, got %+v", got)
	}
}

func TestLoadGuardrailPolicy_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	content := `{
		"min_confidence_threshold": 0.7,
		"require_human_review_below_threshold": true,
		"max_suggestions_per_request": 2,
		"blocked_suggestion_types": ["risky"],
		"allowed_analysis_types": ["definition", "history"]
	}`
	if err := os.WriteFile(filepath.Join(dir, "ai_guardrails.json"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	got, err := LoadGuardrailPolicy(dir)
	if err != nil {
		t.Fatalf("LoadGuardrailPolicy: %v", err)
	}
	if got.MinConfidenceThreshold != 0.7 || got.MaxSuggestionsPerRequest != 2 {
		t.Fatalf("unexpected policy: %+v", got)
	}
	if len(got.BlockedSuggestionTypes) != 1 || got.BlockedSuggestionTypes[0] != "risky" {
		t.Fatalf("expected deny-list to be read, got %+v", got.BlockedSuggestionTypes)
	}
}

func TestLoadWorkersConfig_MissingFileReturnsDefault(t *testing.T) {
	dir := t.TempDir()
	got, err := LoadWorkersConfig(dir)
	if err != nil {
		t.Fatalf("LoadWorkersConfig: %v", err)
	}
	if _, ok := got["python"]; !ok {
		t.Fatalf("expected default python worker entry, got %+v", got)
	}
}

func TestLoadWorkersConfig_DefaultsMissingCapacity(t *testing.T) {
	dir := t.TempDir()
	content := `{"python": {"path": "/usr/bin/python3"}}`
	if err := os.WriteFile(filepath.Join(dir, "workers.json"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	got, err := LoadWorkersConfig(dir)
	if err != nil {
		t.Fatalf("LoadWorkersConfig: %v", err)
	}
	if got["python"].Capacity != 1 {
		t.Fatalf("expected default capacity of 1, got %+v", got["python"])
	}
	if got["python"].Path != "/usr/bin/python3" {
		t.Fatalf("expected declared path to be preserved, got %+v", got["python"])
	}
}
