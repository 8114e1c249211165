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

// Package config loads the core's on-disk configuration: the guardrail
// policy and worker path/capacity overrides. Missing or partially
// specified files fall back to hardcoded defaults rather than failing
// startup.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// GuardrailPolicy is the immutable policy enforced over every advisory
// suggestion and draft.
type GuardrailPolicy struct {
	MinConfidenceThreshold           float64  `json:"min_confidence_threshold"`
	RequireHumanReviewBelowThreshold bool     `json:"require_human_review_below_threshold"`
	MaxSuggestionsPerRequest         int      `json:"max_suggestions_per_request"`
	BlockedSuggestionTypes           []string `json:"blocked_suggestion_types"`
	AllowedAnalysisTypes             []string `json:"allowed_analysis_types"`
}

// DefaultGuardrailPolicy is used whenever ai_guardrails.json is absent.
func DefaultGuardrailPolicy() GuardrailPolicy {
	return GuardrailPolicy{
		MinConfidenceThreshold:           0.5,
		RequireHumanReviewBelowThreshold: true,
		MaxSuggestionsPerRequest:         10,
		BlockedSuggestionTypes:           nil,
		AllowedAnalysisTypes:             nil, // empty set == all
	}
}

// WorkerConfig is one worker's path, arguments, and declared in-flight
// capacity.
type WorkerConfig struct {
	Path     string   `json:"path"`
	Args     []string `json:"args,omitempty"`
	Capacity int      `json:"capacity,omitempty"`
}

// WorkersConfig maps worker name (e.g. "python", "network") to its
// configuration.
type WorkersConfig map[string]WorkerConfig

// DefaultWorkersConfig is used whenever workers.json is absent.
func DefaultWorkersConfig() WorkersConfig {
	return WorkersConfig{
		"python":  {Path: "python3", Args: []string{"-m", "presso_worker.python"}, Capacity: 1},
		"network": {Path: "python3", Args: []string{"-m", "presso_worker.network"}, Capacity: 1},
	}
}

// LoadGuardrailPolicy reads ai_guardrails.json from dir, returning
// DefaultGuardrailPolicy() if the file does not exist.
func LoadGuardrailPolicy(dir string) (GuardrailPolicy, error) {
	policy := DefaultGuardrailPolicy()
	path := filepath.Join(dir, "ai_guardrails.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return policy, nil
	}
	if err != nil {
		return GuardrailPolicy{}, err
	}
	if err := json.Unmarshal(data, &policy); err != nil {
		return GuardrailPolicy{}, err
	}
	return policy, nil
}

// LoadWorkersConfig reads workers.json from dir, returning
// DefaultWorkersConfig() if the file does not exist.
func LoadWorkersConfig(dir string) (WorkersConfig, error) {
	path := filepath.Join(dir, "workers.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultWorkersConfig(), nil
	}
	if err != nil {
		return nil, err
	}
	cfg := make(WorkersConfig)
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	for name, w := range cfg {
		if w.Capacity <= 0 {
			w.Capacity = 1
			cfg[name] = w
		}
	}
	return cfg, nil
}
