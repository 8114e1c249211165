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

package metrics

import "testing"

func TestNewRegistersAllCollectors(t *testing.T) {
	m := New()

	m.DispatchTotal.WithLabelValues("python", "success").Inc()
	m.DispatchLatencyMs.WithLabelValues("python").Observe(12.5)
	m.RetryAttemptsTotal.WithLabelValues("PYTHON_TASK").Inc()
	m.QueueDepth.WithLabelValues("python").Set(1)
	m.CircuitBreakerState.WithLabelValues("python").Set(BreakerStateValue("open"))
	m.StepExecutionsTotal.WithLabelValues("completed").Inc()
	m.ApprovalsTotal.WithLabelValues("APPROVE").Inc()
	m.GuardrailDecisions.WithLabelValues("suggestion", "BLOCK").Inc()

	families, err := m.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) != 8 {
		t.Fatalf("expected 8 registered metric families, got %d", len(families))
	}
}

func TestBreakerStateValue(t *testing.T) {
	cases := map[string]float64{
		"closed":    breakerClosed,
		"half-open": breakerHalf,
		"open":      breakerOpen,
		"unknown":   breakerClosed,
	}
	for state, want := range cases {
		if got := BreakerStateValue(state); got != want {
			t.Fatalf("BreakerStateValue(%q) = %v, want %v", state, got, want)
		}
	}
}
