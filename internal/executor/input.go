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

package executor

import (
	"regexp"
	"strings"
)

// refPattern matches a value that is, in its entirety, one
// "${...}" reference token — the only form input_mapping resolution
// recognizes. A reference embedded inside a larger string is left
// untouched rather than partially interpolated.
var refPattern = regexp.MustCompile(`^\$\{([a-zA-Z0-9_\-]+(?:\.[a-zA-Z0-9_\-]+)*)\}$`)

// inputWarning describes one reference that could not be resolved. The
// step still runs — with a null in place of the missing value — per the
// "never fails the step" rule.
type inputWarning struct {
	StepID  string
	Field   string
	Ref     string
	Message string
}

// resolveInput resolves every "${...}" reference in mapping against the
// completed-step results available so far and the execution's initial
// context. results is keyed by step_id and holds each step's full result
// object.
func resolveInput(stepID string, mapping map[string]interface{}, results map[string]map[string]interface{}, initialContext map[string]interface{}) (map[string]interface{}, []inputWarning) {
	var warnings []inputWarning
	out := make(map[string]interface{}, len(mapping))
	for field, raw := range mapping {
		resolved, warn := resolveValue(raw, results, initialContext)
		out[field] = resolved
		if warn != "" {
			warnings = append(warnings, inputWarning{StepID: stepID, Field: field, Ref: refString(raw), Message: warn})
		}
	}
	return out, warnings
}

func refString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func resolveValue(raw interface{}, results map[string]map[string]interface{}, initialContext map[string]interface{}) (interface{}, string) {
	switch v := raw.(type) {
	case string:
		m := refPattern.FindStringSubmatch(v)
		if m == nil {
			return v, ""
		}
		return resolveRef(m[1], results, initialContext)
	case map[string]interface{}:
		resolvedMap := make(map[string]interface{}, len(v))
		var lastWarn string
		for k, sub := range v {
			resolvedSub, warn := resolveValue(sub, results, initialContext)
			resolvedMap[k] = resolvedSub
			if warn != "" {
				lastWarn = warn
			}
		}
		return resolvedMap, lastWarn
	case []interface{}:
		resolvedList := make([]interface{}, len(v))
		var lastWarn string
		for i, sub := range v {
			resolvedSub, warn := resolveValue(sub, results, initialContext)
			resolvedList[i] = resolvedSub
			if warn != "" {
				lastWarn = warn
			}
		}
		return resolvedList, lastWarn
	default:
		return v, ""
	}
}

// resolveRef resolves one dotted reference path, e.g. "stepA.result",
// "stepA.output.field", or "input.customer_id".
func resolveRef(ref string, results map[string]map[string]interface{}, initialContext map[string]interface{}) (interface{}, string) {
	parts := strings.Split(ref, ".")
	head := parts[0]

	if head == "input" {
		v, ok := lookupPath(initialContext, parts[1:])
		if !ok {
			return nil, "reference ${" + ref + "} not found in initial context"
		}
		return v, ""
	}

	result, ok := results[head]
	if !ok {
		return nil, "reference ${" + ref + "} refers to a step with no recorded result"
	}
	if len(parts) == 2 && parts[1] == "result" {
		return result, ""
	}
	v, ok := lookupPath(result, parts[1:])
	if !ok {
		return nil, "reference ${" + ref + "} not found in step result"
	}
	return v, ""
}

func lookupPath(m map[string]interface{}, path []string) (interface{}, bool) {
	if len(path) == 0 {
		return m, true
	}
	var cur interface{} = m
	for _, p := range path {
		asMap, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = asMap[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
