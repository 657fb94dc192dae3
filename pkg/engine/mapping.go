// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/loomctl/loom/pkg/logger"
)

// ResolveInputs materializes a step's input mapping. Every leaf string of
// the form ${input.field} or ${step_id.path} is replaced by the referenced
// value; everything else passes through untouched. References that cannot
// be resolved become null, with a warning, so a single missing field never
// aborts the step.
func ResolveInputs(mapping map[string]any, initial map[string]any, results map[string]map[string]any) map[string]any {
	if mapping == nil {
		return map[string]any{}
	}
	resolved := make(map[string]any, len(mapping))
	for key, value := range mapping {
		resolved[key] = resolveValue(value, initial, results)
	}
	return resolved
}

func resolveValue(value any, initial map[string]any, results map[string]map[string]any) any {
	switch v := value.(type) {
	case string:
		ref, ok := parseReference(v)
		if !ok {
			return v
		}
		return resolveReference(ref, initial, results)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			out[k] = resolveValue(inner, initial, results)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = resolveValue(inner, initial, results)
		}
		return out
	default:
		return value
	}
}

// parseReference recognizes a whole-string ${...} reference. Strings that
// merely contain the pattern are literals.
func parseReference(s string) (string, bool) {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	ref := s[2 : len(s)-1]
	if ref == "" {
		return "", false
	}
	return ref, true
}

// resolveReference looks up "input.field" in the initial context or
// "step_id[.path]" in a prior step's result.
func resolveReference(ref string, initial map[string]any, results map[string]map[string]any) any {
	head, path, _ := strings.Cut(ref, ".")

	if head == "input" {
		if path == "" {
			logger.Warnw("input mapping reference names no field, resolving to null", "reference", ref)
			return nil
		}
		return lookupPath(initial, path, ref)
	}

	result, ok := results[head]
	if !ok {
		logger.Warnw("input mapping references unknown or pending step, resolving to null",
			"reference", ref, "step_id", head)
		return nil
	}
	// A skipped step contributes a nil placeholder.
	if result == nil {
		return nil
	}
	// ${step.result} addresses the whole result object; deeper paths
	// navigate inside it.
	switch {
	case path == "" || path == "result":
		return result
	case strings.HasPrefix(path, "result."):
		return lookupPath(result, strings.TrimPrefix(path, "result."), ref)
	default:
		return lookupPath(result, path, ref)
	}
}

// lookupPath navigates a dotted path inside a JSON-shaped document.
func lookupPath(doc map[string]any, path, ref string) any {
	raw, err := json.Marshal(doc)
	if err != nil {
		logger.Warnw("input mapping document not serializable, resolving to null", "reference", ref, "error", err)
		return nil
	}
	value := gjson.GetBytes(raw, path)
	if !value.Exists() {
		logger.Warnw("input mapping reference not found, resolving to null", "reference", ref, "path", path)
		return nil
	}
	return value.Value()
}
