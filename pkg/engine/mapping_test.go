// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loomctl/loom/pkg/engine"
)

func TestResolveInputs(t *testing.T) {
	t.Parallel()

	initial := map[string]any{
		"region": "eu-1",
		"nested": map[string]any{"depth": 2.0},
	}
	results := map[string]map[string]any{
		"fetch": {
			"status": "ok",
			"body":   map[string]any{"count": 7.0, "items": []any{"x", "y"}},
		},
		"skipped": nil,
	}

	tests := []struct {
		name    string
		mapping map[string]any
		want    map[string]any
	}{
		{
			name:    "literals pass through",
			mapping: map[string]any{"op": "echo", "n": 3.0, "flag": true},
			want:    map[string]any{"op": "echo", "n": 3.0, "flag": true},
		},
		{
			name:    "input reference",
			mapping: map[string]any{"where": "${input.region}"},
			want:    map[string]any{"where": "eu-1"},
		},
		{
			name:    "nested input reference",
			mapping: map[string]any{"d": "${input.nested.depth}"},
			want:    map[string]any{"d": 2.0},
		},
		{
			name:    "whole result reference",
			mapping: map[string]any{"all": "${fetch.result}"},
			want: map[string]any{"all": map[string]any{
				"status": "ok",
				"body":   map[string]any{"count": 7.0, "items": []any{"x", "y"}},
			}},
		},
		{
			name:    "deep result path",
			mapping: map[string]any{"count": "${fetch.result.body.count}"},
			want:    map[string]any{"count": 7.0},
		},
		{
			name:    "field shorthand",
			mapping: map[string]any{"status": "${fetch.status}"},
			want:    map[string]any{"status": "ok"},
		},
		{
			name:    "unknown step resolves to null",
			mapping: map[string]any{"x": "${ghost.result}"},
			want:    map[string]any{"x": nil},
		},
		{
			name:    "missing field resolves to null",
			mapping: map[string]any{"x": "${fetch.result.body.missing}"},
			want:    map[string]any{"x": nil},
		},
		{
			name:    "skipped step resolves to null",
			mapping: map[string]any{"x": "${skipped.result}"},
			want:    map[string]any{"x": nil},
		},
		{
			name:    "embedded pattern is a literal",
			mapping: map[string]any{"tpl": "prefix ${fetch.status} suffix"},
			want:    map[string]any{"tpl": "prefix ${fetch.status} suffix"},
		},
		{
			name: "references inside nested structures",
			mapping: map[string]any{
				"wrapper": map[string]any{"inner": "${input.region}"},
				"list":    []any{"${fetch.status}", "literal"},
			},
			want: map[string]any{
				"wrapper": map[string]any{"inner": "eu-1"},
				"list":    []any{"ok", "literal"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := engine.ResolveInputs(tt.mapping, initial, results)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveInputs_NilMapping(t *testing.T) {
	t.Parallel()
	got := engine.ResolveInputs(nil, nil, nil)
	assert.Equal(t, map[string]any{}, got)
}
