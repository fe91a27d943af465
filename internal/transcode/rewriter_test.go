package transcode

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/anthropic"
)

func TestStripReservedHeaders(t *testing.T) {
	in := "x-anthropic-billing-header: v=2.1.15\n\nYou are helpful."
	assert.Equal(t, "You are helpful.", StripReservedHeaders(in))

	// Bare variant without the -header suffix.
	in = "x-anthropic-billing: abc\nYou are helpful."
	assert.Equal(t, "You are helpful.", StripReservedHeaders(in))

	// Mid-text line, multiline mode.
	in = "line one\nx-anthropic-billing-header: zzz\nline two"
	assert.Equal(t, "line one\nline two", StripReservedHeaders(in))
}

func TestStripReservedHeaders_Idempotent(t *testing.T) {
	in := "x-anthropic-billing-header: v=1\n\nrest"
	once := StripReservedHeaders(in)
	assert.Equal(t, once, StripReservedHeaders(once))
}

func TestSanitizeSystem_DropsEmptiedBlocks(t *testing.T) {
	blocks := anthropic.BlockList{
		{Type: anthropic.BlockText, Text: "x-anthropic-billing-header: v=1\n"},
		{Type: anthropic.BlockText, Text: "keep me"},
	}
	out := SanitizeSystem(blocks)
	require.Len(t, out, 1)
	assert.Equal(t, "keep me", out[0].Text)
}

func TestSanitizeModeration(t *testing.T) {
	in := "You are Claude Code, Anthropic's official CLI for Claude. Report bugs at https://github.com/anthropics/claude-code/issues."
	out := SanitizeModeration(in)
	assert.Equal(t, "You are an AI coding assistant. Report bugs at the issue tracker.", out)

	// Untouched text passes through.
	assert.Equal(t, "plain text", SanitizeModeration("plain text"))

	// Partial phrases are rewritten too.
	assert.Equal(t, "ask the coding assistant", SanitizeModeration("ask Claude Code"))
}

func TestNormalizeToolCallID(t *testing.T) {
	assert.Equal(t, "toolu_abc", NormalizeToolCallID("abc"))
	assert.Equal(t, "toolu_abc", NormalizeToolCallID("toolu_abc"))

	// Idempotence.
	n := NormalizeToolCallID("call_123")
	assert.Equal(t, n, NormalizeToolCallID(n))
	assert.True(t, strings.HasPrefix(n, "toolu_"))

	// Missing id gets a generated 24-hex suffix.
	generated := NormalizeToolCallID("")
	assert.True(t, strings.HasPrefix(generated, "toolu_"))
	assert.Len(t, generated, len("toolu_")+24)
}

func TestDenormalizeToolCallID_Identity(t *testing.T) {
	assert.Equal(t, "toolu_xyz", DenormalizeToolCallID("toolu_xyz"))
}

func TestCleanToolSchema(t *testing.T) {
	schema := map[string]interface{}{
		"type":                 "object",
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"d": map[string]interface{}{
				"type":   "string",
				"format": "email",
			},
			"when": map[string]interface{}{
				"type":   "string",
				"format": "date-time",
			},
			"nested": map[string]interface{}{
				"type":                 "object",
				"additionalProperties": true,
				"properties": map[string]interface{}{
					"inner": map[string]interface{}{"type": "number"},
				},
			},
		},
	}

	out := CleanToolSchema(schema)

	assert.NotContains(t, out, "$schema")
	assert.NotContains(t, out, "additionalProperties")

	props := out["properties"].(map[string]interface{})
	d := props["d"].(map[string]interface{})
	assert.NotContains(t, d, "format", "email format must be dropped")
	when := props["when"].(map[string]interface{})
	assert.Equal(t, "date-time", when["format"], "date-time format survives")
	nested := props["nested"].(map[string]interface{})
	assert.NotContains(t, nested, "additionalProperties")
}

func TestMapToolChoice(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want interface{}
	}{
		{"absent", ``, nil},
		{"auto", `"auto"`, "auto"},
		{"any downgraded", `"any"`, "auto"},
		{"none", `"none"`, "none"},
		{"object auto", `{"type":"auto"}`, "auto"},
		{"object any downgraded", `{"type":"any"}`, "auto"},
		{"object none", `{"type":"none"}`, "none"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MapToolChoice(json.RawMessage(tt.in)))
		})
	}

	got := MapToolChoice(json.RawMessage(`{"type":"tool","name":"get_weather"}`))
	want := map[string]interface{}{
		"type":     "function",
		"function": map[string]interface{}{"name": "get_weather"},
	}
	assert.Equal(t, want, got)
}
