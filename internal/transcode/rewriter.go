// Package transcode implements the bidirectional protocol adapter between
// the Anthropic Messages wire format and the legacy OpenAI-style chat
// completions format, plus the request sanitisation applied on both paths.
package transcode

import (
	"encoding/json"
	"log"
	"regexp"
	"strings"

	"relay/internal/anthropic"
)

// reservedHeaderPattern strips billing pseudo-headers that clients embed in
// system prompts. Applied per text block, multiline.
var reservedHeaderPattern = regexp.MustCompile(`(?m)^x-anthropic-billing(?:-header)?:[^\n]*\n*`)

// moderationPatterns neutralise phrases known to trip the legacy upstream's
// moderation layer. Applied to system and user text on the legacy path only.
var moderationPatterns = [][2]string{
	{"You are Claude Code, Anthropic's official CLI for Claude.", "You are an AI coding assistant."},
	{"Claude Code", "the coding assistant"},
	{"https://github.com/anthropics/claude-code/issues", "the issue tracker"},
	{"Anthropic's official CLI", "the official CLI"},
}

// StripReservedHeaders removes reserved billing header lines from text.
// Idempotent.
func StripReservedHeaders(text string) string {
	return reservedHeaderPattern.ReplaceAllString(text, "")
}

// SanitizeSystem applies the reserved-header strip to a system prompt
// (string or block list form), dropping blocks that become empty. The
// returned slice preserves block order.
func SanitizeSystem(blocks anthropic.BlockList) anthropic.BlockList {
	var out anthropic.BlockList
	stripped := false
	for _, b := range blocks {
		if b.Type != anthropic.BlockText {
			out = append(out, b)
			continue
		}
		clean := StripReservedHeaders(b.Text)
		if clean != b.Text {
			stripped = true
		}
		if strings.TrimSpace(clean) == "" {
			continue
		}
		b.Text = clean
		out = append(out, b)
	}
	if stripped {
		log.Printf("[Rewriter] Stripped reserved billing header from system prompt")
	}
	return out
}

// SanitizeModeration rewrites moderation-trigger phrases. Legacy path only.
func SanitizeModeration(text string) string {
	for _, p := range moderationPatterns {
		text = strings.ReplaceAll(text, p[0], p[1])
	}
	return text
}

// NormalizeToolCallID guarantees the Anthropic `toolu_` prefix. Idempotent.
// Missing ids get a fresh generated one.
func NormalizeToolCallID(id string) string {
	if id == "" {
		return NewToolCallID()
	}
	if strings.HasPrefix(id, "toolu_") {
		return id
	}
	return "toolu_" + id
}

// DenormalizeToolCallID maps an Anthropic tool id back to the upstream
// form. Every known upstream already uses the toolu_ namespace, so this is
// the identity; it exists so both outbound call sites keep the seam.
func DenormalizeToolCallID(id string) string {
	return id
}

// CleanToolSchema recursively strips schema keys some upstreams reject:
// $schema, additionalProperties, and string `format` values outside
// {date-time, enum}.
func CleanToolSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if k == "$schema" || k == "additionalProperties" {
			continue
		}
		out[k] = cleanSchemaValue(v)
	}
	if t, _ := out["type"].(string); t == "string" {
		if f, ok := out["format"].(string); ok && f != "date-time" && f != "enum" {
			delete(out, "format")
		}
	}
	return out
}

func cleanSchemaValue(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		return CleanToolSchema(vv)
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, item := range vv {
			out[i] = cleanSchemaValue(item)
		}
		return out
	default:
		return v
	}
}

// MapToolChoice converts an Anthropic tool_choice to the legacy form.
// "any" is deliberately downgraded to "auto": the legacy upstream's
// "required" mode is unreliable.
func MapToolChoice(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "any":
			return "auto"
		case "auto", "none":
			return s
		default:
			return "auto"
		}
	}

	var obj struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	switch obj.Type {
	case "tool":
		return map[string]interface{}{
			"type":     "function",
			"function": map[string]interface{}{"name": obj.Name},
		}
	case "any":
		return "auto"
	case "auto", "none":
		return obj.Type
	}
	return nil
}
