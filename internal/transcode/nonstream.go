package transcode

import (
	"encoding/json"
	"strings"

	"relay/internal/anthropic"
)

// Collector buffers a streamed legacy response to completion and builds a
// single Anthropic response object. The legacy upstream only streams, so
// the non-streaming caller path still reads chunks.
type Collector struct {
	model       string
	messageID   string
	inputTokens int

	thinking strings.Builder
	text     strings.Builder

	tools         map[int]*ToolCallAssembly
	toolSlotOrder []int

	finishReason string
	usage        *ChunkUsage
}

// NewCollector creates a collector for one response.
func NewCollector(model string, inputTokens int) *Collector {
	return &Collector{
		model:       model,
		messageID:   NewMessageID(),
		inputTokens: inputTokens,
		tools:       make(map[int]*ToolCallAssembly),
	}
}

// Add folds one upstream chunk into the buffers.
func (c *Collector) Add(chunk *ChatChunk) {
	if chunk.Usage != nil {
		c.usage = chunk.Usage
	}
	for _, choice := range chunk.Choices {
		delta := choice.Delta
		if reasoning := delta.ReasoningContent + delta.Thinking; reasoning != "" {
			c.thinking.WriteString(reasoning)
		}
		if delta.Content != "" {
			c.text.WriteString(delta.Content)
		}
		for _, tc := range delta.ToolCalls {
			c.addToolDelta(tc)
		}
		if choice.FinishReason != "" {
			c.finishReason = choice.FinishReason
		}
	}
}

func (c *Collector) addToolDelta(tc ChunkToolCall) {
	slot := 0
	if tc.Index != nil {
		slot = *tc.Index
	}
	asm, ok := c.tools[slot]
	if !ok {
		asm = &ToolCallAssembly{}
		c.tools[slot] = asm
		c.toolSlotOrder = append(c.toolSlotOrder, slot)
	}
	if tc.ID != "" {
		asm.ID = tc.ID
	}
	if tc.Function.Name != "" {
		asm.Name = tc.Function.Name
	}
	if fragment := tc.Function.Arguments; fragment != "" && !asm.Completed {
		if strings.HasSuffix(strings.TrimSpace(asm.Arguments), "}") &&
			strings.HasPrefix(strings.TrimSpace(fragment), "{") {
			asm.Completed = true
		} else {
			asm.Arguments += fragment
		}
	}
}

// Build assembles the final Anthropic response. Block order is thinking,
// text, then tool calls by ascending slot index.
func (c *Collector) Build() *anthropic.Response {
	var content []anthropic.ContentBlock

	if c.thinking.Len() > 0 {
		content = append(content, anthropic.ContentBlock{
			Type:     anthropic.BlockThinking,
			Thinking: c.thinking.String(),
		})
	}
	if c.text.Len() > 0 {
		content = append(content, anthropic.ContentBlock{
			Type: anthropic.BlockText,
			Text: c.text.String(),
		})
	}

	hasTools := false
	for _, slot := range sortedSlots(c.toolSlotOrder) {
		asm := c.tools[slot]
		if asm.Name == "" {
			continue
		}
		hasTools = true
		content = append(content, anthropic.ContentBlock{
			Type:  anthropic.BlockToolUse,
			ID:    NormalizeToolCallID(asm.ID),
			Name:  asm.Name,
			Input: repairToolArguments(asm.Arguments),
		})
	}

	usage := anthropic.Usage{InputTokens: c.inputTokens}
	if c.usage != nil {
		if c.usage.PromptTokens > 0 {
			usage.InputTokens = c.usage.PromptTokens
		}
		usage.OutputTokens = c.usage.CompletionTokens
	}
	if usage.OutputTokens == 0 {
		usage.OutputTokens = (c.thinking.Len() + c.text.Len()) / 4
	}

	return &anthropic.Response{
		ID:         c.messageID,
		Type:       "message",
		Role:       "assistant",
		Model:      c.model,
		Content:    content,
		StopReason: MapStopReason(c.finishReason, hasTools),
		Usage:      usage,
	}
}

// repairToolArguments parses a tool call's argument string, applying one
// repair (a missing closing brace) before giving up. Unparseable arguments
// are preserved for the caller instead of failing the whole request.
func repairToolArguments(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	repaired := trimmed + "}"
	if json.Valid([]byte(repaired)) {
		return json.RawMessage(repaired)
	}
	fallback, _ := json.Marshal(map[string]string{
		"_raw_arguments": raw,
		"_parse_error":   "tool arguments are not valid JSON",
	})
	return fallback
}
