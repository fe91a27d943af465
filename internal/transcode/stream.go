package transcode

import (
	"sort"
	"strings"
)

// Event is one Anthropic SSE event: the event name and its JSON payload.
type Event struct {
	Type string
	Data map[string]interface{}
}

// ToolCallAssembly accumulates one function call across upstream deltas.
// Slots are keyed by the upstream's tool_calls index, not by block index.
type ToolCallAssembly struct {
	ID         string
	Name       string
	Arguments  string
	Started    bool
	Completed  bool
	BlockIndex int
}

// StreamState is the per-request state machine converting legacy chat
// chunks into the Anthropic SSE event sequence. One goroutine owns the
// upstream read per request, so no locking is needed.
type StreamState struct {
	model       string
	messageID   string
	inputTokens int

	nextIndex     int
	textIndex     int
	textStarted   bool
	thinkIndex    int
	thinkStarted  bool
	tools         map[int]*ToolCallAssembly
	toolSlotOrder []int

	finishReason string
	outputChars  int
	usageOutput  int
}

// NewStreamState creates the state machine for one response.
func NewStreamState(model string, inputTokens int) *StreamState {
	return &StreamState{
		model:       model,
		messageID:   NewMessageID(),
		inputTokens: inputTokens,
		tools:       make(map[int]*ToolCallAssembly),
	}
}

// MessageID returns the generated Anthropic message id.
func (s *StreamState) MessageID() string { return s.messageID }

// HasToolUse reports whether any tool_use block was started.
func (s *StreamState) HasToolUse() bool {
	for _, t := range s.tools {
		if t.Started {
			return true
		}
	}
	return false
}

// Start emits the message_start envelope.
func (s *StreamState) Start() Event {
	return Event{
		Type: "message_start",
		Data: map[string]interface{}{
			"type": "message_start",
			"message": map[string]interface{}{
				"id":            s.messageID,
				"type":          "message",
				"role":          "assistant",
				"model":         s.model,
				"content":       []interface{}{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage": map[string]interface{}{
					"input_tokens":  s.inputTokens,
					"output_tokens": 0,
				},
			},
		},
	}
}

// HandleChunk folds one upstream chunk into the state machine, returning
// the events to emit in order.
func (s *StreamState) HandleChunk(chunk *ChatChunk) []Event {
	var events []Event

	if chunk.Usage != nil && chunk.Usage.CompletionTokens > 0 {
		s.usageOutput = chunk.Usage.CompletionTokens
	}

	for _, choice := range chunk.Choices {
		delta := choice.Delta

		// Thinking arrives under reasoning_content or thinking.
		if reasoning := delta.ReasoningContent + delta.Thinking; reasoning != "" {
			events = append(events, s.thinkingEvents(reasoning)...)
		}

		if delta.Content != "" {
			events = append(events, s.textEvents(delta.Content)...)
		}

		for _, tc := range delta.ToolCalls {
			events = append(events, s.toolEvents(tc)...)
		}

		if choice.FinishReason != "" {
			// Remembered for the terminal mapping only; blocks stay open
			// until [DONE] so trailing argument fragments are not lost.
			s.finishReason = choice.FinishReason
		}
	}
	return events
}

func (s *StreamState) thinkingEvents(text string) []Event {
	var events []Event
	if !s.thinkStarted {
		s.thinkIndex = s.nextIndex
		s.nextIndex++
		s.thinkStarted = true
		events = append(events, Event{
			Type: "content_block_start",
			Data: map[string]interface{}{
				"type":  "content_block_start",
				"index": s.thinkIndex,
				"content_block": map[string]interface{}{
					"type":     "thinking",
					"thinking": "",
				},
			},
		})
	}
	s.outputChars += len(text)
	events = append(events, Event{
		Type: "content_block_delta",
		Data: map[string]interface{}{
			"type":  "content_block_delta",
			"index": s.thinkIndex,
			"delta": map[string]interface{}{
				"type":     "thinking_delta",
				"thinking": text,
			},
		},
	})
	return events
}

func (s *StreamState) textEvents(text string) []Event {
	var events []Event
	if !s.textStarted {
		s.textIndex = s.nextIndex
		s.nextIndex++
		s.textStarted = true
		events = append(events, Event{
			Type: "content_block_start",
			Data: map[string]interface{}{
				"type":  "content_block_start",
				"index": s.textIndex,
				"content_block": map[string]interface{}{
					"type": "text",
					"text": "",
				},
			},
		})
	}
	s.outputChars += len(text)
	events = append(events, Event{
		Type: "content_block_delta",
		Data: map[string]interface{}{
			"type":  "content_block_delta",
			"index": s.textIndex,
			"delta": map[string]interface{}{
				"type": "text_delta",
				"text": text,
			},
		},
	})
	return events
}

func (s *StreamState) toolEvents(tc ChunkToolCall) []Event {
	slot := 0
	if tc.Index != nil {
		slot = *tc.Index
	}

	asm, ok := s.tools[slot]
	if !ok {
		asm = &ToolCallAssembly{BlockIndex: -1}
		s.tools[slot] = asm
		s.toolSlotOrder = append(s.toolSlotOrder, slot)
	}

	if tc.ID != "" {
		asm.ID = tc.ID
	}
	if tc.Function.Name != "" {
		asm.Name = tc.Function.Name
	}

	var events []Event

	fragment := tc.Function.Arguments
	if fragment != "" && !asm.Completed {
		// Some upstreams concatenate a second JSON object onto a finished
		// call. Once the accumulated arguments form a closed object and a
		// new object begins, the slot is done; drop the rest.
		if strings.HasSuffix(strings.TrimSpace(asm.Arguments), "}") &&
			strings.HasPrefix(strings.TrimSpace(fragment), "{") {
			asm.Completed = true
		} else {
			asm.Arguments += fragment
			if asm.Started {
				s.outputChars += len(fragment)
				events = append(events, s.inputJSONDelta(asm.BlockIndex, fragment))
			}
		}
	}

	// The block starts only once both id and name are known, so a late id
	// delta is never shadowed by a fabricated one.
	if !asm.Started && asm.ID != "" && asm.Name != "" {
		events = append(events, s.startToolBlock(asm)...)
	}

	return events
}

// startToolBlock emits the content_block_start for asm plus a flush of any
// arguments buffered before the block could start.
func (s *StreamState) startToolBlock(asm *ToolCallAssembly) []Event {
	asm.ID = NormalizeToolCallID(asm.ID)
	asm.BlockIndex = s.nextIndex
	s.nextIndex++
	asm.Started = true

	events := []Event{{
		Type: "content_block_start",
		Data: map[string]interface{}{
			"type":  "content_block_start",
			"index": asm.BlockIndex,
			"content_block": map[string]interface{}{
				"type":  "tool_use",
				"id":    asm.ID,
				"name":  asm.Name,
				"input": map[string]interface{}{},
			},
		},
	}}
	if asm.Arguments != "" {
		s.outputChars += len(asm.Arguments)
		events = append(events, s.inputJSONDelta(asm.BlockIndex, asm.Arguments))
	}
	return events
}

func (s *StreamState) inputJSONDelta(index int, fragment string) Event {
	return Event{
		Type: "content_block_delta",
		Data: map[string]interface{}{
			"type":  "content_block_delta",
			"index": index,
			"delta": map[string]interface{}{
				"type":         "input_json_delta",
				"partial_json": fragment,
			},
		},
	}
}

// Finish closes all open blocks and emits the terminal events. Stop order
// is thinking, then text, then tool blocks by ascending slot index.
func (s *StreamState) Finish() []Event {
	var events []Event

	// Named calls whose id never arrived start now with a generated id.
	for _, slot := range sortedSlots(s.toolSlotOrder) {
		if asm := s.tools[slot]; !asm.Started && asm.Name != "" {
			events = append(events, s.startToolBlock(asm)...)
		}
	}

	stop := func(index int) {
		events = append(events, Event{
			Type: "content_block_stop",
			Data: map[string]interface{}{
				"type":  "content_block_stop",
				"index": index,
			},
		})
	}

	if s.thinkStarted {
		stop(s.thinkIndex)
	}
	if s.textStarted {
		stop(s.textIndex)
	}
	for _, slot := range sortedSlots(s.toolSlotOrder) {
		if asm := s.tools[slot]; asm.Started {
			stop(asm.BlockIndex)
		}
	}

	events = append(events, Event{
		Type: "message_delta",
		Data: map[string]interface{}{
			"type": "message_delta",
			"delta": map[string]interface{}{
				"stop_reason":   s.StopReason(),
				"stop_sequence": nil,
			},
			"usage": map[string]interface{}{
				"output_tokens": s.OutputTokens(),
			},
		},
	})
	events = append(events, Event{
		Type: "message_stop",
		Data: map[string]interface{}{"type": "message_stop"},
	})
	return events
}

// StopReason maps the remembered finish_reason to the Anthropic value.
// Any started tool block wins regardless of finish_reason.
func (s *StreamState) StopReason() string {
	return MapStopReason(s.finishReason, s.HasToolUse())
}

// OutputTokens prefers upstream usage, falling back to the chars/4
// estimate over everything emitted.
func (s *StreamState) OutputTokens() int {
	if s.usageOutput > 0 {
		return s.usageOutput
	}
	return s.outputChars / 4
}

// MapStopReason converts a legacy finish_reason to an Anthropic
// stop_reason.
func MapStopReason(finishReason string, hasToolUse bool) string {
	if hasToolUse {
		return "tool_use"
	}
	switch finishReason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

func sortedSlots(slots []int) []int {
	out := append([]int(nil), slots...)
	sort.Ints(out)
	return out
}
