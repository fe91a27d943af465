package transcode

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"relay/internal/anthropic"
)

// ErrInputTooLong is returned when the estimated input leaves less than
// minOutputBudget tokens of the model's context window.
var ErrInputTooLong = errors.New("input too long for model context window")

// minOutputBudget is the smallest max_tokens worth clipping to.
const minOutputBudget = 100

// defaultOutputBudget stands in for max_tokens when the caller omits it,
// so the context-window check always has a requested output to weigh.
const defaultOutputBudget = 32000

// RequestOptions tune the Anthropic → legacy conversion.
type RequestOptions struct {
	// MaxOutputTokens caps max_tokens when positive. Zero means no cap.
	MaxOutputTokens int
}

// BuildLegacyRequest converts an Anthropic Messages request into the legacy
// chat/completions body. The returned request always streams; the
// non-streaming response path collects the stream.
func BuildLegacyRequest(req *anthropic.Request, mapper *ModelMapper, opts RequestOptions) (*LegacyRequest, error) {
	model := mapper.Map(req.Model)

	messages, err := BuildLegacyMessages(req)
	if err != nil {
		return nil, err
	}

	out := &LegacyRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      true,
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, LegacyTool{
			Type: "function",
			Function: LegacyFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  CleanToolSchema(tool.InputSchema),
			},
		})
	}
	out.ToolChoice = MapToolChoice(req.ToolChoice)

	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		out.ReasoningEffort = "high"
		out.ReasoningSummary = "auto"
	}

	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultOutputBudget
	}
	if opts.MaxOutputTokens > 0 && out.MaxTokens > opts.MaxOutputTokens {
		out.MaxTokens = opts.MaxOutputTokens
	}

	// Context-window budget: clip max_tokens into the remaining space, or
	// refuse when almost nothing is left.
	window := mapper.ContextWindow(model)
	inputEstimate := EstimateInputTokens(req)
	if inputEstimate+out.MaxTokens > window {
		remaining := window - inputEstimate
		if remaining < minOutputBudget {
			return nil, fmt.Errorf("%w: estimated %d input tokens against a %d token window",
				ErrInputTooLong, inputEstimate, window)
		}
		log.Printf("[Transcode] Clipping max_tokens %d -> %d (input estimate %d, window %d)",
			out.MaxTokens, remaining, inputEstimate, window)
		out.MaxTokens = remaining
	}

	return out, nil
}

// BuildLegacyMessages flattens the Anthropic conversation into the legacy
// message list, preserving user/tool_result interleaving.
func BuildLegacyMessages(req *anthropic.Request) ([]LegacyMessage, error) {
	var out []LegacyMessage

	systemBlocks, err := req.SystemBlocks()
	if err != nil {
		return nil, err
	}
	systemBlocks = SanitizeSystem(systemBlocks)
	if text := systemBlocks.PlainText(); text != "" {
		out = append(out, LegacyMessage{Role: "system", Content: SanitizeModeration(text)})
	}

	for i, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			out = append(out, convertAssistantMessage(msg))
		case "user":
			out = append(out, convertUserMessage(msg)...)
		default:
			return nil, fmt.Errorf("message %d has unsupported role %q", i, msg.Role)
		}
	}
	return out, nil
}

// convertAssistantMessage folds an assistant turn into one legacy message:
// thinking blocks wrapped and placed before text, redacted_thinking
// dropped, tool_use blocks attached as tool_calls.
func convertAssistantMessage(msg anthropic.Message) LegacyMessage {
	var thinking, text string
	var toolCalls []LegacyToolCall

	for _, b := range msg.Content {
		switch b.Type {
		case anthropic.BlockThinking:
			if thinking != "" {
				thinking += "\n"
			}
			thinking += b.Thinking
		case anthropic.BlockRedactedThinking:
			// Opaque to the legacy upstream; dropped.
		case anthropic.BlockText:
			if text != "" {
				text += "\n"
			}
			text += b.Text
		case anthropic.BlockToolUse:
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			toolCalls = append(toolCalls, LegacyToolCall{
				ID:   DenormalizeToolCallID(b.ID),
				Type: "function",
				Function: LegacyFunctionCall{
					Name:      b.Name,
					Arguments: args,
				},
			})
		}
	}

	content := ""
	if thinking != "" {
		content = "<thinking>\n" + thinking + "\n</thinking>"
	}
	if text != "" {
		if content != "" {
			content += "\n"
		}
		content += text
	}

	return LegacyMessage{Role: "assistant", Content: content, ToolCalls: toolCalls}
}

// convertUserMessage walks the content blocks in source order, buffering
// text/image/document parts and flushing the buffer as its own user
// message whenever a tool_result appears. The interleaving must survive
// exactly; collapsing it corrupts multi-tool conversations.
func convertUserMessage(msg anthropic.Message) []LegacyMessage {
	var out []LegacyMessage
	var pending []LegacyContentPart

	flush := func() {
		if len(pending) == 0 {
			return
		}
		out = append(out, LegacyMessage{Role: "user", Content: collapseParts(pending)})
		pending = nil
	}

	for _, b := range msg.Content {
		switch b.Type {
		case anthropic.BlockText:
			pending = append(pending, LegacyContentPart{
				Type: "text",
				Text: SanitizeModeration(b.Text),
			})
		case anthropic.BlockImage:
			if part, ok := imagePart(b.Source); ok {
				pending = append(pending, part)
			}
		case anthropic.BlockDocument:
			// The legacy upstream rejects binary documents; substitute a
			// marker so the model knows something was attached.
			mime := "application/octet-stream"
			if b.Source != nil && b.Source.MediaType != "" {
				mime = b.Source.MediaType
			}
			pending = append(pending, LegacyContentPart{
				Type: "text",
				Text: fmt.Sprintf("[Document: %s]", mime),
			})
		case anthropic.BlockToolResult:
			flush()
			out = append(out, LegacyMessage{
				Role:       "tool",
				ToolCallID: DenormalizeToolCallID(b.ToolUseID),
				Content:    toolResultText(b),
			})
		}
	}
	flush()

	// An empty user turn still has to exist as a message.
	if len(out) == 0 {
		out = append(out, LegacyMessage{Role: "user", Content: ""})
	}
	return out
}

// collapseParts returns a bare string for a single text part, otherwise
// the mixed-content array.
func collapseParts(parts []LegacyContentPart) interface{} {
	if len(parts) == 1 && parts[0].Type == "text" {
		return parts[0].Text
	}
	return parts
}

// imagePart converts an image source to the data-URI image_url form.
func imagePart(src *anthropic.MediaSource) (LegacyContentPart, bool) {
	if src == nil {
		return LegacyContentPart{}, false
	}
	var url string
	switch src.Type {
	case "base64":
		mime := src.MediaType
		if mime == "" {
			mime = "image/png"
		}
		url = fmt.Sprintf("data:%s;base64,%s", mime, src.Data)
	case "url":
		url = src.URL
	default:
		return LegacyContentPart{}, false
	}
	return LegacyContentPart{Type: "image_url", ImageURL: &LegacyImageURL{URL: url}}, true
}

// toolResultText flattens tool_result content to a single string; list
// content joins text parts with newlines.
func toolResultText(b anthropic.ContentBlock) string {
	return b.Content.PlainText()
}

// EstimateInputTokens is the chars/4 heuristic shared by the context-window
// check, message_start estimates, and the count_tokens fallback. Images
// contribute a fixed 4000 characters.
func EstimateInputTokens(req *anthropic.Request) int {
	chars := 0

	if blocks, err := req.SystemBlocks(); err == nil {
		for _, b := range blocks {
			chars += len(b.Text)
		}
	}

	for _, msg := range req.Messages {
		for _, b := range msg.Content {
			chars += blockChars(b)
		}
	}

	if len(req.Tools) > 0 {
		if data, err := json.Marshal(req.Tools); err == nil {
			chars += len(data)
		}
	}

	return chars / 4
}

func blockChars(b anthropic.ContentBlock) int {
	switch b.Type {
	case anthropic.BlockText:
		return len(b.Text)
	case anthropic.BlockThinking:
		return len(b.Thinking)
	case anthropic.BlockImage:
		return 4000
	case anthropic.BlockToolUse:
		return len(b.Name) + len(b.Input)
	case anthropic.BlockToolResult:
		chars := 0
		for _, inner := range b.Content {
			chars += blockChars(inner)
		}
		return chars
	default:
		return 0
	}
}
