// Package anthropic defines the Anthropic Messages wire format accepted at
// /v1/messages: requests, ordered content blocks, and response envelopes.
package anthropic

import (
	"encoding/json"
	"fmt"
)

// Request is the inbound Messages API request body.
type Request struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	Thinking      *Thinking       `json:"thinking,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// Thinking is the extended-reasoning request knob.
type Thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Tool describes one callable tool with its JSON-schema input.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

// Message is one conversation turn. Content decodes from either a bare
// string or an ordered list of typed blocks; order is preserved because it
// governs tool-message interleaving on the legacy path.
type Message struct {
	Role    string    `json:"role"`
	Content BlockList `json:"content"`
}

// Block type tags.
const (
	BlockText             = "text"
	BlockImage            = "image"
	BlockDocument         = "document"
	BlockToolUse          = "tool_use"
	BlockToolResult       = "tool_result"
	BlockThinking         = "thinking"
	BlockRedactedThinking = "redacted_thinking"
)

// ContentBlock is the tagged sum of all Messages content block shapes.
// Only the fields for the tagged type are populated.
type ContentBlock struct {
	Type string `json:"type"`

	// text / thinking
	Text      string `json:"text,omitempty"`
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// image / document
	Source *MediaSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string    `json:"tool_use_id,omitempty"`
	Content   BlockList `json:"content,omitempty"`
	IsError   bool      `json:"is_error,omitempty"`
}

// MediaSource carries image or document payloads, base64 or URL form.
type MediaSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// BlockList is an ordered content list that also accepts a bare string on
// the wire. A string decodes to a single text block.
type BlockList []ContentBlock

// UnmarshalJSON implements the string-or-array content shape.
func (b *BlockList) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		*b = nil
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = BlockList{{Type: BlockText, Text: s}}
		return nil
	case '[':
		var blocks []ContentBlock
		if err := json.Unmarshal(data, &blocks); err != nil {
			return err
		}
		*b = blocks
		return nil
	case 'n': // null
		*b = nil
		return nil
	}
	return fmt.Errorf("content must be a string or an array of blocks")
}

// PlainText concatenates the text of all text blocks with newlines.
func (b BlockList) PlainText() string {
	out := ""
	for _, blk := range b {
		if blk.Type != BlockText {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += blk.Text
	}
	return out
}

// SystemBlocks decodes the request's system field, which may be a bare
// string or a list of text blocks. A nil return means no system prompt.
func (r *Request) SystemBlocks() (BlockList, error) {
	if len(r.System) == 0 {
		return nil, nil
	}
	var blocks BlockList
	if err := blocks.UnmarshalJSON(r.System); err != nil {
		return nil, fmt.Errorf("invalid system field: %w", err)
	}
	return blocks, nil
}

// Response is the non-streaming Messages API response envelope.
type Response struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"` // always "message"
	Role         string         `json:"role"` // always "assistant"
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// Usage reports token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Error envelope types, per the public API error taxonomy.
const (
	ErrInvalidRequest = "invalid_request_error"
	ErrAuthentication = "authentication_error"
	ErrPermission     = "permission_error"
	ErrNotFound       = "not_found_error"
	ErrRateLimit      = "rate_limit_error"
	ErrAPI            = "api_error"
	ErrOverloaded     = "overloaded_error"
)

// ErrorResponse is the `{"type":"error","error":{...}}` envelope.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail names the error class and human message.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorResponse builds the standard error envelope.
func NewErrorResponse(errType, message string) ErrorResponse {
	return ErrorResponse{
		Type:  "error",
		Error: ErrorDetail{Type: errType, Message: message},
	}
}

// ErrorTypeForStatus maps an HTTP status to the Anthropic error type.
func ErrorTypeForStatus(status int) string {
	switch status {
	case 400:
		return ErrInvalidRequest
	case 401:
		return ErrAuthentication
	case 403:
		return ErrPermission
	case 404:
		return ErrNotFound
	case 413:
		return ErrInvalidRequest
	case 429:
		return ErrRateLimit
	case 529:
		return ErrOverloaded
	default:
		return ErrAPI
	}
}
