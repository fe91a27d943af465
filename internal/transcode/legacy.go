package transcode

// Legacy (OpenAI-style) chat completions wire shapes.

// LegacyRequest is the outbound chat/completions body.
type LegacyRequest struct {
	Model            string          `json:"model"`
	Messages         []LegacyMessage `json:"messages"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	Tools            []LegacyTool    `json:"tools,omitempty"`
	ToolChoice       interface{}     `json:"tool_choice,omitempty"`
	Stream           bool            `json:"stream"`
	ReasoningEffort  string          `json:"reasoning_effort,omitempty"`
	ReasoningSummary string          `json:"reasoning_summary,omitempty"`
}

// LegacyMessage is one flat chat message. Content is a string for simple
// messages or []LegacyContentPart for mixed media.
type LegacyMessage struct {
	Role       string           `json:"role"`
	Content    interface{}      `json:"content"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []LegacyToolCall `json:"tool_calls,omitempty"`
}

// LegacyContentPart is one element of a mixed-content user message.
type LegacyContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *LegacyImageURL `json:"image_url,omitempty"`
}

// LegacyImageURL wraps a data-URI or remote image URL.
type LegacyImageURL struct {
	URL string `json:"url"`
}

// LegacyToolCall is an assistant-side function call.
type LegacyToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function LegacyFunctionCall `json:"function"`
}

// LegacyFunctionCall carries the function name and stringified arguments.
type LegacyFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// LegacyTool is a function tool definition.
type LegacyTool struct {
	Type     string         `json:"type"`
	Function LegacyFunction `json:"function"`
}

// LegacyFunction holds the tool schema after cleanup.
type LegacyFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// Streaming chunk shapes read back from the legacy upstream.

// ChatChunk is one `data:` frame payload.
type ChatChunk struct {
	ID      string        `json:"id"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *ChunkUsage   `json:"usage"`
}

// ChunkChoice is one streamed choice delta.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason"`
}

// ChunkDelta carries incremental assistant output. Reasoning text arrives
// under reasoning_content on most deployments and thinking on some.
type ChunkDelta struct {
	Content          string          `json:"content"`
	ReasoningContent string          `json:"reasoning_content"`
	Thinking         string          `json:"thinking"`
	ToolCalls        []ChunkToolCall `json:"tool_calls"`
}

// ChunkToolCall is an incremental tool-call fragment keyed by slot index.
type ChunkToolCall struct {
	Index    *int               `json:"index"`
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function ChunkFunctionDelta `json:"function"`
}

// ChunkFunctionDelta carries name and argument fragments.
type ChunkFunctionDelta struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChunkUsage is the optional usage block on terminal chunks.
type ChunkUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
