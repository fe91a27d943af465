package transcode

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/anthropic"
)

func decodeRequest(t *testing.T, body string) *anthropic.Request {
	t.Helper()
	var req anthropic.Request
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	return &req
}

func TestBuildLegacyMessages_SystemString(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "sonnet",
		"system": "x-anthropic-billing-header: v=2.1.15\n\nYou are helpful.",
		"messages": [{"role":"user","content":"hi"}]
	}`)

	msgs, err := BuildLegacyMessages(req)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "You are helpful.", msgs[0].Content)
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "hi", msgs[1].Content)
}

func TestBuildLegacyMessages_SystemBlocksConcatenated(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "sonnet",
		"system": [{"type":"text","text":"one"},{"type":"text","text":"two"}],
		"messages": [{"role":"user","content":"hi"}]
	}`)

	msgs, err := BuildLegacyMessages(req)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", msgs[0].Content)
}

func TestBuildLegacyMessages_ModerationApplied(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "sonnet",
		"system": "You are Claude Code, Anthropic's official CLI for Claude.",
		"messages": [{"role":"user","content":"what is Claude Code?"}]
	}`)

	msgs, err := BuildLegacyMessages(req)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "You are an AI coding assistant.", msgs[0].Content)
	assert.Equal(t, "what is the coding assistant?", msgs[1].Content)
}

func TestBuildLegacyMessages_InterleavedToolResults(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "sonnet",
		"messages": [{"role":"user","content":[
			{"type":"text","text":"a"},
			{"type":"tool_result","tool_use_id":"toolu_1","content":"r1"},
			{"type":"text","text":"b"},
			{"type":"tool_result","tool_use_id":"toolu_2","content":"r2"}
		]}]
	}`)

	msgs, err := BuildLegacyMessages(req)
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "a", msgs[0].Content)
	assert.Equal(t, "tool", msgs[1].Role)
	assert.Equal(t, "toolu_1", msgs[1].ToolCallID)
	assert.Equal(t, "r1", msgs[1].Content)
	assert.Equal(t, "user", msgs[2].Role)
	assert.Equal(t, "b", msgs[2].Content)
	assert.Equal(t, "tool", msgs[3].Role)
	assert.Equal(t, "toolu_2", msgs[3].ToolCallID)
	assert.Equal(t, "r2", msgs[3].Content)
}

func TestBuildLegacyMessages_ToolResultListContent(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "sonnet",
		"messages": [{"role":"user","content":[
			{"type":"tool_result","tool_use_id":"toolu_1","content":[
				{"type":"text","text":"line1"},
				{"type":"text","text":"line2"}
			]}
		]}]
	}`)

	msgs, err := BuildLegacyMessages(req)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "line1\nline2", msgs[0].Content)
}

func TestBuildLegacyMessages_AssistantThinkingAndTools(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "sonnet",
		"messages": [{"role":"assistant","content":[
			{"type":"thinking","thinking":"pondering"},
			{"type":"redacted_thinking","data":"opaque"},
			{"type":"text","text":"answer"},
			{"type":"tool_use","id":"toolu_9","name":"lookup","input":{"q":"x"}}
		]}]
	}`)

	msgs, err := BuildLegacyMessages(req)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	content := msgs[0].Content.(string)
	assert.Equal(t, "<thinking>\npondering\n</thinking>\nanswer", content)

	require.Len(t, msgs[0].ToolCalls, 1)
	tc := msgs[0].ToolCalls[0]
	assert.Equal(t, "toolu_9", tc.ID)
	assert.Equal(t, "function", tc.Type)
	assert.Equal(t, "lookup", tc.Function.Name)
	assert.JSONEq(t, `{"q":"x"}`, tc.Function.Arguments)
}

func TestBuildLegacyMessages_RedactedOnlyAssistant(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "sonnet",
		"messages": [{"role":"assistant","content":[
			{"type":"redacted_thinking","data":"opaque"}
		]}]
	}`)

	msgs, err := BuildLegacyMessages(req)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "", msgs[0].Content)
	assert.Empty(t, msgs[0].ToolCalls)
}

func TestBuildLegacyMessages_ImageAndDocument(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "sonnet",
		"messages": [{"role":"user","content":[
			{"type":"text","text":"look:"},
			{"type":"image","source":{"type":"base64","media_type":"image/jpeg","data":"AAAA"}},
			{"type":"document","source":{"type":"base64","media_type":"application/pdf","data":"BBBB"}}
		]}]
	}`)

	msgs, err := BuildLegacyMessages(req)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	parts := msgs[0].Content.([]LegacyContentPart)
	require.Len(t, parts, 3)
	assert.Equal(t, "text", parts[0].Type)
	assert.Equal(t, "image_url", parts[1].Type)
	assert.Equal(t, "data:image/jpeg;base64,AAAA", parts[1].ImageURL.URL)
	assert.Equal(t, "[Document: application/pdf]", parts[2].Text)
}

func TestBuildLegacyRequest_Basics(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "claude-sonnet-4-5",
		"max_tokens": 128,
		"stop_sequences": ["END"],
		"thinking": {"type":"enabled","budget_tokens":2048},
		"tools": [{"name":"lookup","description":"d","input_schema":{
			"type":"object","additionalProperties":false,
			"properties":{"q":{"type":"string","format":"email"}}
		}}],
		"tool_choice": "any",
		"messages": [{"role":"user","content":"hi"}]
	}`)

	out, err := BuildLegacyRequest(req, NewLegacyModelMapper(), RequestOptions{})
	require.NoError(t, err)

	assert.Equal(t, "claude-4.5", out.Model)
	assert.True(t, out.Stream, "legacy upstream requires stream:true")
	assert.Equal(t, 128, out.MaxTokens)
	assert.Equal(t, []string{"END"}, out.Stop)
	assert.Equal(t, "high", out.ReasoningEffort)
	assert.Equal(t, "auto", out.ReasoningSummary)
	assert.Equal(t, "auto", out.ToolChoice)

	require.Len(t, out.Tools, 1)
	params := out.Tools[0].Function.Parameters
	assert.NotContains(t, params, "additionalProperties")
	q := params["properties"].(map[string]interface{})["q"].(map[string]interface{})
	assert.NotContains(t, q, "format")
}

func TestBuildLegacyRequest_ClipsMaxTokens(t *testing.T) {
	big := strings.Repeat("x", 400*4) // ~400 tokens
	req := &anthropic.Request{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 500000,
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.BlockList{{Type: anthropic.BlockText, Text: big}}},
		},
	}

	out, err := BuildLegacyRequest(req, NewLegacyModelMapper(), RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, DefaultContextWindow-400, out.MaxTokens)
}

func TestBuildLegacyRequest_InputTooLong(t *testing.T) {
	huge := strings.Repeat("x", (DefaultContextWindow-10)*4)
	req := &anthropic.Request{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 4096,
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.BlockList{{Type: anthropic.BlockText, Text: huge}}},
		},
	}

	_, err := BuildLegacyRequest(req, NewLegacyModelMapper(), RequestOptions{})
	assert.ErrorIs(t, err, ErrInputTooLong)
}

func TestBuildLegacyRequest_MaxOutputTokensHook(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "claude-sonnet-4-5",
		"max_tokens": 9000,
		"messages": [{"role":"user","content":"hi"}]
	}`)

	out, err := BuildLegacyRequest(req, NewLegacyModelMapper(), RequestOptions{MaxOutputTokens: 4096})
	require.NoError(t, err)
	assert.Equal(t, 4096, out.MaxTokens)
}

func TestBuildLegacyRequest_DefaultOutputBudget(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "claude-sonnet-4-5",
		"messages": [{"role":"user","content":"hi"}]
	}`)

	out, err := BuildLegacyRequest(req, NewLegacyModelMapper(), RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, defaultOutputBudget, out.MaxTokens)
}

func TestBuildLegacyRequest_InputTooLongWithoutMaxTokens(t *testing.T) {
	// The window check must run even when the caller omits max_tokens.
	huge := strings.Repeat("x", (DefaultContextWindow-10)*4)
	req := &anthropic.Request{
		Model: "claude-sonnet-4-5",
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.BlockList{{Type: anthropic.BlockText, Text: huge}}},
		},
	}

	_, err := BuildLegacyRequest(req, NewLegacyModelMapper(), RequestOptions{})
	assert.ErrorIs(t, err, ErrInputTooLong)
}

func TestBuildLegacyRequest_DefaultBudgetClippedToWindow(t *testing.T) {
	big := strings.Repeat("x", 180000*4)
	req := &anthropic.Request{
		Model: "claude-sonnet-4-5",
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.BlockList{{Type: anthropic.BlockText, Text: big}}},
		},
	}

	out, err := BuildLegacyRequest(req, NewLegacyModelMapper(), RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, DefaultContextWindow-180000, out.MaxTokens)
}

func TestEstimateInputTokens(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "sonnet",
		"system": "abcd",
		"messages": [
			{"role":"user","content":"efgh"},
			{"role":"user","content":[{"type":"image","source":{"type":"base64","media_type":"image/png","data":"AAAA"}}]}
		]
	}`)

	// (4 + 4 + 4000) / 4 = 1002
	assert.Equal(t, 1002, EstimateInputTokens(req))
}
