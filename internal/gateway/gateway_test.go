package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/config"
	"relay/internal/credentials"
	"relay/internal/quota"
	"relay/internal/upstream"
)

// testEnv wires a gateway against stub upstreams.
type testEnv struct {
	gateway *Gateway
	ledger  *quota.Ledger
	server  *httptest.Server
}

func newTestEnv(t *testing.T, mode string, nativeURL, legacyURL string) *testEnv {
	t.Helper()

	store := credentials.NewStore(filepath.Join(t.TempDir(), "key.json"))
	require.True(t, store.SetIfNewer(credentials.OAuthKey{AccessToken: "test-token"}))

	ledger, err := quota.NewLedger(filepath.Join(t.TempDir(), "quota.json"), time.UTC)
	require.NoError(t, err)

	cfg := &config.Config{
		Port:   8080,
		Mode:   mode,
		Native: config.NativeConfig{BaseURL: nativeURL},
		Legacy: config.LegacyConfig{Endpoint: legacyURL},
		OAuth:  config.OAuthConfig{RefreshURL: "https://unused.test"},
	}

	opts := Options{Store: store, Ledger: ledger}
	if nativeURL != "" {
		opts.Native = upstream.NewNativeClient(nativeURL, store, nil)
	}
	if legacyURL != "" {
		opts.Legacy = upstream.NewLegacyClient(legacyURL, store, nil)
	}

	g, err := New(cfg, opts)
	require.NoError(t, err)

	server := httptest.NewServer(g.Handler())
	t.Cleanup(server.Close)
	return &testEnv{gateway: g, ledger: ledger, server: server}
}

// legacySSEHandler emits the given chunk payloads then [DONE].
func legacySSEHandler(capture *[]byte, chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			body, _ := io.ReadAll(r.Body)
			*capture = body
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

type sseEvent struct {
	name string
	data map[string]interface{}
}

func parseSSE(t *testing.T, body *bufio.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	for {
		line, err := body.ReadString('\n')
		if line == "" && err != nil {
			break
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			current = sseEvent{name: strings.TrimPrefix(line, "event: ")}
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &current.data))
			events = append(events, current)
		}
		if err != nil {
			break
		}
	}
	return events
}

func postMessages(t *testing.T, env *testEnv, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(env.server.URL+"/v1/messages", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestLegacyMode_StreamingEcho(t *testing.T) {
	legacy := httptest.NewServer(legacySSEHandler(nil,
		`{"choices":[{"delta":{"content":"hello"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	))
	defer legacy.Close()

	env := newTestEnv(t, config.ModeLegacy, "", legacy.URL)
	resp := postMessages(t, env, `{
		"model": "claude-sonnet-4-5",
		"max_tokens": 64,
		"stream": true,
		"messages": [{"role":"user","content":"hi"}]
	}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	events := parseSSE(t, bufio.NewReader(resp.Body))
	var names []string
	for _, e := range events {
		names = append(names, e.name)
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names)

	delta := events[2].data["delta"].(map[string]interface{})
	assert.Equal(t, "hello", delta["text"])
	msgDelta := events[4].data["delta"].(map[string]interface{})
	assert.Equal(t, "end_turn", msgDelta["stop_reason"])
}

func TestLegacyMode_NonStreamingCollectsUpstream(t *testing.T) {
	legacy := httptest.NewServer(legacySSEHandler(nil,
		`{"choices":[{"delta":{"content":"hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":2}}`,
	))
	defer legacy.Close()

	env := newTestEnv(t, config.ModeLegacy, "", legacy.URL)
	resp := postMessages(t, env, `{
		"model": "claude-sonnet-4-5",
		"max_tokens": 64,
		"messages": [{"role":"user","content":"hi"}]
	}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	assert.Equal(t, "message", out["type"])
	content := out["content"].([]interface{})
	require.Len(t, content, 1)
	block := content[0].(map[string]interface{})
	assert.Equal(t, "hello", block["text"])

	usage := out["usage"].(map[string]interface{})
	assert.Equal(t, float64(4), usage["input_tokens"])
	assert.Equal(t, float64(2), usage["output_tokens"])
}

func TestLegacyMode_InterleavedHistorySentUpstream(t *testing.T) {
	var captured []byte
	legacy := httptest.NewServer(legacySSEHandler(&captured,
		`{"choices":[{"delta":{"content":"ok"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	))
	defer legacy.Close()

	env := newTestEnv(t, config.ModeLegacy, "", legacy.URL)
	resp := postMessages(t, env, `{
		"model": "claude-sonnet-4-5",
		"max_tokens": 64,
		"messages": [{"role":"user","content":[
			{"type":"text","text":"a"},
			{"type":"tool_result","tool_use_id":"toolu_1","content":"r1"},
			{"type":"text","text":"b"},
			{"type":"tool_result","tool_use_id":"toolu_2","content":"r2"}
		]}]
	}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sent struct {
		Stream   bool `json:"stream"`
		Messages []struct {
			Role       string      `json:"role"`
			Content    interface{} `json:"content"`
			ToolCallID string      `json:"tool_call_id"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(captured, &sent))
	assert.True(t, sent.Stream, "upstream always streams")

	var roles []string
	for _, m := range sent.Messages {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []string{"user", "tool", "user", "tool"}, roles)
	assert.Equal(t, "toolu_1", sent.Messages[1].ToolCallID)
	assert.Equal(t, "toolu_2", sent.Messages[3].ToolCallID)
}

func TestHybridMode_FailoverOnQuotaError(t *testing.T) {
	nativeHits := 0
	native := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nativeHits++
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "quota exceeded for this billing cycle"}}`))
	}))
	defer native.Close()

	legacy := httptest.NewServer(legacySSEHandler(nil,
		`{"choices":[{"delta":{"content":"fallback answer"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	))
	defer legacy.Close()

	env := newTestEnv(t, config.ModeHybrid, native.URL, legacy.URL)

	// First request fails over within the same connection.
	resp := postMessages(t, env, `{
		"model": "claude-sonnet-4-5",
		"max_tokens": 64,
		"messages": [{"role":"user","content":"hi"}]
	}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	block := out["content"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "fallback answer", block["text"])

	assert.Equal(t, 1, nativeHits)
	assert.False(t, env.ledger.IsNativeAvailable(), "ledger marked exhausted")

	// Second request skips the native upstream entirely.
	resp2 := postMessages(t, env, `{
		"model": "claude-sonnet-4-5",
		"max_tokens": 64,
		"messages": [{"role":"user","content":"again"}]
	}`)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, 1, nativeHits)
}

func TestHybridMode_TransportFailureIsNotFailover(t *testing.T) {
	// A dead native upstream: the port is released before any request.
	deadNative := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := deadNative.URL
	deadNative.Close()

	legacyHits := 0
	legacy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		legacyHits++
	}))
	defer legacy.Close()

	env := newTestEnv(t, config.ModeHybrid, deadURL, legacy.URL)
	resp := postMessages(t, env, `{
		"model": "claude-sonnet-4-5",
		"max_tokens": 64,
		"messages": [{"role":"user","content":"hi"}]
	}`)

	// A native outage surfaces as a gateway error, not a legacy answer.
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	errObj := out["error"].(map[string]interface{})
	assert.Equal(t, "api_error", errObj["type"])

	assert.Equal(t, 0, legacyHits)
	assert.True(t, env.ledger.IsNativeAvailable(), "transport failures never mark quota")
}

func TestHybridMode_RequestCountedOnEntry(t *testing.T) {
	native := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
	}))
	defer native.Close()

	legacy := httptest.NewServer(legacySSEHandler(nil,
		`{"choices":[{"delta":{"content":"ok"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	))
	defer legacy.Close()

	env := newTestEnv(t, config.ModeHybrid, native.URL, legacy.URL)

	// Quota-failing request still counts.
	resp := postMessages(t, env, `{
		"model": "claude-sonnet-4-5",
		"max_tokens": 64,
		"messages": [{"role":"user","content":"hi"}]
	}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1), env.ledger.Status().RequestCount)

	// So does a hybrid request served directly by the legacy path.
	resp2 := postMessages(t, env, `{
		"model": "claude-sonnet-4-5",
		"max_tokens": 64,
		"messages": [{"role":"user","content":"again"}]
	}`)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, int64(2), env.ledger.Status().RequestCount)
}

func TestLegacyMode_NeverTouchesLedger(t *testing.T) {
	legacy := httptest.NewServer(legacySSEHandler(nil,
		`{"choices":[{"delta":{"content":"ok"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	))
	defer legacy.Close()

	env := newTestEnv(t, config.ModeLegacy, "", legacy.URL)
	resp := postMessages(t, env, `{
		"model": "claude-sonnet-4-5",
		"max_tokens": 64,
		"messages": [{"role":"user","content":"hi"}]
	}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(0), env.ledger.Status().RequestCount)
}

func TestNativeMode_PassthroughMapsModelAndStripsHeaders(t *testing.T) {
	var gotBody map[string]interface{}
	var gotHeader http.Header
	native := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"type":"success","data":{"id":"msg_1","type":"message","content":[]}}`))
	}))
	defer native.Close()

	env := newTestEnv(t, config.ModeNative, native.URL, "")
	resp := postMessages(t, env, `{
		"model": "opus",
		"max_tokens": 64,
		"system": "x-anthropic-billing-header: v=1\nBe helpful.",
		"metadata": {"user_id": "u1"},
		"messages": [{"role":"user","content":"hi"}]
	}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "test-token", gotHeader.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", gotHeader.Get("anthropic-version"))

	assert.Equal(t, "claude-4.5-opus", gotBody["model"])
	assert.Equal(t, "Be helpful.", gotBody["system"])
	// Unmodeled fields pass through untouched.
	assert.Equal(t, map[string]interface{}{"user_id": "u1"}, gotBody["metadata"])

	// Success envelope unwrapped for the caller.
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "msg_1", out["id"])
}

func TestNativeMode_StreamRelayedByteForByte(t *testing.T) {
	const stream = "event: message_start\ndata: {\"type\":\"message_start\"}\n\nevent: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"
	native := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, stream)
	}))
	defer native.Close()

	env := newTestEnv(t, config.ModeNative, native.URL, "")
	resp := postMessages(t, env, `{
		"model": "opus",
		"max_tokens": 64,
		"stream": true,
		"messages": [{"role":"user","content":"hi"}]
	}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, stream, string(body))
}

func TestCountTokens_FallbackHeuristic(t *testing.T) {
	env := newTestEnv(t, config.ModeLegacy, "", "http://unused.test")
	resp, err := http.Post(env.server.URL+"/v1/messages/count_tokens", "application/json",
		strings.NewReader(`{"model":"sonnet","messages":[{"role":"user","content":"abcdefgh"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, float64(2), out["input_tokens"])
}

func TestCountTokens_NativeProxy(t *testing.T) {
	native := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token-counting-2024-11-01", r.Header.Get("anthropic-beta"))
		w.Write([]byte(`{"type":"success","data":{"input_tokens":42}}`))
	}))
	defer native.Close()

	env := newTestEnv(t, config.ModeNative, native.URL, "")
	resp, err := http.Post(env.server.URL+"/v1/messages/count_tokens", "application/json",
		strings.NewReader(`{"model":"sonnet","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, float64(42), out["input_tokens"])
}

func TestQuotaEndpoints(t *testing.T) {
	env := newTestEnv(t, config.ModeHybrid, "http://unused.test", "http://unused.test")
	env.ledger.MarkNativeExhausted("weekly limit reached")

	resp, err := http.Get(env.server.URL + "/v1/quota")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	native := status["native_api"].(map[string]interface{})
	assert.Equal(t, true, native["quota_exhausted"])
	assert.NotEmpty(t, status["time_until_reset"])

	reset, err := http.Post(env.server.URL+"/v1/quota/reset", "application/json", nil)
	require.NoError(t, err)
	defer reset.Body.Close()
	require.Equal(t, http.StatusOK, reset.StatusCode)
	assert.True(t, env.ledger.IsNativeAvailable())
}

func TestHealthAndModels(t *testing.T) {
	env := newTestEnv(t, config.ModeLegacy, "", "http://unused.test")

	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "legacy", health["mode"])

	models, err := http.Get(env.server.URL + "/v1/models")
	require.NoError(t, err)
	defer models.Body.Close()
	var list map[string]interface{}
	require.NoError(t, json.NewDecoder(models.Body).Decode(&list))
	assert.Equal(t, "list", list["object"])
	assert.NotEmpty(t, list["data"])
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, config.ModeLegacy, "", "http://unused.test")

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/v1/messages", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "anthropic-version")
	assert.Equal(t, "86400", resp.Header.Get("Access-Control-Max-Age"))
}

func TestEventLoggingSink(t *testing.T) {
	env := newTestEnv(t, config.ModeLegacy, "", "http://unused.test")
	resp, err := http.Post(env.server.URL+"/api/event_logging/batch", "application/json",
		strings.NewReader(`{"events":[{"name":"x"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, true, out["success"])
}

func TestMessages_RejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, config.ModeLegacy, "", "http://unused.test")

	resp := postMessages(t, env, `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "error", out["type"])
	errObj := out["error"].(map[string]interface{})
	assert.Equal(t, "invalid_request_error", errObj["type"])

	resp2 := postMessages(t, env, `{"model":"","messages":[{"role":"user","content":"x"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)

	resp3 := postMessages(t, env, `{"model":"m","messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}
