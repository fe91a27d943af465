package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"relay/internal/credentials"
	"relay/internal/version"
)

const (
	// DefaultNativeTimeout covers long streamed completions.
	DefaultNativeTimeout = 300 * time.Second

	anthropicVersion  = "2023-06-01"
	betaTokenCounting = "token-counting-2024-11-01"
)

// ErrNoCredential is returned when a request needs a token and the store
// has none.
var ErrNoCredential = errors.New("no credential available")

// NativeClient talks to the Anthropic-format backend.
type NativeClient struct {
	baseURL string
	store   *credentials.Store
	extra   map[string]string
	client  *http.Client
}

// NewNativeClient builds a client for baseURL. extra headers are sent
// verbatim on every request.
func NewNativeClient(baseURL string, store *credentials.Store, extra map[string]string) *NativeClient {
	return &NativeClient{
		baseURL: baseURL,
		store:   store,
		extra:   extra,
		client:  &http.Client{Timeout: DefaultNativeTimeout},
	}
}

// Messages posts an Anthropic-format request body. The caller owns the
// response body, including SSE relay for streamed requests.
func (c *NativeClient) Messages(ctx context.Context, body []byte) (*http.Response, error) {
	return c.do(ctx, "/v1/messages", body, nil)
}

// CountTokens proxies to the upstream token counting endpoint.
func (c *NativeClient) CountTokens(ctx context.Context, body []byte) (*http.Response, error) {
	return c.do(ctx, "/v1/messages/count_tokens", body, map[string]string{
		"anthropic-beta": betaTokenCounting,
	})
}

func (c *NativeClient) do(ctx context.Context, path string, body []byte, extra map[string]string) (*http.Response, error) {
	key, ok := c.store.Get()
	if !ok {
		return nil, ErrNoCredential
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", key.AccessToken)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("User-Agent", version.UserAgent())
	for k, v := range c.extra {
		req.Header.Set(k, v)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// successEnvelope is the wrapper some native responses arrive in.
type successEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// UnwrapSuccess peels a {"type":"success","data":…} envelope. Bodies
// without the envelope are returned unchanged with ok=false.
func UnwrapSuccess(body []byte) ([]byte, bool) {
	var env successEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return body, false
	}
	if env.Type != "success" || len(env.Data) == 0 {
		return body, false
	}
	return env.Data, true
}
