package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"relay/internal/credentials"
	"relay/internal/transcode"
	"relay/internal/version"
)

// DefaultLegacyTimeout matches the native timeout; both sides stream.
const DefaultLegacyTimeout = 300 * time.Second

// maxErrorBodySize caps how much of an upstream error body we read for
// classification.
const maxErrorBodySize = 1 << 20

// LegacyClient talks to the OpenAI-style chat/completions backend.
type LegacyClient struct {
	endpoint string
	store    *credentials.Store
	auth     *AuthInfo
	client   *http.Client
}

// NewLegacyClient builds a client for the chat/completions endpoint.
// auth may be nil when no identity headers are available.
func NewLegacyClient(endpoint string, store *credentials.Store, auth *AuthInfo) *LegacyClient {
	if auth == nil {
		auth = &AuthInfo{}
	}
	return &LegacyClient{
		endpoint: endpoint,
		store:    store,
		auth:     auth,
		client:   &http.Client{Timeout: DefaultLegacyTimeout},
	}
}

// Chat posts a legacy request. The upstream always streams; the caller
// reads the response body with ReadSSE.
func (c *LegacyClient) Chat(ctx context.Context, req *transcode.LegacyRequest) (*http.Response, error) {
	key, ok := c.store.Get()
	if !ok {
		return nil, ErrNoCredential
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+key.AccessToken)
	httpReq.Header.Set("User-Agent", version.UserAgent())
	setIfNotEmpty(httpReq.Header, "X-User-Id", c.auth.UserID)
	setIfNotEmpty(httpReq.Header, "X-Enterprise-Id", c.auth.EnterpriseID)
	setIfNotEmpty(httpReq.Header, "X-Tenant-Id", c.auth.TenantID)
	setIfNotEmpty(httpReq.Header, "X-Domain", c.auth.Domain)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func setIfNotEmpty(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}

// ReadErrorBody drains up to 1 MB of an error response for logging and
// quota classification, then closes the body.
func ReadErrorBody(resp *http.Response) string {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return ""
	}
	return string(data)
}
