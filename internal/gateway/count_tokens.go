package gateway

import (
	"encoding/json"
	"io"
	"log"
	"net/http"

	"relay/internal/anthropic"
	"relay/internal/transcode"
	"relay/internal/upstream"
)

// handleCountTokens proxies to the native counting endpoint when a
// native client exists, falling back to the local heuristic.
func (g *Gateway) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req anthropic.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if g.native != nil {
		if counted, ok := g.countTokensNative(r, raw); ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(counted)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"input_tokens": transcode.EstimateInputTokens(&req),
	})
}

func (g *Gateway) countTokensNative(r *http.Request, raw []byte) ([]byte, bool) {
	resp, err := g.native.CountTokens(r.Context(), raw)
	if err != nil {
		log.Printf("[TokenCounter] Native counting failed: %v", err)
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[TokenCounter] Native counting returned %d", resp.StatusCode)
		return nil, false
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil || !json.Valid(body) {
		return nil, false
	}
	unwrapped, _ := upstream.UnwrapSuccess(body)
	return unwrapped, true
}
