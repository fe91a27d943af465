package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"

	"relay/internal/anthropic"
	"relay/internal/quota"
	"relay/internal/transcode"
	"relay/internal/upstream"
)

// serveNative relays the request to the Anthropic-format upstream. The
// body passes through untouched apart from model mapping and reserved
// header stripping. When allowFallback is set, a classified quota error
// before any caller bytes returns fellBack instead of writing.
func (g *Gateway) serveNative(w http.ResponseWriter, r *http.Request, req *anthropic.Request, raw []byte, allowFallback bool) serveOutcome {
	routed := g.nativeModels.Map(req.Model)
	body, err := g.rewriteNativeBody(raw, routed)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return serveOutcome{status: http.StatusBadRequest, routedModel: routed}
	}

	resp, err := g.native.Messages(r.Context(), body)
	if err != nil {
		// Transport failures are gateway errors, never failover: only
		// classified quota errors reroute to the legacy upstream.
		if err == upstream.ErrNoCredential {
			writeError(w, http.StatusUnauthorized, "no credential available for native upstream")
			return serveOutcome{status: http.StatusUnauthorized, routedModel: routed}
		}
		log.Printf("[Native] Upstream request failed: %v", err)
		status := http.StatusBadGateway
		if isTimeout(err) {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, "native upstream request failed")
		return serveOutcome{status: status, routedModel: routed}
	}

	if resp.StatusCode != http.StatusOK {
		errBody := upstream.ReadErrorBody(resp)
		if quota.IsQuotaExhausted(resp.StatusCode, errBody) {
			g.ledger.MarkNativeExhausted(truncateMsg(errBody))
			if allowFallback {
				return serveOutcome{fellBack: true}
			}
		}
		relayRawError(w, resp.StatusCode, errBody)
		return serveOutcome{status: resp.StatusCode, routedModel: routed}
	}
	defer resp.Body.Close()

	outcome := serveOutcome{
		status:      http.StatusOK,
		routedModel: routed,
		streamed:    req.Stream,
		inputTokens: transcode.EstimateInputTokens(req),
	}

	if req.Stream {
		g.relaySSE(w, r, resp.Body)
		return outcome
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to read native upstream response")
		outcome.status = http.StatusBadGateway
		return outcome
	}

	if !json.Valid(respBody) {
		// Relay unknown payloads untouched.
		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		w.WriteHeader(resp.StatusCode)
		w.Write(respBody)
		return outcome
	}

	unwrapped, _ := upstream.UnwrapSuccess(respBody)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(unwrapped)
	return outcome
}

// rewriteNativeBody swaps the model and strips reserved headers from the
// system prompt while leaving every other field as-is.
func (g *Gateway) rewriteNativeBody(raw []byte, routedModel string) ([]byte, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	payload["model"] = routedModel

	switch system := payload["system"].(type) {
	case string:
		payload["system"] = transcode.StripReservedHeaders(system)
	case []interface{}:
		kept := make([]interface{}, 0, len(system))
		for _, item := range system {
			block, ok := item.(map[string]interface{})
			if !ok {
				kept = append(kept, item)
				continue
			}
			if text, ok := block["text"].(string); ok {
				stripped := transcode.StripReservedHeaders(text)
				if stripped == "" && text != "" {
					continue
				}
				block["text"] = stripped
			}
			kept = append(kept, block)
		}
		payload["system"] = kept
	}

	return json.Marshal(payload)
}

// relaySSE copies the upstream SSE stream byte-for-byte, flushing as
// bytes arrive. Caller disconnects surface as read errors and end the
// relay quietly.
func (g *Gateway) relaySSE(w http.ResponseWriter, r *http.Request, body io.Reader) {
	setSSEHeaders(w)
	flusher, _ := w.(http.Flusher)

	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				log.Printf("[Native] Client disconnected during stream")
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			if r.Context().Err() != nil {
				log.Printf("[Native] Client disconnected during stream")
			} else {
				log.Printf("[Native] Upstream stream ended: %v", err)
			}
			return
		}
	}
}

// relayRawError forwards an upstream error body; non-JSON bodies are
// wrapped in the standard envelope.
func relayRawError(w http.ResponseWriter, status int, body string) {
	if json.Valid([]byte(body)) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
		return
	}
	writeError(w, status, truncateMsg(body))
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")
}

// isTimeout distinguishes 504-worthy timeouts from other transport
// failures.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncateMsg(s string) string {
	const max = 500
	if len(s) > max {
		return s[:max]
	}
	return s
}
