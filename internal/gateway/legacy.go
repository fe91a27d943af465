package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"relay/internal/anthropic"
	"relay/internal/transcode"
	"relay/internal/upstream"
)

// serveLegacy transcodes the request to the OpenAI-style upstream and
// the response back to the Anthropic wire format.
func (g *Gateway) serveLegacy(w http.ResponseWriter, r *http.Request, req *anthropic.Request) serveOutcome {
	legacyReq, err := transcode.BuildLegacyRequest(req, g.legacyModels, transcode.RequestOptions{
		MaxOutputTokens: g.cfg.MaxOutputTokens,
	})
	if err != nil {
		if errors.Is(err, transcode.ErrInputTooLong) {
			writeError(w, http.StatusBadRequest, "input too long for the model's context window")
			return serveOutcome{status: http.StatusBadRequest}
		}
		writeError(w, http.StatusBadRequest, "failed to build upstream request: "+err.Error())
		return serveOutcome{status: http.StatusBadRequest}
	}

	resp, err := g.legacy.Chat(r.Context(), legacyReq)
	if err != nil {
		if err == upstream.ErrNoCredential {
			writeError(w, http.StatusUnauthorized, "no credential available for legacy upstream")
			return serveOutcome{status: http.StatusUnauthorized, routedModel: legacyReq.Model}
		}
		writeError(w, http.StatusBadGateway, "legacy upstream request failed")
		return serveOutcome{status: http.StatusBadGateway, routedModel: legacyReq.Model}
	}

	if resp.StatusCode != http.StatusOK {
		errBody := upstream.ReadErrorBody(resp)
		log.Printf("[Legacy] Upstream returned %d: %s", resp.StatusCode, truncateMsg(errBody))
		writeError(w, resp.StatusCode, truncateMsg(errBody))
		return serveOutcome{status: resp.StatusCode, routedModel: legacyReq.Model}
	}
	defer resp.Body.Close()

	inputTokens := transcode.EstimateInputTokens(req)
	outcome := serveOutcome{
		status:      http.StatusOK,
		routedModel: legacyReq.Model,
		streamed:    req.Stream,
		inputTokens: inputTokens,
	}

	if req.Stream {
		outcome.outputTokens = g.streamLegacyResponse(w, r, req.Model, inputTokens, resp)
	} else {
		outcome.outputTokens = g.collectLegacyResponse(w, r.Context(), req.Model, inputTokens, resp)
	}
	return outcome
}

// streamLegacyResponse drives the SSE transcoder, flushing one event per
// write. Returns output tokens for accounting.
func (g *Gateway) streamLegacyResponse(w http.ResponseWriter, r *http.Request, model string, inputTokens int, resp *http.Response) int {
	setSSEHeaders(w)
	flusher, _ := w.(http.Flusher)

	state := transcode.NewStreamState(model, inputTokens)
	writeSSEEvent(w, flusher, state.Start())

	err := upstream.ReadSSE(resp.Body, func(data string) error {
		if err := r.Context().Err(); err != nil {
			return err
		}
		var chunk transcode.ChatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Malformed frames are skipped.
			return nil
		}
		for _, ev := range state.HandleChunk(&chunk) {
			if err := writeSSEEvent(w, flusher, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if r.Context().Err() != nil {
			log.Printf("[Legacy] Client disconnected during stream")
		} else {
			log.Printf("[Legacy] Upstream stream failed: %v", err)
		}
		return state.OutputTokens()
	}

	for _, ev := range state.Finish() {
		writeSSEEvent(w, flusher, ev)
	}
	return state.OutputTokens()
}

// collectLegacyResponse gathers the always-streamed upstream into a
// single Anthropic response.
func (g *Gateway) collectLegacyResponse(w http.ResponseWriter, ctx context.Context, model string, inputTokens int, resp *http.Response) int {
	collector := transcode.NewCollector(model, inputTokens)

	err := upstream.ReadSSE(resp.Body, func(data string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var chunk transcode.ChatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil
		}
		collector.Add(&chunk)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			log.Printf("[Legacy] Client disconnected")
			return 0
		}
		writeError(w, http.StatusBadGateway, "legacy upstream stream failed")
		return 0
	}

	out := collector.Build()
	writeJSON(w, http.StatusOK, out)
	return out.Usage.OutputTokens
}

// writeSSEEvent emits one `event:`/`data:` pair and flushes.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev transcode.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}
