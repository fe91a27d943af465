package gateway

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"relay/internal/anthropic"
	"relay/internal/config"
	"relay/internal/usage"
)

// maxRequestBody caps inbound request size.
const maxRequestBody = 64 << 20

// handleMessages is the main entry point: parse, route by mode, account.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
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
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages cannot be empty")
		return
	}

	start := time.Now()
	switch g.cfg.Mode {
	case config.ModeNative:
		outcome := g.serveNative(w, r, &req, raw, false)
		g.account(r, &req, outcome, config.ModeNative, start)
	case config.ModeLegacy:
		outcome := g.serveLegacy(w, r, &req)
		g.account(r, &req, outcome, config.ModeLegacy, start)
	case config.ModeHybrid:
		g.serveHybrid(w, r, &req, raw, start)
	default:
		writeError(w, http.StatusInternalServerError, "unknown routing mode")
	}
}

// serveHybrid tries the native upstream first; on a classified quota
// error before any caller bytes it marks the ledger and replays the
// original request through the legacy path on the same connection.
func (g *Gateway) serveHybrid(w http.ResponseWriter, r *http.Request, req *anthropic.Request, raw []byte, start time.Time) {
	// Counted on entry, whichever path ends up serving; the pure legacy
	// mode never touches the ledger.
	g.ledger.RecordRequest()

	if g.native != nil && g.ledger.IsNativeAvailable() {
		outcome := g.serveNative(w, r, req, raw, true)
		if !outcome.fellBack {
			g.account(r, req, outcome, config.ModeHybrid, start)
			return
		}
		log.Printf("[Router] Native quota exhausted, falling back to legacy upstream")
	}

	outcome := g.serveLegacy(w, r, req)
	g.account(r, req, outcome, config.ModeHybrid, start)
}

// outcome summarizes one served request for accounting.
type serveOutcome struct {
	status       int
	routedModel  string
	streamed     bool
	inputTokens  int
	outputTokens int
	// fellBack means nothing was written and the caller should retry on
	// the other path.
	fellBack bool
}

func (g *Gateway) account(r *http.Request, req *anthropic.Request, o serveOutcome, mode string, start time.Time) {
	g.recordUsage(usage.Record{
		Timestamp:    start,
		Mode:         mode,
		Path:         r.URL.Path,
		Model:        req.Model,
		RoutedModel:  o.routedModel,
		Streamed:     o.streamed,
		Status:       o.status,
		DurationMS:   time.Since(start).Milliseconds(),
		InputTokens:  o.inputTokens,
		OutputTokens: o.outputTokens,
	})
}
