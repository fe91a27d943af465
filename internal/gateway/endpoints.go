package gateway

import (
	"net/http"
	"strconv"
	"time"

	"relay/internal/version"
)

// modelEntry is one row of the static model catalogue.
type modelEntry struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
	CreatedAt   string `json:"created_at"`
}

var modelCatalogue = []modelEntry{
	{ID: "claude-opus-4-5", Type: "model", DisplayName: "Claude Opus 4.5", CreatedAt: "2025-11-01T00:00:00Z"},
	{ID: "claude-sonnet-4-5", Type: "model", DisplayName: "Claude Sonnet 4.5", CreatedAt: "2025-09-29T00:00:00Z"},
	{ID: "claude-haiku-4-5", Type: "model", DisplayName: "Claude Haiku 4.5", CreatedAt: "2025-10-15T00:00:00Z"},
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"mode":    g.cfg.Mode,
		"version": version.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   modelCatalogue,
	})
}

func (g *Gateway) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := map[string]interface{}{
		"mode":       g.cfg.Mode,
		"native_api": g.ledger.Status(),
	}
	if until := g.ledger.TimeUntilReset(); until != "" {
		status["time_until_reset"] = until
	}
	writeJSON(w, http.StatusOK, status)
}

func (g *Gateway) handleQuotaReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	g.ledger.ResetNative()
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if g.usage == nil {
		writeError(w, http.StatusNotFound, "usage tracking is disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	records, totals, err := g.usage.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read usage records")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": records,
		"totals":   totals,
	})
}

// handleEventLogging is a sink for client-side telemetry batches.
func (g *Gateway) handleEventLogging(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
