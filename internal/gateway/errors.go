package gateway

import (
	"encoding/json"
	"log"
	"net/http"

	"relay/internal/anthropic"
)

// writeError emits the Anthropic error envelope with the type derived
// from the status code.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	envelope := anthropic.NewErrorResponse(anthropic.ErrorTypeForStatus(status), message)
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		log.Printf("[Gateway] Failed to write error response: %v", err)
	}
}

// writeJSON emits v with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Gateway] Failed to write response: %v", err)
	}
}
