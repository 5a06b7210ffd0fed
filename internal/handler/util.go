package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/townsim-ai/dialogue-engine/pkg/logger"
)

// writeJSON writes a JSON response. Encode failures after the header is
// written can only be logged.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Global().Warn("failed to encode response", zap.Error(err))
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
