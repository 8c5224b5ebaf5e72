package httpx

import (
	"encoding/json"
	"net/http"
)

// writeJSON encodes payload as the JSON response body. Encoding failures
// past the status line cannot be reported to the client anymore, so the
// error is dropped.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends the {"error": msg} shape every non-2xx response of this
// API uses.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
