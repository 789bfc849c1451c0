package server

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes a JSON response body with the given status. Encoding
// failures are swallowed: the status line is already on the wire.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}
