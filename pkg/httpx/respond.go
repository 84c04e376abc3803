package httpx

import (
	"encoding/json"
	"net/http"
)

// The dashboard consumes a flat envelope: successful responses carry
// {"success":true, ...}, failures carry {"success":false,"error":...,"kind":...}.
// The kind is a stable machine-checkable token; the error string is for humans.

// WriteJSON writes v as a JSON response with status 200.
func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// WriteOK writes {"success":true} merged with extra fields.
func WriteOK(w http.ResponseWriter, extra map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range extra {
		body[k] = v
	}
	WriteJSON(w, body)
}

// WriteError writes the failure envelope with the given HTTP status.
// Raw subprocess output must never be passed as message.
func WriteError(w http.ResponseWriter, statusCode int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   message,
		"kind":    kind,
	})
}
