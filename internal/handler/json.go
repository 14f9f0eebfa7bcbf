package handler

import (
	"encoding/json"
	"io"
	"net/http"
)

// maxRequestBodySize is the maximum allowed request body size (1 MiB).
const maxRequestBodySize = 1 << 20

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Header already sent — can only log, not change status code.
		_ = err
	}
}

// OK writes {"success": true} merged with the given extra fields.
func OK(w http.ResponseWriter, extra map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range extra {
		body[k] = v
	}
	JSON(w, http.StatusOK, body)
}

// Fail writes an error response: {"success": false, "description": msg}.
func Fail(w http.ResponseWriter, code int, msg string) {
	JSON(w, code, map[string]any{"success": false, "description": msg})
}

// DecodeJSON reads the request body as JSON into v with a size limit.
func DecodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize+1)).Decode(v)
}
