// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"encoding/json"
	"net/http"

	"taskqueue/pkg/api"
)

// writeError replies with the same JSON error body the handlers use.
func writeError(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
