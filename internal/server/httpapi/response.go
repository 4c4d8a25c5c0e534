package httpapi

import (
	"encoding/json"
	"net/http"
)

// Error codes returned in the "error" field of JSON error bodies.
const (
	codeInvalidRequest     = "invalid_request"
	codeTokenInvalid       = "token_invalid"
	codeTokenExpired       = "token_expired"
	codeSessionInvalid     = "session_invalid"
	codeInvalidCredentials = "invalid_credentials"
	codeRateLimited        = "rate_limit_exceeded"
	codeUpgradeRequired    = "upgrade_required"
	codeUnknownAction      = "unknown_action"
	codeUnavailable        = "service_unavailable"
	codeNotImplemented     = "not_implemented"
	codeInternal           = "internal_error"
)

type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// decodeJSON reads a JSON body of at most 64 KiB into v.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	return dec.Decode(v)
}
