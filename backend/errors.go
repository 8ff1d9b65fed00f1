package backend

import (
	"encoding/json"
	"net/http"
)

// Response codes. They mirror the codes the client keys its behaviour on.
const (
	codeSuccess            = 1000
	codeInvalidInput       = 2001
	codeWrongPIN           = 2011
	codeLockExists         = 2500
	codeForkInvalid        = 2501
	codeWrongCredentials   = 8002
	codeInvalidRefresh     = 10013
	codeUnauthorized       = 401
	codeRateLimited        = 2028
	codeSessionLocked      = 300008
	codeNotFound           = 2061
	codeInternal           = 5000
)

const defaultMaxRequestBytes = 64 << 10

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Code  int    `json:"Code"`
	Error string `json:"Error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, v any) {
	if v == nil {
		v = struct {
			Code int `json:"Code"`
		}{codeSuccess}
	}
	writeJSON(w, http.StatusOK, v)
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, ErrorResponse{Code: code, Error: msg})
}

// decodeJSON reads a bounded JSON body into v. It writes the error response
// itself and reports whether the handler may continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid request body")
		return false
	}
	return true
}
