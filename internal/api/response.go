package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/user/termcore/internal/terminal"
)

// Machine-readable error codes carried next to the message.
const (
	codeInvalidRequest = "invalid_request"
	codeUnauthorized   = "unauthorized"
	codeNotFound       = "not_found"
	codeInvalidSize    = "invalid_size"
	codeSessionClosed  = "session_closed"
	codeUnavailable    = "unavailable"
	codeInternal       = "internal"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if data == nil || status == http.StatusNoContent {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, status int, code, message string) {
	jsonResponse(w, status, errorBody{Error: message, Code: code})
}

// writeTerminalError maps a terminal operation error onto its HTTP status.
func writeTerminalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, terminal.ErrNotFound):
		jsonError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, terminal.ErrInvalidSize):
		jsonError(w, http.StatusBadRequest, codeInvalidSize, err.Error())
	case errors.Is(err, terminal.ErrSessionClosed):
		jsonError(w, http.StatusConflict, codeSessionClosed, err.Error())
	default:
		jsonError(w, http.StatusInternalServerError, codeInternal, err.Error())
	}
}
