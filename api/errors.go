package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/store"
)

const (
	maxAuthBodySize = 64 << 10
	// A base64 avatar of the maximum size plus the JSON envelope.
	maxRPCBodySize = 2 << 20
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: msg})
}

// writeInternalError logs err and sends a generic 500 so internals never
// reach the client.
func writeInternalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
}

func mapError(w http.ResponseWriter, err error) {
	if ae, ok := auth.AsError(err); ok {
		writeError(w, ae.Status, ae.Code, ae.Message)
		return
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
	case errors.Is(err, store.ErrDuplicateEmail):
		writeError(w, auth.ErrUserAlreadyExists.Status, auth.ErrUserAlreadyExists.Code, auth.ErrUserAlreadyExists.Message)
	default:
		writeInternalError(w, "request failed", err)
	}
}

// decodeJSON reads a JSON body of at most max bytes into a T. On failure it
// writes a 400 (or 413) and returns false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, max int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, max)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large")
		case strings.Contains(err.Error(), "EOF"):
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Request body is required")
		default:
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid JSON body")
		}
		return v, false
	}
	return v, true
}
