// Package api provides HTTP handlers for the showroom assistant API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

const maxMessageLength = 4000

var (
	errEmptyMessage    = errors.New("message is required")
	errMessageTooLong  = errors.New("message is too long")
	errBodyTooLarge    = errors.New("request body too large")
	errInvalidJSONBody = errors.New("invalid request body")
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return errInvalidJSONBody
	}
	return nil
}

// writeDecodeError maps a decodeJSON failure onto a response.
func writeDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		Error(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	Error(w, http.StatusBadRequest, err.Error())
}

// cleanMessage trims a user message and enforces its length bounds.
func cleanMessage(msg string) (string, error) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "", errEmptyMessage
	}
	if len([]rune(msg)) > maxMessageLength {
		return "", errMessageTooLong
	}
	return msg, nil
}
