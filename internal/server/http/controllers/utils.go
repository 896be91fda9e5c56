package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/izp1012/meloncity/internal/chat"
)

// UserIDHeader carries the caller identity verified by the auth gateway.
const UserIDHeader = "User-Id"

// Helper functions for common HTTP responses

// writeError writes an error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes a 200 JSON response with the given data.
func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeServiceError maps a service error onto a status code. Validation
// failures carry their rule so clients can branch on it.
func writeServiceError(w http.ResponseWriter, err error) {
	var (
		notMember *chat.NotAMemberError
		invalid   *chat.ValidationError
		full      *chat.CapacityError
	)
	status, body := http.StatusInternalServerError, map[string]string{"error": "internal error"}
	switch {
	case errors.As(err, &notMember):
		status, body = http.StatusForbidden, map[string]string{"error": notMember.Error(), "rule": "sender.not_member"}
	case errors.Is(err, chat.ErrForbidden):
		status, body = http.StatusForbidden, map[string]string{"error": err.Error()}
	case errors.As(err, &invalid):
		status, body = http.StatusBadRequest, map[string]string{"error": err.Error(), "rule": invalid.Rule}
	case errors.Is(err, chat.ErrRoomNotFound), errors.Is(err, chat.ErrUserNotFound),
		errors.Is(err, chat.ErrMessageNotFound), errors.Is(err, chat.ErrParticipantNotFound):
		status, body = http.StatusNotFound, map[string]string{"error": err.Error()}
	case errors.As(err, &full):
		status, body = http.StatusConflict, map[string]string{"error": full.Error()}
	case chat.IsTransient(err):
		status, body = http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"}
	}
	writeJSONStatus(w, status, body)
}

// decodeBody decodes a JSON request body into v, writing 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// callerID reads the caller identity, writing 401 when it is missing.
func callerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.Header.Get(UserIDHeader), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusUnauthorized, "missing or invalid "+UserIDHeader+" header")
		return 0, false
	}
	return id, true
}

// pathID reads a numeric route variable.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

// parseLimit parses a limit string and returns a valid limit value.
//
// Returns def for empty strings or invalid values.
func parseLimit(limitStr string, def int) int {
	if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
		return limit
	}
	return def
}
