// Package httpapi holds the JSON and session-token plumbing shared by the
// REST handlers and the websocket upgrade.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
)

// SessionResolver maps a session token to a registered player id.
type SessionResolver interface {
	ResolveSession(token string) (playerID string, ok bool)
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// BearerToken returns the token from an "Authorization: Bearer" header, or "".
func BearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(raw, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
}

// SessionToken is BearerToken with a ?token= fallback, for clients such as
// browsers that cannot set headers on a websocket upgrade.
func SessionToken(r *http.Request) string {
	if token := BearerToken(r); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Authorize checks the method and resolves the bearer token. On failure it
// has already written the error response.
func Authorize(w http.ResponseWriter, r *http.Request, method string, sessions SessionResolver) (playerID, token string, ok bool) {
	if r.Method != method {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return "", "", false
	}
	token = BearerToken(r)
	if token == "" {
		WriteError(w, http.StatusUnauthorized, "missing session token")
		return "", "", false
	}
	playerID, ok = sessions.ResolveSession(token)
	if !ok {
		WriteError(w, http.StatusUnauthorized, "invalid session token")
		return "", "", false
	}
	return playerID, token, true
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
