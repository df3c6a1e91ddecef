package auth

import (
	"net/http"

	"crushwin/apps/server/internal/httpapi"
)

// HTTPHandler exposes session introspection and revocation. Sessions are
// only created by the websocket register event.
type HTTPHandler struct {
	sessions Service
}

type sessionResponse struct {
	PlayerID string `json:"playerId"`
}

func NewHTTPHandler(sessions Service) *HTTPHandler {
	return &HTTPHandler{sessions: sessions}
}

func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/logout", h.handleLogout)
	mux.HandleFunc("/api/auth/me", h.handleMe)
}

// handleLogout revokes the presented token. Only a live token can revoke
// itself, so an expired or unknown one answers 401.
func (h *HTTPHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	_, token, ok := httpapi.Authorize(w, r, http.MethodPost, h.sessions)
	if !ok {
		return
	}
	h.sessions.Logout(token)
	w.WriteHeader(http.StatusNoContent)
}

// handleMe resolves the token, which also slides its expiry.
func (h *HTTPHandler) handleMe(w http.ResponseWriter, r *http.Request) {
	playerID, _, ok := httpapi.Authorize(w, r, http.MethodGet, h.sessions)
	if !ok {
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, sessionResponse{PlayerID: playerID})
}
