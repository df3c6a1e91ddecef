package lobby

import (
	"net/http"
	"os"
	"strings"
	"time"

	"crushwin/apps/server/internal/httpapi"
)

type roomsResponse struct {
	Rooms []Snapshot `json:"rooms"`
}

type HTTPHandler struct {
	lobby *Lobby
}

func NewHTTPHandler(l *Lobby) *HTTPHandler {
	return &HTTPHandler{lobby: l}
}

func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/rooms", h.handleList)
	mux.HandleFunc("/api/rooms/", h.handleGet)
}

func (h *HTTPHandler) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpapi.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, roomsResponse{Rooms: h.lobby.List()})
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpapi.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	roomID := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/api/rooms/"))
	if roomID == "" {
		httpapi.WriteError(w, http.StatusNotFound, "room not found")
		return
	}
	snap, err := h.lobby.Snapshot(roomID)
	if err != nil {
		httpapi.WriteError(w, http.StatusNotFound, "room not found")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, snap)
}

// IdleTTLFromEnv reads ROOM_IDLE_TTL. Zero or unparsable disables eviction.
func IdleTTLFromEnv() time.Duration {
	raw := strings.TrimSpace(os.Getenv("ROOM_IDLE_TTL"))
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0
	}
	return d
}
