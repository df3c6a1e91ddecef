package ledger

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crushwin/apps/server/internal/httpapi"

	"go.uber.org/zap"
)

type HTTPHandler struct {
	sessions httpapi.SessionResolver
	ledger   Store
	log      *zap.Logger
}

func NewHTTPHandler(sessions httpapi.SessionResolver, store Store, log *zap.Logger) *HTTPHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPHandler{
		sessions: sessions,
		ledger:   store,
		log:      log.Named("ledger_http"),
	}
}

func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/ledger/me", h.handleMe)
	mux.HandleFunc("/api/ledger/rounds", h.handleRounds)
	mux.HandleFunc("/api/ledger/transactions", h.handleTransactions)
}

func (h *HTTPHandler) handleMe(w http.ResponseWriter, r *http.Request) {
	playerID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	player, err := h.ledger.GetPlayer(ctx, playerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpapi.WriteError(w, http.StatusNotFound, "player not found")
			return
		}
		h.log.Error("query player failed", zap.String("player", playerID), zap.Error(err))
		httpapi.WriteError(w, http.StatusInternalServerError, "query player failed")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, player)
}

func (h *HTTPHandler) handleRounds(w http.ResponseWriter, r *http.Request) {
	playerID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	items, err := h.ledger.ListRounds(ctx, playerID, parseLimit(r.URL.Query().Get("limit")))
	if err != nil {
		h.log.Error("query rounds failed", zap.String("player", playerID), zap.Error(err))
		httpapi.WriteError(w, http.StatusInternalServerError, "query rounds failed")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"items": items,
	})
}

func (h *HTTPHandler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	playerID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	items, err := h.ledger.ListTransactions(ctx, playerID, parseLimit(r.URL.Query().Get("limit")))
	if err != nil {
		h.log.Error("query transactions failed", zap.String("player", playerID), zap.Error(err))
		httpapi.WriteError(w, http.StatusInternalServerError, "query transactions failed")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"items": items,
	})
}

func (h *HTTPHandler) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	playerID, _, ok := httpapi.Authorize(w, r, http.MethodGet, h.sessions)
	return playerID, ok
}

func parseLimit(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 20
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 20
	}
	if n > 100 {
		return 100
	}
	return n
}
