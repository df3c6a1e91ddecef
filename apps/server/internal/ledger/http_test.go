package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"
)

type staticSessions map[string]string

func (s staticSessions) ResolveSession(token string) (string, bool) {
	id, ok := s[token]
	return id, ok
}

func newTestHandler(t *testing.T) (*http.ServeMux, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	mux := http.NewServeMux()
	NewHTTPHandler(staticSessions{"tok": "p1"}, store, zaptest.NewLogger(t)).RegisterRoutes(mux)
	return mux, store
}

func TestHTTPMe_RequiresSession(t *testing.T) {
	mux, _ := newTestHandler(t)
	for _, header := range []string{"", "Bearer nope", "Basic tok"} {
		req := httptest.NewRequest(http.MethodGet, "/api/ledger/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rec.Code)
		}
	}
}

func TestHTTPMe_ReturnsPlayer(t *testing.T) {
	mux, store := newTestHandler(t)
	mustRegister(t, store, "p1", 1000)

	req := httptest.NewRequest(http.MethodGet, "/api/ledger/me", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var p Player
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if p.ID != "p1" || p.Balance != 1000 {
		t.Fatalf("unexpected player: %+v", p)
	}
}

func TestHTTPRounds_ListsOwnRounds(t *testing.T) {
	mux, store := newTestHandler(t)
	mustRegister(t, store, "p1", 1000)
	ctx := context.Background()
	tx, _ := store.Begin(ctx)
	_, _ = tx.LockBalance(ctx, "p1")
	_ = tx.AppendRound(ctx, Round{ID: "r1", RoomID: "room", PlayerID: "p1", BetAmount: 5, Outcome: "win", Reward: 5, Draw: 50})
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit err: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/ledger/rounds?limit=5", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Items []Round `json:"items"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if len(body.Items) != 1 || body.Items[0].ID != "r1" {
		t.Fatalf("unexpected items: %+v", body.Items)
	}
}

func TestParseLimit(t *testing.T) {
	cases := map[string]int{"": 20, "abc": 20, "-3": 20, "7": 7, "1000": 100}
	for raw, want := range cases {
		if got := parseLimit(raw); got != want {
			t.Fatalf("parseLimit(%q) = %d, want %d", raw, got, want)
		}
	}
}
