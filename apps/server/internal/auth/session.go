package auth

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	defaultSessionTTL = 30 * 24 * time.Hour
	tokenBytes        = 32
	// pruneInterval spaces out the expired-session sweeps run from Issue.
	pruneInterval = time.Minute
)

// Manager keeps sessions in memory; a restart invalidates every token, the
// same lifetime rooms have.
type Manager struct {
	mu sync.Mutex

	sessionTTL time.Duration
	sessions   map[string]sessionRecord // token -> player
	lastPrune  time.Time
	now        func() time.Time
}

type sessionRecord struct {
	PlayerID  string
	ExpiresAt time.Time
}

func NewManager(sessionTTL time.Duration) *Manager {
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	return &Manager{
		sessionTTL: sessionTTL,
		sessions:   make(map[string]sessionRecord),
		now:        time.Now,
	}
}

// sessionTTLFromEnv reads SESSION_TTL as a Go duration.
func sessionTTLFromEnv() time.Duration {
	raw := strings.TrimSpace(os.Getenv("SESSION_TTL"))
	if raw == "" {
		return defaultSessionTTL
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil || ttl <= 0 {
		return defaultSessionTTL
	}
	return ttl
}

// Issue creates a fresh session token for playerID. It also drops tokens
// that expired without ever being resolved again.
func (m *Manager) Issue(playerID string) (string, error) {
	token := mustToken()
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if now.Sub(m.lastPrune) >= pruneInterval {
		m.pruneLocked(now)
	}
	m.sessions[token] = sessionRecord{
		PlayerID:  playerID,
		ExpiresAt: now.Add(m.sessionTTL),
	}
	return token, nil
}

func (m *Manager) pruneLocked(now time.Time) {
	m.lastPrune = now
	for token, rec := range m.sessions {
		if !now.Before(rec.ExpiresAt) {
			delete(m.sessions, token)
		}
	}
}

// ResolveSession validates and refreshes a session token.
func (m *Manager) ResolveSession(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec, exists := m.sessions[token]
	if !exists {
		return "", false
	}
	if !now.Before(rec.ExpiresAt) {
		delete(m.sessions, token)
		return "", false
	}
	rec.ExpiresAt = now.Add(m.sessionTTL)
	m.sessions[token] = rec
	return rec.PlayerID, true
}

// Logout invalidates a session token.
func (m *Manager) Logout(token string) {
	if token == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}

func mustToken() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
