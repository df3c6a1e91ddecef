package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	queryTimeout      = 5 * time.Second
	issueTokenRetries = 5
)

var sessionSchema = []string{
	`CREATE TABLE IF NOT EXISTS player_sessions (
    token TEXT PRIMARY KEY,
    player_id TEXT NOT NULL,
    created_at_ms BIGINT NOT NULL,
    expires_at_ms BIGINT NOT NULL,
    revoked_at_ms BIGINT
)`,
	`CREATE INDEX IF NOT EXISTS idx_player_sessions_player ON player_sessions(player_id)`,
}

// SQLManager persists sessions next to the ledger so tokens survive a
// restart. It works on both sqlite and postgres handles.
type SQLManager struct {
	db         *sqlx.DB
	sessionTTL time.Duration
	lastPrune  atomic.Int64 // unix ms
	now        func() time.Time
	log        *zap.Logger
}

func NewSQLManager(db *sqlx.DB, sessionTTL time.Duration, log *zap.Logger) (*SQLManager, error) {
	if db == nil {
		return nil, errors.New("nil session database")
	}
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	for _, stmt := range sessionSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("session schema: %w", err)
		}
	}
	return &SQLManager{
		db:         db,
		sessionTTL: sessionTTL,
		now:        time.Now,
		log:        log.Named("auth"),
	}, nil
}

func (m *SQLManager) Issue(playerID string) (string, error) {
	playerID = strings.TrimSpace(playerID)
	if playerID == "" {
		return "", errors.New("empty player id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	now := m.now()
	m.maybePrune(ctx, now)
	for i := 0; i < issueTokenRetries; i++ {
		token := mustToken()
		_, err := m.db.ExecContext(ctx, m.db.Rebind(`
INSERT INTO player_sessions (token, player_id, created_at_ms, expires_at_ms)
VALUES (?, ?, ?, ?)
`), token, playerID, now.UnixMilli(), now.Add(m.sessionTTL).UnixMilli())
		if err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return "", err
		}
		return token, nil
	}
	return "", errors.New("failed to generate unique session token")
}

// maybePrune deletes expired and revoked rows, at most once per
// pruneInterval across concurrent callers. Failure only costs disk space.
func (m *SQLManager) maybePrune(ctx context.Context, now time.Time) {
	last := m.lastPrune.Load()
	if now.UnixMilli()-last < pruneInterval.Milliseconds() {
		return
	}
	if !m.lastPrune.CompareAndSwap(last, now.UnixMilli()) {
		return
	}
	res, err := m.db.ExecContext(ctx, m.db.Rebind(`
DELETE FROM player_sessions
WHERE expires_at_ms <= ?
   OR revoked_at_ms IS NOT NULL
`), now.UnixMilli())
	if err != nil {
		m.log.Warn("prune sessions failed", zap.Error(err))
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		m.log.Debug("pruned sessions", zap.Int64("rows", n))
	}
}

// ResolveSession validates and refreshes a session token.
func (m *SQLManager) ResolveSession(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	now := m.now()
	var playerID string
	err := m.db.GetContext(ctx, &playerID, m.db.Rebind(`
UPDATE player_sessions
SET expires_at_ms = ?
WHERE token = ?
  AND revoked_at_ms IS NULL
  AND expires_at_ms > ?
RETURNING player_id
`), now.Add(m.sessionTTL).UnixMilli(), token, now.UnixMilli())
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			m.log.Error("resolve session failed", zap.Error(err))
		}
		return "", false
	}
	return playerID, true
}

// Logout revokes a session token.
func (m *SQLManager) Logout(token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	if _, err := m.db.ExecContext(ctx, m.db.Rebind(`
UPDATE player_sessions
SET revoked_at_ms = ?
WHERE token = ?
  AND revoked_at_ms IS NULL
`), m.now().UnixMilli(), token); err != nil {
		m.log.Error("logout failed", zap.Error(err))
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
