package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

type dialect byte

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore implements Store over sqlite or postgres. Queries are written
// with ? placeholders and rebound for the driver.
type SQLStore struct {
	db      *sqlx.DB
	dialect dialect
	log     *zap.Logger
}

// DB exposes the handle for tables that live beside the ledger.
func (s *SQLStore) DB() *sqlx.DB { return s.db }

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) RegisterPlayer(ctx context.Context, id, displayName string, initialBalance int64) (Player, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Player{}, ErrInvalidPlayerID
	}
	if initialBalance < 0 {
		initialBalance = 0
	}
	displayName = strings.TrimSpace(displayName)
	nowMs := time.Now().UTC().UnixMilli()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO players (id, display_name, balance, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE
SET
    display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE players.display_name END,
    updated_at_ms = excluded.updated_at_ms
`), id, displayName, initialBalance, nowMs, nowMs)
	if err != nil {
		return Player{}, s.translate(err)
	}
	return s.GetPlayer(ctx, id)
}

func (s *SQLStore) GetPlayer(ctx context.Context, id string) (Player, error) {
	var p Player
	err := s.db.GetContext(ctx, &p, s.db.Rebind(`
SELECT id, display_name, balance
FROM players
WHERE id = ?
`), id)
	if err != nil {
		return Player{}, s.translate(err)
	}
	return p, nil
}

func (s *SQLStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, s.translate(err)
	}
	if stmt, ok := s.lockTimeoutStatement(ctx, time.Now()); ok {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return nil, s.translate(err)
		}
	}
	return &sqlTx{tx: tx, store: s}, nil
}

// lockTimeoutStatement bounds postgres row-lock waits by the remaining
// context budget, so a blocked FOR UPDATE fails with 55P03 instead of
// outliving the caller.
func (s *SQLStore) lockTimeoutStatement(ctx context.Context, now time.Time) (string, bool) {
	if s.dialect != dialectPostgres {
		return "", false
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return "", false
	}
	ms := deadline.Sub(now).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	// SET does not accept bind parameters.
	return fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms), true
}

func (s *SQLStore) ListRounds(ctx context.Context, playerID string, limit int) ([]Round, error) {
	rounds := make([]Round, 0)
	err := s.db.SelectContext(ctx, &rounds, s.db.Rebind(`
SELECT id, room_id, player_id, bet_amount, outcome, reward, draw_value, created_at_ms
FROM rounds
WHERE player_id = ?
ORDER BY created_at_ms DESC, id DESC
LIMIT ?
`), playerID, clampLimit(limit))
	if err != nil {
		return nil, s.translate(err)
	}
	return rounds, nil
}

func (s *SQLStore) ListTransactions(ctx context.Context, playerID string, limit int) ([]Transaction, error) {
	txs := make([]Transaction, 0)
	err := s.db.SelectContext(ctx, &txs, s.db.Rebind(`
SELECT id, player_id, COALESCE(round_id, '') AS round_id, amount, reason, balance_before, balance_after, created_at_ms
FROM transactions
WHERE player_id = ?
ORDER BY id DESC
LIMIT ?
`), playerID, clampLimit(limit))
	if err != nil {
		return nil, s.translate(err)
	}
	return txs, nil
}

func (s *SQLStore) lockSuffix() string {
	if s.dialect == dialectPostgres {
		return "\nFOR UPDATE"
	}
	// sqlite runs with a single pooled connection, so an open transaction
	// already excludes every other writer.
	return ""
}

func (s *SQLStore) translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "55P03": // lock_not_available
			return fmt.Errorf("%w: %v", ErrLockTimeout, err)
		case "23514": // check_violation
			return fmt.Errorf("%w: %v", ErrNegativeBalance, err)
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "check constraint failed") {
		return fmt.Errorf("%w: %v", ErrNegativeBalance, err)
	}
	return err
}

type sqlTx struct {
	tx     *sqlx.Tx
	store  *SQLStore
	locked map[string]bool
	done   bool
}

func (t *sqlTx) LockBalance(ctx context.Context, playerID string) (int64, error) {
	if t.done {
		return 0, ErrTxDone
	}
	var balance int64
	err := t.tx.GetContext(ctx, &balance, t.tx.Rebind(`
SELECT balance
FROM players
WHERE id = ?`+t.store.lockSuffix()), playerID)
	if err != nil {
		return 0, t.store.translate(err)
	}
	if t.locked == nil {
		t.locked = make(map[string]bool)
	}
	t.locked[playerID] = true
	return balance, nil
}

func (t *sqlTx) SetBalance(ctx context.Context, playerID string, balance int64) error {
	if t.done {
		return ErrTxDone
	}
	if !t.locked[playerID] {
		return ErrNotLocked
	}
	if balance < 0 {
		return ErrNegativeBalance
	}
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`
UPDATE players
SET balance = ?,
    updated_at_ms = ?
WHERE id = ?
`), balance, time.Now().UTC().UnixMilli(), playerID)
	if err != nil {
		return t.store.translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrNotFound
	}
	return nil
}

func (t *sqlTx) AppendRound(ctx context.Context, r Round) error {
	if t.done {
		return ErrTxDone
	}
	if err := validateRound(r); err != nil {
		return err
	}
	if r.CreatedAtMs == 0 {
		r.CreatedAtMs = time.Now().UTC().UnixMilli()
	}
	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(`
INSERT INTO rounds (id, room_id, player_id, bet_amount, outcome, reward, draw_value, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`), r.ID, r.RoomID, r.PlayerID, r.BetAmount, r.Outcome, r.Reward, r.Draw, r.CreatedAtMs)
	return t.store.translate(err)
}

func (t *sqlTx) AppendTransaction(ctx context.Context, e Transaction) error {
	if t.done {
		return ErrTxDone
	}
	if strings.TrimSpace(e.PlayerID) == "" || strings.TrimSpace(e.Reason) == "" {
		return ErrInvalidRoundData
	}
	if e.CreatedAtMs == 0 {
		e.CreatedAtMs = time.Now().UTC().UnixMilli()
	}
	var roundID any
	if e.RoundID != "" {
		roundID = e.RoundID
	}
	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(`
INSERT INTO transactions (player_id, round_id, amount, reason, balance_before, balance_after, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
`), e.PlayerID, roundID, e.Amount, e.Reason, e.BalanceBefore, e.BalanceAfter, e.CreatedAtMs)
	return t.store.translate(err)
}

func (t *sqlTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return t.store.translate(t.tx.Commit())
}

func (t *sqlTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

func ensureSchema(ctx context.Context, db *sqlx.DB, statements []string) error {
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
