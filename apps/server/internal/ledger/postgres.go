package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// NewPostgresStore connects to postgres and creates the ledger tables when
// missing. Balances are serialized with SELECT ... FOR UPDATE.
func NewPostgresStore(dsn string, log *zap.Logger) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("empty postgres dsn")
	}
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureSchema(ctx, db, postgresSchema); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Named("ledger").Info("postgres ledger ready")
	return &SQLStore{db: db, dialect: dialectPostgres, log: log.Named("ledger")}, nil
}

var postgresSchema = []string{
	`
CREATE TABLE IF NOT EXISTS players (
    id TEXT PRIMARY KEY,
    display_name TEXT NOT NULL DEFAULT '',
    balance BIGINT NOT NULL CHECK (balance >= 0),
    created_at_ms BIGINT NOT NULL,
    updated_at_ms BIGINT NOT NULL
)`,
	`
CREATE TABLE IF NOT EXISTS rounds (
    id TEXT PRIMARY KEY,
    room_id TEXT NOT NULL,
    player_id TEXT NOT NULL REFERENCES players(id),
    bet_amount BIGINT NOT NULL CHECK (bet_amount > 0),
    outcome TEXT NOT NULL,
    reward BIGINT NOT NULL,
    draw_value INTEGER NOT NULL,
    created_at_ms BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_rounds_player ON rounds(player_id, created_at_ms DESC)`,
	`
CREATE TABLE IF NOT EXISTS transactions (
    id BIGSERIAL PRIMARY KEY,
    player_id TEXT NOT NULL REFERENCES players(id),
    round_id TEXT REFERENCES rounds(id),
    amount BIGINT NOT NULL,
    reason TEXT NOT NULL,
    balance_before BIGINT NOT NULL,
    balance_after BIGINT NOT NULL CHECK (balance_after >= 0),
    created_at_ms BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_player ON transactions(player_id, id DESC)`,
}
