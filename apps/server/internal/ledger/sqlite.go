package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const defaultLocalDBName = "crushwin_local.db"

func init() {
	// modernc registers as "sqlite", which sqlx does not map by default.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

func NewSQLiteStoreFromEnv(log *zap.Logger) (*SQLStore, error) {
	dbPath, err := ledgerLocalDatabasePathFromEnv()
	if err != nil {
		return nil, err
	}
	return NewSQLiteStore(dbPath, log)
}

// NewSQLiteStore opens (or creates) a sqlite ledger. ":memory:" is accepted.
func NewSQLiteStore(dbPath string, log *zap.Logger) (*SQLStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("empty sqlite database path")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if dbPath != ":memory:" {
		parent := filepath.Dir(dbPath)
		if parent != "" && parent != "." {
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return nil, err
			}
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection: every transaction is exclusive, which is what makes
	// LockBalance a real lock on this backend.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA foreign_keys = ON;`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureSchema(ctx, db, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Named("ledger").Info("sqlite ledger ready", zap.String("path", dbPath))
	return &SQLStore{db: db, dialect: dialectSQLite, log: log.Named("ledger")}, nil
}

var sqliteSchema = []string{
	`
CREATE TABLE IF NOT EXISTS players (
    id TEXT PRIMARY KEY,
    display_name TEXT NOT NULL DEFAULT '',
    balance INTEGER NOT NULL CHECK (balance >= 0),
    created_at_ms INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL
)`,
	`
CREATE TABLE IF NOT EXISTS rounds (
    id TEXT PRIMARY KEY,
    room_id TEXT NOT NULL,
    player_id TEXT NOT NULL,
    bet_amount INTEGER NOT NULL CHECK (bet_amount > 0),
    outcome TEXT NOT NULL,
    reward INTEGER NOT NULL,
    draw_value INTEGER NOT NULL,
    created_at_ms INTEGER NOT NULL,
    FOREIGN KEY(player_id) REFERENCES players(id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_rounds_player ON rounds(player_id, created_at_ms DESC)`,
	`
CREATE TABLE IF NOT EXISTS transactions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    player_id TEXT NOT NULL,
    round_id TEXT,
    amount INTEGER NOT NULL,
    reason TEXT NOT NULL,
    balance_before INTEGER NOT NULL,
    balance_after INTEGER NOT NULL CHECK (balance_after >= 0),
    created_at_ms INTEGER NOT NULL,
    FOREIGN KEY(player_id) REFERENCES players(id),
    FOREIGN KEY(round_id) REFERENCES rounds(id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_player ON transactions(player_id, id DESC)`,
	`
CREATE TRIGGER IF NOT EXISTS rounds_append_only_update BEFORE UPDATE ON rounds
BEGIN
    SELECT RAISE(ABORT, 'rounds are append-only');
END`,
	`
CREATE TRIGGER IF NOT EXISTS transactions_append_only_update BEFORE UPDATE ON transactions
BEGIN
    SELECT RAISE(ABORT, 'transactions are append-only');
END`,
}

func ledgerLocalDatabasePathFromEnv() (string, error) {
	candidates := []string{
		strings.TrimSpace(os.Getenv("LEDGER_LOCAL_DATABASE_PATH")),
		strings.TrimSpace(os.Getenv("LOCAL_DATABASE_PATH")),
	}
	for _, candidate := range candidates {
		if candidate != "" {
			return filepath.Clean(candidate), nil
		}
	}

	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(userConfigDir, "CrushWin", defaultLocalDBName), nil
}
