package auth

import (
	"fmt"
	"os"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const (
	AuthModeMemory = "memory"
	AuthModeDB     = "db"
)

// authModeFromEnv reads AUTH_MODE. Without it sessions live wherever the
// ledger does: the database when one is open, memory otherwise.
func authModeFromEnv(haveDB bool) string {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("AUTH_MODE")))
	switch raw {
	case "":
		if haveDB {
			return AuthModeDB
		}
		return AuthModeMemory
	case AuthModeDB, "sql", "postgres", "sqlite":
		return AuthModeDB
	case AuthModeMemory, "mem":
		return AuthModeMemory
	default:
		return raw
	}
}

// NewServiceFromEnv picks the session backend. db is the ledger's handle
// and may be nil when the ledger runs in memory.
func NewServiceFromEnv(db *sqlx.DB, log *zap.Logger) (Service, string, error) {
	mode := authModeFromEnv(db != nil)
	ttl := sessionTTLFromEnv()

	switch mode {
	case AuthModeDB:
		if db == nil {
			return nil, mode, fmt.Errorf("AUTH_MODE=%s needs a sql ledger (LEDGER_MODE=sqlite|postgres)", mode)
		}
		manager, err := NewSQLManager(db, ttl, log)
		if err != nil {
			return nil, mode, err
		}
		return manager, mode, nil
	case AuthModeMemory:
		return NewManager(ttl), mode, nil
	default:
		return nil, mode, fmt.Errorf("invalid AUTH_MODE %q (supported: %s, %s)", mode, AuthModeMemory, AuthModeDB)
	}
}
