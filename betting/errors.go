package betting

import (
	"context"
	"errors"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrPlayerNotFound      = errors.New("player not found")
	ErrRoomNotFound        = errors.New("room not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrStore               = errors.New("ledger store failure")
	ErrTimeout             = errors.New("wager timed out")
)

// Kind groups errors by how callers are expected to react.
type Kind byte

const (
	KindNone Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindStore
	KindTimeout
)

var kindNames = map[Kind]string{
	KindNone:       "none",
	KindValidation: "validation",
	KindNotFound:   "not_found",
	KindConflict:   "conflict",
	KindStore:      "store",
	KindTimeout:    "timeout",
}

func (k Kind) String() string { return kindNames[k] }

// KindOf classifies err. Unknown errors are treated as store failures.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidAmount):
		return KindValidation
	case errors.Is(err, ErrPlayerNotFound), errors.Is(err, ErrRoomNotFound):
		return KindNotFound
	case errors.Is(err, ErrInsufficientBalance):
		return KindConflict
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindStore
	}
}
