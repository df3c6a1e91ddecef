package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"crushwin/betting"

	"github.com/shopspring/decimal"
)

// Event names on the wire.
const (
	EventRegister   = "register"
	EventCreateRoom = "create_room"
	EventJoinRoom   = "join_room"
	EventBet        = "bet"

	EventUserData    = "user_data"
	EventRoomCreated = "room_created"
	EventRoomUpdate  = "room_update"
	EventBetMade     = "bet_made"
	EventError       = "error"
)

// Error codes carried by EventError replies.
const (
	CodeRegisterFailed      = "register_failed"
	CodeRoomNotFound        = "room_not_found"
	CodeBadBet              = "bad_bet"
	CodeUserNotFound        = "user_not_found"
	CodeInsufficientBalance = "insufficient_balance"
	CodeBetFailed           = "bet_failed"
	CodeBadRequest          = "bad_request"
	CodeUnknownEvent        = "unknown_event"
	CodeInternal            = "internal_error"
)

var (
	errMissingPlayer    = errors.New("playerId is required")
	errIdentityMismatch = errors.New("playerId does not match the registered session")
	errBadAmount        = errors.New("amount must be a positive whole number within the stake limit")
)

// PlayerRef accepts a player id sent as a JSON string or an integer.
type PlayerRef string

func (p *PlayerRef) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		*p = ""
		return nil
	}
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		*p = PlayerRef(strings.TrimSpace(s))
		return nil
	}
	d, err := decimal.NewFromString(string(raw))
	if err != nil || !d.IsInteger() {
		return errors.New("playerId must be a string or an integer")
	}
	*p = PlayerRef(d.String())
	return nil
}

type registerRequest struct {
	PlayerID    PlayerRef `json:"playerId"`
	TgID        PlayerRef `json:"tgId"`
	DisplayName string    `json:"displayName"`
	FirstName   string    `json:"first_name"`
	Username    string    `json:"username"`
}

func (r registerRequest) player() string {
	return firstNonEmpty(string(r.PlayerID), string(r.TgID))
}

func (r registerRequest) name() string {
	return firstNonEmpty(r.DisplayName, r.FirstName, r.Username)
}

type createRoomRequest struct {
	PlayerID PlayerRef `json:"playerId"`
	TgID     PlayerRef `json:"tgId"`
	GameTag  string    `json:"gameTag"`
	Game     string    `json:"game"`
}

type joinRoomRequest struct {
	PlayerID PlayerRef `json:"playerId"`
	TgID     PlayerRef `json:"tgId"`
	RoomID   string    `json:"roomId"`
}

type betRequest struct {
	PlayerID PlayerRef       `json:"playerId"`
	TgID     PlayerRef       `json:"tgId"`
	RoomID   string          `json:"roomId"`
	Amount   json.RawMessage `json:"amount"`
}

// UserData answers register.
type UserData struct {
	PlayerID     string `json:"playerId"`
	DisplayName  string `json:"displayName"`
	Balance      int64  `json:"balance"`
	SessionToken string `json:"sessionToken"`
}

type RoomCreated struct {
	RoomID  string `json:"roomId"`
	GameTag string `json:"gameTag"`
}

// RoomUpdate is broadcast to a room whenever its membership changes.
type RoomUpdate struct {
	RoomID  string   `json:"roomId"`
	GameTag string   `json:"gameTag"`
	Members []string `json:"members"`
	Pot     int64    `json:"pot"`
}

// BetMade reports one settled wager. Pot is null when the room total could
// not be updated after the ledger commit.
type BetMade struct {
	PlayerID   string `json:"playerId"`
	RoomID     string `json:"roomId"`
	RoundID    string `json:"roundId"`
	Amount     int64  `json:"amount"`
	Pot        *int64 `json:"pot"`
	Outcome    string `json:"outcome"`
	Draw       int    `json:"draw"`
	Reward     int64  `json:"reward"`
	NewBalance int64  `json:"newBalance"`
}

type ErrorReply struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// parseAmount accepts a JSON number or numeric string holding a positive
// integer no larger than betting.MaxStake.
func parseAmount(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errBadAmount
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, errBadAmount
		}
	}
	d, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil || !d.IsInteger() || !d.IsPositive() {
		return 0, errBadAmount
	}
	if d.GreaterThan(decimal.NewFromInt(betting.MaxStake)) {
		return 0, errBadAmount
	}
	return d.IntPart(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
