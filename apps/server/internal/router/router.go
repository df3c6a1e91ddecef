// Package router dispatches decoded client events to the room registry,
// the ledger and the wager coordinator, and turns each result into exactly
// one outbound outcome.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crushwin/apps/server/internal/ledger"
	"crushwin/apps/server/internal/lobby"
	"crushwin/apps/server/internal/metrics"
	"crushwin/apps/server/internal/wager"
	"crushwin/betting"

	"go.uber.org/zap"
)

const registerTimeout = 3 * time.Second

// Session is the per-connection surface the router needs.
type Session interface {
	ID() string
	// PlayerID is the player bound by register or token resume, or "".
	PlayerID() string
	BindPlayer(playerID, sessionToken string)
	JoinGroup(roomID string)
	InGroup(roomID string) bool
	Reply(event string, payload any)
}

// Broadcaster fans an event out to every connection in a room group.
type Broadcaster interface {
	Broadcast(roomID, event string, payload any)
}

type Rooms interface {
	CreateRoom(gameTag, creatorID string) lobby.Snapshot
	JoinRoom(roomID, playerID string) (lobby.Snapshot, error)
}

type Players interface {
	RegisterPlayer(ctx context.Context, id, displayName string, initialBalance int64) (ledger.Player, error)
}

type Wagers interface {
	PlaceWager(ctx context.Context, playerID, roomID string, amount int64) (*wager.Result, error)
}

type SessionIssuer interface {
	Issue(playerID string) (string, error)
}

// Deps wires a Router. All fields except Log are required.
type Deps struct {
	Rooms          Rooms
	Players        Players
	Wagers         Wagers
	Sessions       SessionIssuer
	Broadcaster    Broadcaster
	InitialBalance int64
	Log            *zap.Logger
}

type Router struct {
	rooms          Rooms
	players        Players
	wagers         Wagers
	sessions       SessionIssuer
	out            Broadcaster
	initialBalance int64
	log            *zap.Logger
}

func New(d Deps) *Router {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		rooms:          d.Rooms,
		players:        d.Players,
		wagers:         d.Wagers,
		sessions:       d.Sessions,
		out:            d.Broadcaster,
		initialBalance: d.InitialBalance,
		log:            log.Named("router"),
	}
}

// emitter is the requester's session for the span of one event. It
// records whether the event has already produced an outcome.
type emitter struct {
	Session
	out     Broadcaster
	emitted bool
}

func (e *emitter) Reply(event string, payload any) {
	e.Session.Reply(event, payload)
	e.emitted = true
}

func (e *emitter) Broadcast(roomID, event string, payload any) {
	e.out.Broadcast(roomID, event, payload)
	e.emitted = true
}

// Dispatch handles one inbound event for s. It never panics and always
// produces one outcome: a success reply or broadcast, or one error reply.
func (r *Router) Dispatch(ctx context.Context, sess Session, event string, data json.RawMessage) {
	s := &emitter{Session: sess, out: r.out}
	label := event
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("event handler panicked",
				zap.String("event", event),
				zap.String("conn", s.ID()),
				zap.Bool("outcome_sent", s.emitted),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			if s.emitted {
				metrics.RecordEvent(label, CodeInternal)
				return
			}
			r.fail(s, label, CodeInternal, "")
		}
	}()

	switch event {
	case EventRegister:
		r.register(ctx, s, data)
	case EventCreateRoom:
		r.createRoom(s, data)
	case EventJoinRoom:
		r.joinRoom(s, data)
	case EventBet:
		r.bet(ctx, s, data)
	default:
		label = "unknown"
		r.log.Debug("unknown event", zap.String("event", event), zap.String("conn", s.ID()))
		r.fail(s, label, CodeUnknownEvent, fmt.Sprintf("unknown event %q", event))
	}
}

// RejectFrame answers a frame that could not be decoded.
func (r *Router) RejectFrame(s Session, err error) {
	r.log.Debug("undecodable frame", zap.String("conn", s.ID()), zap.Error(err))
	r.fail(s, "frame", CodeBadRequest, "malformed frame")
}

func (r *Router) register(ctx context.Context, s *emitter, data json.RawMessage) {
	var req registerRequest
	if err := json.Unmarshal(data, &req); err != nil {
		r.fail(s, EventRegister, CodeRegisterFailed, err.Error())
		return
	}
	playerID := req.player()
	if playerID == "" {
		r.fail(s, EventRegister, CodeRegisterFailed, errMissingPlayer.Error())
		return
	}

	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	player, err := r.players.RegisterPlayer(ctx, playerID, req.name(), r.initialBalance)
	if err != nil {
		r.log.Error("register failed", zap.String("player", playerID), zap.Error(err))
		r.fail(s, EventRegister, CodeRegisterFailed, "")
		return
	}

	token, err := r.sessions.Issue(player.ID)
	if err != nil {
		r.log.Error("issue session failed", zap.String("player", player.ID), zap.Error(err))
		r.fail(s, EventRegister, CodeRegisterFailed, "")
		return
	}
	s.BindPlayer(player.ID, token)
	metrics.RecordEvent(EventRegister, "ok")
	s.Reply(EventUserData, UserData{
		PlayerID:     player.ID,
		DisplayName:  player.DisplayName,
		Balance:      player.Balance,
		SessionToken: token,
	})
}

func (r *Router) createRoom(s *emitter, data json.RawMessage) {
	var req createRoomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		r.fail(s, EventCreateRoom, CodeBadRequest, err.Error())
		return
	}
	playerID, err := actor(s, req.PlayerID, req.TgID)
	if err != nil {
		r.fail(s, EventCreateRoom, CodeBadRequest, err.Error())
		return
	}
	gameTag := firstNonEmpty(req.GameTag, req.Game)
	if gameTag == "" {
		r.fail(s, EventCreateRoom, CodeBadRequest, "gameTag is required")
		return
	}

	snap := r.rooms.CreateRoom(gameTag, playerID)
	s.JoinGroup(snap.RoomID)
	metrics.RecordEvent(EventCreateRoom, "ok")
	s.Reply(EventRoomCreated, RoomCreated{RoomID: snap.RoomID, GameTag: snap.GameTag})
	s.Broadcast(snap.RoomID, EventRoomUpdate, roomUpdate(snap))
}

func (r *Router) joinRoom(s *emitter, data json.RawMessage) {
	var req joinRoomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		r.fail(s, EventJoinRoom, CodeBadRequest, err.Error())
		return
	}
	playerID, err := actor(s, req.PlayerID, req.TgID)
	if err != nil {
		r.fail(s, EventJoinRoom, CodeBadRequest, err.Error())
		return
	}
	roomID := firstNonEmpty(req.RoomID)
	if roomID == "" {
		r.fail(s, EventJoinRoom, CodeBadRequest, "roomId is required")
		return
	}

	snap, err := r.rooms.JoinRoom(roomID, playerID)
	if err != nil {
		code := CodeBadRequest
		if errors.Is(err, betting.ErrRoomNotFound) {
			code = CodeRoomNotFound
		}
		r.fail(s, EventJoinRoom, code, "")
		return
	}
	s.JoinGroup(snap.RoomID)
	metrics.RecordEvent(EventJoinRoom, "ok")
	s.Broadcast(snap.RoomID, EventRoomUpdate, roomUpdate(snap))
}

func (r *Router) bet(ctx context.Context, s *emitter, data json.RawMessage) {
	var req betRequest
	if err := json.Unmarshal(data, &req); err != nil {
		r.fail(s, EventBet, CodeBadBet, err.Error())
		return
	}
	playerID, err := actor(s, req.PlayerID, req.TgID)
	if err != nil {
		r.fail(s, EventBet, CodeBadBet, err.Error())
		return
	}
	roomID := firstNonEmpty(req.RoomID)
	if roomID == "" {
		r.fail(s, EventBet, CodeBadBet, "roomId is required")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		r.fail(s, EventBet, CodeBadBet, err.Error())
		return
	}

	res, err := r.wagers.PlaceWager(ctx, playerID, roomID, amount)
	if err != nil {
		r.fail(s, EventBet, betErrorCode(err), "")
		return
	}

	payload := BetMade{
		PlayerID:   res.PlayerID,
		RoomID:     res.RoomID,
		RoundID:    res.RoundID,
		Amount:     res.Amount,
		Pot:        res.Pot,
		Outcome:    string(res.Outcome),
		Draw:       res.Draw,
		Reward:     res.Reward,
		NewBalance: res.NewBalance,
	}
	metrics.RecordEvent(EventBet, "ok")
	s.Broadcast(roomID, EventBetMade, payload)
	if !s.InGroup(roomID) {
		s.Reply(EventBetMade, payload)
	}
}

func (r *Router) fail(s Session, event, code, message string) {
	metrics.RecordEvent(event, code)
	s.Reply(EventError, ErrorReply{Event: event, Code: code, Message: message})
}

// actor resolves who an event acts for. A bound session wins; a claimed id
// that disagrees with it is rejected.
func actor(s Session, claimed ...PlayerRef) (string, error) {
	var id string
	for _, c := range claimed {
		if c != "" {
			id = string(c)
			break
		}
	}
	bound := s.PlayerID()
	switch {
	case bound != "" && id != "" && id != bound:
		return "", errIdentityMismatch
	case bound != "":
		return bound, nil
	case id == "":
		return "", errMissingPlayer
	default:
		return id, nil
	}
}

func betErrorCode(err error) string {
	switch betting.KindOf(err) {
	case betting.KindValidation:
		return CodeBadBet
	case betting.KindNotFound:
		return CodeUserNotFound
	case betting.KindConflict:
		return CodeInsufficientBalance
	default:
		return CodeBetFailed
	}
}

func roomUpdate(snap lobby.Snapshot) RoomUpdate {
	return RoomUpdate{
		RoomID:  snap.RoomID,
		GameTag: snap.GameTag,
		Members: snap.Members,
		Pot:     snap.Pot,
	}
}
