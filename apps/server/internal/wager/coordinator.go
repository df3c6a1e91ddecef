package wager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"crushwin/apps/server/internal/ledger"
	"crushwin/apps/server/internal/lobby"
	"crushwin/apps/server/internal/metrics"
	"crushwin/betting"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultTimeout = 3 * time.Second

// PotRecorder is the room side effect applied after a wager commits.
type PotRecorder interface {
	RecordBet(roomID string, amount int64) (lobby.Snapshot, error)
}

// Result is what a committed wager reports back for broadcast.
type Result struct {
	PlayerID string
	RoomID   string
	RoundID  string
	Amount   int64
	// Pot is nil when the room could not be updated after commit.
	Pot        *int64
	Outcome    betting.Category
	Draw       int
	Reward     int64
	NewBalance int64
}

// Coordinator resolves wagers against the ledger. The ledger row lock is
// the only serialization point; no balance is kept in memory.
type Coordinator struct {
	store   ledger.Store
	rooms   PotRecorder
	rng     betting.Source
	timeout time.Duration
	newID   func() string
	log     *zap.Logger
}

func New(store ledger.Store, rooms PotRecorder, rng betting.Source, timeout time.Duration, log *zap.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if rng == nil {
		rng = betting.NewSource(0)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		store:   store,
		rooms:   rooms,
		rng:     rng,
		timeout: timeout,
		newID:   uuid.NewString,
		log:     log.Named("wager"),
	}
}

// TimeoutFromEnv reads WAGER_TIMEOUT as a Go duration.
func TimeoutFromEnv() time.Duration {
	raw := strings.TrimSpace(os.Getenv("WAGER_TIMEOUT"))
	if raw == "" {
		return defaultTimeout
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return defaultTimeout
	}
	return d
}

// PlaceWager stakes amount for playerID in roomID.
//
// The balance read, outcome, balance write, round and transaction records
// form one atomic unit bounded by the coordinator timeout. The room pot is
// updated only after commit and its failure is reported through a nil
// Result.Pot, never as an error.
func (c *Coordinator) PlaceWager(ctx context.Context, playerID, roomID string, amount int64) (*Result, error) {
	started := time.Now()
	if !betting.ValidAmount(amount) {
		metrics.RecordWager(betting.KindValidation.String(), started)
		return nil, betting.ErrInvalidAmount
	}

	res, err := c.settle(ctx, playerID, roomID, amount)
	if err != nil {
		kind := betting.KindOf(err)
		metrics.RecordWager(kind.String(), started)
		switch kind {
		case betting.KindStore, betting.KindTimeout:
			c.log.Error("wager aborted",
				zap.String("player", playerID),
				zap.String("room", roomID),
				zap.Int64("amount", amount),
				zap.Error(err),
			)
		default:
			c.log.Debug("wager rejected",
				zap.String("player", playerID),
				zap.Int64("amount", amount),
				zap.Error(err),
			)
		}
		return nil, err
	}

	if snap, err := c.rooms.RecordBet(roomID, amount); err != nil {
		metrics.RecordPotDegraded()
		c.log.Warn("pot update skipped after commit",
			zap.String("room", roomID),
			zap.String("round", res.RoundID),
			zap.Error(err),
		)
	} else {
		pot := snap.Pot
		res.Pot = &pot
	}

	metrics.RecordWager(string(res.Outcome), started)
	c.log.Info("wager resolved",
		zap.String("player", playerID),
		zap.String("room", roomID),
		zap.String("round", res.RoundID),
		zap.Int64("amount", amount),
		zap.String("outcome", string(res.Outcome)),
		zap.Int64("reward", res.Reward),
		zap.Int64("balance", res.NewBalance),
	)
	return res, nil
}

func (c *Coordinator) settle(ctx context.Context, playerID, roomID string, amount int64) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return nil, classify(ctx, "begin", err)
	}
	defer tx.Rollback()

	balance, err := tx.LockBalance(ctx, playerID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, betting.ErrPlayerNotFound
		}
		return nil, classify(ctx, "lock balance", err)
	}
	if balance < amount {
		return nil, betting.ErrInsufficientBalance
	}
	if !betting.PayoutFits(balance, amount) {
		return nil, fmt.Errorf("%w: payout would overflow balance", betting.ErrInvalidAmount)
	}

	outcome := betting.Resolve(c.rng.IntN(betting.DrawSpan), amount)
	newBalance := balance + outcome.Reward
	nowMs := time.Now().UTC().UnixMilli()
	round := ledger.Round{
		ID:          c.newID(),
		RoomID:      roomID,
		PlayerID:    playerID,
		BetAmount:   amount,
		Outcome:     string(outcome.Category),
		Reward:      outcome.Reward,
		Draw:        outcome.Draw,
		CreatedAtMs: nowMs,
	}

	if err := tx.SetBalance(ctx, playerID, newBalance); err != nil {
		return nil, classify(ctx, "set balance", err)
	}
	if err := tx.AppendRound(ctx, round); err != nil {
		return nil, classify(ctx, "append round", err)
	}
	if err := tx.AppendTransaction(ctx, ledger.Transaction{
		PlayerID:      playerID,
		RoundID:       round.ID,
		Amount:        outcome.Reward,
		Reason:        ledger.ReasonPlay,
		BalanceBefore: balance,
		BalanceAfter:  newBalance,
		CreatedAtMs:   nowMs,
	}); err != nil {
		return nil, classify(ctx, "append transaction", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(ctx, "commit", err)
	}

	return &Result{
		PlayerID:   playerID,
		RoomID:     roomID,
		RoundID:    round.ID,
		Amount:     amount,
		Outcome:    outcome.Category,
		Draw:       outcome.Draw,
		Reward:     outcome.Reward,
		NewBalance: newBalance,
	}, nil
}

func classify(ctx context.Context, step string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ledger.ErrLockTimeout) {
		return fmt.Errorf("%w: %s: %v", betting.ErrTimeout, step, err)
	}
	return fmt.Errorf("%w: %s: %v", betting.ErrStore, step, err)
}
