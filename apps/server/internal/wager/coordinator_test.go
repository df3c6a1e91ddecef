package wager

import (
	"context"
	"errors"
	"math"
	"sort"
	"testing"
	"time"

	"crushwin/apps/server/internal/ledger"
	"crushwin/apps/server/internal/lobby"
	"crushwin/betting"

	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

type fixture struct {
	store ledger.Store
	rooms *lobby.Lobby
	rng   *betting.Sequence
	coord *Coordinator
	room  string
}

func newFixture(t *testing.T, store ledger.Store, draws ...int) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	rooms := lobby.New(log)
	rng := betting.Fixed(draws...)
	f := &fixture{
		store: store,
		rooms: rooms,
		rng:   rng,
		coord: New(store, rooms, rng, time.Second, log),
	}
	f.room = rooms.CreateRoom("dice", "host").RoomID
	return f
}

func (f *fixture) register(t *testing.T, id string, balance int64) {
	t.Helper()
	if _, err := f.store.RegisterPlayer(context.Background(), id, id, balance); err != nil {
		t.Fatalf("register err: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	p, err := f.store.GetPlayer(context.Background(), id)
	if err != nil {
		t.Fatalf("get player err: %v", err)
	}
	return p.Balance
}

func (f *fixture) history(t *testing.T, id string) ([]ledger.Round, []ledger.Transaction) {
	t.Helper()
	ctx := context.Background()
	rounds, err := f.store.ListRounds(ctx, id, 500)
	if err != nil {
		t.Fatalf("list rounds err: %v", err)
	}
	txs, err := f.store.ListTransactions(ctx, id, 500)
	if err != nil {
		t.Fatalf("list transactions err: %v", err)
	}
	return rounds, txs
}

func newSQLiteStore(t *testing.T) ledger.Store {
	t.Helper()
	s, err := ledger.NewSQLiteStore(":memory:", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewSQLiteStore err: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func forEachStore(t *testing.T, fn func(t *testing.T, store ledger.Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, ledger.NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
}

func TestPlaceWager_LoseDraw(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.Store) {
		f := newFixture(t, store, 10)
		f.register(t, "p1", 1000)

		res, err := f.coord.PlaceWager(context.Background(), "p1", f.room, 100)
		if err != nil {
			t.Fatalf("PlaceWager err: %v", err)
		}
		if res.Outcome != betting.CategoryLose || res.Reward != -100 || res.NewBalance != 900 || res.Amount != 100 {
			t.Fatalf("unexpected result: %+v", res)
		}
		if res.Pot == nil || *res.Pot != 100 {
			t.Fatalf("expected pot 100, got %v", res.Pot)
		}
		if got := f.balance(t, "p1"); got != 900 {
			t.Fatalf("expected stored balance 900, got %d", got)
		}

		rounds, txs := f.history(t, "p1")
		if len(rounds) != 1 || len(txs) != 1 {
			t.Fatalf("expected one round and one transaction, got %d/%d", len(rounds), len(txs))
		}
		if rounds[0].Draw != 10 || rounds[0].RoomID != f.room || rounds[0].ID != res.RoundID {
			t.Fatalf("unexpected round: %+v", rounds[0])
		}
		if txs[0].Reason != ledger.ReasonPlay || txs[0].Amount != -100 || txs[0].RoundID != res.RoundID {
			t.Fatalf("unexpected transaction: %+v", txs[0])
		}
	})
}

func TestPlaceWager_JackpotDraw(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.Store) {
		f := newFixture(t, store, 97)
		f.register(t, "p1", 1000)

		res, err := f.coord.PlaceWager(context.Background(), "p1", f.room, 100)
		if err != nil {
			t.Fatalf("PlaceWager err: %v", err)
		}
		if res.Outcome != betting.CategoryJackpot || res.Reward != 900 || res.NewBalance != 1900 {
			t.Fatalf("unexpected result: %+v", res)
		}
		if got := f.balance(t, "p1"); got != 1900 {
			t.Fatalf("expected stored balance 1900, got %d", got)
		}
	})
}

func TestPlaceWager_RejectsNonPositiveAmountBeforeStore(t *testing.T) {
	f := newFixture(t, ledger.NewMemoryStore(), 50)
	f.register(t, "p1", 1000)

	for _, amount := range []int64{0, -1, -100} {
		if _, err := f.coord.PlaceWager(context.Background(), "p1", f.room, amount); !errors.Is(err, betting.ErrInvalidAmount) {
			t.Fatalf("amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
	if f.rng.Used() != 0 {
		t.Fatalf("invalid amounts must not draw")
	}
	if got := f.balance(t, "p1"); got != 1000 {
		t.Fatalf("ledger changed: %d", got)
	}
	// Store is never consulted, so an unknown player still gets the
	// validation error.
	if _, err := f.coord.PlaceWager(context.Background(), "ghost", f.room, 0); !errors.Is(err, betting.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestPlaceWager_RejectsStakesWhosePayoutWouldOverflow(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.Store) {
		f := newFixture(t, store, 97)
		f.register(t, "whale", 2_100_000_000_000_000_000)
		f.register(t, "rich", math.MaxInt64-100)

		if _, err := f.coord.PlaceWager(context.Background(), "whale", f.room, 2_100_000_000_000_000_000); !errors.Is(err, betting.ErrInvalidAmount) {
			t.Fatalf("oversized stake: expected ErrInvalidAmount, got %v", err)
		}
		// Stake is in range but a jackpot would push the balance past int64.
		if _, err := f.coord.PlaceWager(context.Background(), "rich", f.room, 100); !errors.Is(err, betting.ErrInvalidAmount) {
			t.Fatalf("no headroom: expected ErrInvalidAmount, got %v", err)
		}
		if f.rng.Used() != 0 {
			t.Fatalf("rejected wager must not draw")
		}
		for id, want := range map[string]int64{"whale": 2_100_000_000_000_000_000, "rich": math.MaxInt64 - 100} {
			if got := f.balance(t, id); got != want {
				t.Fatalf("%s balance changed: %d", id, got)
			}
			rounds, txs := f.history(t, id)
			if len(rounds) != 0 || len(txs) != 0 {
				t.Fatalf("%s: rejected wager left records: %d/%d", id, len(rounds), len(txs))
			}
		}

		// The largest stake still pays its exact jackpot.
		res, err := f.coord.PlaceWager(context.Background(), "whale", f.room, betting.MaxStake)
		if err != nil {
			t.Fatalf("max stake err: %v", err)
		}
		want := int64(2_100_000_000_000_000_000) + betting.JackpotMultiple*betting.MaxStake
		if res.Reward != betting.JackpotMultiple*betting.MaxStake || res.NewBalance != want {
			t.Fatalf("unexpected max stake result: %+v", res)
		}
		if got := f.balance(t, "whale"); got != want {
			t.Fatalf("expected stored balance %d, got %d", want, got)
		}
	})
}

func TestPlaceWager_InsufficientBalanceLeavesNoRecords(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.Store) {
		f := newFixture(t, store, 97)
		f.register(t, "p1", 50)

		if _, err := f.coord.PlaceWager(context.Background(), "p1", f.room, 51); !errors.Is(err, betting.ErrInsufficientBalance) {
			t.Fatalf("expected ErrInsufficientBalance, got %v", err)
		}
		if f.rng.Used() != 0 {
			t.Fatalf("rejected wager must not draw")
		}
		rounds, txs := f.history(t, "p1")
		if len(rounds) != 0 || len(txs) != 0 {
			t.Fatalf("rejected wager left records: %d/%d", len(rounds), len(txs))
		}
		snap, _ := f.rooms.Snapshot(f.room)
		if snap.Pot != 0 {
			t.Fatalf("rejected wager reached the pot: %d", snap.Pot)
		}

		// Staking the whole balance is allowed.
		res, err := f.coord.PlaceWager(context.Background(), "p1", f.room, 50)
		if err != nil {
			t.Fatalf("full-balance wager err: %v", err)
		}
		if res.NewBalance != 500 {
			t.Fatalf("expected 500 after jackpot, got %d", res.NewBalance)
		}
	})
}

func TestPlaceWager_UnknownPlayer(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.Store) {
		f := newFixture(t, store, 50)
		if _, err := f.coord.PlaceWager(context.Background(), "ghost", f.room, 10); !errors.Is(err, betting.ErrPlayerNotFound) {
			t.Fatalf("expected ErrPlayerNotFound, got %v", err)
		}
	})
}

func TestPlaceWager_MissingRoomStillCommits(t *testing.T) {
	f := newFixture(t, ledger.NewMemoryStore(), 50)
	f.register(t, "p1", 1000)

	res, err := f.coord.PlaceWager(context.Background(), "p1", "vanished", 100)
	if err != nil {
		t.Fatalf("PlaceWager err: %v", err)
	}
	if res.Pot != nil {
		t.Fatalf("expected unavailable pot, got %d", *res.Pot)
	}
	if res.NewBalance != 1100 || f.balance(t, "p1") != 1100 {
		t.Fatalf("wager should have committed: %+v", res)
	}
}

type failingStore struct {
	ledger.Store
	failOn string
}

func (s *failingStore) Begin(ctx context.Context) (ledger.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &failingTx{Tx: tx, failOn: s.failOn}, nil
}

type failingTx struct {
	ledger.Tx
	failOn string
}

var errInjected = errors.New("injected failure")

func (t *failingTx) AppendRound(ctx context.Context, r ledger.Round) error {
	if t.failOn == "round" {
		return errInjected
	}
	return t.Tx.AppendRound(ctx, r)
}

func (t *failingTx) AppendTransaction(ctx context.Context, e ledger.Transaction) error {
	if t.failOn == "transaction" {
		return errInjected
	}
	return t.Tx.AppendTransaction(ctx, e)
}

func (t *failingTx) Commit() error {
	if t.failOn == "commit" {
		_ = t.Tx.Rollback()
		return errInjected
	}
	return t.Tx.Commit()
}

func TestPlaceWager_StoreFailureIsAllOrNothing(t *testing.T) {
	for _, step := range []string{"round", "transaction", "commit"} {
		t.Run(step, func(t *testing.T) {
			forEachStore(t, func(t *testing.T, store ledger.Store) {
				f := newFixture(t, &failingStore{Store: store, failOn: step}, 97)
				f.register(t, "p1", 1000)

				_, err := f.coord.PlaceWager(context.Background(), "p1", f.room, 100)
				if !errors.Is(err, betting.ErrStore) {
					t.Fatalf("expected ErrStore, got %v", err)
				}
				if got := f.balance(t, "p1"); got != 1000 {
					t.Fatalf("balance changed to %d", got)
				}
				rounds, txs := f.history(t, "p1")
				if len(rounds) != 0 || len(txs) != 0 {
					t.Fatalf("partial records survived: %d/%d", len(rounds), len(txs))
				}
				snap, _ := f.rooms.Snapshot(f.room)
				if snap.Pot != 0 {
					t.Fatalf("pot updated for aborted wager: %d", snap.Pot)
				}
			})
		})
	}
}

func TestPlaceWager_TimesOutWaitingForPlayerLock(t *testing.T) {
	store := ledger.NewMemoryStore()
	log := zaptest.NewLogger(t)
	rooms := lobby.New(log)
	coord := New(store, rooms, betting.Fixed(50), 30*time.Millisecond, log)
	ctx := context.Background()
	if _, err := store.RegisterPlayer(ctx, "p1", "p1", 1000); err != nil {
		t.Fatalf("register err: %v", err)
	}
	if _, err := store.RegisterPlayer(ctx, "p2", "p2", 1000); err != nil {
		t.Fatalf("register err: %v", err)
	}

	holder, _ := store.Begin(ctx)
	if _, err := holder.LockBalance(ctx, "p1"); err != nil {
		t.Fatalf("lock err: %v", err)
	}
	defer holder.Rollback()

	if _, err := coord.PlaceWager(ctx, "p1", "room", 10); !errors.Is(err, betting.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	// Another player's wager is not held up by p1's lock.
	if _, err := coord.PlaceWager(ctx, "p2", "room", 10); err != nil {
		t.Fatalf("p2 wager err: %v", err)
	}
	p, _ := store.GetPlayer(ctx, "p1")
	if p.Balance != 1000 {
		t.Fatalf("timed out wager changed balance: %d", p.Balance)
	}
}

func TestPlaceWager_ConcurrentSamePlayerNoLostUpdates(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ledger.Store) {
		const (
			n       = 40
			initial = int64(100_000)
			stake   = int64(10)
		)
		f := newFixture(t, store, 10, 50, 97, 60, 3)
		f.register(t, "p1", initial)

		results := make([]*Result, n)
		var g errgroup.Group
		for i := 0; i < n; i++ {
			i := i
			g.Go(func() error {
				res, err := f.coord.PlaceWager(context.Background(), "p1", f.room, stake)
				results[i] = res
				return err
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("concurrent wager err: %v", err)
		}

		var sum int64
		for _, r := range results {
			sum += r.Reward
		}
		final := f.balance(t, "p1")
		if final != initial+sum {
			t.Fatalf("lost update: final=%d initial+rewards=%d", final, initial+sum)
		}

		snap, _ := f.rooms.Snapshot(f.room)
		if snap.Pot != n*stake {
			t.Fatalf("expected pot %d, got %d", n*stake, snap.Pot)
		}

		// Replaying the transaction chain oldest-first reconstructs every
		// balance handed back to callers.
		rounds, txs := f.history(t, "p1")
		if len(rounds) != n || len(txs) != n {
			t.Fatalf("expected %d rounds and transactions, got %d/%d", n, len(rounds), len(txs))
		}
		sort.Slice(txs, func(i, j int) bool { return txs[i].ID < txs[j].ID })
		roundByID := make(map[string]ledger.Round, len(rounds))
		for _, r := range rounds {
			roundByID[r.ID] = r
		}
		returned := make(map[string]int64, n)
		for _, r := range results {
			returned[r.RoundID] = r.NewBalance
		}
		balance := initial
		for _, tx := range txs {
			if tx.BalanceBefore != balance {
				t.Fatalf("tx %d saw stale balance %d, expected %d", tx.ID, tx.BalanceBefore, balance)
			}
			round, ok := roundByID[tx.RoundID]
			if !ok {
				t.Fatalf("tx %d has no round", tx.ID)
			}
			if round.Reward != tx.Amount {
				t.Fatalf("round %s reward %d != tx amount %d", round.ID, round.Reward, tx.Amount)
			}
			balance += tx.Amount
			if returned[tx.RoundID] != balance {
				t.Fatalf("round %s: replayed %d, returned %d", tx.RoundID, balance, returned[tx.RoundID])
			}
		}
		if balance != final {
			t.Fatalf("replay ended at %d, stored %d", balance, final)
		}
	})
}
