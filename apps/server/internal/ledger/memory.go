package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Each player row carries its own
// lock so wagers for different players never wait on each other.
type MemoryStore struct {
	mu       sync.Mutex
	players  map[string]*memPlayer
	rounds   []Round
	txs      []Transaction
	roundIDs map[string]struct{}
	nextTxID int64
}

type memPlayer struct {
	Player
	createdAt time.Time
	// lock is a one-slot semaphore so waiting honours ctx.
	lock chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		players:  make(map[string]*memPlayer),
		roundIDs: make(map[string]struct{}),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) RegisterPlayer(_ context.Context, id, displayName string, initialBalance int64) (Player, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Player{}, ErrInvalidPlayerID
	}
	if initialBalance < 0 {
		initialBalance = 0
	}
	displayName = strings.TrimSpace(displayName)

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.players[id]; ok {
		if displayName != "" {
			p.DisplayName = displayName
		}
		return p.Player, nil
	}
	p := &memPlayer{
		Player:    Player{ID: id, DisplayName: displayName, Balance: initialBalance},
		createdAt: time.Now(),
		lock:      make(chan struct{}, 1),
	}
	s.players[id] = p
	return p.Player, nil
}

func (s *MemoryStore) GetPlayer(_ context.Context, id string) (Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[id]
	if !ok {
		return Player{}, ErrNotFound
	}
	return p.Player, nil
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memTx{
		store:    s,
		held:     make(map[string]*memPlayer),
		balances: make(map[string]int64),
	}, nil
}

func (s *MemoryStore) ListRounds(_ context.Context, playerID string, limit int) ([]Round, error) {
	limit = clampLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Round, 0)
	for i := len(s.rounds) - 1; i >= 0 && len(out) < limit; i-- {
		if s.rounds[i].PlayerID == playerID {
			out = append(out, s.rounds[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAtMs > out[j].CreatedAtMs })
	return out, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, playerID string, limit int) ([]Transaction, error) {
	limit = clampLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transaction, 0)
	for i := len(s.txs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.txs[i].PlayerID == playerID {
			out = append(out, s.txs[i])
		}
	}
	return out, nil
}

type memTx struct {
	store    *MemoryStore
	held     map[string]*memPlayer
	balances map[string]int64
	rounds   []Round
	txs      []Transaction
	done     bool
}

func (t *memTx) LockBalance(ctx context.Context, playerID string) (int64, error) {
	if t.done {
		return 0, ErrTxDone
	}
	if _, ok := t.held[playerID]; ok {
		return t.balances[playerID], nil
	}

	t.store.mu.Lock()
	p, ok := t.store.players[playerID]
	t.store.mu.Unlock()
	if !ok {
		return 0, ErrNotFound
	}

	select {
	case p.lock <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	t.held[playerID] = p

	t.store.mu.Lock()
	balance := p.Balance
	t.store.mu.Unlock()
	t.balances[playerID] = balance
	return balance, nil
}

func (t *memTx) SetBalance(_ context.Context, playerID string, balance int64) error {
	if t.done {
		return ErrTxDone
	}
	if _, ok := t.held[playerID]; !ok {
		return ErrNotLocked
	}
	if balance < 0 {
		return ErrNegativeBalance
	}
	t.balances[playerID] = balance
	return nil
}

func (t *memTx) AppendRound(_ context.Context, r Round) error {
	if t.done {
		return ErrTxDone
	}
	if err := validateRound(r); err != nil {
		return err
	}
	if r.CreatedAtMs == 0 {
		r.CreatedAtMs = time.Now().UTC().UnixMilli()
	}
	t.rounds = append(t.rounds, r)
	return nil
}

func (t *memTx) AppendTransaction(_ context.Context, e Transaction) error {
	if t.done {
		return ErrTxDone
	}
	if strings.TrimSpace(e.PlayerID) == "" || strings.TrimSpace(e.Reason) == "" {
		return ErrInvalidRoundData
	}
	if e.CreatedAtMs == 0 {
		e.CreatedAtMs = time.Now().UTC().UnixMilli()
	}
	t.txs = append(t.txs, e)
	return nil
}

func (t *memTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	s := t.store
	s.mu.Lock()
	for _, r := range t.rounds {
		if _, dup := s.roundIDs[r.ID]; dup {
			s.mu.Unlock()
			t.release()
			return ErrInvalidRoundData
		}
	}
	for id, balance := range t.balances {
		t.held[id].Balance = balance
	}
	for _, r := range t.rounds {
		s.roundIDs[r.ID] = struct{}{}
		s.rounds = append(s.rounds, r)
	}
	for _, e := range t.txs {
		s.nextTxID++
		e.ID = s.nextTxID
		s.txs = append(s.txs, e)
	}
	s.mu.Unlock()
	t.release()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.release()
	return nil
}

func (t *memTx) release() {
	t.done = true
	for id, p := range t.held {
		<-p.lock
		delete(t.held, id)
	}
}
