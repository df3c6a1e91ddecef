package lobby

import (
	"context"
	"sort"
	"sync"
	"time"

	"crushwin/apps/server/internal/metrics"
	"crushwin/betting"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Snapshot is an immutable copy of a room's state.
type Snapshot struct {
	RoomID  string   `json:"roomId"`
	GameTag string   `json:"gameTag"`
	Members []string `json:"members"`
	Pot     int64    `json:"pot"`
}

type room struct {
	mu         sync.Mutex
	id         string
	gameTag    string
	members    []string
	memberSet  map[string]struct{}
	pot        int64
	lastActive time.Time
	evicted    bool
}

func (r *room) snapshotLocked() Snapshot {
	members := make([]string, len(r.members))
	copy(members, r.members)
	return Snapshot{
		RoomID:  r.id,
		GameTag: r.gameTag,
		Members: members,
		Pot:     r.pot,
	}
}

// Lobby is the in-memory room registry. Rooms are never persisted; a
// restart loses them.
type Lobby struct {
	mu    sync.RWMutex
	rooms map[string]*room

	newID func() string
	now   func() time.Time
	log   *zap.Logger
}

type Option func(*Lobby)

// WithIDGenerator replaces the room id generator.
func WithIDGenerator(fn func() string) Option {
	return func(l *Lobby) { l.newID = fn }
}

// WithClock replaces the activity clock used for idle eviction.
func WithClock(fn func() time.Time) Option {
	return func(l *Lobby) { l.now = fn }
}

// New creates an empty lobby.
func New(log *zap.Logger, opts ...Option) *Lobby {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Lobby{
		rooms: make(map[string]*room),
		newID: uuid.NewString,
		now:   time.Now,
		log:   log.Named("lobby"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateRoom allocates a room containing only its creator.
func (l *Lobby) CreateRoom(gameTag, creatorID string) Snapshot {
	now := l.now()
	r := &room{
		gameTag:    gameTag,
		members:    []string{creatorID},
		memberSet:  map[string]struct{}{creatorID: {}},
		lastActive: now,
	}

	l.mu.Lock()
	for {
		id := l.newID()
		if _, exists := l.rooms[id]; exists {
			l.log.Warn("room id collision, regenerating", zap.String("room", id))
			continue
		}
		r.id = id
		break
	}
	l.rooms[r.id] = r
	total := len(l.rooms)
	l.mu.Unlock()

	metrics.SetRooms(total)
	l.log.Info("room created",
		zap.String("room", r.id),
		zap.String("game", gameTag),
		zap.String("creator", creatorID),
	)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// JoinRoom adds playerID to the room's members. Joining twice is a no-op.
func (l *Lobby) JoinRoom(roomID, playerID string) (Snapshot, error) {
	r := l.lookup(roomID)
	if r == nil {
		return Snapshot{}, betting.ErrRoomNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return Snapshot{}, betting.ErrRoomNotFound
	}
	if _, ok := r.memberSet[playerID]; !ok {
		r.memberSet[playerID] = struct{}{}
		r.members = append(r.members, playerID)
	}
	r.lastActive = l.now()
	return r.snapshotLocked(), nil
}

// RecordBet adds amount to the room's pot.
func (l *Lobby) RecordBet(roomID string, amount int64) (Snapshot, error) {
	r := l.lookup(roomID)
	if r == nil {
		return Snapshot{}, betting.ErrRoomNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return Snapshot{}, betting.ErrRoomNotFound
	}
	r.pot += amount
	r.lastActive = l.now()
	return r.snapshotLocked(), nil
}

// Snapshot returns the current state of a room.
func (l *Lobby) Snapshot(roomID string) (Snapshot, error) {
	r := l.lookup(roomID)
	if r == nil {
		return Snapshot{}, betting.ErrRoomNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return Snapshot{}, betting.ErrRoomNotFound
	}
	return r.snapshotLocked(), nil
}

// List returns snapshots of all rooms ordered by id.
func (l *Lobby) List() []Snapshot {
	l.mu.RLock()
	rooms := make([]*room, 0, len(l.rooms))
	for _, r := range l.rooms {
		rooms = append(rooms, r)
	}
	l.mu.RUnlock()

	out := make([]Snapshot, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		if !r.evicted {
			out = append(out, r.snapshotLocked())
		}
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// Len returns the number of rooms held.
func (l *Lobby) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rooms)
}

// Sweep evicts rooms idle for at least ttl and returns how many were removed.
func (l *Lobby) Sweep(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := l.now().Add(-ttl)

	l.mu.Lock()
	removed := 0
	for id, r := range l.rooms {
		r.mu.Lock()
		if !r.lastActive.After(cutoff) {
			r.evicted = true
			delete(l.rooms, id)
			removed++
			l.log.Info("room evicted", zap.String("room", id), zap.Int64("pot", r.pot))
		}
		r.mu.Unlock()
	}
	total := len(l.rooms)
	l.mu.Unlock()

	if removed > 0 {
		metrics.SetRooms(total)
	}
	return removed
}

// RunJanitor sweeps idle rooms every interval until ctx is done.
func (l *Lobby) RunJanitor(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = ttl / 2
	}
	if interval <= 0 {
		interval = ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(ttl)
		}
	}
}

func (l *Lobby) lookup(roomID string) *room {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rooms[roomID]
}
