// Package gateway serves websocket clients and keeps the connection to
// room group mapping used for broadcasts.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"crushwin/apps/server/internal/httpapi"
	"crushwin/apps/server/internal/metrics"
	"crushwin/apps/server/internal/router"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	readLimit   = 65536
	pongWait    = 60 * time.Second
	pingPeriod  = 30 * time.Second
	writeWait   = 10 * time.Second
	sendBufSize = 256
)

// Dispatcher consumes decoded frames. *router.Router implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, s router.Session, event string, data json.RawMessage)
	RejectFrame(s router.Session, err error)
}

// Gateway manages websocket connections and room groups.
type Gateway struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	groups      map[string]map[string]*Connection
	nextConnID  atomic.Uint64
	sessions    httpapi.SessionResolver
	upgrader    websocket.Upgrader
	ctx         context.Context
	cancel      context.CancelFunc
	log         *zap.Logger
}

func New(sessions httpapi.SessionResolver, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		connections: make(map[string]*Connection),
		groups:      make(map[string]map[string]*Connection),
		sessions:    sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are served from arbitrary embedding origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		log:    log.Named("gateway"),
	}
}

// Handler upgrades requests on the websocket path. A bearer header or
// ?token= query resumes a registered session; an unknown token is refused
// before upgrade.
func (g *Gateway) Handler(d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var playerID, token string
		if token = httpapi.SessionToken(r); token != "" {
			id, ok := g.sessions.ResolveSession(token)
			if !ok {
				http.Error(w, "invalid session token", http.StatusUnauthorized)
				return
			}
			playerID = id
		}

		ws, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.log.Warn("upgrade failed", zap.Error(err))
			return
		}

		c := g.register(ws, playerID, token)
		go c.writePump()
		go c.readPump(d)
	}
}

// Broadcast sends event to every connection in roomID's group.
func (g *Gateway) Broadcast(roomID, event string, payload any) {
	g.mu.RLock()
	members := make([]*Connection, 0, len(g.groups[roomID]))
	for _, c := range g.groups[roomID] {
		members = append(members, c)
	}
	g.mu.RUnlock()

	for _, c := range members {
		c.Reply(event, payload)
	}
}

// GroupSize reports how many live connections are in roomID's group.
func (g *Gateway) GroupSize(roomID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.groups[roomID])
}

func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.connections)
}

// Close disconnects every client. Hijacked connections are not closed by
// http.Server.Shutdown, so callers invoke this during shutdown.
func (g *Gateway) Close() {
	g.cancel()
	g.mu.RLock()
	conns := make([]*Connection, 0, len(g.connections))
	for _, c := range g.connections {
		conns = append(conns, c)
	}
	g.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}

func (g *Gateway) register(ws *websocket.Conn, playerID, token string) *Connection {
	ctx, cancel := context.WithCancel(g.ctx)
	c := &Connection{
		id:       fmt.Sprintf("conn_%d", g.nextConnID.Add(1)),
		gw:       g,
		ws:       ws,
		send:     make(chan outFrame, sendBufSize),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		groups:   make(map[string]struct{}),
		playerID: playerID,
		token:    token,
	}

	g.mu.Lock()
	g.connections[c.id] = c
	total := len(g.connections)
	g.mu.Unlock()

	metrics.ConnectionOpened()
	g.log.Info("client connected",
		zap.String("conn", c.id),
		zap.String("player", playerID),
		zap.Int("total", total),
	)
	return c
}

func (g *Gateway) joinGroup(c *Connection, roomID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.connections[c.id]; !ok {
		return
	}
	members := g.groups[roomID]
	if members == nil {
		members = make(map[string]*Connection)
		g.groups[roomID] = members
	}
	members[c.id] = c
}

func (g *Gateway) removeConnection(c *Connection) {
	g.mu.Lock()
	if _, ok := g.connections[c.id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.connections, c.id)
	for roomID := range c.groupsSnapshot() {
		members := g.groups[roomID]
		delete(members, c.id)
		if len(members) == 0 {
			delete(g.groups, roomID)
		}
	}
	total := len(g.connections)
	g.mu.Unlock()

	metrics.ConnectionClosed()
	g.log.Info("client disconnected",
		zap.String("conn", c.id),
		zap.String("player", c.PlayerID()),
		zap.Int("total", total),
	)
}
