package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"crushwin/apps/server/internal/codec"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type outFrame struct {
	kind codec.Kind
	data []byte
}

// Connection is one websocket client. It implements router.Session.
type Connection struct {
	id     string
	gw     *Gateway
	ws     *websocket.Conn
	send   chan outFrame
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	seq    atomic.Uint64

	closeOnce sync.Once

	mu       sync.Mutex
	playerID string
	token    string
	groups   map[string]struct{}
	kind     codec.Kind
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) PlayerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID
}

func (c *Connection) BindPlayer(playerID, sessionToken string) {
	c.mu.Lock()
	c.playerID = playerID
	c.token = sessionToken
	c.mu.Unlock()
	c.gw.log.Debug("player bound", zap.String("conn", c.id), zap.String("player", playerID))
}

func (c *Connection) JoinGroup(roomID string) {
	c.mu.Lock()
	c.groups[roomID] = struct{}{}
	c.mu.Unlock()
	c.gw.joinGroup(c, roomID)
}

func (c *Connection) InGroup(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.groups[roomID]
	return ok
}

// Reply queues event for this connection, encoded in the frame kind the
// client last used. A full send buffer drops the message.
func (c *Connection) Reply(event string, payload any) {
	c.mu.Lock()
	kind := c.kind
	c.mu.Unlock()

	frame, err := codec.Encode(kind, codec.NewOutbound(c.seq.Add(1), event, payload))
	if err != nil {
		c.gw.log.Error("encode failed", zap.String("conn", c.id), zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case <-c.done:
	case c.send <- outFrame{kind: kind, data: frame}:
	default:
		c.gw.log.Warn("send buffer full, dropping",
			zap.String("conn", c.id),
			zap.String("event", event),
		)
	}
}

func (c *Connection) groupsSnapshot() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]struct{}, len(c.groups))
	for id := range c.groups {
		out[id] = struct{}{}
	}
	return out
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(writeWait))
		c.ws.Close()
	})
}

func (c *Connection) readPump(d Dispatcher) {
	defer func() {
		c.gw.removeConnection(c)
		c.close()
	}()

	c.ws.SetReadLimit(readLimit)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.gw.log.Warn("read error", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}

		kind := codec.KindText
		if messageType == websocket.BinaryMessage {
			kind = codec.KindBinary
		}
		c.mu.Lock()
		c.kind = kind
		c.mu.Unlock()

		in, err := codec.Decode(kind, message)
		if err != nil {
			d.RejectFrame(c, err)
			continue
		}
		d.Dispatch(c.ctx, c, in.Event, in.Data)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return

		case frame := <-c.send:
			messageType := websocket.TextMessage
			if frame.kind == codec.KindBinary {
				messageType = websocket.BinaryMessage
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(messageType, frame.data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
