package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/termbench/benchd/internal/events"
	"github.com/termbench/benchd/internal/ops"
)

// clientMessage is one frame from the presentation layer.
type clientMessage struct {
	Type string `json:"type"` // invoke, subscribe, unsubscribe, ping
	ID   uint64 `json:"id,omitempty"`

	// invoke fields.
	Op     ops.Op          `json:"op,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// subscribe/unsubscribe fields. Empty sessionId or kind match all.
	SessionID      string      `json:"sessionId,omitempty"`
	Kind           events.Kind `json:"kind,omitempty"`
	SubscriptionID uint64      `json:"subscriptionId,omitempty"`
}

// serverMessage is one frame to the presentation layer.
type serverMessage struct {
	Type string `json:"type"` // result, error, event, pong
	ID   uint64 `json:"id,omitempty"`

	Result  json.RawMessage `json:"result,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`

	Event *events.Event `json:"event,omitempty"`
}

type subscribeResult struct {
	SubscriptionID uint64 `json:"subscriptionId"`
}

// wsConn is one presentation-layer connection with its subscriptions.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[uint64]func()
	nextID uint64
	closed bool
}

// handleWS runs the invoke/subscribe protocol for one client.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &wsConn{conn: conn, subs: make(map[uint64]func())}
	defer c.close()

	slog.Debug("presentation client connected", "remote", r.RemoteAddr)
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			slog.Debug("presentation client disconnected", "remote", r.RemoteAddr, "error", err)
			return
		}

		switch msg.Type {
		case "invoke":
			// Each invoke runs on its own goroutine: sendMessage blocks for
			// a whole turn and must not stall resolvePermission frames on
			// the same connection.
			go s.serveInvoke(r.Context(), c, msg)

		case "subscribe":
			id := c.subscribe(s.dispatcher, msg.SessionID, msg.Kind)
			c.write(serverMessage{Type: "result", ID: msg.ID, Result: events.Payload(subscribeResult{SubscriptionID: id})})

		case "unsubscribe":
			c.unsubscribe(msg.SubscriptionID)
			c.write(serverMessage{Type: "result", ID: msg.ID})

		case "ping":
			c.write(serverMessage{Type: "pong", ID: msg.ID})

		default:
			c.write(serverMessage{Type: "error", ID: msg.ID, Code: ops.CodeBadRequest,
				Message: "unknown message type " + msg.Type})
		}
	}
}

func (s *Server) serveInvoke(ctx context.Context, c *wsConn, msg clientMessage) {
	var (
		result json.RawMessage
		err    error
	)
	if isBridgeOp(msg.Op) {
		result, err = s.invokeBridge(ctx, msg.Op, msg.Params)
	} else {
		result, err = s.bridge.Invoker().Invoke(ctx, msg.Op, msg.Params)
	}
	if err != nil {
		c.write(serverMessage{Type: "error", ID: msg.ID, Code: ops.CodeOf(err), Message: err.Error()})
		return
	}
	if result == nil {
		result = json.RawMessage(`{}`)
	}
	c.write(serverMessage{Type: "result", ID: msg.ID, Result: result})
}

func (c *wsConn) subscribe(d *events.Dispatcher, sessionID string, kind events.Kind) uint64 {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	dispose := d.Subscribe(sessionID, kind, func(e events.Event) {
		ev := e
		c.write(serverMessage{Type: "event", Event: &ev})
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		dispose()
		return id
	}
	c.subs[id] = dispose
	c.mu.Unlock()
	return id
}

func (c *wsConn) unsubscribe(id uint64) {
	c.mu.Lock()
	dispose, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	if ok {
		dispose()
	}
}

func (c *wsConn) write(msg serverMessage) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteJSON(msg); err != nil {
		slog.Debug("presentation write failed", "error", err)
	}
}

func (c *wsConn) close() {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = make(map[uint64]func())
	c.mu.Unlock()

	for _, dispose := range subs {
		dispose()
	}
	c.conn.Close()
}
