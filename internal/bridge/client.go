package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/termbench/benchd/internal/events"
	"github.com/termbench/benchd/internal/ops"
)

// bridgeClient is the driving role: it forwards operations to a remote
// bridge server and relays the remote's session events into the local
// dispatcher. It implements ops.Invoker.
type bridgeClient struct {
	b    *Bridge
	url  string
	conn *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	connected bool
	pending   map[uint64]chan frame
	nextID    uint64

	done chan struct{}
	once sync.Once
}

// dialBridge connects and authenticates against a remote bridge server.
// addr may be host:port or a ws:// / wss:// URL; the /bridge path is added
// when missing.
func dialBridge(ctx context.Context, b *Bridge, addr, token, label string) (*bridgeClient, error) {
	wsURL, err := bridgeURL(addr)
	if err != nil {
		return nil, ops.BadRequest("invalid bridge address %q: %v", addr, err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: b.cfg.HandshakeTimeout,
		ReadBufferSize:   b.cfg.ReadBufferSize,
		WriteBufferSize:  b.cfg.WriteBufferSize,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %v: %w", wsURL, err, ops.ErrConnectionLost)
	}

	conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	if err := conn.WriteJSON(frame{Type: frameHello, Token: token, Label: label}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello: %v: %w", err, ops.ErrConnectionLost)
	}
	conn.SetWriteDeadline(time.Time{})

	conn.SetReadDeadline(time.Now().Add(b.cfg.HandshakeTimeout))
	var reply frame
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("await handshake: %v: %w", err, ops.ErrConnectionLost)
	}
	conn.SetReadDeadline(time.Time{})

	switch reply.Type {
	case frameHelloOK:
	case frameError:
		conn.Close()
		if reply.Code == ops.CodeAuthFailed {
			return nil, fmt.Errorf("%s: %w", reply.Message, ops.ErrAuthFailed)
		}
		return nil, ops.FromWire(reply.Code, reply.Message)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake frame %q: %w", reply.Type, ops.ErrConnectionLost)
	}

	cl := &bridgeClient{
		b:         b,
		url:       wsURL,
		conn:      conn,
		connected: true,
		pending:   make(map[uint64]chan frame),
		done:      make(chan struct{}),
	}
	go cl.readLoop()
	go cl.pinger()

	slog.Info("bridge: connected", "url", wsURL, "label", label)
	return cl, nil
}

// bridgeURL normalizes an address into a WebSocket URL.
func bridgeURL(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/bridge"
	}
	return u.String(), nil
}

// Invoke forwards one operation to the remote peer and waits for its result.
func (c *bridgeClient) Invoke(ctx context.Context, op ops.Op, params json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, fmt.Errorf("invoke %s: %w", op, ops.ErrConnectionLost)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(frame{Type: frameInvoke, ID: id, Op: op, Params: params}); err != nil {
		return nil, fmt.Errorf("invoke %s: %v: %w", op, err, ops.ErrConnectionLost)
	}

	select {
	case f := <-ch:
		if f.Type == frameError {
			return nil, ops.FromWire(f.Code, f.Message)
		}
		return f.Result, nil
	case <-c.done:
		return nil, fmt.Errorf("invoke %s: %w", op, ops.ErrConnectionLost)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *bridgeClient) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.b.cfg.WriteTimeout))
	return c.conn.WriteJSON(f)
}

func (c *bridgeClient) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// close tears down the link and fails every in-flight invoke.
func (c *bridgeClient) close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.connected = false
		c.pending = make(map[uint64]chan frame)
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

// readLoop relays remote events into the local dispatcher and resolves
// pending invokes until the link drops.
func (c *bridgeClient) readLoop() {
	defer func() {
		c.close()
		slog.Info("bridge: link closed", "url", c.url)
	}()

	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case frameResult, frameError:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case frameEvent:
			if f.Event != nil {
				c.b.dispatcher.Deliver(*f.Event)
				// The remote manager owns the session; once it reports the
				// final event, release the local relay queue too. Later
				// deliveries to the same id start a fresh queue.
				if terminalEvent(*f.Event) {
					c.b.dispatcher.DropSession(f.Event.SessionID)
				}
			}
		case framePing:
			_ = c.write(frame{Type: framePong, ID: f.ID})
		case framePong:
			// Keepalive acknowledged.
		}
	}
}

// terminalEvent reports whether e is the last event a session emits.
func terminalEvent(e events.Event) bool {
	switch e.Kind {
	case events.PtyExit:
		return true
	case events.AgentStatus:
		var p struct {
			State string `json:"state"`
		}
		return json.Unmarshal(e.Payload, &p) == nil && p.State == "stopped"
	}
	return false
}

func (c *bridgeClient) pinger() {
	ticker := time.NewTicker(c.b.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.write(frame{Type: framePing}); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}
