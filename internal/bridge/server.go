package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/termbench/benchd/internal/events"
	"github.com/termbench/benchd/internal/ops"
)

// bridgeServer is the serving role: it accepts authenticated WebSocket
// clients, executes their invokes against the local managers, and relays
// every local session event to all of them.
type bridgeServer struct {
	b     *Bridge
	token string
	port  int

	ln      net.Listener
	httpSrv *http.Server
	unsub   func()

	mu      sync.Mutex
	clients map[*serverConn]struct{}
	closed  bool
}

// serverConn is one authenticated remote client.
type serverConn struct {
	conn        *websocket.Conn
	label       string
	remoteAddr  string
	connectedAt time.Time
	sendCh      chan frame
	done        chan struct{}
	once        sync.Once
}

func newBridgeServer(b *Bridge, port int, token string) (*bridgeServer, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %v: %w", port, err, ops.ErrPortUnavailable)
	}
	if token == "" {
		token = uuid.NewString()
	}

	srv := &bridgeServer{
		b:       b,
		token:   token,
		port:    ln.Addr().(*net.TCPAddr).Port,
		ln:      ln,
		clients: make(map[*serverConn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/bridge", srv.handleWS)
	srv.httpSrv = &http.Server{Handler: mux}

	// Relay every local session event to all connected clients. The
	// dispatcher's per-session queues keep one slow session from starving
	// the others; a saturated client drops frames rather than blocking.
	srv.unsub = b.dispatcher.Subscribe("", "", srv.broadcastEvent)

	go func() {
		if err := srv.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("bridge: server stopped", "error", err)
		}
	}()

	slog.Info("bridge: serving", "port", srv.port)
	return srv, nil
}

func (s *bridgeServer) status() ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := ServerStatus{Port: s.port, Token: s.token, Clients: []ClientInfo{}}
	for c := range s.clients {
		st.Clients = append(st.Clients, ClientInfo{
			Label:       c.label,
			RemoteAddr:  c.remoteAddr,
			ConnectedAt: c.connectedAt,
		})
	}
	return st
}

func (s *bridgeServer) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*serverConn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.clients = make(map[*serverConn]struct{})
	s.mu.Unlock()

	s.unsub()
	for _, c := range conns {
		c.shutdown()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(ctx)
}

// handleWS upgrades a connection and runs the token handshake. The first
// frame must be a hello carrying the exact token; anything else closes the
// connection without registering a client.
func (s *bridgeServer) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.b.cfg.ReadBufferSize,
		WriteBufferSize: s.b.cfg.WriteBufferSize,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("bridge: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(s.b.cfg.HandshakeTimeout))
	var hello frame
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != frameHello {
		slog.Warn("bridge: handshake not received", "remote", r.RemoteAddr)
		conn.Close()
		return
	}
	if subtle.ConstantTimeCompare([]byte(hello.Token), []byte(s.token)) != 1 {
		slog.Warn("bridge: rejected client with bad token", "remote", r.RemoteAddr, "label", hello.Label)
		conn.SetWriteDeadline(time.Now().Add(s.b.cfg.WriteTimeout))
		_ = conn.WriteJSON(frame{Type: frameError, Code: ops.CodeAuthFailed, Message: "bad token"})
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	c := &serverConn{
		conn:        conn,
		label:       hello.Label,
		remoteAddr:  r.RemoteAddr,
		connectedAt: time.Now().UTC(),
		sendCh:      make(chan frame, s.b.cfg.SendQueueSize),
		done:        make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(s.b.cfg.WriteTimeout))
	if err := conn.WriteJSON(frame{Type: frameHelloOK}); err != nil {
		s.drop(c)
		return
	}
	conn.SetWriteDeadline(time.Time{})

	slog.Info("bridge: client connected", "remote", c.remoteAddr, "label", c.label)
	go s.writePump(c)
	s.readLoop(c)
}

func (s *bridgeServer) drop(c *serverConn) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.shutdown()
}

func (c *serverConn) shutdown() {
	c.once.Do(func() { close(c.done) })
	c.conn.Close()
}

// send queues a frame for the client, dropping it when the queue is full so
// a slow link never blocks the caller.
func (c *serverConn) send(f frame) {
	select {
	case c.sendCh <- f:
	case <-c.done:
	default:
		slog.Warn("bridge: client send queue full, dropping frame", "remote", c.remoteAddr, "type", f.Type)
	}
}

func (s *bridgeServer) writePump(c *serverConn) {
	defer c.shutdown()
	for {
		select {
		case f := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(s.b.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(f); err != nil {
				slog.Warn("bridge: client write failed", "remote", c.remoteAddr, "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop serves invoke frames until the client goes away. Each invoke runs
// on its own goroutine so a long operation never stalls the link.
func (s *bridgeServer) readLoop(c *serverConn) {
	defer func() {
		s.drop(c)
		slog.Info("bridge: client disconnected", "remote", c.remoteAddr, "label", c.label)
	}()

	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case frameInvoke:
			go s.serveInvoke(c, f)
		case framePing:
			c.send(frame{Type: framePong, ID: f.ID})
		}
	}
}

func (s *bridgeServer) serveInvoke(c *serverConn, f frame) {
	result, err := s.b.local.Invoke(context.Background(), f.Op, f.Params)
	if err != nil {
		c.send(frame{Type: frameError, ID: f.ID, Code: ops.CodeOf(err), Message: err.Error()})
		return
	}
	if result == nil {
		result = json.RawMessage(`{}`)
	}
	c.send(frame{Type: frameResult, ID: f.ID, Result: result})
}

func (s *bridgeServer) broadcastEvent(e events.Event) {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	ev := e
	for _, c := range conns {
		c.send(frame{Type: frameEvent, Event: &ev})
	}
}
