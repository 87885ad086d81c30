package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/termbench/benchd/internal/events"
	"github.com/termbench/benchd/internal/ops"
)

// Role is the bridge's current mode. Server and client are mutually
// exclusive: a daemon either exposes its sessions or drives a remote's.
type Role string

const (
	RoleNone   Role = "none"
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// Config holds bridge tunables.
type Config struct {
	// HandshakeTimeout bounds the hello/hello_ok exchange on both roles.
	HandshakeTimeout time.Duration
	// SendQueueSize is the per-connection outbound frame queue.
	SendQueueSize int
	// WriteTimeout bounds one WebSocket write.
	WriteTimeout time.Duration
	// PingInterval is the client keepalive period.
	PingInterval time.Duration

	ReadBufferSize  int
	WriteBufferSize int
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	return c
}

// ServerStatus describes the serving role.
type ServerStatus struct {
	Port    int          `json:"port"`
	Token   string       `json:"token"`
	Clients []ClientInfo `json:"clients"`
}

// ClientInfo describes one authenticated remote client.
type ClientInfo struct {
	Label       string    `json:"label,omitempty"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// ClientStatus describes the client role.
type ClientStatus struct {
	Connected bool   `json:"connected"`
	URL       string `json:"url,omitempty"`
}

// Bridge owns the remote role state. The zero role serves local sessions
// only.
type Bridge struct {
	cfg        Config
	local      ops.Invoker
	dispatcher *events.Dispatcher

	mu     sync.Mutex
	role   Role
	server *bridgeServer
	client *bridgeClient
}

// New creates a bridge in RoleNone.
func New(cfg Config, local ops.Invoker, d *events.Dispatcher) *Bridge {
	return &Bridge{
		cfg:        cfg.withDefaults(),
		local:      local,
		dispatcher: d,
		role:       RoleNone,
	}
}

// Role returns the current role.
func (b *Bridge) Role() Role {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.role
}

// Invoker returns the invoker callers should route operations through: the
// remote peer while connected as a client, the local managers otherwise.
// This keeps the presentation layer oblivious to where sessions live.
func (b *Bridge) Invoker() ops.Invoker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.role == RoleClient && b.client != nil && b.client.isConnected() {
		return b.client
	}
	return b.local
}

// StartServer begins serving local sessions to remote clients on port
// (0 picks an ephemeral one). The token is returned verbatim when given,
// generated when empty. Fails with ErrPortUnavailable if the listener
// cannot bind, and with an invalid-state error if a role is already active.
func (b *Bridge) StartServer(port int, token string) (ServerStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.role != RoleNone {
		return ServerStatus{}, ops.FromWire(ops.CodeInvalidState, fmt.Sprintf("bridge already active as %s", b.role))
	}

	srv, err := newBridgeServer(b, port, token)
	if err != nil {
		return ServerStatus{}, err
	}
	b.server = srv
	b.role = RoleServer
	return srv.status(), nil
}

// StopServer tears down the serving role, disconnecting all clients.
// Returns false when no server is running.
func (b *Bridge) StopServer() bool {
	b.mu.Lock()
	if b.role != RoleServer || b.server == nil {
		b.mu.Unlock()
		return false
	}
	srv := b.server
	b.server = nil
	b.role = RoleNone
	b.mu.Unlock()

	srv.close()
	return true
}

// ServerStatus reports the serving role. ok is false when not serving.
func (b *Bridge) ServerStatus() (ServerStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.role != RoleServer || b.server == nil {
		return ServerStatus{}, false
	}
	return b.server.status(), true
}

// Connect dials a remote bridge server and authenticates. On success the
// bridge enters RoleClient and Invoker() routes operations to the peer;
// remote session events are relayed into the local dispatcher. Fails with
// ErrAuthFailed on a rejected token and ErrConnectionLost when the peer is
// unreachable.
func (b *Bridge) Connect(ctx context.Context, addr, token, label string) error {
	b.mu.Lock()
	if b.role != RoleNone {
		role := b.role
		b.mu.Unlock()
		return ops.FromWire(ops.CodeInvalidState, fmt.Sprintf("bridge already active as %s", role))
	}
	b.mu.Unlock()

	cl, err := dialBridge(ctx, b, addr, token, label)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.role != RoleNone {
		role := b.role
		b.mu.Unlock()
		cl.close()
		return ops.FromWire(ops.CodeInvalidState, fmt.Sprintf("bridge already active as %s", role))
	}
	b.client = cl
	b.role = RoleClient
	b.mu.Unlock()
	return nil
}

// Disconnect leaves the client role. Returns false when not a client.
func (b *Bridge) Disconnect() bool {
	b.mu.Lock()
	if b.role != RoleClient || b.client == nil {
		b.mu.Unlock()
		return false
	}
	cl := b.client
	b.client = nil
	b.role = RoleNone
	b.mu.Unlock()

	cl.close()
	return true
}

// ClientStatus reports the client role. A lost link shows Connected=false
// until Disconnect clears the role.
func (b *Bridge) ClientStatus() ClientStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.role != RoleClient || b.client == nil {
		return ClientStatus{}
	}
	return ClientStatus{Connected: b.client.isConnected(), URL: b.client.url}
}

// Close tears down whichever role is active. Used during shutdown.
func (b *Bridge) Close() {
	b.StopServer()
	b.Disconnect()
}
