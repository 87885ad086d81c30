// Package bridge links two daemons over a token-authenticated WebSocket so
// one side (the client) can drive the other side's (the server's) sessions.
// The roles are mutually exclusive per process.
package bridge

import (
	"encoding/json"

	"github.com/termbench/benchd/internal/events"
	"github.com/termbench/benchd/internal/ops"
)

// frameType tags one wire frame.
type frameType string

const (
	frameHello   frameType = "hello"    // client → server: token + label
	frameHelloOK frameType = "hello_ok" // server → client: handshake accepted
	frameInvoke  frameType = "invoke"   // client → server: run an operation
	frameResult  frameType = "result"   // server → client: operation result
	frameError   frameType = "error"    // server → client: operation failure
	frameEvent   frameType = "event"    // server → client: session event relay
	framePing    frameType = "ping"     // either direction keepalive
	framePong    frameType = "pong"
)

// frame is the single JSON envelope of the bridge protocol. ID correlates
// invoke frames with their result or error.
type frame struct {
	Type frameType `json:"type"`
	ID   uint64    `json:"id,omitempty"`

	// Handshake fields.
	Token string `json:"token,omitempty"`
	Label string `json:"label,omitempty"`

	// Invocation fields.
	Op     ops.Op          `json:"op,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	// Error fields.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// Event relay.
	Event *events.Event `json:"event,omitempty"`
}
