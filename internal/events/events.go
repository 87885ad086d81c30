// Package events defines the asynchronous event model shared by the PTY
// manager, the agent manager, and the remote bridge. Producers hand events to
// a Sink; the local Dispatcher fans them out to subscribed observers in
// per-session order.
package events

import (
	"encoding/json"
	"time"
)

// Kind names an event type. Kinds are stable wire identifiers.
type Kind string

// PTY session events.
const (
	PtyOutput Kind = "pty.output"
	PtyExit   Kind = "pty.exit"
)

// Agent session events.
const (
	AgentMessage     Kind = "agent.message"
	AgentToolUse     Kind = "agent.tool_use"
	AgentToolResult  Kind = "agent.tool_result"
	AgentResult      Kind = "agent.result"
	AgentStreamDelta Kind = "agent.stream_delta"
	AgentStatus      Kind = "agent.status"
	AgentError       Kind = "agent.error"
	AgentModeChange  Kind = "agent.mode_change"
	AgentHistory     Kind = "agent.history"
	AgentPermission  Kind = "agent.permission_request"
	AgentAskUser     Kind = "agent.ask_user"
)

// Event is a single asynchronous notification scoped to one session.
// Seq is assigned by the dispatcher and is strictly increasing per session.
type Event struct {
	SessionID string          `json:"sessionId"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Seq       uint64          `json:"seq"`
	Time      time.Time       `json:"time"`
}

// Sink is an abstract delivery point for session events. The local
// Dispatcher and the bridge's remote-forwarding sink both implement it.
type Sink interface {
	Deliver(e Event)
}

// SessionDropper is implemented by sinks that hold per-session delivery
// resources, such as the Dispatcher's queues.
type SessionDropper interface {
	DropSession(sessionID string)
}

// Drop releases a finished session's delivery resources when the sink holds
// any. Managers call it after the session's final event has been delivered;
// delivering to the same id later is safe and starts a fresh queue.
func Drop(s Sink, sessionID string) {
	if d, ok := s.(SessionDropper); ok {
		d.DropSession(sessionID)
	}
}

// Handler receives events for a subscription.
type Handler func(e Event)

// Payload marshals v for use as an event payload. Marshal failures collapse
// to null rather than dropping the event.
func Payload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
