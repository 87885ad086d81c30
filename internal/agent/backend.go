// Package agent manages long-running agent conversation sessions: lifecycle
// (start/stop/rest/wake/resume), configuration, permission and ask-user
// resolution, and message archival.
package agent

import (
	"context"
	"encoding/json"

	"github.com/termbench/benchd/internal/archive"
	"github.com/termbench/benchd/internal/events"
)

// Backend launches agent conversations. The manager never talks to an agent
// process directly; everything goes through a Conn returned by Start.
type Backend interface {
	// Start spawns the agent and completes its handshake. When spec.ResumeID
	// is set the backend must reattach to that prior conversation and fail if
	// it cannot. Streamed updates and blocking input requests flow through
	// hooks for the lifetime of the Conn.
	Start(ctx context.Context, spec StartSpec, hooks Hooks) (Conn, error)
}

// StartSpec describes the conversation to launch.
type StartSpec struct {
	// SessionID is the orchestrator-visible session id, used for logging.
	SessionID string
	// Cwd is the working directory the agent operates in.
	Cwd string
	// ResumeID is the backend conversation id to reattach to. Empty means a
	// fresh conversation.
	ResumeID string

	Model           string
	Effort          string
	PermissionMode  string
	ExtendedContext bool
}

// Hooks carries the callbacks a backend uses to surface activity.
type Hooks struct {
	// OnUpdate receives streamed updates in the order the agent produced
	// them. It must not block.
	OnUpdate func(u Update)
	// OnRequest blocks until the caller resolves a permission or ask-user
	// request, or ctx is cancelled.
	OnRequest func(ctx context.Context, req Request) Response
}

// Update is one streamed item from a live conversation.
type Update struct {
	Kind events.Kind
	// Message is set for updates that belong in the session transcript
	// (messages, tool use, tool results). Nil for transient items such as
	// stream deltas.
	Message *archive.Message
	// Payload is the event payload delivered to subscribers.
	Payload json.RawMessage
}

// RequestKind distinguishes the two blocking input requests an agent can
// raise mid-turn.
type RequestKind string

const (
	RequestPermission RequestKind = "permission"
	RequestAskUser    RequestKind = "ask_user"
)

// Request is a blocking input request raised by the agent. It stays pending
// until resolved or the session stops.
type Request struct {
	Kind RequestKind
	// ToolUseID keys the pending request for resolution.
	ToolUseID string
	// Payload is the raw request as delivered to subscribers.
	Payload json.RawMessage
	// Options are the choices offered by a permission request.
	Options []RequestOption
	// Questions are the free-form questions of an ask-user request.
	Questions []string
}

// RequestOption is one selectable answer to a permission request.
type RequestOption struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Response resolves a Request.
type Response struct {
	// OptionID selects a permission option.
	OptionID string `json:"optionId,omitempty"`
	// Answers answer an ask-user request, one per question.
	Answers []string `json:"answers,omitempty"`
	// Cancelled marks the request as dismissed without an answer.
	Cancelled bool `json:"cancelled,omitempty"`
}

// PromptBlock is one piece of a user prompt.
type PromptBlock struct {
	Text string `json:"text,omitempty"`
	// ImageData carries an inline image attachment, if any.
	ImageData []byte `json:"imageData,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
}

// TurnResult reports how a prompt turn ended.
type TurnResult struct {
	StopReason string `json:"stopReason"`
}

// Conn is a live connection to one agent conversation.
type Conn interface {
	// ConversationID returns the backend's durable conversation id, used to
	// resume after rest or stop.
	ConversationID() string
	// Prompt delivers one user turn and blocks until the agent finishes it.
	// Updates stream through the Hooks passed to Start.
	Prompt(ctx context.Context, blocks []PromptBlock) (TurnResult, error)
	// SetModel switches the conversation's model mid-session.
	SetModel(ctx context.Context, model string) error
	// SetMode switches the conversation's permission mode mid-session.
	SetMode(ctx context.Context, mode string) error
	// Models lists the model ids the backend advertised at start.
	Models() []string
	// Close tears down the process and connection. Idempotent.
	Close() error
}
