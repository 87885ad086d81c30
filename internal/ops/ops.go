// Package ops defines the operation set shared by the local presentation API
// and the remote bridge: operation names, parameter/result payloads, and the
// wire-mappable error vocabulary. An Invoker executes one operation; the
// local adapter calls the managers directly, the bridge's client adapter
// serializes the same calls to a remote peer.
package ops

import (
	"context"
	"encoding/json"

	"github.com/termbench/benchd/internal/agent"
	"github.com/termbench/benchd/internal/archive"
)

// Op names one operation. The string values are the wire protocol.
type Op string

const (
	PtyCreate   Op = "pty.create"
	PtyWrite    Op = "pty.write"
	PtyResize   Op = "pty.resize"
	PtyRestart  Op = "pty.restart"
	PtyKill     Op = "pty.kill"
	PtyGetCwd   Op = "pty.getCwd"
	PtySnapshot Op = "pty.snapshot"
	PtyList     Op = "pty.list"

	AgentStart             Op = "agent.startSession"
	AgentSend              Op = "agent.sendMessage"
	AgentStop              Op = "agent.stopSession"
	AgentSetPermissionMode Op = "agent.setPermissionMode"
	AgentSetModel          Op = "agent.setModel"
	AgentSetEffort         Op = "agent.setEffort"
	AgentSet1MContext      Op = "agent.set1MContext"
	AgentGetModels         Op = "agent.getSupportedModels"
	AgentResolvePermission Op = "agent.resolvePermission"
	AgentResolveAskUser    Op = "agent.resolveAskUser"
	AgentList              Op = "agent.listSessions"
	AgentResume            Op = "agent.resumeSession"
	AgentReset             Op = "agent.resetSession"
	AgentRest              Op = "agent.restSession"
	AgentWake              Op = "agent.wakeSession"
	AgentIsResting         Op = "agent.isResting"
	AgentMessages          Op = "agent.messages"
	AgentArchive           Op = "agent.archiveMessages"
	AgentLoadArchived      Op = "agent.loadArchived"
	AgentClearArchive      Op = "agent.clearArchive"

	ProfileSave Op = "profile.save"
	ProfileLoad Op = "profile.load"

	// Bridge control operations are always executed by the daemon that
	// receives them; they are never forwarded to a remote peer.
	BridgeStartServer  Op = "bridge.startServer"
	BridgeStopServer   Op = "bridge.stopServer"
	BridgeServerStatus Op = "bridge.serverStatus"
	BridgeConnect      Op = "bridge.connect"
	BridgeDisconnect   Op = "bridge.disconnect"
	BridgeClientStatus Op = "bridge.clientStatus"
)

// Invoker executes one operation. Implementations must be safe for
// concurrent use.
type Invoker interface {
	Invoke(ctx context.Context, op Op, params json.RawMessage) (json.RawMessage, error)
}

// IDParams addresses operations that take only a session id.
type IDParams struct {
	ID string `json:"id"`
}

// PtyCreateParams mirrors pty.CreateOptions on the wire.
type PtyCreateParams struct {
	ID    string `json:"id,omitempty"`
	Cwd   string `json:"cwd"`
	Shell string `json:"shell,omitempty"`
	Cols  int    `json:"cols,omitempty"`
	Rows  int    `json:"rows,omitempty"`
}

// CreateResult returns the id assigned to a new session.
type CreateResult struct {
	ID string `json:"id"`
}

// PtyWriteParams carries raw input bytes (base64 on the wire).
type PtyWriteParams struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

type PtyResizeParams struct {
	ID   string `json:"id"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

type PtyRestartParams struct {
	ID    string `json:"id"`
	Cwd   string `json:"cwd"`
	Shell string `json:"shell,omitempty"`
}

type CwdResult struct {
	Cwd string `json:"cwd"`
}

// SnapshotResult carries recent scrollback (base64 on the wire).
type SnapshotResult struct {
	Data []byte `json:"data"`
}

type ListResult struct {
	IDs []string `json:"ids"`
}

// AgentStartParams mirrors agent.StartOptions on the wire.
type AgentStartParams struct {
	ID             string `json:"id,omitempty"`
	Cwd            string `json:"cwd"`
	Prompt         string `json:"prompt,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
	Model          string `json:"model,omitempty"`
}

type SendParams struct {
	ID     string                  `json:"id"`
	Text   string                  `json:"text"`
	Images []agent.ImageAttachment `json:"images,omitempty"`
}

// SetValueParams covers the string-valued configuration setters.
type SetValueParams struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

type SetBoolParams struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

type ModelsResult struct {
	Models []string `json:"models"`
}

type ResolvePermissionParams struct {
	ID        string `json:"id"`
	ToolUseID string `json:"toolUseId"`
	OptionID  string `json:"optionId,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

type ResolveAskUserParams struct {
	ID        string   `json:"id"`
	ToolUseID string   `json:"toolUseId"`
	Answers   []string `json:"answers"`
}

type ListSessionsParams struct {
	Cwd string `json:"cwd,omitempty"`
}

type ListSessionsResult struct {
	Sessions []archive.SessionRecord `json:"sessions"`
}

type ResumeParams struct {
	ID           string `json:"id"`
	SDKSessionID string `json:"sdkSessionId"`
	Cwd          string `json:"cwd,omitempty"`
}

type BoolResult struct {
	OK bool `json:"ok"`
}

type MessagesResult struct {
	Messages []archive.Message `json:"messages"`
}

type ArchiveParams struct {
	ID       string            `json:"id"`
	Messages []archive.Message `json:"messages"`
}

type LoadArchivedParams struct {
	ID     string `json:"id"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

type ProfileSaveParams struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

type ProfileLoadParams struct {
	Name string `json:"name"`
}

type ProfileResult struct {
	Data string `json:"data"`
}

type BridgeStartParams struct {
	Port  int    `json:"port,omitempty"`
	Token string `json:"token,omitempty"`
}

type BridgeConnectParams struct {
	Addr  string `json:"addr"`
	Token string `json:"token"`
	Label string `json:"label,omitempty"`
}
