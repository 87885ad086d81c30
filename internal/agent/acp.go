package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/termbench/benchd/internal/archive"
	"github.com/termbench/benchd/internal/events"
)

const (
	// defaultInitTimeout bounds the ACP Initialize/NewSession handshake.
	defaultInitTimeout = 30 * time.Second
	// fileMaxSize caps ReadTextFile/WriteTextFile payloads.
	fileMaxSize = 1 << 20
)

// ACPBackend launches ACP adapter subprocesses (e.g. claude-code-acp) and
// speaks the Agent Client Protocol over their stdio.
type ACPBackend struct {
	// Command is the adapter binary to spawn.
	Command string
	// Args are additional CLI arguments for the adapter.
	Args []string
	// Env are extra environment variables for the adapter process.
	Env []string
	// InitTimeout bounds the protocol handshake. Zero means the default.
	InitTimeout time.Duration
}

// Start spawns the adapter in spec.Cwd and completes the ACP handshake.
// With spec.ResumeID set it reattaches via LoadSession and fails if the
// agent cannot restore that conversation.
func (b *ACPBackend) Start(ctx context.Context, spec StartSpec, hooks Hooks) (Conn, error) {
	env := append([]string(nil), b.Env...)
	if spec.Effort != "" {
		env = append(env, "AGENT_EFFORT="+spec.Effort)
	}

	proc, err := startProcess(processConfig{
		Command: b.Command,
		Args:    b.Args,
		Dir:     spec.Cwd,
		Env:     env,
	})
	if err != nil {
		return nil, err
	}

	client := &acpClient{hooks: hooks, session: spec.SessionID}
	conn := acpsdk.NewClientSideConnection(client, proc.Stdin(), proc.Stdout())

	go drainStderr(spec.SessionID, proc)

	initTimeout := b.InitTimeout
	if initTimeout == 0 {
		initTimeout = defaultInitTimeout
	}
	initCtx, initCancel := context.WithTimeout(ctx, initTimeout)
	defer initCancel()

	slog.Info("acp: sending Initialize request", "session", spec.SessionID)
	initResp, err := conn.Initialize(initCtx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{
			Fs: acpsdk.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	})
	if err != nil {
		proc.Stop()
		return nil, fmt.Errorf("acp initialize failed: %w", err)
	}

	var conversationID string
	var models []string
	if spec.ResumeID != "" {
		if !initResp.AgentCapabilities.LoadSession {
			proc.Stop()
			return nil, fmt.Errorf("agent does not support conversation resumption")
		}
		slog.Info("acp: attempting LoadSession", "session", spec.SessionID, "conversationId", spec.ResumeID)
		client.setReplaying(true)
		loadResp, loadErr := conn.LoadSession(initCtx, acpsdk.LoadSessionRequest{
			SessionId:  acpsdk.SessionId(spec.ResumeID),
			Cwd:        spec.Cwd,
			McpServers: []acpsdk.McpServer{},
		})
		client.setReplaying(false)
		if loadErr != nil {
			proc.Stop()
			return nil, fmt.Errorf("acp load session failed: %w", loadErr)
		}
		conversationID = spec.ResumeID
		models = modelIDs(loadResp)
	} else {
		slog.Info("acp: sending NewSession request", "session", spec.SessionID)
		sessResp, sessErr := conn.NewSession(initCtx, acpsdk.NewSessionRequest{
			Cwd:        spec.Cwd,
			McpServers: []acpsdk.McpServer{},
		})
		if sessErr != nil {
			proc.Stop()
			return nil, fmt.Errorf("acp new session failed: %w", sessErr)
		}
		conversationID = string(sessResp.SessionId)
		models = modelIDs(sessResp)
	}

	c := &acpConn{
		proc:   proc,
		conn:   conn,
		id:     acpsdk.SessionId(conversationID),
		client: client,
		models: models,
	}
	c.applySettings(initCtx, spec)

	return c, nil
}

// acpConn is a live ACP connection to one conversation.
type acpConn struct {
	proc   *agentProcess
	conn   *acpsdk.ClientSideConnection
	id     acpsdk.SessionId
	client *acpClient
	models []string
}

func (c *acpConn) ConversationID() string {
	return string(c.id)
}

func (c *acpConn) Models() []string {
	return append([]string(nil), c.models...)
}

// Prompt delivers one user turn. Streamed updates flow through the client
// callbacks while this call blocks; any agent text still buffered when the
// turn finishes is flushed as a final message.
func (c *acpConn) Prompt(ctx context.Context, blocks []PromptBlock) (TurnResult, error) {
	var content []acpsdk.ContentBlock
	for _, b := range blocks {
		if b.Text != "" {
			content = append(content, acpsdk.TextBlock(b.Text))
		}
		if len(b.ImageData) > 0 {
			// The stdio adapters in use accept text content only.
			slog.Debug("acp: dropping image attachment, backend is text-only", "mimeType", b.MimeType)
		}
	}
	if len(content) == 0 {
		return TurnResult{}, fmt.Errorf("empty prompt")
	}

	resp, err := c.conn.Prompt(ctx, acpsdk.PromptRequest{
		SessionId: c.id,
		Prompt:    content,
	})
	c.client.flushTurn()
	if err != nil {
		return TurnResult{}, err
	}
	return TurnResult{StopReason: string(resp.StopReason)}, nil
}

func (c *acpConn) SetModel(ctx context.Context, model string) error {
	_, err := c.conn.SetSessionModel(ctx, acpsdk.SetSessionModelRequest{
		SessionId: c.id,
		ModelId:   acpsdk.ModelId(model),
	})
	return err
}

func (c *acpConn) SetMode(ctx context.Context, mode string) error {
	_, err := c.conn.SetSessionMode(ctx, acpsdk.SetSessionModeRequest{
		SessionId: c.id,
		ModeId:    acpsdk.SessionModeId(mode),
	})
	return err
}

func (c *acpConn) Close() error {
	return c.proc.Stop()
}

// applySettings pushes model and permission mode to the agent. Both calls
// are non-fatal: an agent that rejects them still works with its defaults.
func (c *acpConn) applySettings(ctx context.Context, spec StartSpec) {
	model := effectiveModel(spec.Model, spec.ExtendedContext)
	if model != "" {
		if err := c.SetModel(ctx, model); err != nil {
			slog.Warn("acp: SetSessionModel failed", "model", model, "error", err)
		}
	}
	if spec.PermissionMode != "" && spec.PermissionMode != "default" {
		if err := c.SetMode(ctx, spec.PermissionMode); err != nil {
			slog.Warn("acp: SetSessionMode failed", "mode", spec.PermissionMode, "error", err)
		}
	}
}

// effectiveModel maps the extended-context flag onto the model id variant
// the backend expects.
func effectiveModel(model string, extendedContext bool) string {
	if model == "" || !extendedContext {
		return model
	}
	return model + "[1m]"
}

// modelIDs extracts advertised model ids from a session response without
// depending on optional SDK fields.
func modelIDs(v any) []string {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var probe struct {
		Models *struct {
			AvailableModels []struct {
				ModelID string `json:"modelId"`
			} `json:"availableModels"`
		} `json:"models"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.Models == nil {
		return nil
	}
	var ids []string
	for _, m := range probe.Models.AvailableModels {
		if m.ModelID != "" {
			ids = append(ids, m.ModelID)
		}
	}
	return ids
}

// drainStderr logs the agent's stderr for diagnostics.
func drainStderr(session string, proc *agentProcess) {
	scanner := bufio.NewScanner(proc.Stderr())
	for scanner.Scan() {
		slog.Warn("agent stderr", "session", session, "line", scanner.Text())
	}
}

// acpClient implements the acp-go-sdk client interface. Session updates are
// translated into transcript updates; permission requests block until the
// manager resolves them.
type acpClient struct {
	hooks   Hooks
	session string

	mu        sync.Mutex
	turnText  strings.Builder
	replaying bool
}

func (c *acpClient) setReplaying(v bool) {
	c.mu.Lock()
	c.replaying = v
	c.mu.Unlock()
}

// flushTurn emits the agent text accumulated from stream deltas as one
// transcript message.
func (c *acpClient) flushTurn() {
	c.mu.Lock()
	text := c.turnText.String()
	c.turnText.Reset()
	c.mu.Unlock()
	if text == "" {
		return
	}
	c.emitMessage(events.AgentMessage, "assistant", text)
}

func (c *acpClient) emitMessage(kind events.Kind, role, text string) {
	payload := events.Payload(MessagePayload{Role: role, Text: text})
	c.hooks.OnUpdate(Update{
		Kind:    kind,
		Message: &archive.Message{Role: role, Content: payload},
		Payload: payload,
	})
}

func (c *acpClient) SessionUpdate(_ context.Context, params acpsdk.SessionNotification) error {
	u := params.Update

	if u.UserMessageChunk != nil {
		// Live prompts are echoed by the manager; user chunks only arrive
		// during LoadSession replay.
		if text := blockText(u.UserMessageChunk.Content); text != "" {
			c.hooks.OnUpdate(Update{
				Kind:    events.AgentHistory,
				Payload: events.Payload(MessagePayload{Role: "user", Text: text}),
			})
		}
	}

	if u.AgentMessageChunk != nil {
		text := blockText(u.AgentMessageChunk.Content)
		if text != "" {
			c.mu.Lock()
			replaying := c.replaying
			if !replaying {
				c.turnText.WriteString(text)
			}
			c.mu.Unlock()
			if replaying {
				c.hooks.OnUpdate(Update{
					Kind:    events.AgentHistory,
					Payload: events.Payload(MessagePayload{Role: "assistant", Text: text}),
				})
			} else {
				c.hooks.OnUpdate(Update{
					Kind:    events.AgentStreamDelta,
					Payload: events.Payload(DeltaPayload{Role: "assistant", Text: text}),
				})
			}
		}
	}

	if u.ToolCall != nil {
		// Keep transcript order: the text produced before this tool call is
		// a complete message.
		c.flushTurn()
		p := ToolPayload{
			ToolUseID: string(u.ToolCall.ToolCallId),
			Title:     u.ToolCall.Title,
			Kind:      string(u.ToolCall.Kind),
			Text:      toolCallText(u.ToolCall.Content),
		}
		payload := events.Payload(p)
		c.hooks.OnUpdate(Update{
			Kind:    events.AgentToolUse,
			Message: &archive.Message{Role: "tool", Content: payload},
			Payload: payload,
		})
	}

	if u.ToolCallUpdate != nil {
		p := ToolPayload{
			ToolUseID: string(u.ToolCallUpdate.ToolCallId),
			Text:      toolCallText(u.ToolCallUpdate.Content),
		}
		if u.ToolCallUpdate.Kind != nil {
			p.Kind = string(*u.ToolCallUpdate.Kind)
		}
		if u.ToolCallUpdate.Status != nil {
			p.Status = string(*u.ToolCallUpdate.Status)
		}
		// Only meaningful updates make the transcript.
		if p.Text != "" || p.Status != "" {
			payload := events.Payload(p)
			c.hooks.OnUpdate(Update{
				Kind:    events.AgentToolResult,
				Message: &archive.Message{Role: "tool", Content: payload},
				Payload: payload,
			})
		}
	}

	return nil
}

func (c *acpClient) RequestPermission(ctx context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return acpsdk.RequestPermissionResponse{}, fmt.Errorf("failed to marshal permission request: %w", err)
	}

	req := Request{
		Kind:      RequestPermission,
		ToolUseID: string(params.ToolCall.ToolCallId),
		Payload:   payload,
	}
	for _, o := range params.Options {
		req.Options = append(req.Options, RequestOption{ID: string(o.OptionId), Name: o.Name})
	}

	resp := c.hooks.OnRequest(ctx, req)
	if !resp.Cancelled {
		for _, o := range params.Options {
			if string(o.OptionId) == resp.OptionID {
				return acpsdk.RequestPermissionResponse{
					Outcome: acpsdk.NewRequestPermissionOutcomeSelected(o.OptionId),
				}, nil
			}
		}
	}
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
	}, nil
}

func (c *acpClient) ReadTextFile(_ context.Context, params acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	if params.Path == "" {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("file path is required")
	}
	if strings.ContainsRune(params.Path, 0) {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("file path contains null byte")
	}

	data, err := os.ReadFile(params.Path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("failed to read file %q: %v", params.Path, err)
	}
	if len(data) > fileMaxSize {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("file %q exceeds maximum size of %d bytes", params.Path, fileMaxSize)
	}

	return acpsdk.ReadTextFileResponse{Content: applyLineLimit(string(data), params.Line, params.Limit)}, nil
}

func (c *acpClient) WriteTextFile(_ context.Context, params acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	if params.Path == "" {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("file path is required")
	}
	if strings.ContainsRune(params.Path, 0) {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("file path contains null byte")
	}
	if len(params.Content) > fileMaxSize {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("content exceeds maximum size of %d bytes", fileMaxSize)
	}

	if err := os.WriteFile(params.Path, []byte(params.Content), 0o644); err != nil {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("failed to write file %q: %v", params.Path, err)
	}
	return acpsdk.WriteTextFileResponse{}, nil
}

func (c *acpClient) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("CreateTerminal not supported")
}

func (c *acpClient) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("KillTerminalCommand not supported")
}

func (c *acpClient) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("TerminalOutput not supported")
}

func (c *acpClient) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("ReleaseTerminal not supported")
}

func (c *acpClient) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("WaitForTerminalExit not supported")
}

// blockText extracts text from a content block, empty for non-text blocks.
func blockText(block acpsdk.ContentBlock) string {
	if block.Text != nil {
		return block.Text.Text
	}
	return ""
}

// toolCallText aggregates text from tool call content blocks.
func toolCallText(contents []acpsdk.ToolCallContent) string {
	var text string
	for _, c := range contents {
		if c.Content != nil && c.Content.Content.Text != nil {
			if text != "" {
				text += "\n"
			}
			text += c.Content.Content.Text.Text
		}
		if c.Diff != nil {
			if text != "" {
				text += "\n"
			}
			text += "diff: " + c.Diff.Path
		}
	}
	return text
}

// applyLineLimit slices content to a 1-based starting line and a line count.
// Nil or non-positive values leave the corresponding bound open.
func applyLineLimit(content string, line, limit *int) string {
	if line == nil && limit == nil {
		return content
	}
	lines := strings.Split(content, "\n")

	start := 0
	if line != nil && *line > 1 {
		start = *line - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit != nil && *limit > 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n")
}
