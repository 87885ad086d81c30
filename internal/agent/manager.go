package agent

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/termbench/benchd/internal/archive"
	"github.com/termbench/benchd/internal/events"
	"github.com/termbench/benchd/internal/registry"
)

// ManagerConfig holds tunables for the agent session manager.
type ManagerConfig struct {
	// StartTimeout bounds backend start, wake, and resume handshakes.
	StartTimeout time.Duration
	// PromptTimeout bounds one prompt turn.
	PromptTimeout time.Duration
	// MessageWindow caps the in-memory window; older messages spill into the
	// archive automatically.
	MessageWindow int

	DefaultModel          string
	DefaultPermissionMode string
}

// StartOptions configures startSession.
type StartOptions struct {
	// ID is the caller-chosen session id. Empty means generate one.
	ID string `json:"id,omitempty"`
	// Cwd is the working directory the agent operates in.
	Cwd string `json:"cwd"`
	// Prompt, when set, is sent as the first message once the session is
	// running.
	Prompt string `json:"prompt,omitempty"`
	// PermissionMode overrides the configured default.
	PermissionMode string `json:"permissionMode,omitempty"`
	// Model overrides the configured default.
	Model string `json:"model,omitempty"`
}

// ImageAttachment is an inline image sent alongside a prompt.
type ImageAttachment struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mimeType"`
}

// Manager owns all agent sessions. Operations on one session never block on
// another; per-session turns are serialized.
type Manager struct {
	cfg     ManagerConfig
	backend Backend
	reg     *registry.Registry
	store   *archive.Store
	sink    events.Sink

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an agent session manager.
func NewManager(cfg ManagerConfig, backend Backend, reg *registry.Registry, store *archive.Store, sink events.Sink) *Manager {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	if cfg.PromptTimeout <= 0 {
		cfg.PromptTimeout = 60 * time.Minute
	}
	if cfg.DefaultPermissionMode == "" {
		cfg.DefaultPermissionMode = "default"
	}
	return &Manager{
		cfg:      cfg,
		backend:  backend,
		reg:      reg,
		store:    store,
		sink:     sink,
		sessions: make(map[string]*Session),
	}
}

// StartSession creates a session in Starting and launches the agent in the
// background. It returns as soon as the session is claimed; the transition
// to Running (or the launch failure) is reported through status and error
// events.
func (m *Manager) StartSession(opts StartOptions) (string, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if err := m.reg.Claim(id, registry.KindAgent); err != nil {
		return "", err
	}

	s := newSession(m, id, opts.Cwd)
	if opts.PermissionMode != "" {
		s.permMode = opts.PermissionMode
	}
	if opts.Model != "" {
		s.model = opts.Model
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.persist(s)
	s.emitStatus(StateStarting, "")

	// Hold the turn slot across the launch so an immediate sendMessage
	// queues behind it instead of racing the handshake.
	s.turnSem <- struct{}{}
	go func() {
		err := s.launch(context.Background(), "")
		if err != nil {
			slog.Error("agent: session launch failed", "session", id, "error", err)
			s.fail(err)
			s.releaseTurn()
			return
		}
		s.releaseTurn()
		if opts.Prompt != "" {
			if err := m.SendMessage(context.Background(), id, opts.Prompt, nil); err != nil {
				slog.Warn("agent: initial prompt failed", "session", id, "error", err)
			}
		}
	}()

	return id, nil
}

// SendMessage delivers one prompt turn. A resting session is woken first; a
// stopped session fails with ErrInvalidState. Turns on the same session are
// serialized; streamed events are emitted asynchronously and in order.
func (m *Manager) SendMessage(ctx context.Context, id, text string, images []ImageAttachment) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	if err := s.acquireTurn(ctx); err != nil {
		return err
	}
	defer s.releaseTurn()

	s.mu.Lock()
	state := s.state
	resumeID := s.conversationID
	s.mu.Unlock()

	switch state {
	case StateStopped:
		return fmt.Errorf("session %s is stopped: %w", id, ErrInvalidState)
	case StateResting:
		// Implicit wake.
		if err := s.launch(ctx, resumeID); err != nil {
			return fmt.Errorf("wake before send failed: %w", err)
		}
	}

	s.mu.Lock()
	conn := s.conn
	excerpt := text
	if len(excerpt) > lastPromptMaxLen {
		excerpt = excerpt[:lastPromptMaxLen]
	}
	s.lastPrompt = excerpt
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("session %s has no live connection: %w", id, ErrInvalidState)
	}
	m.persist(s)

	// Agents do not echo live user input, so record and announce it here.
	userPayload := events.Payload(MessagePayload{Role: "user", Text: text})
	s.handleUpdate(Update{
		Kind:    events.AgentMessage,
		Message: &archive.Message{Role: "user", Content: userPayload},
		Payload: userPayload,
	})

	blocks := []PromptBlock{{Text: text}}
	for _, img := range images {
		blocks = append(blocks, PromptBlock{ImageData: img.Data, MimeType: img.MimeType})
	}

	promptCtx, cancel := context.WithTimeout(ctx, m.cfg.PromptTimeout)
	s.mu.Lock()
	s.turnCancel = cancel
	s.mu.Unlock()

	res, err := conn.Prompt(promptCtx, blocks)

	s.mu.Lock()
	s.turnCancel = nil
	s.mu.Unlock()
	cancel()

	if err != nil {
		m.sink.Deliver(events.Event{
			SessionID: id,
			Kind:      events.AgentError,
			Payload:   events.Payload(ErrorPayload{Message: err.Error()}),
		})
		return fmt.Errorf("prompt failed: %w", err)
	}

	m.sink.Deliver(events.Event{
		SessionID: id,
		Kind:      events.AgentResult,
		Payload:   events.Payload(ResultPayload{StopReason: res.StopReason}),
	})
	s.trimWindow()
	return nil
}

// StopSession terminates a session. Idempotent; outstanding permission and
// ask-user requests are discarded and any in-flight turn is unblocked.
func (m *Manager) StopSession(id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	if s.turnCancel != nil {
		s.turnCancel()
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.pending = make(map[string]*pendingRequest)
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			slog.Warn("agent: connection close failed", "session", id, "error", err)
		}
	}
	m.persist(s)
	s.emitStatus(StateStopped, "")
	// The tombstone keeps the id reserved, but its delivery queue is not
	// needed until a resume delivers again.
	events.Drop(m.sink, id)
	return nil
}

// RestSession suspends a session's process resources while preserving its
// conversation identity. An in-flight turn is flushed first.
func (m *Manager) RestSession(ctx context.Context, id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	if err := s.acquireTurn(ctx); err != nil {
		return err
	}
	defer s.releaseTurn()

	s.mu.Lock()
	switch s.state {
	case StateResting:
		s.mu.Unlock()
		return nil
	case StateRunning:
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot rest session in state %s: %w", state, ErrInvalidState)
	}
	s.state = StateResting
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			slog.Warn("agent: connection close failed", "session", id, "error", err)
		}
	}
	m.persist(s)
	s.emitStatus(StateResting, "")
	return nil
}

// WakeSession restores a resting session's process. Calling it on a running
// session is a no-op returning true.
func (m *Manager) WakeSession(ctx context.Context, id string) (bool, error) {
	s, err := m.get(id)
	if err != nil {
		return false, err
	}
	if err := s.acquireTurn(ctx); err != nil {
		return false, err
	}
	defer s.releaseTurn()

	s.mu.Lock()
	state := s.state
	resumeID := s.conversationID
	s.mu.Unlock()

	switch state {
	case StateRunning:
		return true, nil
	case StateResting:
		if err := s.launch(ctx, resumeID); err != nil {
			m.sink.Deliver(events.Event{
				SessionID: id,
				Kind:      events.AgentError,
				Payload:   events.Payload(ErrorPayload{Message: err.Error()}),
			})
			return false, fmt.Errorf("wake failed: %w", err)
		}
		return true, nil
	default:
		return false, fmt.Errorf("cannot wake session in state %s: %w", state, ErrInvalidState)
	}
}

// IsResting reports whether the session is in the Resting state.
func (m *Manager) IsResting(id string) (bool, error) {
	s, err := m.get(id)
	if err != nil {
		return false, err
	}
	return s.currentState() == StateResting, nil
}

// ResumeSession revives a stopped or unknown session id from a previously
// recorded backend conversation id.
func (m *Manager) ResumeSession(ctx context.Context, id, sdkSessionID, cwd string) error {
	// An already-claimed id is acceptable only when it is our own stopped
	// tombstone; ids held by live agent sessions or other session kinds stay
	// reserved.
	claimed := true
	if err := m.reg.Claim(id, registry.KindAgent); err != nil {
		claimed = false
		if kind, lookupErr := m.reg.Lookup(id); lookupErr != nil || kind != registry.KindAgent {
			return fmt.Errorf("session id %s is owned by another session kind: %w", id, registry.ErrDuplicateSession)
		}
		m.mu.Lock()
		existing, ok := m.sessions[id]
		m.mu.Unlock()
		if !ok || existing.currentState() != StateStopped {
			return fmt.Errorf("session %s is live: %w", id, registry.ErrDuplicateSession)
		}
	}

	s := newSession(m, id, cwd)
	if rec, err := m.store.GetSession(id); err == nil && rec != nil {
		if cwd == "" {
			s.cwd = rec.Cwd
		}
		if rec.Model != "" {
			s.model = rec.Model
		}
		s.effort = rec.Effort
		if rec.PermissionMode != "" {
			s.permMode = rec.PermissionMode
		}
		s.extendedContext = rec.ExtendedContext
	}

	s.turnSem <- struct{}{}
	err := s.launch(ctx, sdkSessionID)
	s.releaseTurn()
	if err != nil {
		if claimed {
			m.reg.Release(id)
		}
		return fmt.Errorf("session %s: %v: %w", id, err, ErrResumeFailed)
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return nil
}

// ResetSession discards the conversation and starts a fresh one under the
// same id and configuration. The archive is kept.
func (m *Manager) ResetSession(ctx context.Context, id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	if err := s.acquireTurn(ctx); err != nil {
		return err
	}
	defer s.releaseTurn()

	s.mu.Lock()
	if s.state != StateRunning && s.state != StateResting {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot reset session in state %s: %w", state, ErrInvalidState)
	}
	conn := s.conn
	s.conn = nil
	s.conversationID = ""
	s.window = nil
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			slog.Warn("agent: connection close failed", "session", id, "error", err)
		}
	}
	if err := s.launch(ctx, ""); err != nil {
		s.fail(err)
		return fmt.Errorf("reset relaunch failed: %w", err)
	}
	return nil
}

// SetPermissionMode changes the session's permission mode. Applied live when
// the connection supports it, otherwise on the next launch.
func (m *Manager) SetPermissionMode(ctx context.Context, id, mode string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.permMode = mode
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		if err := conn.SetMode(ctx, mode); err != nil {
			slog.Warn("agent: live permission mode change failed, applying on next turn", "session", id, "error", err)
		}
	}
	m.persist(s)
	s.emitModeChange()
	return nil
}

// SetModel changes the session's model.
func (m *Manager) SetModel(ctx context.Context, id, model string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.model = model
	ext := s.extendedContext
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		if err := conn.SetModel(ctx, effectiveModel(model, ext)); err != nil {
			slog.Warn("agent: live model change failed, applying on next turn", "session", id, "error", err)
		}
	}
	m.persist(s)
	s.emitModeChange()
	return nil
}

// SetEffort records the reasoning effort for the session. It takes effect on
// the next launch; the wire protocol has no mid-session effort call.
func (m *Manager) SetEffort(id, effort string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.effort = effort
	s.mu.Unlock()

	m.persist(s)
	s.emitModeChange()
	return nil
}

// Set1MContext toggles the extended context window. Applied live through a
// model variant switch when connected, otherwise on the next launch.
func (m *Manager) Set1MContext(ctx context.Context, id string, enabled bool) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.extendedContext = enabled
	model := s.model
	conn := s.conn
	s.mu.Unlock()

	if conn != nil && model != "" {
		if err := conn.SetModel(ctx, effectiveModel(model, enabled)); err != nil {
			slog.Warn("agent: live context window change failed, applying on next turn", "session", id, "error", err)
		}
	}
	m.persist(s)
	s.emitModeChange()
	return nil
}

// GetSupportedModels lists the model ids the backend advertised at start.
func (m *Manager) GetSupportedModels(id string) ([]string, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.models...), nil
}

// ResolvePermission answers an outstanding permission request.
func (m *Manager) ResolvePermission(id, toolUseID string, res Response) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.resolve(RequestPermission, toolUseID, res)
}

// ResolveAskUser answers an outstanding ask-user request.
func (m *Manager) ResolveAskUser(id, toolUseID string, answers []string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.resolve(RequestAskUser, toolUseID, Response{Answers: answers})
}

// ListSessions returns the persisted session index, filtered by cwd when
// non-empty, with live lifecycle state overlaid.
func (m *Manager) ListSessions(cwd string) ([]archive.SessionRecord, error) {
	recs, err := m.store.ListSessions(cwd)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range recs {
		if s, ok := m.sessions[recs[i].ID]; ok {
			recs[i].State = string(s.currentState())
		}
	}
	return recs, nil
}

// Messages returns a copy of the session's in-memory window.
func (m *Manager) Messages(id string) ([]archive.Message, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]archive.Message(nil), s.window...), nil
}

// ArchiveMessages moves the given batch out of the window into the archive.
// The batch must be the oldest prefix of the window; the move is atomic, so
// no message is ever lost or duplicated between window and archive.
func (m *Manager) ArchiveMessages(id string, msgs []archive.Message) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(msgs) > len(s.window) {
		return fmt.Errorf("batch of %d exceeds window of %d: %w", len(msgs), len(s.window), ErrInvalidState)
	}
	for i := range msgs {
		if msgs[i].Role != s.window[i].Role || !bytes.Equal(msgs[i].Content, s.window[i].Content) {
			return fmt.Errorf("batch is not the oldest window prefix: %w", ErrInvalidState)
		}
	}
	if err := m.store.AppendMessages(id, s.window[:len(msgs)]); err != nil {
		return err
	}
	s.window = append([]archive.Message(nil), s.window[len(msgs):]...)
	return nil
}

// LoadArchived returns one archive page. The archive outlives the live
// session, so this works for stopped sessions too.
func (m *Manager) LoadArchived(id string, offset, limit int) (archive.Page, error) {
	return m.store.LoadPage(id, offset, limit)
}

// ClearArchive irreversibly discards a session's archived messages.
func (m *Manager) ClearArchive(id string) error {
	return m.store.ClearArchive(id)
}

// CloseAll stops every live session. Used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.StopSession(id); err != nil {
			slog.Warn("agent: stop during shutdown failed", "session", id, "error", err)
		}
	}
}

func (m *Manager) get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("agent session %s: %w", id, registry.ErrUnknownSession)
	}
	return s, nil
}

// persist writes the session's index record; failures are logged, never
// fatal to the session.
func (m *Manager) persist(s *Session) {
	if err := m.store.UpsertSession(s.record()); err != nil {
		slog.Warn("agent: session index write failed", "session", s.id, "error", err)
	}
}
