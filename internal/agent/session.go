package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/termbench/benchd/internal/archive"
	"github.com/termbench/benchd/internal/events"
)

var (
	// ErrInvalidState marks an operation that is illegal for the session's
	// current lifecycle state.
	ErrInvalidState = errors.New("invalid session state")
	// ErrNoPendingRequest marks a resolution with no matching outstanding
	// permission or ask-user request.
	ErrNoPendingRequest = errors.New("no pending request")
	// ErrResumeFailed marks a resumeSession whose backend conversation could
	// not be restored.
	ErrResumeFailed = errors.New("resume failed")
)

// State is an agent session's lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateResting  State = "resting"
	StateStopped  State = "stopped"
)

// lastPromptMaxLen bounds the persisted last-prompt excerpt.
const lastPromptMaxLen = 200

// Session is one live agent conversation. All fields behind mu; lifecycle
// transitions and prompt turns are additionally serialized by turnSem so a
// second sendMessage queues behind the first instead of interleaving.
type Session struct {
	id string
	m  *Manager

	// turnSem is a one-slot semaphore serializing turns and lifecycle
	// transitions that touch the backend connection.
	turnSem chan struct{}

	mu              sync.Mutex
	state           State
	cwd             string
	model           string
	effort          string
	permMode        string
	extendedContext bool
	conversationID  string
	conn            Conn
	models          []string
	window          []archive.Message
	pending         map[string]*pendingRequest
	lastPrompt      string
	turnCancel      context.CancelFunc
	stopCh          chan struct{}
	createdAt       time.Time
}

type pendingRequest struct {
	kind RequestKind
	resp chan Response
}

func newSession(m *Manager, id, cwd string) *Session {
	return &Session{
		id:        id,
		m:         m,
		turnSem:   make(chan struct{}, 1),
		state:     StateStarting,
		cwd:       cwd,
		permMode:  m.cfg.DefaultPermissionMode,
		model:     m.cfg.DefaultModel,
		pending:   make(map[string]*pendingRequest),
		stopCh:    make(chan struct{}),
		createdAt: time.Now().UTC(),
	}
}

// acquireTurn blocks until the session's turn slot is free.
func (s *Session) acquireTurn(ctx context.Context) error {
	select {
	case s.turnSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return fmt.Errorf("session %s stopped: %w", s.id, ErrInvalidState)
	}
}

func (s *Session) releaseTurn() {
	<-s.turnSem
}

// launch starts (or restarts) the backend conversation. Callers must hold
// the turn slot. resumeID reattaches to a prior conversation when set.
func (s *Session) launch(ctx context.Context, resumeID string) error {
	s.mu.Lock()
	spec := StartSpec{
		SessionID:       s.id,
		Cwd:             s.cwd,
		ResumeID:        resumeID,
		Model:           s.model,
		Effort:          s.effort,
		PermissionMode:  s.permMode,
		ExtendedContext: s.extendedContext,
	}
	s.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, s.m.cfg.StartTimeout)
	defer cancel()

	conn, err := s.m.backend.Start(startCtx, spec, Hooks{
		OnUpdate:  s.handleUpdate,
		OnRequest: s.handleRequest,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.conversationID = conn.ConversationID()
	if models := conn.Models(); len(models) > 0 {
		s.models = models
	}
	s.state = StateRunning
	s.mu.Unlock()

	s.m.persist(s)
	s.emitStatus(StateRunning, "")
	return nil
}

// fail marks a session dead after a launch failure, reporting through the
// error event rather than crashing anything else.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = StateStopped
	s.pending = make(map[string]*pendingRequest)
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.mu.Unlock()

	s.m.persist(s)
	s.m.sink.Deliver(events.Event{
		SessionID: s.id,
		Kind:      events.AgentError,
		Payload:   events.Payload(ErrorPayload{Message: err.Error()}),
	})
	s.emitStatus(StateStopped, err.Error())
	events.Drop(s.m.sink, s.id)
}

// handleUpdate receives streamed updates from the backend, in order.
func (s *Session) handleUpdate(u Update) {
	if u.Message != nil {
		msg := *u.Message
		if msg.CreatedAt == "" {
			msg.CreatedAt = time.Now().UTC().Format(time.RFC3339)
		}
		s.mu.Lock()
		s.window = append(s.window, msg)
		s.mu.Unlock()
	}
	s.m.sink.Deliver(events.Event{SessionID: s.id, Kind: u.Kind, Payload: u.Payload})
}

// handleRequest parks a permission or ask-user request until it is resolved,
// the turn is cancelled, or the session stops.
func (s *Session) handleRequest(ctx context.Context, req Request) Response {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return Response{Cancelled: true}
	}
	pr := &pendingRequest{kind: req.Kind, resp: make(chan Response, 1)}
	s.pending[req.ToolUseID] = pr
	stopCh := s.stopCh
	s.mu.Unlock()

	kind := events.AgentPermission
	if req.Kind == RequestAskUser {
		kind = events.AgentAskUser
	}
	s.m.sink.Deliver(events.Event{
		SessionID: s.id,
		Kind:      kind,
		Payload: events.Payload(RequestPayload{
			ToolUseID: req.ToolUseID,
			Options:   req.Options,
			Questions: req.Questions,
		}),
	})

	select {
	case r := <-pr.resp:
		return r
	case <-ctx.Done():
	case <-stopCh:
	}
	s.mu.Lock()
	delete(s.pending, req.ToolUseID)
	s.mu.Unlock()
	return Response{Cancelled: true}
}

// resolve answers an outstanding request of the given kind.
func (s *Session) resolve(kind RequestKind, toolUseID string, r Response) error {
	s.mu.Lock()
	pr, ok := s.pending[toolUseID]
	if !ok || pr.kind != kind {
		s.mu.Unlock()
		return fmt.Errorf("session %s, request %s: %w", s.id, toolUseID, ErrNoPendingRequest)
	}
	delete(s.pending, toolUseID)
	s.mu.Unlock()

	pr.resp <- r
	return nil
}

func (s *Session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) emitStatus(state State, detail string) {
	s.m.sink.Deliver(events.Event{
		SessionID: s.id,
		Kind:      events.AgentStatus,
		Payload:   events.Payload(StatusPayload{State: string(state), Detail: detail}),
	})
}

func (s *Session) emitModeChange() {
	s.mu.Lock()
	p := ModeChangePayload{
		PermissionMode:  s.permMode,
		Model:           s.model,
		Effort:          s.effort,
		ExtendedContext: s.extendedContext,
	}
	s.mu.Unlock()
	s.m.sink.Deliver(events.Event{
		SessionID: s.id,
		Kind:      events.AgentModeChange,
		Payload:   events.Payload(p),
	})
}

// trimWindow archives the oldest messages once the window exceeds its cap,
// keeping window plus archive equal to the full history.
func (s *Session) trimWindow() {
	limit := s.m.cfg.MessageWindow
	if limit <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	overflow := len(s.window) - limit
	if overflow <= 0 {
		return
	}
	batch := append([]archive.Message(nil), s.window[:overflow]...)
	if err := s.m.store.AppendMessages(s.id, batch); err != nil {
		slog.Warn("agent: window overflow archive failed, keeping messages in memory", "session", s.id, "error", err)
		return
	}
	s.window = append([]archive.Message(nil), s.window[overflow:]...)
}

func (s *Session) record() archive.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return archive.SessionRecord{
		ID:              s.id,
		SDKSessionID:    s.conversationID,
		Cwd:             s.cwd,
		Model:           s.model,
		Effort:          s.effort,
		PermissionMode:  s.permMode,
		ExtendedContext: s.extendedContext,
		State:           string(s.state),
		LastPrompt:      s.lastPrompt,
	}
}
