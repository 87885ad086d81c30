package pty

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/termbench/benchd/internal/events"
	"github.com/termbench/benchd/internal/registry"
)

// CreateOptions configures a new PTY session. ID is caller-chosen and must be
// unique across all session kinds; if empty, a random id is generated. Shell
// falls back to the manager default, Cols/Rows to the default geometry.
type CreateOptions struct {
	ID    string `json:"id,omitempty"`
	Cwd   string `json:"cwd"`
	Shell string `json:"shell,omitempty"`
	Cols  int    `json:"cols"`
	Rows  int    `json:"rows"`
}

// ManagerConfig holds the manager's defaults.
type ManagerConfig struct {
	DefaultShell string
	DefaultCols  int
	DefaultRows  int
	KillGrace    time.Duration
	BufferSize   int // recent-output ring buffer capacity in bytes
}

// Manager owns the set of live PTY sessions. All process handles are private
// to the manager; callers address sessions by id.
type Manager struct {
	cfg  ManagerConfig
	reg  *registry.Registry
	sink events.Sink

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a PTY session manager that reports events to sink and
// claims ids in reg.
func NewManager(cfg ManagerConfig, reg *registry.Registry, sink events.Sink) *Manager {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 3 * time.Second
	}
	if cfg.DefaultCols <= 0 {
		cfg.DefaultCols = 80
	}
	if cfg.DefaultRows <= 0 {
		cfg.DefaultRows = 24
	}
	return &Manager{
		cfg:      cfg,
		reg:      reg,
		sink:     sink,
		sessions: make(map[string]*Session),
	}
}

// Create spawns a PTY-backed shell and returns the session id.
func (m *Manager) Create(opts CreateOptions) (string, error) {
	id := opts.ID
	if id == "" {
		var err error
		if id, err = generateID(); err != nil {
			return "", fmt.Errorf("generate session id: %w", err)
		}
	}
	shell := opts.Shell
	if shell == "" {
		shell = m.cfg.DefaultShell
	}
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = m.cfg.DefaultCols
	}
	if rows <= 0 {
		rows = m.cfg.DefaultRows
	}

	if err := m.reg.Claim(id, registry.KindPty); err != nil {
		return "", err
	}

	p, err := spawn(opts.Cwd, shell, cols, rows)
	if err != nil {
		m.reg.Release(id)
		return "", err
	}

	s := &Session{
		ID:     id,
		proc:   p,
		cwd:    opts.Cwd,
		shell:  shell,
		cols:   cols,
		rows:   rows,
		recent: NewRingBuffer(m.cfg.BufferSize),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	go m.run(s, p)

	slog.Info("pty session created", "sessionId", id, "cwd", opts.Cwd, "shell", shell)
	return id, nil
}

// run pumps output for one process generation, then emits the exit event and
// destroys the session, unless the generation was replaced by Restart.
func (m *Manager) run(s *Session, p *proc) {
	code := s.pump(p, m.sink)
	close(p.done)

	s.mu.Lock()
	replaced := s.proc != p
	if !replaced {
		s.proc = nil
	}
	restarting := s.restarting
	s.mu.Unlock()
	if replaced || restarting {
		return
	}

	m.sink.Deliver(events.Event{
		SessionID: s.ID,
		Kind:      events.PtyExit,
		Payload:   events.Payload(ExitPayload{Code: code}),
	})
	m.remove(s.ID)
	events.Drop(m.sink, s.ID)
	slog.Info("pty session exited", "sessionId", s.ID, "code", code)
}

// Write forwards raw bytes to the session's input stream. Bytes from
// consecutive calls reach the process in call order.
func (m *Manager) Write(id string, data []byte) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.write(data)
}

// Resize propagates new dimensions. Safe to call at UI frame rate.
func (m *Manager) Resize(id string, cols, rows int) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.resize(cols, rows)
}

// Kill terminates the session's process and removes the session. The exit
// event is emitted by the output pump after the final output chunk.
func (m *Manager) Kill(id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.terminate(m.cfg.KillGrace)
	m.remove(id)
	return nil
}

// Restart replaces the session's process under the same id. Observer
// subscriptions survive; no exit event is emitted for the old process.
func (m *Manager) Restart(id, cwd, shell string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	if shell == "" {
		shell = m.cfg.DefaultShell
	}

	s.mu.Lock()
	s.restarting = true
	cols, rows := s.cols, s.rows
	s.mu.Unlock()

	s.terminate(m.cfg.KillGrace)

	p, err := spawn(cwd, shell, cols, rows)

	s.mu.Lock()
	s.restarting = false
	if err != nil {
		s.closed = true
		s.mu.Unlock()
		m.remove(id)
		events.Drop(m.sink, id)
		return err
	}
	s.proc = p
	s.cwd = cwd
	s.shell = shell
	s.recent.Reset()
	s.mu.Unlock()

	go m.run(s, p)

	slog.Info("pty session restarted", "sessionId", id, "cwd", cwd, "shell", shell)
	return nil
}

// GetCwd queries the OS for the process's live working directory.
// Best-effort: shells change directory without notifying the manager, and on
// platforms without a live query this returns the spawn directory.
func (m *Manager) GetCwd(id string) (string, error) {
	s, err := m.get(id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	spawnCwd := s.cwd
	var pid int
	if s.proc != nil && s.proc.cmd.Process != nil {
		pid = s.proc.cmd.Process.Pid
	}
	s.mu.Unlock()

	if pid > 0 {
		if cwd, err := processCwd(pid); err == nil && cwd != "" {
			return cwd, nil
		}
	}
	return spawnCwd, nil
}

// Snapshot returns the session's recent output for late-attaching observers.
func (m *Manager) Snapshot(id string) ([]byte, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s.recent.Bytes(), nil
}

// List returns the ids of all live PTY sessions.
func (m *Manager) List() []string {
	return m.reg.List(registry.KindPty)
}

// CloseAll kills every session, for daemon shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = m.Kill(id)
		}(id)
	}
	wg.Wait()
}

func (m *Manager) get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, registry.ErrUnknownSession
	}
	return s, nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		m.reg.Release(id)
	}
}

// generateID returns a random 128-bit hex session id.
func generateID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
