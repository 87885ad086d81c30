// Package pty manages the live PTY-backed shell sessions of the workbench.
package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/termbench/benchd/internal/events"
	"github.com/termbench/benchd/internal/registry"
)

// ErrSpawn reports that the shell process could not be started, usually
// because the working directory does not exist or the shell path is not
// executable.
var ErrSpawn = errors.New("process spawn failed")

// OutputPayload carries a chunk of raw terminal output. Data is
// base64-encoded on the wire by encoding/json.
type OutputPayload struct {
	Data []byte `json:"data"`
}

// ExitPayload carries the process exit code. Code is ExitCodeUnknown when the
// OS did not report one.
type ExitPayload struct {
	Code int `json:"code"`
}

// ExitCodeUnknown is emitted when the real exit code is unavailable.
const ExitCodeUnknown = -1

// proc is one generation of the underlying shell process. Restart replaces
// the proc while the Session identity (and observer subscriptions) survive.
type proc struct {
	cmd  *exec.Cmd
	ptmx *os.File
	done chan struct{} // closed when the read pump has finished
}

// Session is a live PTY session. The manager holds the only reference to the
// process; callers interact through the manager by session id.
type Session struct {
	ID string

	mu         sync.Mutex // guards proc swap, dims, closed
	writeMu    sync.Mutex // serializes Write calls independently of output
	proc       *proc
	cwd        string
	shell      string
	cols       int
	rows       int
	closed     bool
	restarting bool

	recent *RingBuffer
}

// spawn starts a shell under a PTY with the given geometry.
func spawn(cwd, shell string, cols, rows int) (*proc, error) {
	info, err := os.Stat(cwd)
	if err != nil {
		return nil, fmt.Errorf("%w: working directory %s: %v", ErrSpawn, cwd, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrSpawn, cwd)
	}

	resolved, err := resolveShell(shell)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	cmd := exec.Command(resolved)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrSpawn, resolved, err)
	}

	return &proc{cmd: cmd, ptmx: ptmx, done: make(chan struct{})}, nil
}

// resolveShell validates that the shell exists and is executable. Bare names
// are resolved via PATH.
func resolveShell(shell string) (string, error) {
	if !strings.Contains(shell, string(filepath.Separator)) {
		path, err := exec.LookPath(shell)
		if err != nil {
			return "", fmt.Errorf("shell %q not found in PATH", shell)
		}
		return path, nil
	}
	info, err := os.Stat(shell)
	if err != nil {
		return "", fmt.Errorf("shell %s: %v", shell, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("shell %s is not executable", shell)
	}
	return shell, nil
}

// write forwards raw bytes to the process input. A transient EAGAIN is
// retried once before surfacing.
func (s *Session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	p := s.proc
	closed := s.closed
	s.mu.Unlock()
	if closed || p == nil {
		return fmt.Errorf("session %s closed: %w", s.ID, registry.ErrUnknownSession)
	}

	_, err := p.ptmx.Write(data)
	if errors.Is(err, syscall.EAGAIN) {
		time.Sleep(time.Millisecond)
		_, err = p.ptmx.Write(data)
	}
	return err
}

// resize propagates new dimensions to the OS PTY. Calls with the current
// dimensions are skipped entirely, making high-frequency resize cheap.
func (s *Session) resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.proc == nil {
		return fmt.Errorf("session %s closed: %w", s.ID, registry.ErrUnknownSession)
	}
	if cols == s.cols && rows == s.rows {
		return nil
	}
	if err := pty.Setsize(s.proc.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return err
	}
	s.cols, s.rows = cols, rows
	return nil
}

// terminate stops the current process: graceful signal first, SIGKILL after
// the grace period. It returns once the read pump has drained.
func (s *Session) terminate(grace time.Duration) {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return
	}

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-p.done:
	case <-time.After(grace):
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-p.done
	}
}

// pump reads PTY output until the process exits, forwarding chunks to the
// sink in read order. It returns the process exit code.
func (s *Session) pump(p *proc, sink events.Sink) int {
	buf := make([]byte, 4096)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.recent.Write(chunk)
			sink.Deliver(events.Event{
				SessionID: s.ID,
				Kind:      events.PtyOutput,
				Payload:   events.Payload(OutputPayload{Data: chunk}),
			})
		}
		if err != nil {
			break // EIO/EOF when the child exits and the slave side closes
		}
	}

	err := p.cmd.Wait()
	_ = p.ptmx.Close()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = ExitCodeUnknown
		}
	} else if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	return code
}
