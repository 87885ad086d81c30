package agent

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// agentProcess manages an ACP adapter subprocess. It pipes stdin/stdout for
// NDJSON communication and keeps stderr for diagnostics.
type agentProcess struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	startTime time.Time
	mu        sync.Mutex
	stopped   bool
}

// processConfig holds what startProcess needs to spawn an agent.
type processConfig struct {
	// Command is the binary name (e.g. "claude-code-acp").
	Command string
	// Args are additional CLI arguments.
	Args []string
	// Dir is the working directory the process runs in.
	Dir string
	// Env are extra environment variables appended to the inherited set.
	Env []string
}

// startProcess spawns an agent process in cfg.Dir. The process communicates
// via NDJSON over stdin/stdout.
func startProcess(cfg processConfig) (*agentProcess, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	slog.Info("agent process started", "command", cfg.Command, "dir", cfg.Dir, "pid", cmd.Process.Pid)

	return &agentProcess{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		startTime: time.Now(),
	}, nil
}

// Stdin returns the writer to the agent's stdin.
func (p *agentProcess) Stdin() io.Writer {
	return p.stdin
}

// Stdout returns the reader from the agent's stdout.
func (p *agentProcess) Stdout() io.Reader {
	return p.stdout
}

// Stderr returns the reader from the agent's stderr.
func (p *agentProcess) Stderr() io.Reader {
	return p.stderr
}

// Stop kills the agent process and waits for it to exit. Idempotent.
func (p *agentProcess) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	p.stopped = true

	// Close stdin first to signal the agent to exit gracefully.
	p.stdin.Close()

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.cmd.Wait()

	return nil
}

// Wait waits for the agent process to exit and returns its error, if any.
func (p *agentProcess) Wait() error {
	return p.cmd.Wait()
}
