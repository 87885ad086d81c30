package pty

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/termbench/benchd/internal/events"
	"github.com/termbench/benchd/internal/registry"
)

func newTestManager(t *testing.T) (*Manager, *events.Dispatcher) {
	t.Helper()
	d := events.NewDispatcher(0)
	t.Cleanup(d.Close)
	m := NewManager(ManagerConfig{
		DefaultShell: "/bin/sh",
		DefaultCols:  80,
		DefaultRows:  24,
		KillGrace:    2 * time.Second,
		BufferSize:   64 * 1024,
	}, registry.New(), d)
	t.Cleanup(m.CloseAll)
	return m, d
}

// outputCollector accumulates decoded PTY output for one session.
type outputCollector struct {
	mu  sync.Mutex
	buf strings.Builder

	exitMu   sync.Mutex
	exited   bool
	exitCode int
}

func attachCollector(t *testing.T, d *events.Dispatcher, id string) *outputCollector {
	t.Helper()
	c := &outputCollector{}
	d.Subscribe(id, "", func(e events.Event) {
		switch e.Kind {
		case events.PtyOutput:
			var p OutputPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				t.Errorf("bad output payload: %v", err)
				return
			}
			c.mu.Lock()
			c.buf.Write(p.Data)
			c.mu.Unlock()
		case events.PtyExit:
			var p ExitPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				t.Errorf("bad exit payload: %v", err)
				return
			}
			c.exitMu.Lock()
			c.exited = true
			c.exitCode = p.Code
			c.exitMu.Unlock()
		}
	})
	return c
}

func (c *outputCollector) waitFor(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		s := c.buf.String()
		c.mu.Unlock()
		if strings.Contains(s, substr) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t.Fatalf("output never contained %q; got %q", substr, c.buf.String())
}

func (c *outputCollector) waitExit(t *testing.T) int {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		c.exitMu.Lock()
		exited, code := c.exited, c.exitCode
		c.exitMu.Unlock()
		if exited {
			return code
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no exit event")
	return 0
}

func TestCreateWriteKillLifecycle(t *testing.T) {
	m, d := newTestManager(t)

	id, err := m.Create(CreateOptions{Cwd: "/tmp", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	c := attachCollector(t, d, id)

	if err := m.Write(id, []byte("echo hi-there\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	c.waitFor(t, "hi-there")

	if err := m.Kill(id); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	code := c.waitExit(t)
	if code > 255 || code < ExitCodeUnknown {
		t.Fatalf("implausible exit code %d", code)
	}

	if err := m.Write(id, []byte("x")); !errors.Is(err, registry.ErrUnknownSession) {
		t.Fatalf("write after kill: got %v, want ErrUnknownSession", err)
	}
}

func TestWriteAfterCloseReportsUnknownSession(t *testing.T) {
	m, _ := newTestManager(t)

	id, err := m.Create(CreateOptions{Cwd: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	// Hold the session handle across Kill, like a write racing teardown.
	s, err := m.get(id)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Kill(id); err != nil {
		t.Fatal(err)
	}

	if err := s.write([]byte("x")); !errors.Is(err, registry.ErrUnknownSession) {
		t.Fatalf("write on closed session: got %v, want ErrUnknownSession", err)
	}
	if err := s.resize(100, 40); !errors.Is(err, registry.ErrUnknownSession) {
		t.Fatalf("resize on closed session: got %v, want ErrUnknownSession", err)
	}
}

// dropLog wraps a dispatcher and records which session queues were torn down.
type dropLog struct {
	*events.Dispatcher
	mu      sync.Mutex
	dropped []string
}

func (l *dropLog) DropSession(id string) {
	l.Dispatcher.DropSession(id)
	l.mu.Lock()
	l.dropped = append(l.dropped, id)
	l.mu.Unlock()
}

func (l *dropLog) droppedIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.dropped...)
}

func waitDropped(t *testing.T, l *dropLog, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, got := range l.droppedIDs() {
			if got == id {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queue for %s never torn down; dropped: %v", id, l.droppedIDs())
}

func TestExitReleasesEventQueue(t *testing.T) {
	d := events.NewDispatcher(0)
	t.Cleanup(d.Close)
	sink := &dropLog{Dispatcher: d}
	m := NewManager(ManagerConfig{
		DefaultShell: "/bin/sh",
		KillGrace:    2 * time.Second,
		BufferSize:   64 * 1024,
	}, registry.New(), sink)
	t.Cleanup(m.CloseAll)

	killed, err := m.Create(CreateOptions{Cwd: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	ck := attachCollector(t, d, killed)
	if err := m.Kill(killed); err != nil {
		t.Fatal(err)
	}
	ck.waitExit(t)
	waitDropped(t, sink, killed)

	// A spontaneous exit tears the queue down too, after the exit event.
	exited, err := m.Create(CreateOptions{Cwd: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	ce := attachCollector(t, d, exited)
	if err := m.Write(exited, []byte("exit 0\n")); err != nil {
		t.Fatal(err)
	}
	ce.waitExit(t)
	waitDropped(t, sink, exited)
}

func TestWriteOrderPreserved(t *testing.T) {
	m, d := newTestManager(t)

	id, err := m.Create(CreateOptions{Cwd: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	c := attachCollector(t, d, id)

	// Stitch the marker together from sequential writes; reordering any of
	// them would break the echoed token.
	for _, part := range []string{"echo ", "alpha-", "beta-", "gamma", "\n"} {
		if err := m.Write(id, []byte(part)); err != nil {
			t.Fatalf("Write(%q) failed: %v", part, err)
		}
	}
	c.waitFor(t, "alpha-beta-gamma")
}

func TestSpontaneousExitEmitsCode(t *testing.T) {
	m, d := newTestManager(t)

	id, err := m.Create(CreateOptions{Cwd: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	c := attachCollector(t, d, id)

	if err := m.Write(id, []byte("exit 3\n")); err != nil {
		t.Fatal(err)
	}
	if code := c.waitExit(t); code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
	if _, err := m.GetCwd(id); !errors.Is(err, registry.ErrUnknownSession) {
		t.Fatalf("session still present after exit: %v", err)
	}
}

func TestResizeIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)

	id, err := m.Create(CreateOptions{Cwd: "/tmp", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Resize(id, 120, 40); err != nil {
		t.Fatalf("first resize: %v", err)
	}
	// Identical dimensions repeatedly, as a UI would during a drag.
	for i := 0; i < 50; i++ {
		if err := m.Resize(id, 120, 40); err != nil {
			t.Fatalf("repeat resize %d: %v", i, err)
		}
	}
	if err := m.Resize(id, 81, 25); err != nil {
		t.Fatalf("final resize: %v", err)
	}
}

func TestCreateErrors(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.Create(CreateOptions{Cwd: "/no/such/dir"}); !errors.Is(err, ErrSpawn) {
		t.Fatalf("missing cwd: got %v, want ErrSpawn", err)
	}
	if _, err := m.Create(CreateOptions{Cwd: "/tmp", Shell: "/no/such/shell"}); !errors.Is(err, ErrSpawn) {
		t.Fatalf("bad shell: got %v, want ErrSpawn", err)
	}

	// A failed spawn must release the id for reuse.
	if _, err := m.Create(CreateOptions{ID: "t1", Cwd: "/no/such/dir"}); err == nil {
		t.Fatal("expected spawn failure")
	}
	if _, err := m.Create(CreateOptions{ID: "t1", Cwd: "/tmp"}); err != nil {
		t.Fatalf("id not released after failed spawn: %v", err)
	}
}

func TestDuplicateIDRejected(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.Create(CreateOptions{ID: "dup", Cwd: "/tmp"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(CreateOptions{ID: "dup", Cwd: "/tmp"}); !errors.Is(err, registry.ErrDuplicateSession) {
		t.Fatalf("got %v, want ErrDuplicateSession", err)
	}
}

func TestRestartPreservesSubscriptions(t *testing.T) {
	m, d := newTestManager(t)

	id, err := m.Create(CreateOptions{Cwd: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	c := attachCollector(t, d, id)

	if err := m.Write(id, []byte("echo before-restart\n")); err != nil {
		t.Fatal(err)
	}
	c.waitFor(t, "before-restart")

	if err := m.Restart(id, "/tmp", ""); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}

	// The same subscription keeps receiving output from the new process,
	// and no exit event fires for the replaced one.
	if err := m.Write(id, []byte("echo after-restart\n")); err != nil {
		t.Fatal(err)
	}
	c.waitFor(t, "after-restart")

	c.exitMu.Lock()
	exited := c.exited
	c.exitMu.Unlock()
	if exited {
		t.Fatal("restart emitted an exit event")
	}
}

func TestGetCwdReportsLiveDirectory(t *testing.T) {
	m, d := newTestManager(t)

	id, err := m.Create(CreateOptions{Cwd: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	c := attachCollector(t, d, id)

	cwd, err := m.GetCwd(id)
	if err != nil {
		t.Fatalf("GetCwd failed: %v", err)
	}
	// /tmp may resolve through a symlink (e.g. /private/tmp).
	if !strings.HasSuffix(cwd, "tmp") {
		t.Fatalf("cwd = %q, want */tmp", cwd)
	}

	if err := m.Write(id, []byte("cd / && echo moved\n")); err != nil {
		t.Fatal(err)
	}
	c.waitFor(t, "moved")

	deadline := time.Now().Add(5 * time.Second)
	for {
		cwd, err = m.GetCwd(id)
		if err != nil {
			t.Fatalf("GetCwd failed: %v", err)
		}
		if cwd == "/" || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if cwd != "/" {
		t.Skipf("live cwd query not effective on this platform, got %q", cwd)
	}
}

func TestSnapshotHoldsRecentOutput(t *testing.T) {
	m, d := newTestManager(t)

	id, err := m.Create(CreateOptions{Cwd: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	c := attachCollector(t, d, id)

	if err := m.Write(id, []byte("echo snapshot-marker\n")); err != nil {
		t.Fatal(err)
	}
	c.waitFor(t, "snapshot-marker")

	snap, err := m.Snapshot(id)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(snap), "snapshot-marker") {
		t.Fatalf("snapshot missing marker: %q", snap)
	}
}
